package main

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/shapeopt/internal/config"
	"github.com/spf13/cobra"
)

// configFlags binds the run configuration to command flags. Values come from
// defaults < --config file < flags that were explicitly set.
type configFlags struct {
	path string
	vals *config.Config
}

// overrides copies one flag's value from the flag scratch config.
var overrides = map[string]func(dst, src *config.Config){
	"mesh":      func(d, s *config.Config) { d.Mesh.Path = s.Mesh.Path },
	"device":    func(d, s *config.Config) { d.Optimizer.Device = s.Optimizer.Device },
	"lr":        func(d, s *config.Config) { d.Optimizer.LearningRate = s.Optimizer.LearningRate },
	"momentum":  func(d, s *config.Config) { d.Optimizer.Momentum = s.Optimizer.Momentum },
	"init":      func(d, s *config.Config) { d.Optimizer.Init = s.Optimizer.Init },
	"seed":      func(d, s *config.Config) { d.Optimizer.Seed = s.Optimizer.Seed },
	"iters":     func(d, s *config.Config) { d.Optimizer.Iterations = s.Optimizer.Iterations },
	"loss":      func(d, s *config.Config) { d.Structure.LossType = s.Structure.LossType },
	"beam-load": func(d, s *config.Config) { d.Structure.BeamHaveLoad = s.Structure.BeamHaveLoad },
	"laplacian": func(d, s *config.Config) {
		d.Regularizers.LaplacianSmoothing.Enabled = s.Regularizers.LaplacianSmoothing.Enabled
	},
	"laplacian-perc": func(d, s *config.Config) {
		d.Regularizers.LaplacianSmoothing.Percentage = s.Regularizers.LaplacianSmoothing.Percentage
	},
	"normal-consistency": func(d, s *config.Config) {
		d.Regularizers.NormalConsistency.Enabled = s.Regularizers.NormalConsistency.Enabled
	},
	"normal-consistency-perc": func(d, s *config.Config) {
		d.Regularizers.NormalConsistency.Percentage = s.Regularizers.NormalConsistency.Percentage
	},
	"var-face-areas": func(d, s *config.Config) {
		d.Regularizers.FaceAreaVariance.Enabled = s.Regularizers.FaceAreaVariance.Enabled
	},
	"var-face-areas-perc": func(d, s *config.Config) {
		d.Regularizers.FaceAreaVariance.Percentage = s.Regularizers.FaceAreaVariance.Percentage
	},
	"boundary-reg":     func(d, s *config.Config) { d.Regularizers.BoundaryReg = s.Regularizers.BoundaryReg },
	"save":             func(d, s *config.Config) { d.Output.Save = s.Output.Save },
	"save-interval":    func(d, s *config.Config) { d.Output.SaveInterval = s.Output.SaveInterval },
	"display-interval": func(d, s *config.Config) { d.Output.DisplayInterval = s.Output.DisplayInterval },
	"label":            func(d, s *config.Config) { d.Output.Label = s.Output.Label },
	"prefix":           func(d, s *config.Config) { d.Output.Prefix = s.Output.Prefix },
	"take-times":       func(d, s *config.Config) { d.Output.TakeTimes = s.Output.TakeTimes },
	"data-dir":         func(d, s *config.Config) { d.Output.DataDir = s.Output.DataDir },
}

func addConfigFlags(cmd *cobra.Command) *configFlags {
	cf := &configFlags{vals: config.Default()}
	v := cf.vals
	f := cmd.Flags()

	f.StringVar(&cf.path, "config", "", "YAML run configuration")
	f.StringVar(&v.Mesh.Path, "mesh", "", "Input mesh (ASCII PLY)")

	f.StringVar(&v.Optimizer.Device, "device", v.Optimizer.Device, "Compute device (cpu)")
	f.Float64Var(&v.Optimizer.LearningRate, "lr", v.Optimizer.LearningRate, "Learning rate")
	f.Float64Var(&v.Optimizer.Momentum, "momentum", v.Optimizer.Momentum, "SGD momentum")
	f.StringVar(&v.Optimizer.Init, "init", v.Optimizer.Init, "Displacement init: precomputed, uniform, normal, zeros")
	f.Int64Var(&v.Optimizer.Seed, "seed", v.Optimizer.Seed, "Random seed")
	f.IntVar(&v.Optimizer.Iterations, "iters", v.Optimizer.Iterations, "Number of iterations")

	f.StringVar(&v.Structure.LossType, "loss", v.Structure.LossType, "Structural loss: compliance, energy, deformation")
	f.BoolVar(&v.Structure.BeamHaveLoad, "beam-load", v.Structure.BeamHaveLoad, "Add bar self-weight to the loads")

	r := &v.Regularizers
	f.BoolVar(&r.LaplacianSmoothing.Enabled, "laplacian", r.LaplacianSmoothing.Enabled, "Enable laplacian smoothing")
	f.Float64Var(&r.LaplacianSmoothing.Percentage, "laplacian-perc", r.LaplacianSmoothing.Percentage, "Laplacian share of the initial loss (-1 = unnormalized)")
	f.BoolVar(&r.NormalConsistency.Enabled, "normal-consistency", r.NormalConsistency.Enabled, "Enable normal consistency")
	f.Float64Var(&r.NormalConsistency.Percentage, "normal-consistency-perc", r.NormalConsistency.Percentage, "Normal consistency share of the initial loss (-1 = unnormalized)")
	f.BoolVar(&r.FaceAreaVariance.Enabled, "var-face-areas", r.FaceAreaVariance.Enabled, "Enable face area variance")
	f.Float64Var(&r.FaceAreaVariance.Percentage, "var-face-areas-perc", r.FaceAreaVariance.Percentage, "Face area variance share of the initial loss (-1 = unnormalized)")
	f.BoolVar(&r.BoundaryReg, "boundary-reg", r.BoundaryReg, "Regularize normals across boundary edges")

	o := &v.Output
	f.BoolVar(&o.Save, "save", o.Save, "Write checkpoint meshes")
	f.IntVar(&o.SaveInterval, "save-interval", o.SaveInterval, "Write a checkpoint every N iterations")
	f.IntVar(&o.DisplayInterval, "display-interval", o.DisplayInterval, "Log progress every N iterations (-1 = off)")
	f.StringVar(&o.Label, "label", o.Label, "Checkpoint file label")
	f.StringVar(&o.Prefix, "prefix", o.Prefix, "Checkpoint file prefix (may include a directory)")
	f.BoolVar(&o.TakeTimes, "take-times", o.TakeTimes, "Log per-iteration timings")
	f.StringVar(&o.DataDir, "data-dir", o.DataDir, "Base directory for run records")

	return cf
}

// load resolves and validates the configuration and applies its logging
// section unless the logging flags were set.
func (cf *configFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cf.path)
	if err != nil {
		return nil, err
	}

	for name, apply := range overrides {
		if cmd.Flags().Changed(name) {
			apply(cfg, cf.vals)
		}
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.Logging.LogFile = logFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Logging.Level != logLevel || cfg.Logging.LogFile != logFile {
		logger = slog.New(newLogHandler(cfg.Logging.Level, cfg.Logging.LogFile))
		slog.SetDefault(logger)
	}

	slog.Debug("Configuration resolved", "config", cf.path, "mesh", cfg.Mesh.Path)
	return cfg, nil
}

func describeTerms(cfg *config.Config) string {
	s := ""
	for _, t := range cfg.Terms() {
		if t.Enabled {
			s += fmt.Sprintf(" %s=%g", t.Kind, t.Percentage)
		}
	}
	if s == "" {
		return "none"
	}
	return s[1:]
}
