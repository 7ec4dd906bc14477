// Package config handles run configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cwbudde/shapeopt/internal/shapeopt"
	"github.com/cwbudde/shapeopt/internal/structural"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// Config holds all settings of an optimization run.
type Config struct {
	Mesh         MeshConfig         `yaml:"mesh"`
	Optimizer    OptimizerConfig    `yaml:"optimizer"`
	Structure    StructureConfig    `yaml:"structure"`
	Regularizers RegularizersConfig `yaml:"regularizers"`
	Output       OutputConfig       `yaml:"output"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MeshConfig selects the input mesh.
type MeshConfig struct {
	Path string `yaml:"path"` // ASCII PLY
}

// OptimizerConfig holds descent settings.
type OptimizerConfig struct {
	Device       string  `yaml:"device"`
	LearningRate float64 `yaml:"lr"`
	Momentum     float64 `yaml:"momentum"`
	Init         string  `yaml:"init_mode"`
	Seed         int64   `yaml:"seed"`
	Iterations   int     `yaml:"n_iter"`
}

// StructureConfig holds the structural model and loss.
type StructureConfig struct {
	LossType     string     `yaml:"loss_type"`
	YoungModulus float64    `yaml:"young_modulus"`
	SectionArea  float64    `yaml:"section_area"`
	ShearRatio   float64    `yaml:"shear_ratio"`
	NodalLoad    [3]float64 `yaml:"nodal_load"`
	BeamHaveLoad bool       `yaml:"beam_have_load"` // add bar self-weight
	Density      float64    `yaml:"density"`
}

// TermConfig enables one regularizer. Percentage -1 keeps it unnormalized.
type TermConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Percentage float64 `yaml:"percentage"`
}

// RegularizersConfig holds the geometric regularizers.
type RegularizersConfig struct {
	LaplacianSmoothing TermConfig `yaml:"laplacian_smoothing"`
	NormalConsistency  TermConfig `yaml:"normal_consistency"`
	FaceAreaVariance   TermConfig `yaml:"var_face_areas"`
	BoundaryReg        bool       `yaml:"boundary_reg"`
}

// OutputConfig controls checkpoints, progress and run records.
type OutputConfig struct {
	Save            bool   `yaml:"save"`
	SaveInterval    int    `yaml:"save_interval"`
	DisplayInterval int    `yaml:"display_interval"` // -1 disables
	Label           string `yaml:"label"`
	Prefix          string `yaml:"prefix"`
	TakeTimes       bool   `yaml:"take_times"`
	DataDir         string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	def := structural.DefaultOptions()
	return &Config{
		Optimizer: OptimizerConfig{
			Device:       shapeopt.DeviceCPU,
			LearningRate: 1e-3,
			Momentum:     0.9,
			Init:         string(shapeopt.InitPrecomputed),
			Iterations:   1000,
		},
		Structure: StructureConfig{
			LossType:     structural.LossCompliance,
			YoungModulus: def.YoungModulus,
			SectionArea:  def.SectionArea,
			ShearRatio:   def.ShearRatio,
			NodalLoad:    [3]float64{def.NodalLoad.X, def.NodalLoad.Y, def.NodalLoad.Z},
			Density:      def.Density,
		},
		Regularizers: RegularizersConfig{
			LaplacianSmoothing: TermConfig{Enabled: true, Percentage: 0.1},
			NormalConsistency:  TermConfig{Percentage: 0.1},
			FaceAreaVariance:   TermConfig{Percentage: 0.1},
		},
		Output: OutputConfig{
			SaveInterval:    100,
			DisplayInterval: 10,
			Label:           "run",
			DataDir:         "./data",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveTo writes the config to a specific path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ValidationError represents an invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + e.Field + " " + e.Reason
}

// Validate checks the values that cannot be rejected later by the
// components themselves.
func (c *Config) Validate() error {
	if c.Mesh.Path == "" {
		return &ValidationError{Field: "mesh.path", Reason: "is required"}
	}
	if c.Optimizer.Device != shapeopt.DeviceCPU {
		return &ValidationError{Field: "optimizer.device", Reason: fmt.Sprintf("%q is not supported", c.Optimizer.Device)}
	}
	if c.Optimizer.LearningRate < 0 {
		return &ValidationError{Field: "optimizer.lr", Reason: "cannot be negative"}
	}
	if c.Optimizer.Momentum < 0 {
		return &ValidationError{Field: "optimizer.momentum", Reason: "cannot be negative"}
	}
	if _, err := shapeopt.ParseInitMode(c.Optimizer.Init); err != nil {
		return &ValidationError{Field: "optimizer.init_mode", Reason: err.Error()}
	}
	if c.Optimizer.Iterations < 0 {
		return &ValidationError{Field: "optimizer.n_iter", Reason: "cannot be negative"}
	}
	switch c.Structure.LossType {
	case structural.LossCompliance, structural.LossEnergy, structural.LossDeformation:
	default:
		return &ValidationError{Field: "structure.loss_type", Reason: fmt.Sprintf("%q is not supported", c.Structure.LossType)}
	}
	if c.Structure.YoungModulus <= 0 || c.Structure.SectionArea <= 0 {
		return &ValidationError{Field: "structure", Reason: "young_modulus and section_area must be positive"}
	}
	if c.Structure.ShearRatio < 0 {
		return &ValidationError{Field: "structure.shear_ratio", Reason: "cannot be negative"}
	}
	for name, term := range map[string]TermConfig{
		"laplacian_smoothing": c.Regularizers.LaplacianSmoothing,
		"normal_consistency":  c.Regularizers.NormalConsistency,
		"var_face_areas":      c.Regularizers.FaceAreaVariance,
	} {
		if term.Enabled && term.Percentage < 0 && term.Percentage != shapeopt.Unnormalized {
			return &ValidationError{Field: "regularizers." + name + ".percentage", Reason: "must be non-negative or -1"}
		}
	}
	if c.Output.Save && c.Output.SaveInterval <= 0 {
		return &ValidationError{Field: "output.save_interval", Reason: "must be positive when saving"}
	}
	if c.Output.DisplayInterval == 0 || c.Output.DisplayInterval < -1 {
		return &ValidationError{Field: "output.display_interval", Reason: "must be positive or -1"}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Field: "logging.level", Reason: fmt.Sprintf("unknown level %q", c.Logging.Level)}
	}
	return nil
}

// Terms returns the regularizer requests in a fixed order.
func (c *Config) Terms() []shapeopt.TermSpec {
	r := c.Regularizers
	return []shapeopt.TermSpec{
		{Kind: shapeopt.LaplacianSmoothing, Enabled: r.LaplacianSmoothing.Enabled, Percentage: r.LaplacianSmoothing.Percentage},
		{Kind: shapeopt.NormalConsistency, Enabled: r.NormalConsistency.Enabled, Percentage: r.NormalConsistency.Percentage},
		{Kind: shapeopt.FaceAreaVariance, Enabled: r.FaceAreaVariance.Enabled, Percentage: r.FaceAreaVariance.Percentage},
	}
}

// OptimizerOptions converts the config for shapeopt.New.
func (c *Config) OptimizerOptions() (shapeopt.Options, error) {
	mode, err := shapeopt.ParseInitMode(c.Optimizer.Init)
	if err != nil {
		return shapeopt.Options{}, err
	}
	return shapeopt.Options{
		Device:       c.Optimizer.Device,
		LearningRate: c.Optimizer.LearningRate,
		Momentum:     c.Optimizer.Momentum,
		Init:         mode,
		Seed:         c.Optimizer.Seed,
		LossType:     c.Structure.LossType,
		Terms:        c.Terms(),
		BoundaryReg:  c.Regularizers.BoundaryReg,
	}, nil
}

// StructuralOptions converts the config for structural.New.
func (c *Config) StructuralOptions() structural.Options {
	s := c.Structure
	return structural.Options{
		YoungModulus: s.YoungModulus,
		SectionArea:  s.SectionArea,
		ShearRatio:   s.ShearRatio,
		NodalLoad:    r3.Vec{X: s.NodalLoad[0], Y: s.NodalLoad[1], Z: s.NodalLoad[2]},
		SelfWeight:   s.BeamHaveLoad,
		Density:      s.Density,
	}
}

// RunOptions converts the output settings for Optimizer.Run; the writer and
// metrics sink are supplied by the caller.
func (c *Config) RunOptions() shapeopt.RunOptions {
	o := c.Output
	return shapeopt.RunOptions{
		Iterations:      c.Optimizer.Iterations,
		Save:            o.Save,
		SaveInterval:    o.SaveInterval,
		DisplayInterval: o.DisplayInterval,
		Label:           o.Label,
		Prefix:          o.Prefix,
		TakeTimes:       o.TakeTimes,
	}
}
