package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cwbudde/shapeopt/internal/config"
	"github.com/cwbudde/shapeopt/internal/mesh"
	"github.com/cwbudde/shapeopt/internal/meshio"
	"github.com/cwbudde/shapeopt/internal/shapeopt"
	"github.com/cwbudde/shapeopt/internal/store"
	"github.com/cwbudde/shapeopt/internal/structural"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	runFlags   *configFlags
	continueID string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Optimize the shape of a mesh",
	Long: `Runs gradient descent on the displacements of the free vertices of a mesh,
writing checkpoint meshes, a metric trace and a run record.`,
	RunE: runOptimization,
}

func init() {
	runFlags = addConfigFlags(runCmd)
	runCmd.Flags().StringVar(&continueID, "continue", "", "Start from the best mesh of a previous run")
	rootCmd.AddCommand(runCmd)
}

// problem is a loaded mesh and the settings of the truss that evaluates it.
type problem struct {
	base        *mesh.Mesh
	constrained []bool
	opts        structural.Options
}

// newTruss builds a truss with its own solver state.
func (p *problem) newTruss() (*structural.Truss, error) {
	return structural.New(p.base, p.constrained, p.opts)
}

// loadProblem reads the input mesh. A non-nil start replaces the vertex
// positions, keeping the input's topology and constrained flags.
func loadProblem(cfg *config.Config, start *mesh.Mesh) (*problem, error) {
	doc, err := meshio.ReadPLY(cfg.Mesh.Path)
	if err != nil {
		return nil, err
	}
	base := doc.Mesh

	if start != nil {
		if !sameTopology(base, start) {
			return nil, fmt.Errorf("start mesh does not match the topology of %s", cfg.Mesh.Path)
		}
		if base, err = base.WithVertices(start.Vertices()); err != nil {
			return nil, err
		}
	}

	p := &problem{base: base, constrained: doc.Constrained(), opts: cfg.StructuralOptions()}
	slog.Info("Loaded mesh",
		"path", cfg.Mesh.Path,
		"vertices", base.NumVertices(),
		"faces", base.NumFaces(),
		"constrained_flags", p.constrained != nil,
	)
	return p, nil
}

func sameTopology(a, b *mesh.Mesh) bool {
	if a.NumVertices() != b.NumVertices() || a.NumFaces() != b.NumFaces() {
		return false
	}
	for f := 0; f < a.NumFaces(); f++ {
		if a.Face(f) != b.Face(f) {
			return false
		}
	}
	return true
}

// recordConfig is the part of cfg stored with a run record.
func recordConfig(cfg *config.Config) store.RunConfig {
	rc := store.RunConfig{
		MeshPath:     cfg.Mesh.Path,
		LossType:     cfg.Structure.LossType,
		Init:         cfg.Optimizer.Init,
		Iterations:   cfg.Optimizer.Iterations,
		LearningRate: cfg.Optimizer.LearningRate,
		Momentum:     cfg.Optimizer.Momentum,
		Seed:         cfg.Optimizer.Seed,
		BoundaryReg:  cfg.Regularizers.BoundaryReg,
	}
	for _, t := range cfg.Terms() {
		if t.Enabled {
			if rc.Terms == nil {
				rc.Terms = make(map[string]float64)
			}
			rc.Terms[string(t.Kind)] = t.Percentage
		}
	}
	return rc
}

// warmStart loads the best mesh of a previous compatible run.
func warmStart(st *store.FSStore, runID string, rc store.RunConfig) (*mesh.Mesh, error) {
	prev, err := st.LoadRun(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if err := prev.IsCompatible(rc); err != nil {
		return nil, fmt.Errorf("cannot continue run %s: %w", runID, err)
	}
	doc, err := meshio.ReadPLY(prev.BestMeshPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read best mesh of run %s: %w", runID, err)
	}
	slog.Info("Continuing from previous run",
		"run_id", runID,
		"best_iteration", prev.BestIteration,
		"best_loss", float64(prev.BestLoss),
		"mesh", prev.BestMeshPath,
	)
	return doc.Mesh, nil
}

func runOptimization(cmd *cobra.Command, args []string) error {
	cfg, err := runFlags.load(cmd)
	if err != nil {
		return err
	}

	st, err := store.NewFSStore(cfg.Output.DataDir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	rc := recordConfig(cfg)
	var start *mesh.Mesh
	if continueID != "" {
		if start, err = warmStart(st, continueID, rc); err != nil {
			return err
		}
		rc.ContinuedOf = continueID
	}

	p, err := loadProblem(cfg, start)
	if err != nil {
		return err
	}

	opts, err := cfg.OptimizerOptions()
	if err != nil {
		return err
	}
	truss, err := p.newTruss()
	if err != nil {
		return err
	}
	optimizer, err := shapeopt.New(p.base, truss, opts)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	trace, err := store.NewTraceWriter(cfg.Output.DataDir, runID, false)
	if err != nil {
		return err
	}
	defer trace.Close()

	if err := cfg.SaveTo(filepath.Join(st.RunDir(runID), "config.yaml")); err != nil {
		return fmt.Errorf("failed to save run config: %w", err)
	}

	ro := cfg.RunOptions()
	ro.Writer = meshio.FileWriter{}
	ro.Metrics = trace

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting optimization",
		"run_id", runID,
		"iterations", ro.Iterations,
		"lr", opts.LearningRate,
		"momentum", opts.Momentum,
		"init", opts.Init,
		"free_vertices", len(truss.FreeVertices()),
		"loss_type", opts.LossType,
		"terms", describeTerms(cfg),
	)

	started := time.Now()
	res, runErr := optimizer.Run(ctx, ro)
	elapsed := time.Since(started)

	if err := trace.Flush(); err != nil {
		slog.Warn("Failed to flush trace", "run_id", runID, "error", err)
	}

	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		rec := store.NewRunRecord(runID, store.StatusCancelled, optimizer.InitialLoss(), trace.Len(), rc)
		if err := st.SaveRun(runID, rec); err != nil {
			slog.Error("Failed to save run record", "run_id", runID, "error", err)
		}
		slog.Warn("Optimization cancelled", "run_id", runID, "completed_iterations", trace.Len(), "elapsed", elapsed)
		return fmt.Errorf("run %s cancelled: %w", runID, runErr)
	default:
		return fmt.Errorf("run %s failed: %w", runID, runErr)
	}

	rec := store.NewRunRecord(runID, store.StatusCompleted, res.InitialLoss, res.Iterations, rc)
	if best := res.Best; best != nil {
		// Emitted checkpoints are named by label only, so the run keeps
		// its own copy for --continue.
		meshPath := ""
		if ro.Save && best.Mesh != nil {
			meshPath = st.BestMeshPath(runID)
			if err := meshio.WritePLY(meshPath, best.Mesh, best.Quality); err != nil {
				return fmt.Errorf("failed to save best mesh: %w", err)
			}
		}
		rec.SetBest(best.Iteration, best.Record.Total, trace.BestSummary(), meshPath)
	}
	if err := st.SaveRun(runID, rec); err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}

	slog.Info("Optimization complete",
		"run_id", runID,
		"elapsed", elapsed,
		"initial_loss", res.InitialLoss,
		"best_loss", float64(rec.BestLoss),
		"best_iteration", rec.BestIteration,
	)

	if rec.HasBest() {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: loss %.6g -> %.6g (best iteration %d)\n",
			runID, res.InitialLoss, float64(rec.BestLoss), rec.BestIteration)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: no finite loss in %d iterations\n", runID, res.Iterations)
	}
	return nil
}
