package main

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwbudde/shapeopt/internal/opt"
	"github.com/cwbudde/shapeopt/internal/shapeopt"
	"github.com/spf13/cobra"
)

var (
	sweepFlags  *configFlags
	lrMinExp    float64
	lrMaxExp    float64
	sweepIters  int
	sweepPop    int
	sweepGens   int
	sweepSeed   int64
	writeConfig string
)

const (
	maxMomentum = 0.99
	minSweepPop = 20 // smallest population mayfly accepts
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Search learning rate and momentum for a mesh",
	Long: `Runs short optimizations inside a Mayfly search over log10(lr) and momentum,
scoring each candidate by the best total loss it reaches.`,
	RunE: runSweep,
}

func init() {
	sweepFlags = addConfigFlags(sweepCmd)
	f := sweepCmd.Flags()
	f.Float64Var(&lrMinExp, "lr-min", -5, "Lower bound of log10(lr)")
	f.Float64Var(&lrMaxExp, "lr-max", -1, "Upper bound of log10(lr)")
	f.IntVar(&sweepIters, "sweep-iters", 50, "Iterations per candidate")
	f.IntVar(&sweepPop, "sweep-pop", minSweepPop, "Mayfly population size")
	f.IntVar(&sweepGens, "sweep-gens", 10, "Mayfly iterations")
	f.Int64Var(&sweepSeed, "sweep-seed", 42, "Mayfly random seed")
	f.StringVar(&writeConfig, "write-config", "", "Write the configuration with the best settings to this YAML file")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := sweepFlags.load(cmd)
	if err != nil {
		return err
	}
	if lrMinExp >= lrMaxExp {
		return fmt.Errorf("--lr-min (%g) must be below --lr-max (%g)", lrMinExp, lrMaxExp)
	}
	if sweepIters <= 0 || sweepGens <= 0 {
		return fmt.Errorf("--sweep-iters and --sweep-gens must be positive")
	}
	if sweepPop < minSweepPop {
		return fmt.Errorf("--sweep-pop must be at least %d, got %d", minSweepPop, sweepPop)
	}

	p, err := loadProblem(cfg, nil)
	if err != nil {
		return err
	}
	base, err := cfg.OptimizerOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ro := shapeopt.RunOptions{Iterations: sweepIters, DisplayInterval: -1}
	evals := 0

	score := func(x []float64) float64 {
		if ctx.Err() != nil {
			return math.Inf(1)
		}
		evals++
		opts := base
		opts.LearningRate = math.Pow(10, x[0])
		opts.Momentum = x[1]

		truss, err := p.newTruss()
		if err != nil {
			slog.Warn("Sweep candidate failed", "error", err)
			return math.Inf(1)
		}
		o, err := shapeopt.New(p.base, truss, opts)
		if err != nil {
			slog.Warn("Sweep candidate failed", "lr", opts.LearningRate, "momentum", opts.Momentum, "error", err)
			return math.Inf(1)
		}
		res, err := o.Run(ctx, ro)
		if err != nil || res.Best == nil {
			return math.Inf(1)
		}
		loss := res.Best.Record.Total
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return math.Inf(1)
		}
		slog.Debug("Sweep candidate", "eval", evals, "lr", opts.LearningRate, "momentum", opts.Momentum, "best_loss", loss)
		return loss
	}

	slog.Info("Starting sweep",
		"mesh", cfg.Mesh.Path,
		"lr_range", [2]float64{math.Pow(10, lrMinExp), math.Pow(10, lrMaxExp)},
		"iterations", sweepIters,
		"population", sweepPop,
		"generations", sweepGens,
	)

	search := opt.NewMayfly(sweepGens, sweepPop, sweepSeed)
	best, loss := search.Run(score, []float64{lrMinExp, 0}, []float64{lrMaxExp, maxMomentum}, 2)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sweep cancelled: %w", err)
	}

	cfg.Optimizer.LearningRate = math.Pow(10, best[0])
	cfg.Optimizer.Momentum = best[1]

	slog.Info("Sweep complete", "evaluations", evals, "lr", cfg.Optimizer.LearningRate, "momentum", cfg.Optimizer.Momentum, "best_loss", loss)
	fmt.Fprintf(cmd.OutOrStdout(), "Best settings: --lr %.4g --momentum %.4f (loss %.6g after %d iterations)\n",
		cfg.Optimizer.LearningRate, cfg.Optimizer.Momentum, loss, sweepIters)

	if writeConfig != "" {
		if err := cfg.SaveTo(writeConfig); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", writeConfig)
	}
	return nil
}
