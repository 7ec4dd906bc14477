package shapeopt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/cwbudde/shapeopt/internal/mesh"
	"github.com/cwbudde/shapeopt/internal/opt"
)

// DeviceCPU is the only compute device.
const DeviceCPU = "cpu"

var ErrUnsupportedDevice = errors.New("unsupported device")

// State is the lifecycle state of an Optimizer.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
)

// Options configures an Optimizer.
type Options struct {
	Device       string
	LearningRate float64
	Momentum     float64
	Init         InitMode
	Seed         int64
	LossType     string
	Terms        []TermSpec
	// BoundaryReg includes edges touching the open boundary in the normal
	// consistency term.
	BoundaryReg bool
}

// MetricsSink receives one metric mapping per iteration and a final summary.
type MetricsSink interface {
	Log(iteration int, metrics map[string]float64) error
	Summary(summary map[string]float64) error
}

// RunOptions configures a single Run.
type RunOptions struct {
	Iterations int
	Save       bool
	// SaveInterval is required when Save is set.
	SaveInterval int
	// DisplayInterval logs progress every N iterations; -1 disables it.
	DisplayInterval int
	Label           string
	Prefix          string
	TakeTimes       bool
	Writer          MeshWriter
	Metrics         MetricsSink
}

// Result is the outcome of a Run.
type Result struct {
	Iterations  int
	InitialLoss float64
	// Best is nil when no iteration ran or no total was finite.
	Best        *Snapshot
	BestHistory []float64
	Terms       []Term
}

// Optimizer owns the displacement parameter and its stepper. Independent
// optimizers share nothing and may coexist in one process.
type Optimizer struct {
	base        *mesh.Mesh
	assembler   *Assembler
	params      *opt.Param
	stepper     opt.Stepper
	initialLoss float64
	state       State
}

// New calibrates the enabled terms and seeds the displacement parameter.
func New(base *mesh.Mesh, structure Structure, opts Options) (*Optimizer, error) {
	device := opts.Device
	if device == "" {
		device = DeviceCPU
	}
	if device != DeviceCPU {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDevice, device)
	}

	specs := make([]TermSpec, len(opts.Terms))
	copy(specs, opts.Terms)
	for i := range specs {
		if !specs[i].Enabled || specs[i].Regularizer != nil {
			continue
		}
		reg, err := buildRegularizer(specs[i].Kind, base, opts.BoundaryReg)
		if err != nil {
			return nil, err
		}
		specs[i].Regularizer = reg
	}

	loss0, terms, err := Calibrate(base, structure, opts.LossType, specs)
	if err != nil {
		return nil, err
	}

	free := structure.FreeVertices()
	rng := rand.New(rand.NewSource(opts.Seed))
	params, err := newDisplacements(opts.Init, base, structure, opts.LossType, free, rng, device)
	if err != nil {
		return nil, err
	}

	stepper, err := opt.NewSGD(opts.LearningRate, opts.Momentum)
	if err != nil {
		return nil, err
	}

	slog.Info("Optimizer initialized",
		"vertices", base.NumVertices(),
		"free_vertices", len(free),
		"terms", len(terms),
		"initial_loss", loss0,
		"init", opts.Init,
	)

	return &Optimizer{
		base: base,
		assembler: &Assembler{
			base:      base,
			structure: structure,
			lossType:  opts.LossType,
			free:      free,
			terms:     terms,
		},
		params:      params,
		stepper:     stepper,
		initialLoss: loss0,
		state:       StateInitialized,
	}, nil
}

// Displacements returns the optimization variable.
func (o *Optimizer) Displacements() *opt.Param { return o.params }

// Terms returns the enabled, calibrated terms.
func (o *Optimizer) Terms() []Term { return append([]Term(nil), o.assembler.terms...) }

// InitialLoss is the structural loss of the unmodified base mesh.
func (o *Optimizer) InitialLoss() float64 { return o.initialLoss }

// State returns the lifecycle state.
func (o *Optimizer) State() State { return o.state }

// Run performs a fixed number of descent iterations. It can be called once.
func (o *Optimizer) Run(ctx context.Context, ro RunOptions) (*Result, error) {
	if o.state != StateInitialized {
		return nil, fmt.Errorf("optimizer is %s", o.state)
	}
	if ro.Save && ro.Writer == nil {
		return nil, fmt.Errorf("saving requires a mesh writer")
	}
	if ro.Save && ro.SaveInterval <= 0 {
		return nil, fmt.Errorf("invalid save interval: %d", ro.SaveInterval)
	}

	o.state = StateRunning
	defer func() { o.state = StateStopped }()

	emitter := &Emitter{
		Writer:   ro.Writer,
		Enabled:  ro.Save,
		Interval: ro.SaveInterval,
		Prefix:   ro.Prefix,
		Label:    ro.Label,
	}
	tracker := NewBestTracker(ro.Save)

	for it := 0; it < ro.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := o.iterate(it, ro, emitter, tracker); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
	}

	best := tracker.Best()
	if ro.Iterations > 0 {
		if best == nil {
			slog.Warn("No finite objective value; nothing to report as best")
		} else {
			if ro.Save {
				if err := emitter.EmitBest(best); err != nil {
					return nil, err
				}
			}
			if ro.Metrics != nil {
				if err := ro.Metrics.Summary(best.Summary()); err != nil {
					return nil, fmt.Errorf("failed to record summary: %w", err)
				}
			}
		}
	}

	return &Result{
		Iterations:  ro.Iterations,
		InitialLoss: o.initialLoss,
		Best:        best,
		BestHistory: tracker.History(),
		Terms:       o.Terms(),
	}, nil
}

func (o *Optimizer) iterate(it int, ro RunOptions, emitter *Emitter, tracker *BestTracker) error {
	iterStart := time.Now()

	sess := o.assembler.Open()
	defer sess.Close()

	o.params.ZeroGrad()

	ev, err := sess.Evaluate(o.params)
	if err != nil {
		return err
	}

	if emitter.Due(it) {
		if err := emitter.EmitIteration(it, ev); err != nil {
			return err
		}
	}

	rec := ev.Record(it, o.assembler.terms)
	if math.IsNaN(rec.Total) || math.IsInf(rec.Total, 0) {
		slog.Warn("Non-finite objective", "iteration", it, "loss", rec.Total, "structural_loss", rec.StructuralLoss)
	}

	if ro.DisplayInterval > 0 && it%ro.DisplayInterval == 0 {
		slog.Info("Iteration", "iteration", it, "loss", rec.Total, "structural_loss", rec.StructuralLoss)
	}

	if ro.Metrics != nil {
		if err := ro.Metrics.Log(it, rec.Metrics()); err != nil {
			return fmt.Errorf("failed to record metrics: %w", err)
		}
	}

	backStart := time.Now()
	if err := sess.Backward(o.params); err != nil {
		return err
	}
	backElapsed := time.Since(backStart)

	if err := o.stepper.Step(o.params); err != nil {
		return err
	}

	sess.Close()

	tracker.Update(rec, ev)

	if ro.TakeTimes {
		slog.Debug("Iteration timing", "iteration", it, "elapsed", time.Since(iterStart), "backward", backElapsed)
	}
	return nil
}
