package shapeopt

import (
	"log/slog"
	"math"

	"github.com/cwbudde/shapeopt/internal/mesh"
)

// Metric keys reported per iteration, alongside the term kinds.
const (
	MetricStructuralLoss      = "structural_loss"
	MetricLoss                = "loss"
	MetricMaxDisplacementNorm = "max_displacement_norm"
	MetricMaxDeformationNorm  = "max_load_deformation_norm"
	MetricBestIteration       = "best_iteration"

	bestSuffix = "_at_best_iteration"
)

// Record holds the scalar diagnostics of one iteration.
type Record struct {
	Iteration           int
	StructuralLoss      float64
	Terms               map[TermKind]float64
	Total               float64
	MaxDisplacementNorm float64
	MaxDeformationNorm  float64
}

// Metrics flattens the record into metric key/value pairs.
func (r Record) Metrics() map[string]float64 {
	m := map[string]float64{
		MetricStructuralLoss:      r.StructuralLoss,
		MetricLoss:                r.Total,
		MetricMaxDisplacementNorm: r.MaxDisplacementNorm,
		MetricMaxDeformationNorm:  r.MaxDeformationNorm,
	}
	for k, v := range r.Terms {
		m[string(k)] = v
	}
	return m
}

// Snapshot is the best state seen so far. Mesh and Quality are only kept
// when checkpointing is enabled.
type Snapshot struct {
	Iteration int
	Record    Record
	Mesh      *mesh.Mesh
	Quality   []float64
}

// Summary returns the best-iteration summary: best_iteration plus every
// metric suffixed with _at_best_iteration.
func (s *Snapshot) Summary() map[string]float64 {
	out := map[string]float64{MetricBestIteration: float64(s.Iteration)}
	for k, v := range s.Record.Metrics() {
		out[k+bestSuffix] = v
	}
	return out
}

// BestTracker keeps the lowest-total snapshot. Only a strictly lower total
// replaces it, so the first iteration reaching a minimum wins and non-finite
// totals never do.
type BestTracker struct {
	keepMesh bool
	bestLoss float64
	best     *Snapshot
	history  []float64
}

// NewBestTracker creates a tracker; keepMesh retains meshes for emission.
func NewBestTracker(keepMesh bool) *BestTracker {
	return &BestTracker{
		keepMesh: keepMesh,
		bestLoss: math.Inf(1),
	}
}

// Update records an iteration and returns true if it became the new best.
func (b *BestTracker) Update(rec Record, ev *Evaluation) bool {
	improved := rec.Total < b.bestLoss
	if improved {
		b.bestLoss = rec.Total
		snap := &Snapshot{Iteration: rec.Iteration, Record: rec}
		if b.keepMesh && ev != nil {
			snap.Mesh = ev.Mesh
			snap.Quality = append([]float64(nil), ev.Quality...)
		}
		b.best = snap
		slog.Debug("New best iteration", "iteration", rec.Iteration, "loss", rec.Total)
	}
	b.history = append(b.history, b.bestLoss)
	return improved
}

// Best returns the best snapshot, or nil if no finite total was seen.
func (b *BestTracker) Best() *Snapshot { return b.best }

// BestLoss returns the lowest total seen, +Inf initially.
func (b *BestTracker) BestLoss() float64 { return b.bestLoss }

// History returns the best loss after each update.
func (b *BestTracker) History() []float64 {
	return append([]float64{}, b.history...)
}
