// Package shapeopt drives gradient-based shape optimization of a structural
// mesh: free vertices are displaced to minimise a structural loss plus
// calibrated geometric regularizers.
package shapeopt

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/shapeopt/internal/mesh"
	"github.com/cwbudde/shapeopt/internal/regularize"
	"gonum.org/v1/gonum/spatial/r3"
)

// CalibrationEpsilon floors the initial regularizer value when computing
// its scaling factor.
const CalibrationEpsilon = 1e-3

// Unnormalized as a term percentage keeps the raw regularizer (scale 1).
const Unnormalized = -1

var ErrUnknownTerm = errors.New("unknown regularizer term")

// Structure is the structural-loss collaborator. Evaluate caches the state
// that Deformations and Gradient read until ClearState is called.
type Structure interface {
	Evaluate(m *mesh.Mesh, lossType string) (float64, error)
	// Gradient of the last evaluated loss w.r.t. the positions in idx.
	Gradient(idx []int) ([]r3.Vec, error)
	// Deformations of the last evaluation, one linear displacement per vertex.
	Deformations() []r3.Vec
	FreeVertices() []int
	ClearState()
}

// Regularizer is a differentiable scalar function of mesh geometry.
type Regularizer interface {
	Value(m *mesh.Mesh) float64
	Gradient(m *mesh.Mesh, idx []int) ([]r3.Vec, error)
}

// TermKind names a regularizer; the value doubles as its metric key.
type TermKind string

const (
	LaplacianSmoothing TermKind = "laplacian_smoothing"
	NormalConsistency  TermKind = "normal_consistency"
	FaceAreaVariance   TermKind = "var_face_areas"
)

// TermSpec requests a regularizer. Percentage is the target share of the
// initial structural loss, or Unnormalized.
type TermSpec struct {
	Kind       TermKind
	Enabled    bool
	Percentage float64
	// Regularizer overrides the evaluator normally built from Kind.
	Regularizer Regularizer
}

// Term is an enabled, calibrated regularizer.
type Term struct {
	Kind        TermKind
	Regularizer Regularizer
	Scale       float64
	// Initial is the value on the base mesh, NaN when it was not needed.
	Initial float64
}

func buildRegularizer(kind TermKind, base *mesh.Mesh, boundaryReg bool) (Regularizer, error) {
	switch kind {
	case LaplacianSmoothing:
		return regularize.NewLaplacianSmoothing(), nil
	case NormalConsistency:
		return regularize.NewNormalConsistency(base, boundaryReg), nil
	case FaceAreaVariance:
		return regularize.NewFaceAreaVariance(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTerm, kind)
	}
}

// Calibrate evaluates the structural loss on the unmodified base mesh once
// and derives one scaling factor per enabled term:
//
//	scale = p · loss₀ / max(term₀, ε)   (p ≠ -1)
//	scale = 1                          (p = -1)
//
// The evaluations are numeric only; the structure's state is cleared before
// returning.
func Calibrate(base *mesh.Mesh, structure Structure, lossType string, specs []TermSpec) (float64, []Term, error) {
	loss0, err := structure.Evaluate(base, lossType)
	structure.ClearState()
	if err != nil {
		return 0, nil, fmt.Errorf("initial structural evaluation: %w", err)
	}

	var terms []Term
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		if spec.Regularizer == nil {
			return 0, nil, fmt.Errorf("%w: %q has no evaluator", ErrUnknownTerm, spec.Kind)
		}

		term := Term{
			Kind:        spec.Kind,
			Regularizer: spec.Regularizer,
			Scale:       1,
			Initial:     math.NaN(),
		}
		if spec.Percentage != Unnormalized {
			term.Initial = spec.Regularizer.Value(base)
			term.Scale = spec.Percentage * loss0 / math.Max(term.Initial, CalibrationEpsilon)
		}
		slog.Debug("Calibrated term", "term", spec.Kind, "percentage", spec.Percentage, "initial", term.Initial, "scale", term.Scale)
		terms = append(terms, term)
	}
	return loss0, terms, nil
}
