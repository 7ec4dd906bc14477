package shapeopt

import (
	"errors"
	"fmt"

	"github.com/cwbudde/shapeopt/internal/mesh"
	"github.com/cwbudde/shapeopt/internal/opt"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
)

var errSessionClosed = errors.New("computation session is closed")

// Assembler turns displacement values into a candidate mesh and the total
// objective: the structural loss plus Σ scale·term over the enabled terms.
type Assembler struct {
	base      *mesh.Mesh
	structure Structure
	lossType  string
	free      []int
	terms     []Term
}

// Evaluation is one objective evaluation and its diagnostics.
type Evaluation struct {
	Mesh *mesh.Mesh
	// Offset is the per-vertex displacement applied to the base mesh.
	Offset         []r3.Vec
	StructuralLoss float64
	// TermValues holds the raw value of each enabled term, in term order.
	TermValues          []float64
	Total               float64
	MaxDisplacementNorm float64
	MaxDeformationNorm  float64
	// Quality is the per-vertex structural deformation norm.
	Quality []float64
}

// Session scopes the structure's per-evaluation state: it is opened before
// the objective is evaluated and closed after the gradient is taken. Close
// always releases the structure's cached state.
type Session struct {
	a      *Assembler
	ev     *Evaluation
	closed bool
}

// Open starts a computation session.
func (a *Assembler) Open() *Session {
	return &Session{a: a}
}

// Evaluate builds the candidate mesh for the current displacement values and
// evaluates every term on it.
func (s *Session) Evaluate(p *opt.Param) (*Evaluation, error) {
	if s.closed {
		return nil, errSessionClosed
	}
	a := s.a
	if p.Rows != len(a.free) || p.Cols != 3 {
		return nil, fmt.Errorf("displacements have shape (%d, %d), want (%d, 3)", p.Rows, p.Cols, len(a.free))
	}

	offset := make([]r3.Vec, a.base.NumVertices())
	for k, v := range a.free {
		row := p.Row(k)
		offset[v] = r3.Vec{X: row[0], Y: row[1], Z: row[2]}
	}
	m, err := a.base.ApplyOffset(offset)
	if err != nil {
		return nil, err
	}

	structural, err := a.structure.Evaluate(m, a.lossType)
	if err != nil {
		return nil, fmt.Errorf("structural evaluation: %w", err)
	}

	ev := &Evaluation{
		Mesh:           m,
		Offset:         offset,
		StructuralLoss: structural,
		Total:          structural,
		TermValues:     make([]float64, len(a.terms)),
		Quality:        make([]float64, m.NumVertices()),
	}

	def := a.structure.Deformations()
	for v := range ev.Quality {
		if v < len(def) {
			ev.Quality[v] = r3.Norm(def[v])
		}
	}
	ev.MaxDeformationNorm = floats.Max(ev.Quality)

	norms := make([]float64, len(offset))
	for v, o := range offset {
		norms[v] = r3.Norm(o)
	}
	ev.MaxDisplacementNorm = floats.Max(norms)

	for i, t := range a.terms {
		v := t.Regularizer.Value(m)
		ev.TermValues[i] = v
		ev.Total += t.Scale * v
	}

	s.ev = ev
	return ev, nil
}

// Backward accumulates the gradient of the last evaluated total into p.
func (s *Session) Backward(p *opt.Param) error {
	if s.closed {
		return errSessionClosed
	}
	if s.ev == nil {
		return fmt.Errorf("backward called before evaluate")
	}
	a := s.a

	grad := make([]float64, 3*len(a.free))
	add := func(rows []r3.Vec, scale float64) {
		for k, g := range rows {
			grad[3*k] += scale * g.X
			grad[3*k+1] += scale * g.Y
			grad[3*k+2] += scale * g.Z
		}
	}

	sg, err := a.structure.Gradient(a.free)
	if err != nil {
		return fmt.Errorf("structural gradient: %w", err)
	}
	add(sg, 1)

	for _, t := range a.terms {
		tg, err := t.Regularizer.Gradient(s.ev.Mesh, a.free)
		if err != nil {
			return fmt.Errorf("%s gradient: %w", t.Kind, err)
		}
		add(tg, t.Scale)
	}

	return p.AccumulateGrad(grad)
}

// Close releases the structure's per-evaluation state. It is safe to call
// more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.a.structure.ClearState()
	s.closed = true
}

// Record is the per-iteration diagnostic record of an evaluation.
func (ev *Evaluation) Record(iteration int, terms []Term) Record {
	rec := Record{
		Iteration:           iteration,
		StructuralLoss:      ev.StructuralLoss,
		Total:               ev.Total,
		MaxDisplacementNorm: ev.MaxDisplacementNorm,
		MaxDeformationNorm:  ev.MaxDeformationNorm,
		Terms:               make(map[TermKind]float64, len(terms)),
	}
	for i, t := range terms {
		rec.Terms[t.Kind] = ev.TermValues[i]
	}
	return rec
}
