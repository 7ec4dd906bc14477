// Package structural evaluates the structural performance of a mesh modelled
// as a spring truss: every edge is a bar, constrained vertices are pinned and
// free vertices carry a nodal load.
package structural

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cwbudde/shapeopt/internal/mesh"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Supported loss types.
const (
	LossCompliance  = "compliance"
	LossEnergy      = "energy"
	LossDeformation = "deformation"
)

var (
	ErrUnsupportedLossType = errors.New("unsupported loss type")
	ErrSingular            = errors.New("stiffness matrix is not positive definite")
	ErrNoFreeVertices      = errors.New("mesh has no free vertices")
	ErrNotEvaluated        = errors.New("no evaluation state; call Evaluate first")
)

// Options holds the material and load parameters of the truss.
type Options struct {
	YoungModulus float64
	SectionArea  float64
	// ShearRatio adds ShearRatio*I to every bar's axial stiffness so flat
	// meshes resist out-of-plane loads.
	ShearRatio float64
	NodalLoad  r3.Vec
	// SelfWeight enables bar self-weight; Density is weight per unit length.
	SelfWeight bool
	Density    float64
}

// DefaultOptions returns unit material parameters and a unit downward load.
func DefaultOptions() Options {
	return Options{
		YoungModulus: 1,
		SectionArea:  1,
		ShearRatio:   0.1,
		NodalLoad:    r3.Vec{Z: -1},
		Density:      1,
	}
}

// Truss is the structural-loss evaluator. It caches the state of its last
// evaluation until ClearState is called.
type Truss struct {
	opts        Options
	constrained []bool
	free        []int
	dof         []int // vertex -> first DOF index, -1 when constrained

	// per-evaluation state
	mesh     *mesh.Mesh
	lossType string
	u        []r3.Vec
	chol     *mat.Cholesky
}

// New creates a truss for meshes sharing base's topology. constrained may be
// nil, in which case the open boundary vertices of base are pinned.
func New(base *mesh.Mesh, constrained []bool, opts Options) (*Truss, error) {
	if constrained == nil {
		constrained = base.BoundaryVertices()
	}
	if len(constrained) != base.NumVertices() {
		return nil, fmt.Errorf("constrained flags: got %d, mesh has %d vertices", len(constrained), base.NumVertices())
	}

	t := &Truss{
		opts:        opts,
		constrained: append([]bool(nil), constrained...),
		dof:         make([]int, base.NumVertices()),
	}
	pinned := 0
	for v, c := range t.constrained {
		if c {
			t.dof[v] = -1
			pinned++
			continue
		}
		t.dof[v] = 3 * len(t.free)
		t.free = append(t.free, v)
	}
	if len(t.free) == 0 {
		return nil, ErrNoFreeVertices
	}
	if pinned == 0 {
		return nil, fmt.Errorf("%w: no constrained vertices", ErrSingular)
	}

	slog.Debug("Truss created", "vertices", base.NumVertices(), "free", len(t.free), "constrained", pinned)
	return t, nil
}

// FreeVertices returns the indices of the non-constrained vertices in
// ascending order.
func (t *Truss) FreeVertices() []int {
	return append([]int(nil), t.free...)
}

// Constrained reports per vertex whether it is pinned.
func (t *Truss) Constrained() []bool {
	return append([]bool(nil), t.constrained...)
}

// Evaluate solves the truss on m and returns the requested loss. The
// deformation and factorisation are cached for Deformations and Gradient.
func (t *Truss) Evaluate(m *mesh.Mesh, lossType string) (float64, error) {
	switch lossType {
	case LossCompliance, LossEnergy, LossDeformation:
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedLossType, lossType)
	}
	if m.NumVertices() != len(t.dof) {
		return 0, fmt.Errorf("mesh has %d vertices, truss was built for %d", m.NumVertices(), len(t.dof))
	}

	k := t.stiffness(m)
	var chol mat.Cholesky
	if ok := chol.Factorize(k); !ok {
		return 0, ErrSingular
	}

	f := t.loads(m)
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, f); err != nil {
		return 0, fmt.Errorf("failed to solve truss: %w", err)
	}

	u := make([]r3.Vec, m.NumVertices())
	for _, v := range t.free {
		d := t.dof[v]
		u[v] = r3.Vec{X: x.AtVec(d), Y: x.AtVec(d + 1), Z: x.AtVec(d + 2)}
	}

	t.mesh = m
	t.lossType = lossType
	t.u = u
	t.chol = &chol

	return t.loss(f, u), nil
}

func (t *Truss) loss(f *mat.VecDense, u []r3.Vec) float64 {
	switch t.lossType {
	case LossCompliance:
		return mat.Dot(f, t.pack(u))
	case LossEnergy:
		return 0.5 * mat.Dot(f, t.pack(u))
	default:
		var sum float64
		for _, d := range u {
			sum += r3.Norm2(d)
		}
		return sum / float64(len(u))
	}
}

// Deformations returns the per-vertex displacement of the last evaluation,
// zero at constrained vertices. It returns nil after ClearState.
func (t *Truss) Deformations() []r3.Vec {
	if t.u == nil {
		return nil
	}
	return append([]r3.Vec(nil), t.u...)
}

// ClearState releases everything cached by the last evaluation.
func (t *Truss) ClearState() {
	t.mesh = nil
	t.lossType = ""
	t.u = nil
	t.chol = nil
}

// barStiffness returns the 3x3 block E*A/L (n n^T + s I) of the bar a-b.
func (t *Truss) barStiffness(a, b r3.Vec) *mat.Dense {
	d := r3.Sub(b, a)
	l := r3.Norm(d)
	c := t.opts.YoungModulus * t.opts.SectionArea / l
	n := [3]float64{d.X / l, d.Y / l, d.Z / l}

	k := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := n[i] * n[j]
			if i == j {
				v += t.opts.ShearRatio
			}
			k.Set(i, j, c*v)
		}
	}
	return k
}

func (t *Truss) stiffness(m *mesh.Mesh) *mat.SymDense {
	size := 3 * len(t.free)
	k := mat.NewSymDense(size, nil)

	add := func(di, dj int, block *mat.Dense, sign float64) {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				// SetSym writes both triangles, so only visit each pair once.
				if di+r > dj+c {
					continue
				}
				k.SetSym(di+r, dj+c, k.At(di+r, dj+c)+sign*block.At(r, c))
			}
		}
	}

	for _, e := range m.Edges() {
		i, j := e.V[0], e.V[1]
		block := t.barStiffness(m.Vertex(i), m.Vertex(j))
		di, dj := t.dof[i], t.dof[j]
		if di >= 0 {
			add(di, di, block, 1)
		}
		if dj >= 0 {
			add(dj, dj, block, 1)
		}
		if di >= 0 && dj >= 0 {
			lo, hi := di, dj
			if lo > hi {
				lo, hi = hi, lo
			}
			add(lo, hi, block, -1)
		}
	}
	return k
}

func (t *Truss) loads(m *mesh.Mesh) *mat.VecDense {
	f := make([]r3.Vec, m.NumVertices())
	for _, v := range t.free {
		f[v] = t.opts.NodalLoad
	}
	if t.opts.SelfWeight {
		for _, e := range m.Edges() {
			half := 0.5 * t.opts.Density * r3.Norm(r3.Sub(m.Vertex(e.V[1]), m.Vertex(e.V[0])))
			f[e.V[0]].Z -= half
			f[e.V[1]].Z -= half
		}
	}
	return t.pack(f)
}

// pack gathers the free rows of a per-vertex field into a DOF vector.
func (t *Truss) pack(field []r3.Vec) *mat.VecDense {
	x := mat.NewVecDense(3*len(t.free), nil)
	for _, v := range t.free {
		d := t.dof[v]
		x.SetVec(d, field[v].X)
		x.SetVec(d+1, field[v].Y)
		x.SetVec(d+2, field[v].Z)
	}
	return x
}
