package shapeopt

import (
	"fmt"
	"math"
	"testing"

	"github.com/cwbudde/shapeopt/internal/mesh"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

const quadLoss = "quad"

// quadStructure is a structure whose loss is Σ‖x_v − target_v‖² over the
// free vertices; its "deformation" is x_v − target_v.
type quadStructure struct {
	free   []int
	target map[int]r3.Vec
	nan    bool

	def    []r3.Vec
	evals  int
	clears int
}

func (q *quadStructure) Evaluate(m *mesh.Mesh, lossType string) (float64, error) {
	if lossType != quadLoss {
		return 0, fmt.Errorf("unsupported loss type %q", lossType)
	}
	q.evals++
	q.def = make([]r3.Vec, m.NumVertices())
	var sum float64
	for _, v := range q.free {
		d := r3.Sub(m.Vertex(v), q.target[v])
		q.def[v] = d
		sum += r3.Norm2(d)
	}
	if q.nan {
		return math.NaN(), nil
	}
	return sum, nil
}

func (q *quadStructure) Gradient(idx []int) ([]r3.Vec, error) {
	if q.def == nil {
		return nil, fmt.Errorf("not evaluated")
	}
	out := make([]r3.Vec, len(idx))
	for k, v := range idx {
		out[k] = r3.Scale(2, q.def[v])
	}
	return out, nil
}

func (q *quadStructure) Deformations() []r3.Vec {
	if q.def == nil {
		return nil
	}
	return append([]r3.Vec(nil), q.def...)
}

func (q *quadStructure) FreeVertices() []int { return append([]int(nil), q.free...) }

func (q *quadStructure) ClearState() {
	q.def = nil
	q.clears++
}

// sumSquares is s·Σ‖x_v‖² over all vertices.
type sumSquares struct{ s float64 }

func (r sumSquares) Value(m *mesh.Mesh) float64 {
	var sum float64
	for i := 0; i < m.NumVertices(); i++ {
		sum += r3.Norm2(m.Vertex(i))
	}
	return r.s * sum
}

func (r sumSquares) Gradient(m *mesh.Mesh, idx []int) ([]r3.Vec, error) {
	out := make([]r3.Vec, len(idx))
	for k, v := range idx {
		out[k] = r3.Scale(2*r.s, m.Vertex(v))
	}
	return out, nil
}

type recordingWriter struct {
	names     []string
	qualities [][]float64
}

func (w *recordingWriter) WriteMesh(m *mesh.Mesh, filename string, quality []float64) error {
	w.names = append(w.names, filename)
	w.qualities = append(w.qualities, quality)
	return nil
}

type recordingSink struct {
	logs    []map[string]float64
	summary map[string]float64
}

func (s *recordingSink) Log(iteration int, metrics map[string]float64) error {
	s.logs = append(s.logs, metrics)
	return nil
}

func (s *recordingSink) Summary(summary map[string]float64) error {
	s.summary = summary
	return nil
}

// pyramidFixture returns the open pyramid (apex at z=1, only the apex free)
// and a quadratic structure pulling the apex to z=0.5.
func pyramidFixture(t *testing.T) (*mesh.Mesh, *quadStructure) {
	t.Helper()
	m, err := mesh.NewPyramid(1, 1)
	require.NoError(t, err)
	return m, &quadStructure{
		free:   []int{4},
		target: map[int]r3.Vec{4: {Z: 0.5}},
	}
}

// gridFixture returns a 4x4 grid whose four interior vertices are free.
func gridFixture(t *testing.T) (*mesh.Mesh, *quadStructure) {
	t.Helper()
	m, err := mesh.NewGrid(4, 4, 1)
	require.NoError(t, err)
	q := &quadStructure{target: map[int]r3.Vec{}}
	for v, b := range m.BoundaryVertices() {
		if !b {
			q.free = append(q.free, v)
			q.target[v] = r3.Add(m.Vertex(v), r3.Vec{Z: 0.2})
		}
	}
	require.Len(t, q.free, 4)
	return m, q
}
