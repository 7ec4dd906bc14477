// Package regularize implements geometric regularizers: differentiable scalar
// functions of a mesh that reward smooth, well-shaped surfaces.
package regularize

import (
	"github.com/cwbudde/shapeopt/internal/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// LaplacianSmoothing is the mean squared uniform Laplacian
// (1/V) Σ ‖v_i − mean(N(i))‖².
type LaplacianSmoothing struct{}

// NewLaplacianSmoothing returns a uniform-weight Laplacian smoother.
func NewLaplacianSmoothing() *LaplacianSmoothing { return &LaplacianSmoothing{} }

// laplacian returns v_i − mean(N(i)) per vertex; isolated vertices get zero.
func laplacian(m *mesh.Mesh) []r3.Vec {
	d := make([]r3.Vec, m.NumVertices())
	for i := range d {
		nb := m.Neighbors(i)
		if len(nb) == 0 {
			continue
		}
		var mean r3.Vec
		for _, j := range nb {
			mean = r3.Add(mean, m.Vertex(j))
		}
		d[i] = r3.Sub(m.Vertex(i), r3.Scale(1/float64(len(nb)), mean))
	}
	return d
}

// Value implements Regularizer.
func (LaplacianSmoothing) Value(m *mesh.Mesh) float64 {
	var sum float64
	for _, d := range laplacian(m) {
		sum += r3.Norm2(d)
	}
	return sum / float64(m.NumVertices())
}

// Gradient implements Regularizer.
//
//	∂/∂v_k = (2/V) (d_k − Σ_{i∈N(k)} d_i / |N(i)|)
func (LaplacianSmoothing) Gradient(m *mesh.Mesh, idx []int) ([]r3.Vec, error) {
	d := laplacian(m)
	scale := 2 / float64(m.NumVertices())

	out := make([]r3.Vec, len(idx))
	for n, k := range idx {
		g := d[k]
		for _, i := range m.Neighbors(k) {
			g = r3.Sub(g, r3.Scale(1/float64(len(m.Neighbors(i))), d[i]))
		}
		out[n] = r3.Scale(scale, g)
	}
	return out, nil
}
