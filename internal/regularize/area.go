package regularize

import (
	"github.com/cwbudde/shapeopt/internal/mesh"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// FaceAreaVariance is the unbiased sample variance of the face areas.
type FaceAreaVariance struct{}

// NewFaceAreaVariance returns the face-area variance regularizer.
func NewFaceAreaVariance() *FaceAreaVariance { return &FaceAreaVariance{} }

// Value implements Regularizer. Meshes with fewer than two faces have zero
// variance.
func (FaceAreaVariance) Value(m *mesh.Mesh) float64 {
	if m.NumFaces() < 2 {
		return 0
	}
	return stat.Variance(m.FaceAreas(), nil)
}

// Gradient implements Regularizer.
func (FaceAreaVariance) Gradient(m *mesh.Mesh, idx []int) ([]r3.Vec, error) {
	out := make([]r3.Vec, len(idx))
	nf := m.NumFaces()
	if nf < 2 {
		return out, nil
	}

	areas := m.FaceAreas()
	mean := stat.Mean(areas, nil)

	grad := make([]r3.Vec, m.NumVertices())
	for f := 0; f < nf; f++ {
		n := m.FaceNormal(f)
		if n == (r3.Vec{}) {
			continue
		}
		// ∂var/∂A_f = 2(A_f − μ)/(F−1); ∂A_f/∂v_k = ½ n × (v_{k+2} − v_{k+1}).
		w := 2 * (areas[f] - mean) / float64(nf-1)
		face := m.Face(f)
		for k := 0; k < 3; k++ {
			a, b := m.Vertex(face[(k+1)%3]), m.Vertex(face[(k+2)%3])
			dA := r3.Scale(0.5, r3.Cross(n, r3.Sub(b, a)))
			grad[face[k]] = r3.Add(grad[face[k]], r3.Scale(w, dA))
		}
	}

	for n, v := range idx {
		out[n] = grad[v]
	}
	return out, nil
}
