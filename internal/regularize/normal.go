package regularize

import (
	"github.com/cwbudde/shapeopt/internal/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// NormalConsistency is the mean of 1 − n₁·n₂ over the edges shared by two
// faces. Edges touching an open-boundary vertex are only counted when
// boundary regularization is enabled.
type NormalConsistency struct {
	edges [][2]int // face pairs
}

// NewNormalConsistency selects the regularized edges of base once; meshes
// passed to Value must share its topology.
func NewNormalConsistency(base *mesh.Mesh, boundaryReg bool) *NormalConsistency {
	boundary := base.BoundaryVertices()
	nc := &NormalConsistency{}
	for _, e := range base.Edges() {
		if !e.Interior() {
			continue
		}
		if !boundaryReg && (boundary[e.V[0]] || boundary[e.V[1]]) {
			continue
		}
		nc.edges = append(nc.edges, [2]int{e.Faces[0], e.Faces[1]})
	}
	return nc
}

// NumEdges returns how many face pairs contribute to the value.
func (nc *NormalConsistency) NumEdges() int { return len(nc.edges) }

// Value implements Regularizer.
func (nc *NormalConsistency) Value(m *mesh.Mesh) float64 {
	if len(nc.edges) == 0 {
		return 0
	}
	var sum float64
	for _, p := range nc.edges {
		sum += 1 - r3.Dot(m.FaceNormal(p[0]), m.FaceNormal(p[1]))
	}
	return sum / float64(len(nc.edges))
}

// Gradient implements Regularizer. Degenerate faces have no normal and
// contribute nothing.
func (nc *NormalConsistency) Gradient(m *mesh.Mesh, idx []int) ([]r3.Vec, error) {
	out := make([]r3.Vec, len(idx))
	if len(nc.edges) == 0 || len(idx) == 0 {
		return out, nil
	}

	nf := m.NumFaces()
	normals := make([]r3.Vec, nf)
	for f := range normals {
		normals[f] = m.FaceNormal(f)
	}

	// ∂value/∂n_f, summed over the edges of f.
	w := -1 / float64(len(nc.edges))
	dn := make([]r3.Vec, nf)
	for _, p := range nc.edges {
		dn[p[0]] = r3.Add(dn[p[0]], r3.Scale(w, normals[p[1]]))
		dn[p[1]] = r3.Add(dn[p[1]], r3.Scale(w, normals[p[0]]))
	}

	grad := make([]r3.Vec, m.NumVertices())
	for f := 0; f < nf; f++ {
		n := normals[f]
		if n == (r3.Vec{}) || dn[f] == (r3.Vec{}) {
			continue
		}
		face := m.Face(f)
		v0, v1, v2 := m.Vertex(face[0]), m.Vertex(face[1]), m.Vertex(face[2])
		c := r3.Norm(r3.Cross(r3.Sub(v1, v0), r3.Sub(v2, v0)))

		// n = c/‖c‖, so ∂/∂c = (I − n nᵀ)/‖c‖ · ∂/∂n; ∂(c·u)/∂v_k = u × (v_{k+2} − v_{k+1}).
		u := r3.Scale(1/c, r3.Sub(dn[f], r3.Scale(r3.Dot(n, dn[f]), n)))
		for k := 0; k < 3; k++ {
			a, b := m.Vertex(face[(k+1)%3]), m.Vertex(face[(k+2)%3])
			grad[face[k]] = r3.Add(grad[face[k]], r3.Cross(u, r3.Sub(b, a)))
		}
	}

	for n, v := range idx {
		out[n] = grad[v]
	}
	return out, nil
}
