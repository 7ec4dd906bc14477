// Package mesh holds the immutable triangle mesh the optimizer deforms.
package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is a triangle mesh. Positions and faces are never modified after
// construction; derived meshes share the topology of their base.
type Mesh struct {
	vertices  []r3.Vec
	faces     [][3]int
	faceAreas []float64
	topo      *topology
}

// New creates a mesh from vertex positions and triangle faces.
func New(vertices []r3.Vec, faces [][3]int) (*Mesh, error) {
	if len(vertices) == 0 {
		return nil, fmt.Errorf("mesh has no vertices")
	}
	for f, face := range faces {
		for _, v := range face {
			if v < 0 || v >= len(vertices) {
				return nil, fmt.Errorf("face %d references vertex %d out of range [0,%d)", f, v, len(vertices))
			}
		}
		if face[0] == face[1] || face[1] == face[2] || face[0] == face[2] {
			return nil, fmt.Errorf("face %d is degenerate: %v", f, face)
		}
	}

	verts := make([]r3.Vec, len(vertices))
	copy(verts, vertices)
	fs := make([][3]int, len(faces))
	copy(fs, faces)

	m := &Mesh{
		vertices: verts,
		faces:    fs,
		topo:     buildTopology(len(verts), fs),
	}
	m.faceAreas = m.computeFaceAreas()
	return m, nil
}

// ApplyOffset returns a new mesh whose positions are the receiver's plus
// offset. The receiver is left untouched.
func (m *Mesh) ApplyOffset(offset []r3.Vec) (*Mesh, error) {
	if len(offset) != len(m.vertices) {
		return nil, fmt.Errorf("offset has %d rows, mesh has %d vertices", len(offset), len(m.vertices))
	}
	verts := make([]r3.Vec, len(m.vertices))
	for i, v := range m.vertices {
		verts[i] = r3.Add(v, offset[i])
	}
	return m.withVertices(verts), nil
}

// WithVertices returns a mesh sharing the receiver's topology with the given
// positions. The slice is copied.
func (m *Mesh) WithVertices(vertices []r3.Vec) (*Mesh, error) {
	if len(vertices) != len(m.vertices) {
		return nil, fmt.Errorf("got %d positions, mesh has %d vertices", len(vertices), len(m.vertices))
	}
	verts := make([]r3.Vec, len(vertices))
	copy(verts, vertices)
	return m.withVertices(verts), nil
}

func (m *Mesh) withVertices(verts []r3.Vec) *Mesh {
	derived := &Mesh{
		vertices: verts,
		faces:    m.faces,
		topo:     m.topo,
	}
	derived.faceAreas = derived.computeFaceAreas()
	return derived
}

// NumVertices returns the vertex count.
func (m *Mesh) NumVertices() int { return len(m.vertices) }

// NumFaces returns the face count.
func (m *Mesh) NumFaces() int { return len(m.faces) }

// Vertex returns the position of vertex i.
func (m *Mesh) Vertex(i int) r3.Vec { return m.vertices[i] }

// Vertices returns a copy of all positions.
func (m *Mesh) Vertices() []r3.Vec {
	out := make([]r3.Vec, len(m.vertices))
	copy(out, m.vertices)
	return out
}

// Face returns the vertex indices of face f.
func (m *Mesh) Face(f int) [3]int { return m.faces[f] }

// Faces returns a copy of the face list.
func (m *Mesh) Faces() [][3]int {
	out := make([][3]int, len(m.faces))
	copy(out, m.faces)
	return out
}

// FaceAreas returns the per-face areas. The slice must not be modified.
func (m *Mesh) FaceAreas() []float64 { return m.faceAreas }

// FaceNormal returns the unit normal of face f, or the zero vector for a
// face with no area.
func (m *Mesh) FaceNormal(f int) r3.Vec {
	c := m.faceCross(f)
	n := r3.Norm(c)
	if n == 0 {
		return r3.Vec{}
	}
	return r3.Scale(1/n, c)
}

// faceCross is (v1-v0) x (v2-v0); its norm is twice the face area.
func (m *Mesh) faceCross(f int) r3.Vec {
	face := m.faces[f]
	v0, v1, v2 := m.vertices[face[0]], m.vertices[face[1]], m.vertices[face[2]]
	return r3.Cross(r3.Sub(v1, v0), r3.Sub(v2, v0))
}

func (m *Mesh) computeFaceAreas() []float64 {
	areas := make([]float64, len(m.faces))
	for f := range m.faces {
		areas[f] = 0.5 * r3.Norm(m.faceCross(f))
	}
	return areas
}

// Edges returns the unique undirected edges with their incident faces.
func (m *Mesh) Edges() []Edge { return m.topo.edges }

// Neighbors returns the vertices sharing an edge with v.
func (m *Mesh) Neighbors(v int) []int { return m.topo.neighbors[v] }

// BoundaryVertices reports, per vertex, whether it lies on an open boundary
// (an edge with a single incident face).
func (m *Mesh) BoundaryVertices() []bool { return m.topo.boundary }
