package mesh

import "gonum.org/v1/gonum/spatial/r3"

// NewGrid builds a flat nx-by-ny vertex grid in the z=0 plane with the
// given spacing, split into two triangles per cell.
func NewGrid(nx, ny int, spacing float64) (*Mesh, error) {
	verts := make([]r3.Vec, 0, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			verts = append(verts, r3.Vec{X: float64(i) * spacing, Y: float64(j) * spacing})
		}
	}

	var faces [][3]int
	for j := 0; j+1 < ny; j++ {
		for i := 0; i+1 < nx; i++ {
			a := j*nx + i
			b := a + 1
			c := a + nx
			d := c + 1
			faces = append(faces, [3]int{a, b, d}, [3]int{a, d, c})
		}
	}
	return New(verts, faces)
}

// NewPyramid builds an open square pyramid: four base corners on z=0 and an
// apex at the given height. Only the apex lies off the open boundary.
func NewPyramid(half, height float64) (*Mesh, error) {
	verts := []r3.Vec{
		{X: -half, Y: -half},
		{X: half, Y: -half},
		{X: half, Y: half},
		{X: -half, Y: half},
		{Z: height},
	}
	faces := [][3]int{
		{0, 1, 4},
		{1, 2, 4},
		{2, 3, 4},
		{3, 0, 4},
	}
	return New(verts, faces)
}
