package regularize

import (
	"math"
	"testing"

	"github.com/cwbudde/shapeopt/internal/mesh"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/spatial/r3"
)

type regularizer interface {
	Value(m *mesh.Mesh) float64
	Gradient(m *mesh.Mesh, idx []int) ([]r3.Vec, error)
}

func bumpyGrid(t *testing.T) *mesh.Mesh {
	t.Helper()
	return bumpyGridN(t, 4)
}

func bumpyGridN(t *testing.T, n int) *mesh.Mesh {
	t.Helper()
	g, err := mesh.NewGrid(n, n, 1)
	require.NoError(t, err)

	verts := g.Vertices()
	for i := range verts {
		verts[i].Z = 0.1 * math.Cos(float64(5*i+2))
		verts[i].X += 0.05 * math.Sin(float64(i))
	}
	m, err := g.WithVertices(verts)
	require.NoError(t, err)
	return m
}

// requireFiniteDifferenceGradient compares reg.Gradient at idx against
// central differences of reg.Value.
func requireFiniteDifferenceGradient(t *testing.T, reg regularizer, m *mesh.Mesh, idx []int) {
	t.Helper()
	got, err := reg.Gradient(m, idx)
	require.NoError(t, err)
	require.Len(t, got, len(idx))

	verts := m.Vertices()
	x := make([]float64, 3*len(idx))
	for k, v := range idx {
		x[3*k], x[3*k+1], x[3*k+2] = verts[v].X, verts[v].Y, verts[v].Z
	}
	f := func(x []float64) float64 {
		moved := append([]r3.Vec(nil), verts...)
		for k, v := range idx {
			moved[v] = r3.Vec{X: x[3*k], Y: x[3*k+1], Z: x[3*k+2]}
		}
		pm, err := m.WithVertices(moved)
		require.NoError(t, err)
		return reg.Value(pm)
	}
	want := fd.Gradient(nil, f, x, &fd.Settings{Formula: fd.Central, Step: 1e-5})

	for k := range idx {
		for c, gv := range []float64{got[k].X, got[k].Y, got[k].Z} {
			w := want[3*k+c]
			require.InDelta(t, w, gv, 1e-6+1e-4*math.Abs(w), "vertex %d component %d", idx[k], c)
		}
	}
}

func TestFlatGridIsRegular(t *testing.T) {
	g, err := mesh.NewGrid(4, 4, 1)
	require.NoError(t, err)

	require.InDelta(t, 0, NewFaceAreaVariance().Value(g), 1e-15)
	require.InDelta(t, 0, NewNormalConsistency(g, true).Value(g), 1e-15)

	// Interior vertices of a flat uniform grid have a zero uniform Laplacian,
	// boundary vertices do not.
	require.Greater(t, NewLaplacianSmoothing().Value(g), 0.0)
}

func TestLaplacianValue(t *testing.T) {
	m, err := mesh.NewPyramid(1, 1)
	require.NoError(t, err)

	// Apex neighbours average to the origin, so its term is the height².
	// Each corner sees two corners and the apex.
	var want float64
	want += 1
	for v := 0; v < 4; v++ {
		nb := m.Neighbors(v)
		var mean r3.Vec
		for _, j := range nb {
			mean = r3.Add(mean, m.Vertex(j))
		}
		want += r3.Norm2(r3.Sub(m.Vertex(v), r3.Scale(1/float64(len(nb)), mean)))
	}
	require.InDelta(t, want/5, NewLaplacianSmoothing().Value(m), 1e-12)
}

func TestNormalConsistencyBoundaryFlag(t *testing.T) {
	m := bumpyGrid(t)

	all := NewNormalConsistency(m, true)
	inner := NewNormalConsistency(m, false)
	require.Greater(t, all.NumEdges(), inner.NumEdges())
	require.Greater(t, inner.NumEdges(), 0)

	// A pyramid has no interior edge away from the boundary corners.
	p, err := mesh.NewPyramid(1, 1)
	require.NoError(t, err)
	require.Equal(t, 0, NewNormalConsistency(p, false).NumEdges())
	require.Equal(t, 0.0, NewNormalConsistency(p, false).Value(p))
	require.Equal(t, 4, NewNormalConsistency(p, true).NumEdges())
}

func TestFaceAreaVarianceSingleFace(t *testing.T) {
	m, err := mesh.New([]r3.Vec{{}, {X: 1}, {Y: 1}}, [][3]int{{0, 1, 2}})
	require.NoError(t, err)

	v := NewFaceAreaVariance()
	require.Equal(t, 0.0, v.Value(m))
	g, err := v.Gradient(m, []int{0, 1, 2})
	require.NoError(t, err)
	require.Equal(t, make([]r3.Vec, 3), g)
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	m := bumpyGrid(t)
	idx := []int{0, 5, 6, 9, 10, 15}

	tests := []struct {
		name string
		reg  regularizer
	}{
		{name: "laplacian", reg: NewLaplacianSmoothing()},
		{name: "face area variance", reg: NewFaceAreaVariance()},
		{name: "normal consistency", reg: NewNormalConsistency(m, true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireFiniteDifferenceGradient(t, tt.reg, m, idx)
		})
	}
}

func TestNormalConsistencyGradientOnLargeGrid(t *testing.T) {
	m := bumpyGridN(t, 30)
	all := make([]int, m.NumVertices())
	for i := range all {
		all[i] = i
	}

	for _, boundaryReg := range []bool{true, false} {
		nc := NewNormalConsistency(m, boundaryReg)
		require.Greater(t, nc.NumEdges(), 0)

		// Corner, edge and interior vertices.
		requireFiniteDifferenceGradient(t, nc, m, []int{0, 1, 30, 31, 435, 464, 899})

		// A subset sees the same per-vertex values as the whole mesh.
		full, err := nc.Gradient(m, all)
		require.NoError(t, err)
		sub, err := nc.Gradient(m, []int{899, 31, 435})
		require.NoError(t, err)
		require.Equal(t, []r3.Vec{full[899], full[31], full[435]}, sub)
	}
}

func TestNormalConsistencyGradientSkipsDegenerateFaces(t *testing.T) {
	// Face 2 collapses onto a line, so its normal is zero.
	verts := []r3.Vec{{}, {X: 1}, {Y: 1}, {X: 1, Y: 1, Z: 0.3}, {X: 2}}
	m, err := mesh.New(verts, [][3]int{{0, 1, 2}, {1, 3, 2}, {0, 4, 1}})
	require.NoError(t, err)

	nc := NewNormalConsistency(m, true)
	require.Equal(t, 2, nc.NumEdges())

	g, err := nc.Gradient(m, []int{0, 1, 2, 3, 4})
	require.NoError(t, err)
	for _, v := range g {
		require.False(t, math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsNaN(v.Z))
	}
	requireFiniteDifferenceGradient(t, nc, m, []int{3})
}
