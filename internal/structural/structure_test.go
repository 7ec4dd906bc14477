package structural

import (
	"errors"
	"math"
	"testing"

	"github.com/cwbudde/shapeopt/internal/mesh"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/spatial/r3"
)

// bumpyGrid returns a 4x4 grid with a small deterministic z relief so no
// bar is exactly in-plane.
func bumpyGrid(t *testing.T) *mesh.Mesh {
	t.Helper()
	g, err := mesh.NewGrid(4, 4, 1)
	require.NoError(t, err)

	verts := g.Vertices()
	for i := range verts {
		verts[i].Z = 0.05 * math.Sin(float64(3*i+1))
	}
	m, err := g.WithVertices(verts)
	require.NoError(t, err)
	return m
}

func TestPyramidApexDeflectsDownward(t *testing.T) {
	m, err := mesh.NewPyramid(1, 1)
	require.NoError(t, err)

	truss, err := New(m, nil, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, []int{4}, truss.FreeVertices())

	loss, err := truss.Evaluate(m, LossCompliance)
	require.NoError(t, err)
	require.Greater(t, loss, 0.0)

	u := truss.Deformations()
	require.Len(t, u, 5)
	for v := 0; v < 4; v++ {
		require.Equal(t, r3.Vec{}, u[v], "constrained vertex %d must not move", v)
	}
	require.Less(t, u[4].Z, 0.0)
	require.InDelta(t, 0, u[4].X, 1e-12)
	require.InDelta(t, 0, u[4].Y, 1e-12)

	// Compliance is fᵀu with a unit downward load on the only free vertex.
	require.InDelta(t, -u[4].Z, loss, 1e-12)

	energy, err := truss.Evaluate(m, LossEnergy)
	require.NoError(t, err)
	require.InDelta(t, loss/2, energy, 1e-12)
}

func TestEvaluateErrors(t *testing.T) {
	m, err := mesh.NewPyramid(1, 1)
	require.NoError(t, err)

	truss, err := New(m, nil, DefaultOptions())
	require.NoError(t, err)

	_, err = truss.Evaluate(m, "max_stress")
	require.True(t, errors.Is(err, ErrUnsupportedLossType))

	other, err := mesh.NewGrid(3, 3, 1)
	require.NoError(t, err)
	_, err = truss.Evaluate(other, LossCompliance)
	require.Error(t, err)
}

func TestNewErrors(t *testing.T) {
	m, err := mesh.NewPyramid(1, 1)
	require.NoError(t, err)

	_, err = New(m, []bool{true, true, true, true, true}, DefaultOptions())
	require.True(t, errors.Is(err, ErrNoFreeVertices))

	_, err = New(m, make([]bool, 5), DefaultOptions())
	require.True(t, errors.Is(err, ErrSingular))

	_, err = New(m, []bool{true}, DefaultOptions())
	require.Error(t, err)
}

func TestClearState(t *testing.T) {
	m, err := mesh.NewPyramid(1, 1)
	require.NoError(t, err)

	truss, err := New(m, nil, DefaultOptions())
	require.NoError(t, err)

	_, err = truss.Evaluate(m, LossDeformation)
	require.NoError(t, err)
	require.NotNil(t, truss.Deformations())

	truss.ClearState()
	require.Nil(t, truss.Deformations())
	_, err = truss.Gradient([]int{4})
	require.True(t, errors.Is(err, ErrNotEvaluated))
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	base := bumpyGrid(t)

	tests := []struct {
		name       string
		lossType   string
		selfWeight bool
	}{
		{name: "compliance", lossType: LossCompliance},
		{name: "compliance with self weight", lossType: LossCompliance, selfWeight: true},
		{name: "energy with self weight", lossType: LossEnergy, selfWeight: true},
		{name: "deformation", lossType: LossDeformation},
		{name: "deformation with self weight", lossType: LossDeformation, selfWeight: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.SelfWeight = tt.selfWeight
			opts.NodalLoad = r3.Vec{X: 0.2, Z: -1}

			truss, err := New(base, nil, opts)
			require.NoError(t, err)
			free := truss.FreeVertices()
			require.Len(t, free, 4)

			_, err = truss.Evaluate(base, tt.lossType)
			require.NoError(t, err)
			got, err := truss.Gradient(free)
			require.NoError(t, err)

			candidate, err := New(base, nil, opts)
			require.NoError(t, err)
			x := make([]float64, 3*len(free))
			for k, v := range free {
				p := base.Vertex(v)
				x[3*k], x[3*k+1], x[3*k+2] = p.X, p.Y, p.Z
			}
			loss := func(x []float64) float64 {
				verts := base.Vertices()
				for k, v := range free {
					verts[v] = r3.Vec{X: x[3*k], Y: x[3*k+1], Z: x[3*k+2]}
				}
				m, err := base.WithVertices(verts)
				require.NoError(t, err)
				val, err := candidate.Evaluate(m, tt.lossType)
				require.NoError(t, err)
				return val
			}
			want := fd.Gradient(nil, loss, x, &fd.Settings{Formula: fd.Central, Step: 1e-6})

			for k := range free {
				g := got[k]
				for c, gv := range []float64{g.X, g.Y, g.Z} {
					w := want[3*k+c]
					require.InDelta(t, w, gv, 1e-6+1e-4*math.Abs(w), "vertex %d component %d", free[k], c)
				}
			}
		})
	}
}
