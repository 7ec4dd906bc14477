package structural

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Gradient returns the derivative of the last evaluated loss with respect to
// the positions of the vertices in idx, one row per index.
//
// With K u = f and adjoint K λ = ∂J/∂u the total derivative is
// dJ/dx = ∂J/∂x + λᵀ(∂f/∂x - ∂K/∂x u).
func (t *Truss) Gradient(idx []int) ([]r3.Vec, error) {
	if t.u == nil {
		return nil, ErrNotEvaluated
	}

	grad := make([]r3.Vec, len(t.u))
	switch t.lossType {
	case LossCompliance, LossEnergy:
		// λ = u, and J = fᵀu has the explicit term uᵀ ∂f/∂x.
		scale := 1.0
		if t.lossType == LossEnergy {
			scale = 0.5
		}
		t.addLoadTerm(grad, t.u, 2*scale)
		t.addStiffnessTerm(grad, t.u, t.u, -scale)
	case LossDeformation:
		rhs := make([]r3.Vec, len(t.u))
		n := float64(len(t.u))
		for v, d := range t.u {
			rhs[v] = r3.Scale(2/n, d)
		}
		var x mat.VecDense
		if err := t.chol.SolveVecTo(&x, t.pack(rhs)); err != nil {
			return nil, fmt.Errorf("failed to solve adjoint: %w", err)
		}
		lambda := t.unpack(&x)
		t.addLoadTerm(grad, lambda, 1)
		t.addStiffnessTerm(grad, lambda, t.u, -1)
	}

	out := make([]r3.Vec, len(idx))
	for i, v := range idx {
		out[i] = grad[v]
	}
	return out, nil
}

// addLoadTerm adds coef * wᵀ ∂f/∂x. Only self-weight depends on geometry.
func (t *Truss) addLoadTerm(grad, w []r3.Vec, coef float64) {
	if !t.opts.SelfWeight {
		return
	}
	m := t.mesh
	for _, e := range m.Edges() {
		i, j := e.V[0], e.V[1]
		if t.dof[i] < 0 && t.dof[j] < 0 {
			continue
		}
		d := r3.Sub(m.Vertex(j), m.Vertex(i))
		n := r3.Unit(d)
		// f_i.z and f_j.z both carry -ρL/2; w is zero at constrained vertices.
		s := coef * -0.5 * t.opts.Density * (w[i].Z + w[j].Z)
		grad[j] = r3.Add(grad[j], r3.Scale(s, n))
		grad[i] = r3.Sub(grad[i], r3.Scale(s, n))
	}
}

// addStiffnessTerm adds coef * aᵀ (∂K/∂x) b, summed bar by bar from
// b_e(a,b) = EA ((d·Δa)(d·Δb)/L³ + s (Δa·Δb)/L).
func (t *Truss) addStiffnessTerm(grad, a, b []r3.Vec, coef float64) {
	m := t.mesh
	ea := t.opts.YoungModulus * t.opts.SectionArea
	s := t.opts.ShearRatio

	for _, e := range m.Edges() {
		i, j := e.V[0], e.V[1]
		da := r3.Sub(a[j], a[i])
		db := r3.Sub(b[j], b[i])
		if r3.Norm2(da) == 0 || r3.Norm2(db) == 0 {
			continue
		}

		d := r3.Sub(m.Vertex(j), m.Vertex(i))
		l2 := r3.Norm2(d)
		l := r3.Norm(d)
		l3 := l2 * l
		l5 := l3 * l2

		dda := r3.Dot(d, da)
		ddb := r3.Dot(d, db)
		dadb := r3.Dot(da, db)

		g := r3.Add(r3.Scale(ddb/l3, da), r3.Scale(dda/l3, db))
		g = r3.Sub(g, r3.Scale(3*dda*ddb/l5, d))
		g = r3.Sub(g, r3.Scale(s*dadb/l3, d))
		g = r3.Scale(coef*ea, g)

		grad[j] = r3.Add(grad[j], g)
		grad[i] = r3.Sub(grad[i], g)
	}
}

func (t *Truss) unpack(x *mat.VecDense) []r3.Vec {
	field := make([]r3.Vec, len(t.dof))
	for _, v := range t.free {
		d := t.dof[v]
		field[v] = r3.Vec{X: x.AtVec(d), Y: x.AtVec(d + 1), Z: x.AtVec(d + 2)}
	}
	return field
}
