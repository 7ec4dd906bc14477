package opt

import "fmt"

// SGD is stochastic gradient descent with classical momentum and no
// dampening:
//
//	v ← momentum·v + grad
//	p ← p − lr·v
//
// On the first step the buffer is initialised to the gradient itself.
type SGD struct {
	LR       float64
	Momentum float64

	velocity map[*Param][]float64
}

// NewSGD creates a momentum SGD stepper.
func NewSGD(lr, momentum float64) (*SGD, error) {
	if lr < 0 {
		return nil, fmt.Errorf("invalid learning rate: %g", lr)
	}
	if momentum < 0 {
		return nil, fmt.Errorf("invalid momentum: %g", momentum)
	}
	return &SGD{
		LR:       lr,
		Momentum: momentum,
		velocity: make(map[*Param][]float64),
	}, nil
}

// Step applies one update to every parameter holding a gradient.
// Parameters without a gradient are skipped.
func (s *SGD) Step(params ...*Param) error {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		if len(p.Grad) != len(p.Data) {
			return fmt.Errorf("gradient has %d values, parameter has %d", len(p.Grad), len(p.Data))
		}

		step := p.Grad
		if s.Momentum != 0 {
			buf, ok := s.velocity[p]
			if !ok {
				buf = append([]float64(nil), p.Grad...)
				s.velocity[p] = buf
			} else {
				for i, g := range p.Grad {
					buf[i] = s.Momentum*buf[i] + g
				}
			}
			step = buf
		}

		for i, v := range step {
			p.Data[i] -= s.LR * v
		}
	}
	return nil
}

// Velocity returns a copy of the momentum buffer of p, or nil if none.
func (s *SGD) Velocity(p *Param) []float64 {
	buf, ok := s.velocity[p]
	if !ok {
		return nil
	}
	return append([]float64(nil), buf...)
}
