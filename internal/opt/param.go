// Package opt holds optimizer state: trainable parameters, gradient-based
// steppers and an adapter for derivative-free global search.
package opt

import "fmt"

// Param is a dense row-major tensor of shape Rows x Cols that an optimizer
// may update. Grad is nil until a gradient is accumulated.
type Param struct {
	Rows, Cols   int
	Data         []float64
	Grad         []float64
	Device       string
	requiresGrad bool
}

// NewParam wraps data as a trainable parameter. data is used in place.
func NewParam(rows, cols int, data []float64, device string) (*Param, error) {
	if rows < 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid parameter shape (%d, %d)", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("parameter data has %d values, shape (%d, %d) needs %d", len(data), rows, cols, rows*cols)
	}
	return &Param{
		Rows:         rows,
		Cols:         cols,
		Data:         data,
		Device:       device,
		requiresGrad: true,
	}, nil
}

// RequiresGrad reports whether the parameter is tracked for gradients.
func (p *Param) RequiresGrad() bool { return p.requiresGrad }

// Shape returns (rows, cols).
func (p *Param) Shape() (int, int) { return p.Rows, p.Cols }

// ZeroGrad drops the accumulated gradient.
func (p *Param) ZeroGrad() { p.Grad = nil }

// AccumulateGrad adds g to the parameter's gradient.
func (p *Param) AccumulateGrad(g []float64) error {
	if len(g) != len(p.Data) {
		return fmt.Errorf("gradient has %d values, parameter has %d", len(g), len(p.Data))
	}
	if p.Grad == nil {
		p.Grad = make([]float64, len(p.Data))
	}
	for i, v := range g {
		p.Grad[i] += v
	}
	return nil
}

// Row returns a view of row i.
func (p *Param) Row(i int) []float64 {
	return p.Data[i*p.Cols : (i+1)*p.Cols]
}
