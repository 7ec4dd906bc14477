package opt

// Optimizer defines a derivative-free global search
type Optimizer interface {
	// Run executes the optimization
	// eval: objective function to minimize
	// lower, upper: parameter bounds
	// dim: dimensionality of parameter space
	// Returns: best parameters and best cost
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64)
}

// Stepper updates parameters in place from their accumulated gradients.
// Implementations own any per-parameter state such as momentum buffers.
type Stepper interface {
	Step(params ...*Param) error
}
