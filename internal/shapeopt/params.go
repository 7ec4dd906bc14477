package shapeopt

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/cwbudde/shapeopt/internal/mesh"
	"github.com/cwbudde/shapeopt/internal/opt"
)

// InitMode selects how the displacement parameter is seeded.
type InitMode string

const (
	// InitPrecomputed cancels the deflection of the unmodified structure.
	InitPrecomputed InitMode = "precomputed"
	InitUniform     InitMode = "uniform"
	InitNormal      InitMode = "normal"
	InitZeros       InitMode = "zeros"
)

// initScale bounds the random seeding policies.
const initScale = 1e-4

var ErrUnsupportedInitMode = errors.New("unsupported init mode")

// ParseInitMode accepts the canonical names plus the historical aliases
// "stress_aided" and "zero".
func ParseInitMode(s string) (InitMode, error) {
	switch s {
	case string(InitPrecomputed), "stress_aided":
		return InitPrecomputed, nil
	case string(InitUniform):
		return InitUniform, nil
	case string(InitNormal):
		return InitNormal, nil
	case string(InitZeros), "zero":
		return InitZeros, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedInitMode, s)
	}
}

// newDisplacements builds the (|free|, 3) optimization variable.
func newDisplacements(mode InitMode, base *mesh.Mesh, structure Structure, lossType string, free []int, rng *rand.Rand, device string) (*opt.Param, error) {
	data := make([]float64, 3*len(free))

	switch mode {
	case InitPrecomputed:
		if _, err := structure.Evaluate(base, lossType); err != nil {
			structure.ClearState()
			return nil, fmt.Errorf("precomputed init: %w", err)
		}
		def := structure.Deformations()
		structure.ClearState()
		for k, v := range free {
			data[3*k] = -def[v].X
			data[3*k+1] = -def[v].Y
			data[3*k+2] = -def[v].Z
		}
	case InitUniform:
		for i := range data {
			data[i] = rng.Float64() * initScale
		}
	case InitNormal:
		for i := range data {
			data[i] = rng.NormFloat64() * initScale
		}
	case InitZeros:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedInitMode, mode)
	}

	return opt.NewParam(len(free), 3, data, device)
}
