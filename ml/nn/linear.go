package nn

import (
	"math"

	"github.com/ollama/vae/ml"
)

type Linear struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

// NewLinear registers an [in, out] weight and an [out] bias on b under
// name, both drawn from U(-1/sqrt(in), 1/sqrt(in))
func NewLinear(ctx ml.Context, b ml.Backend, name string, in, out int) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	return &Linear{
		Weight: b.NewParameter(name+".weight", ctx.RandomUniform([]int{in, out}, -bound, bound)),
		Bias:   b.NewParameter(name+".bias", ctx.RandomUniform([]int{out}, -bound, bound)),
	}
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Matmul(ctx, m.Weight)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
