package cpu

import (
	"log/slog"
	"slices"

	"github.com/ollama/vae/ml"
)

type Tensor struct {
	b     *Backend
	name  string
	shape []int
	data  []float64

	// grad is allocated only for tensors that require gradients
	grad         []float64
	requiresGrad bool

	inputs []*Tensor
	// backward adds t.grad, scaled by the local derivative, into the grads of inputs
	backward func()
}

func mul(s ...int) int {
	p := 1
	for _, v := range s {
		p *= v
	}

	return p
}

func (b *Backend) newTensor(shape []int, data []float64) *Tensor {
	return &Tensor{b: b, shape: slices.Clone(shape), data: data}
}

// result creates the output of an op. Inputs and the backward closure are
// only retained when at least one input requires gradients.
func (t *Tensor) result(shape []int, data []float64, inputs []*Tensor, backward func(out *Tensor)) *Tensor {
	out := t.b.newTensor(shape, data)
	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
			break
		}
	}

	if out.requiresGrad {
		out.grad = make([]float64, len(data))
		out.inputs = inputs
		out.backward = func() { backward(out) }
	}

	return out
}

func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", t.name),
		slog.Any("shape", t.shape),
		slog.Bool("grad", t.requiresGrad),
	)
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return ml.DTypeF64
}

func (t *Tensor) Floats() []float64 {
	return t.data
}

func (t *Tensor) Grad() []float64 {
	return t.grad
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) String() string {
	return ml.Dump(t)
}
