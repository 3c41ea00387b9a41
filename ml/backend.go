package ml

import (
	"fmt"
	"log/slog"

	"github.com/ollama/vae/envconfig"
)

// Backend owns trainable parameters and hands out contexts for computation
type Backend interface {
	NewContext() Context

	// NewParameter registers a copy of t as a trainable leaf tensor. Registering
	// the same name twice panics.
	NewParameter(name string, t Tensor) Tensor

	// Get returns the parameter registered under name or nil
	Get(name string) Tensor

	// Parameters returns every registered parameter in registration order
	Parameters() []Parameter

	// ZeroGrad resets the accumulated gradient of every parameter
	ZeroGrad()
}

type Parameter struct {
	Name   string
	Tensor Tensor
}

// BackendParams controls how the backend executes models
type BackendParams struct {
	// NumThreads bounds the goroutines used by a single kernel
	NumThreads int

	// Seed seeds parameter initialization and sampling. Zero seeds from the clock.
	Seed uint64
}

var backends = make(map[string]func(BackendParams) (Backend, error))

func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend creates the backend selected by VAE_BACKEND
func NewBackend(params BackendParams) (Backend, error) {
	name := envconfig.Backend()
	if backend, ok := backends[name]; ok {
		slog.Info("loading backend", "backend", name, "threads", params.NumThreads)
		return backend(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// DefaultBackendParams reads backend parameters from the environment
func DefaultBackendParams() BackendParams {
	return BackendParams{
		NumThreads: envconfig.Threads(),
		Seed:       envconfig.Seed(),
	}
}

// Context creates tensors and drives the backward pass for a single computation
type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float64, shape ...int) (Tensor, error)

	// RandomNormal draws a constant tensor from N(loc, scale^2) using the
	// backend's sampler. Gradients never flow into the result.
	RandomNormal(shape []int, loc, scale float64) Tensor
	// RandomUniform draws a constant tensor from U(low, high)
	RandomUniform(shape []int, low, high float64) Tensor

	// Backward accumulates d(root)/d(t) into every tensor of the graph that
	// requires gradients. root must hold a single element.
	Backward(root Tensor) error

	Close()
}

type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Floats() []float64
	Grad() []float64
	RequiresGrad() bool

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor
	Matmul(ctx Context, t2 Tensor) Tensor

	Neg(ctx Context) Tensor
	Exp(ctx Context) Tensor
	Log(ctx Context) Tensor
	Log1p(ctx Context) Tensor
	Abs(ctx Context) Tensor
	Square(ctx Context) Tensor
	ReLU(ctx Context) Tensor
	LeakyReLU(ctx Context, slope float64) Tensor
	Scale(ctx Context, s float64) Tensor
	AddScalar(ctx Context, s float64) Tensor

	Reshape(ctx Context, shape ...int) Tensor

	Sum(ctx Context) Tensor
	Mean(ctx Context) Tensor
	SumAxis(ctx Context, axis int) Tensor
	MeanAxis(ctx Context, axis int) Tensor
}

type DType int

const (
	DTypeF64 DType = iota
	DTypeOther
)

func (d DType) String() string {
	switch d {
	case DTypeF64:
		return "f64"
	default:
		return "other"
	}
}
