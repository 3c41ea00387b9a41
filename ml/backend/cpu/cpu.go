// Package cpu implements ml.Backend with dense float64 tensors held in Go
// memory. Operations execute eagerly and record a closure per result so that
// Context.Backward can propagate gradients in reverse topological order.
package cpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ollama/vae/logutil"
	"github.com/ollama/vae/ml"
)

func init() {
	ml.RegisterBackend("cpu", func(params ml.BackendParams) (ml.Backend, error) {
		return New(params), nil
	})
}

type Backend struct {
	threads int

	// mu guards src
	mu  sync.Mutex
	src rand.Source

	parameters []ml.Parameter
	byName     map[string]*Tensor
}

func New(params ml.BackendParams) *Backend {
	seed := params.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	threads := max(params.NumThreads, 1)

	slog.Info("cpu backend", "threads", threads, "seed", seed)
	return &Backend{
		threads: threads,
		src:     rand.NewSource(seed),
		byName:  make(map[string]*Tensor),
	}
}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

func (b *Backend) NewParameter(name string, t ml.Tensor) ml.Tensor {
	if _, ok := b.byName[name]; ok {
		panic(fmt.Sprintf("cpu: parameter %q already registered", name))
	}

	p := &Tensor{
		b:            b,
		name:         name,
		shape:        t.Shape(),
		data:         append([]float64(nil), t.Floats()...),
		requiresGrad: true,
	}
	p.grad = make([]float64, len(p.data))

	b.byName[name] = p
	b.parameters = append(b.parameters, ml.Parameter{Name: name, Tensor: p})
	logutil.Trace("cpu: parameter", "tensor", p)
	return p
}

func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.byName[name]; ok {
		return t
	}

	return nil
}

func (b *Backend) Parameters() []ml.Parameter {
	return b.parameters
}

func (b *Backend) ZeroGrad() {
	for _, t := range b.byName {
		clear(t.grad)
	}
}

func (b *Backend) sample(n int, draw func(rand.Source) float64) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := make([]float64, n)
	for i := range s {
		s[i] = draw(b.src)
	}

	return s
}

type Context struct {
	b *Backend
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	if dtype != ml.DTypeF64 {
		panic(fmt.Sprintf("cpu: unsupported dtype %v", dtype))
	}

	return c.b.newTensor(shape, make([]float64, mul(shape...)))
}

func checkShape[S ~[]E, E any](s S, shape ...int) error {
	n := 1
	for _, v := range shape {
		if v < 0 {
			return fmt.Errorf("invalid shape: %v", shape)
		}

		n *= v
	}

	if n != len(s) {
		return fmt.Errorf("invalid shape %v for %d elements", shape, len(s))
	}

	return nil
}

func (c *Context) FromFloatSlice(s []float64, shape ...int) (ml.Tensor, error) {
	if err := checkShape(s, shape...); err != nil {
		return nil, err
	}

	return c.b.newTensor(shape, append([]float64(nil), s...)), nil
}

func (c *Context) RandomNormal(shape []int, loc, scale float64) ml.Tensor {
	data := c.b.sample(mul(shape...), func(src rand.Source) float64 {
		return distuv.Normal{Mu: loc, Sigma: scale, Src: src}.Rand()
	})
	return c.b.newTensor(shape, data)
}

func (c *Context) RandomUniform(shape []int, low, high float64) ml.Tensor {
	data := c.b.sample(mul(shape...), func(src rand.Source) float64 {
		return distuv.Uniform{Min: low, Max: high, Src: src}.Rand()
	})
	return c.b.newTensor(shape, data)
}

var errNotScalar = errors.New("cpu: backward requires a single element root")

func (c *Context) Backward(root ml.Tensor) error {
	t, ok := root.(*Tensor)
	if !ok {
		return fmt.Errorf("cpu: backward of foreign tensor %T", root)
	}

	if len(t.data) != 1 {
		return fmt.Errorf("%w, got shape %v", errNotScalar, t.shape)
	}

	if !t.requiresGrad {
		return nil
	}

	backward(t)
	return nil
}

func (c *Context) Close() {}
