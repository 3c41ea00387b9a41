package cpu

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/vae/ml"
)

func (t *Tensor) operand(t2 ml.Tensor) *Tensor {
	o, ok := t2.(*Tensor)
	if !ok {
		panic(fmt.Sprintf("cpu: foreign tensor %T", t2))
	}

	return o
}

// broadcastShape aligns a and b from the right and stretches size one dimensions
func broadcastShape(op string, a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := range n {
		da, db := 1, 1
		if j := i - (n - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (n - len(b)); j >= 0 {
			db = b[j]
		}

		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			panic(&ml.ShapeError{Op: op, Shapes: [][]int{a, b}})
		}
	}

	return out
}

// broadcastIndex maps every flat index of out to the flat index of in that feeds it
func broadcastIndex(out, in []int) []int {
	idx := make([]int, mul(out...))
	if slices.Equal(out, in) {
		for i := range idx {
			idx[i] = i
		}
		return idx
	}

	strides := make([]int, len(out))
	s := 1
	for i := len(in) - 1; i >= 0; i-- {
		if in[i] != 1 {
			strides[i+len(out)-len(in)] = s
		}
		s *= in[i]
	}

	coord := make([]int, len(out))
	off := 0
	for i := range idx {
		idx[i] = off
		for d := len(out) - 1; d >= 0; d-- {
			coord[d]++
			off += strides[d]
			if coord[d] < out[d] {
				break
			}

			off -= strides[d] * coord[d]
			coord[d] = 0
		}
	}

	return idx
}

// binary applies f element-wise under broadcasting. da and db return the
// partial derivatives of f with respect to each operand.
func (t *Tensor) binary(op string, t2 ml.Tensor, f, da, db func(a, b float64) float64) ml.Tensor {
	o := t.operand(t2)
	shape := broadcastShape(op, t.shape, o.shape)
	ia, ib := broadcastIndex(shape, t.shape), broadcastIndex(shape, o.shape)

	data := make([]float64, len(ia))
	t.b.parallel(len(data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			data[i] = f(t.data[ia[i]], o.data[ib[i]])
		}
	})

	return t.result(shape, data, []*Tensor{t, o}, func(out *Tensor) {
		for i, g := range out.grad {
			a, b := t.data[ia[i]], o.data[ib[i]]
			if t.requiresGrad {
				t.grad[ia[i]] += g * da(a, b)
			}
			if o.requiresGrad {
				o.grad[ib[i]] += g * db(a, b)
			}
		}
	})
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary("add", t2,
		func(a, b float64) float64 { return a + b },
		func(a, b float64) float64 { return 1 },
		func(a, b float64) float64 { return 1 },
	)
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary("sub", t2,
		func(a, b float64) float64 { return a - b },
		func(a, b float64) float64 { return 1 },
		func(a, b float64) float64 { return -1 },
	)
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary("mul", t2,
		func(a, b float64) float64 { return a * b },
		func(a, b float64) float64 { return b },
		func(a, b float64) float64 { return a },
	)
}

func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary("div", t2,
		func(a, b float64) float64 { return a / b },
		func(a, b float64) float64 { return 1 / b },
		func(a, b float64) float64 { return -a / (b * b) },
	)
}

// Matmul multiplies two matrices: [n, k] x [k, m] -> [n, m]
func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	o := t.operand(t2)
	if len(t.shape) != 2 || len(o.shape) != 2 || t.shape[1] != o.shape[0] {
		panic(&ml.ShapeError{Op: "matmul", Shapes: [][]int{t.Shape(), o.Shape()}})
	}

	n, k, m := t.shape[0], t.shape[1], o.shape[1]
	data := make([]float64, n*m)
	if n*k*m > 0 {
		mat.NewDense(n, m, data).Mul(mat.NewDense(n, k, t.data), mat.NewDense(k, m, o.data))
	}

	return t.result([]int{n, m}, data, []*Tensor{t, o}, func(out *Tensor) {
		if n*k*m == 0 {
			return
		}

		g := mat.NewDense(n, m, out.grad)
		if t.requiresGrad {
			var da mat.Dense
			da.Mul(g, mat.NewDense(k, m, o.data).T())
			floats.Add(t.grad, da.RawMatrix().Data)
		}
		if o.requiresGrad {
			var db mat.Dense
			db.Mul(mat.NewDense(n, k, t.data).T(), g)
			floats.Add(o.grad, db.RawMatrix().Data)
		}
	})
}

// unary applies f element-wise. df receives the input and output element.
func (t *Tensor) unary(f func(x float64) float64, df func(x, y float64) float64) ml.Tensor {
	data := make([]float64, len(t.data))
	t.b.parallel(len(data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			data[i] = f(t.data[i])
		}
	})

	return t.result(t.shape, data, []*Tensor{t}, func(out *Tensor) {
		for i, g := range out.grad {
			t.grad[i] += g * df(t.data[i], out.data[i])
		}
	})
}

func (t *Tensor) Neg(ctx ml.Context) ml.Tensor {
	return t.unary(
		func(x float64) float64 { return -x },
		func(x, y float64) float64 { return -1 },
	)
}

func (t *Tensor) Exp(ctx ml.Context) ml.Tensor {
	return t.unary(math.Exp, func(x, y float64) float64 { return y })
}

func (t *Tensor) Log(ctx ml.Context) ml.Tensor {
	return t.unary(math.Log, func(x, y float64) float64 { return 1 / x })
}

func (t *Tensor) Log1p(ctx ml.Context) ml.Tensor {
	return t.unary(math.Log1p, func(x, y float64) float64 { return 1 / (1 + x) })
}

func (t *Tensor) Abs(ctx ml.Context) ml.Tensor {
	return t.unary(math.Abs, func(x, y float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		default:
			return 0
		}
	})
}

func (t *Tensor) Square(ctx ml.Context) ml.Tensor {
	return t.unary(
		func(x float64) float64 { return x * x },
		func(x, y float64) float64 { return 2 * x },
	)
}

func (t *Tensor) ReLU(ctx ml.Context) ml.Tensor {
	return t.LeakyReLU(ctx, 0)
}

func (t *Tensor) LeakyReLU(ctx ml.Context, slope float64) ml.Tensor {
	return t.unary(
		func(x float64) float64 {
			if x > 0 {
				return x
			}
			return slope * x
		},
		func(x, y float64) float64 {
			if x > 0 {
				return 1
			}
			return slope
		},
	)
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(
		func(x float64) float64 { return x * s },
		func(x, y float64) float64 { return s },
	)
}

func (t *Tensor) AddScalar(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(
		func(x float64) float64 { return x + s },
		func(x, y float64) float64 { return 1 },
	)
}

// inferShape replaces a single -1 in shape with the size that preserves the element count
func inferShape(t *Tensor, shape []int) []int {
	shape = slices.Clone(shape)
	n, infer := 1, -1
	for i, s := range shape {
		switch {
		case s == -1 && infer < 0:
			infer = i
		case s < 0:
			panic(&ml.ShapeError{Op: "reshape", Shapes: [][]int{t.Shape(), shape}})
		default:
			n *= s
		}
	}

	if infer >= 0 && n > 0 {
		shape[infer] = len(t.data) / n
		n *= shape[infer]
	}

	if n != len(t.data) {
		panic(&ml.ShapeError{Op: "reshape", Shapes: [][]int{t.Shape(), shape}})
	}

	return shape
}

// Reshape returns a view of t with a new shape. The data is shared; the gradient is not.
func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	shape = inferShape(t, shape)
	return t.result(shape, t.data, []*Tensor{t}, func(out *Tensor) {
		floats.Add(t.grad, out.grad)
	})
}

func (t *Tensor) Sum(ctx ml.Context) ml.Tensor {
	return t.result(nil, []float64{floats.Sum(t.data)}, []*Tensor{t}, func(out *Tensor) {
		floats.AddConst(out.grad[0], t.grad)
	})
}

func (t *Tensor) Mean(ctx ml.Context) ml.Tensor {
	n := float64(len(t.data))
	return t.result(nil, []float64{floats.Sum(t.data) / n}, []*Tensor{t}, func(out *Tensor) {
		floats.AddConst(out.grad[0]/n, t.grad)
	})
}

// reduce sums t along axis, scaling the result by scale
func (t *Tensor) reduce(op string, axis int, scale func(dim int) float64) ml.Tensor {
	if axis < 0 {
		axis += len(t.shape)
	}

	if axis < 0 || axis >= len(t.shape) {
		panic(&ml.ShapeError{Op: op, Shapes: [][]int{t.Shape(), {axis}}})
	}

	outer, dim, inner := mul(t.shape[:axis]...), t.shape[axis], mul(t.shape[axis+1:]...)
	s := scale(dim)

	shape := slices.Delete(t.Shape(), axis, axis+1)
	data := make([]float64, outer*inner)
	for o := range outer {
		for d := range dim {
			base := (o*dim + d) * inner
			floats.Add(data[o*inner:(o+1)*inner], t.data[base:base+inner])
		}
	}
	floats.Scale(s, data)

	return t.result(shape, data, []*Tensor{t}, func(out *Tensor) {
		for o := range outer {
			g := out.grad[o*inner : (o+1)*inner]
			for d := range dim {
				base := (o*dim + d) * inner
				floats.AddScaled(t.grad[base:base+inner], s, g)
			}
		}
	})
}

func (t *Tensor) SumAxis(ctx ml.Context, axis int) ml.Tensor {
	return t.reduce("sum", axis, func(int) float64 { return 1 })
}

func (t *Tensor) MeanAxis(ctx ml.Context, axis int) ml.Tensor {
	return t.reduce("mean", axis, func(dim int) float64 { return 1 / float64(dim) })
}
