package cpu

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/vae/ml"
)

func setup(tb testing.TB) (*Backend, ml.Context) {
	tb.Helper()

	b := New(ml.BackendParams{NumThreads: 1, Seed: 42})
	ctx := b.NewContext()
	tb.Cleanup(ctx.Close)

	return b, ctx
}

func fromFloats(tb testing.TB, ctx ml.Context, s []float64, shape ...int) ml.Tensor {
	tb.Helper()

	t, err := ctx.FromFloatSlice(s, shape...)
	require.NoError(tb, err)
	return t
}

func arange(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = float64(i)
	}
	return s
}

func parameter(tb testing.TB, b ml.Backend, ctx ml.Context, name string, s []float64, shape ...int) ml.Tensor {
	tb.Helper()
	return b.NewParameter(name, fromFloats(tb, ctx, s, shape...))
}

func TestInferShape(t *testing.T) {
	cases := []struct {
		name   string
		input  []int
		want   []int
		panics bool
	}{
		{name: "no inferred shape", input: []int{2, 3, 4}, want: []int{2, 3, 4}},
		{name: "infer begin", input: []int{-1, 3, 4}, want: []int{2, 3, 4}},
		{name: "infer mid", input: []int{2, -1, 4}, want: []int{2, 3, 4}},
		{name: "infer end", input: []int{2, 3, -1}, want: []int{2, 3, 4}},
		{name: "infer gather all", input: []int{-1}, want: []int{24}},
		{name: "too many inferred dims", input: []int{-1, 3, -1}, panics: true},
		{name: "indivisible infer", input: []int{5, -1}, panics: true},
		{name: "wrong size", input: []int{2, 3, 5}, panics: true},
	}

	_, ctx := setup(t)
	tensor := ctx.Zeros(ml.DTypeF64, 2, 3, 4).(*Tensor)

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if tt.panics {
				assert.Panics(t, func() { inferShape(tensor, tt.input) })
				return
			}

			got := inferShape(tensor, tt.input)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("shape mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFromFloatSlice(t *testing.T) {
	_, ctx := setup(t)

	_, err := ctx.FromFloatSlice([]float64{1, 2, 3}, 2, 2)
	require.Error(t, err)

	_, err = ctx.FromFloatSlice([]float64{1, 2, 3, 4}, 2, -2)
	require.Error(t, err)

	s := []float64{1, 2, 3, 4}
	x := fromFloats(t, ctx, s, 2, 2)
	s[0] = 100
	assert.Equal(t, []float64{1, 2, 3, 4}, x.Floats())
	assert.Equal(t, []int{2, 2}, x.Shape())
	assert.Equal(t, 2, x.Dim(1))
	assert.False(t, x.RequiresGrad())
	assert.Nil(t, x.Grad())
}

func TestMatmul(t *testing.T) {
	b, ctx := setup(t)

	x := parameter(t, b, ctx, "x", arange(6), 2, 3)
	y := parameter(t, b, ctx, "y", arange(6), 3, 2)

	z := x.Matmul(ctx, y)
	assert.Equal(t, []int{2, 2}, z.Shape())
	if diff := cmp.Diff([]float64{10, 13, 28, 40}, z.Floats()); diff != "" {
		t.Errorf("matmul mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, ctx.Backward(z.Sum(ctx)))
	if diff := cmp.Diff([]float64{1, 5, 9, 1, 5, 9}, x.Grad()); diff != "" {
		t.Errorf("dx mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{3, 3, 5, 5, 7, 7}, y.Grad()); diff != "" {
		t.Errorf("dy mismatch (-want +got):\n%s", diff)
	}
}

func TestMatmulShapeMismatch(t *testing.T) {
	_, ctx := setup(t)

	x := ctx.Zeros(ml.DTypeF64, 2, 3)
	err := func() (err error) {
		defer ml.Catch(&err)
		x.Matmul(ctx, x)
		return nil
	}()

	require.ErrorIs(t, err, ml.ErrShapeMismatch)

	var se *ml.ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "matmul", se.Op)
}

func TestBroadcast(t *testing.T) {
	b, ctx := setup(t)

	x := parameter(t, b, ctx, "x", arange(6), 2, 3)
	bias := parameter(t, b, ctx, "bias", []float64{10, 20, 30}, 3)

	y := x.Add(ctx, bias)
	assert.Equal(t, []int{2, 3}, y.Shape())
	assert.Equal(t, []float64{10, 21, 32, 13, 24, 35}, y.Floats())

	require.NoError(t, ctx.Backward(y.Sum(ctx)))
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, x.Grad())
	assert.Equal(t, []float64{2, 2, 2}, bias.Grad())
}

func TestBroadcastOuter(t *testing.T) {
	_, ctx := setup(t)

	x := fromFloats(t, ctx, []float64{1, 2, 3, 4}, 2, 1, 2)
	y := fromFloats(t, ctx, []float64{0, 0, 1, 1, 2, 2}, 1, 3, 2)

	d := x.Sub(ctx, y)
	assert.Equal(t, []int{2, 3, 2}, d.Shape())
	assert.Equal(t, []float64{
		1, 2, 0, 1, -1, 0,
		3, 4, 2, 3, 1, 2,
	}, d.Floats())
}

func TestBroadcastScalar(t *testing.T) {
	_, ctx := setup(t)

	x := fromFloats(t, ctx, arange(4), 2, 2)
	s := x.Sum(ctx)
	assert.Nil(t, s.Shape())

	y := x.Sub(ctx, s).Add(ctx, x)
	assert.Equal(t, []int{2, 2}, y.Shape())
	assert.Equal(t, []float64{-6, -4, -2, 0}, y.Floats())
}

func TestBroadcastMismatch(t *testing.T) {
	_, ctx := setup(t)

	x := ctx.Zeros(ml.DTypeF64, 2, 3)
	y := ctx.Zeros(ml.DTypeF64, 2)

	assert.PanicsWithError(t, "add: shape mismatch [[2 3] [2]]", func() { x.Add(ctx, y) })
}

func TestUnaryGradients(t *testing.T) {
	cases := []struct {
		name  string
		input []float64
		op    func(ml.Context, ml.Tensor) ml.Tensor
		want  []float64
		grad  []float64
	}{
		{
			name:  "neg",
			input: []float64{1, -2},
			op:    func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.Neg(ctx) },
			want:  []float64{-1, 2},
			grad:  []float64{-1, -1},
		},
		{
			name:  "square",
			input: []float64{1, -2},
			op:    func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.Square(ctx) },
			want:  []float64{1, 4},
			grad:  []float64{2, -4},
		},
		{
			name:  "exp",
			input: []float64{0, 1},
			op:    func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.Exp(ctx) },
			want:  []float64{1, math.E},
			grad:  []float64{1, math.E},
		},
		{
			name:  "log",
			input: []float64{1, 4},
			op:    func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.Log(ctx) },
			want:  []float64{0, math.Log(4)},
			grad:  []float64{1, 0.25},
		},
		{
			name:  "log1p",
			input: []float64{0, 3},
			op:    func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.Log1p(ctx) },
			want:  []float64{0, math.Log(4)},
			grad:  []float64{1, 0.25},
		},
		{
			name:  "abs",
			input: []float64{-3, 0, 2},
			op:    func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.Abs(ctx) },
			want:  []float64{3, 0, 2},
			grad:  []float64{-1, 0, 1},
		},
		{
			name:  "relu",
			input: []float64{-3, 2},
			op:    func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.ReLU(ctx) },
			want:  []float64{0, 2},
			grad:  []float64{0, 1},
		},
		{
			name:  "leaky relu",
			input: []float64{-2, 3},
			op:    func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.LeakyReLU(ctx, 0.5) },
			want:  []float64{-1, 3},
			grad:  []float64{0.5, 1},
		},
		{
			name:  "scale",
			input: []float64{-2, 3},
			op:    func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.Scale(ctx, 3) },
			want:  []float64{-6, 9},
			grad:  []float64{3, 3},
		},
		{
			name:  "add scalar",
			input: []float64{-2, 3},
			op:    func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.AddScalar(ctx, 1) },
			want:  []float64{-1, 4},
			grad:  []float64{1, 1},
		},
		{
			name:  "mul self",
			input: []float64{-2, 3},
			op:    func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.Mul(ctx, t) },
			want:  []float64{4, 9},
			grad:  []float64{-4, 6},
		},
	}

	approx := cmpopts.EquateApprox(0, 1e-12)
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			b, ctx := setup(t)

			x := parameter(t, b, ctx, "x", tt.input, len(tt.input))
			y := tt.op(ctx, x)
			if diff := cmp.Diff(tt.want, y.Floats(), approx); diff != "" {
				t.Errorf("forward mismatch (-want +got):\n%s", diff)
			}

			require.NoError(t, ctx.Backward(y.Sum(ctx)))
			if diff := cmp.Diff(tt.grad, x.Grad(), approx); diff != "" {
				t.Errorf("gradient mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDivGradient(t *testing.T) {
	b, ctx := setup(t)

	x := parameter(t, b, ctx, "x", []float64{1, 6}, 2)
	y := parameter(t, b, ctx, "y", []float64{2, 3}, 2)

	z := x.Div(ctx, y)
	assert.Equal(t, []float64{0.5, 2}, z.Floats())

	require.NoError(t, ctx.Backward(z.Sum(ctx)))
	assert.Equal(t, []float64{0.5, 1.0 / 3}, x.Grad())
	assert.Equal(t, []float64{-0.25, -6.0 / 9}, y.Grad())
}

func TestReduce(t *testing.T) {
	_, ctx := setup(t)

	x := fromFloats(t, ctx, arange(6), 2, 3)
	assert.Equal(t, []float64{15}, x.Sum(ctx).Floats())
	assert.Equal(t, []float64{2.5}, x.Mean(ctx).Floats())

	assert.Equal(t, []int{3}, x.SumAxis(ctx, 0).Shape())
	assert.Equal(t, []float64{3, 5, 7}, x.SumAxis(ctx, 0).Floats())
	assert.Equal(t, []float64{3, 12}, x.SumAxis(ctx, 1).Floats())
	assert.Equal(t, []float64{1, 4}, x.MeanAxis(ctx, 1).Floats())
	assert.Equal(t, []float64{1, 4}, x.MeanAxis(ctx, -1).Floats())

	y := fromFloats(t, ctx, arange(12), 2, 3, 2)
	s := y.SumAxis(ctx, 1)
	assert.Equal(t, []int{2, 2}, s.Shape())
	assert.Equal(t, []float64{6, 9, 24, 27}, s.Floats())

	assert.Panics(t, func() { x.SumAxis(ctx, 2) })
}

func TestReduceGradient(t *testing.T) {
	b, ctx := setup(t)

	x := parameter(t, b, ctx, "x", arange(6), 2, 3)
	require.NoError(t, ctx.Backward(x.MeanAxis(ctx, 1).Scale(ctx, 3).Sum(ctx)))
	if diff := cmp.Diff([]float64{1, 1, 1, 1, 1, 1}, x.Grad(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("gradient mismatch (-want +got):\n%s", diff)
	}

	b.ZeroGrad()
	require.NoError(t, ctx.Backward(x.Mean(ctx)))
	for _, g := range x.Grad() {
		assert.InDelta(t, 1.0/6, g, 1e-12)
	}
}

func TestReshape(t *testing.T) {
	b, ctx := setup(t)

	x := parameter(t, b, ctx, "x", arange(6), 2, 3)
	y := x.Reshape(ctx, 3, -1)
	assert.Equal(t, []int{3, 2}, y.Shape())
	assert.Equal(t, x.Floats(), y.Floats())

	require.NoError(t, ctx.Backward(y.Square(ctx).Sum(ctx)))
	assert.Equal(t, []float64{0, 2, 4, 6, 8, 10}, x.Grad())
}

func TestBackward(t *testing.T) {
	b, ctx := setup(t)

	x := parameter(t, b, ctx, "x", []float64{1, 2}, 2)
	c := fromFloats(t, ctx, []float64{3, 4}, 2)

	// shared subexpression: y = (x*c) + (x*c)^2
	xc := x.Mul(ctx, c)
	y := xc.Add(ctx, xc.Square(ctx)).Sum(ctx)
	require.NoError(t, ctx.Backward(y))

	// dy/dx = c + 2*x*c*c
	assert.Equal(t, []float64{3 + 2*1*3*3, 4 + 2*2*4*4}, x.Grad())
	assert.Nil(t, c.Grad())

	// gradients accumulate until reset
	require.NoError(t, ctx.Backward(x.Sum(ctx)))
	assert.Equal(t, []float64{22, 69}, x.Grad())

	b.ZeroGrad()
	assert.Equal(t, []float64{0, 0}, x.Grad())

	require.Error(t, ctx.Backward(x))
	require.NoError(t, ctx.Backward(c.Sum(ctx)))
}

func TestBackwardRepeated(t *testing.T) {
	b, ctx := setup(t)

	p := parameter(t, b, ctx, "p", []float64{1, 2}, 2)
	y := p.Scale(ctx, 3).Sum(ctx)

	require.NoError(t, ctx.Backward(y))
	require.NoError(t, ctx.Backward(y))
	assert.Equal(t, []float64{6, 6}, p.Grad())

	// a second graph sharing the scaled subexpression
	b.ZeroGrad()
	s := p.Scale(ctx, 2)
	require.NoError(t, ctx.Backward(s.Sum(ctx)))
	require.NoError(t, ctx.Backward(s.Square(ctx).Sum(ctx)))

	// d/dp 2p + 4p^2 = 2 + 8p
	assert.Equal(t, []float64{10, 18}, p.Grad())
}

func TestParameters(t *testing.T) {
	b, ctx := setup(t)

	w := parameter(t, b, ctx, "w", arange(2), 2)
	parameter(t, b, ctx, "v", arange(3), 3)

	assert.Same(t, w, b.Get("w"))
	assert.Nil(t, b.Get("missing"))
	assert.True(t, w.RequiresGrad())

	names := make([]string, 0)
	for _, p := range b.Parameters() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"w", "v"}, names)

	assert.Panics(t, func() { parameter(t, b, ctx, "w", arange(2), 2) })
}

func TestRandomNormal(t *testing.T) {
	_, ctx := setup(t)
	_, other := setup(t)

	x := ctx.RandomNormal([]int{100, 100}, 1, 2)
	assert.Equal(t, []int{100, 100}, x.Shape())
	assert.False(t, x.RequiresGrad())
	assert.Equal(t, x.Floats(), other.RandomNormal([]int{100, 100}, 1, 2).Floats())

	mean := x.Mean(ctx).Floats()[0]
	variance := x.AddScalar(ctx, -mean).Square(ctx).Mean(ctx).Floats()[0]
	assert.InDelta(t, 1, mean, 0.1)
	assert.InDelta(t, 4, variance, 0.2)

	assert.NotEqual(t, x.Floats(), ctx.RandomNormal([]int{100, 100}, 1, 2).Floats())
}

func TestRandomUniform(t *testing.T) {
	_, ctx := setup(t)

	x := ctx.RandomUniform([]int{1000}, -0.5, 0.5)
	for _, v := range x.Floats() {
		assert.GreaterOrEqual(t, v, -0.5)
		assert.Less(t, v, 0.5)
	}
}

func TestParallel(t *testing.T) {
	b := New(ml.BackendParams{NumThreads: 4, Seed: 1})
	ctx := b.NewContext()

	n := 4*minChunk + 3
	x := fromFloats(t, ctx, arange(n), n)
	y := x.Add(ctx, x).Floats()
	for i, v := range y {
		if v != float64(2*i) {
			t.Fatalf("element %d: want %v, got %v", i, float64(2*i), v)
		}
	}
}

func TestDump(t *testing.T) {
	_, ctx := setup(t)

	x := fromFloats(t, ctx, arange(6), 2, 3)
	assert.Equal(t, "[[0.0, 1.0, 2.0],\n [3.0, 4.0, 5.0]]", ml.Dump(x, ml.DumpOptions{Items: 3, Precision: 1}))

	y := fromFloats(t, ctx, arange(10), 10)
	assert.Equal(t, "[0, 1, ..., 8, 9]", ml.Dump(y, ml.DumpOptions{Items: 2, Precision: 0}))

	assert.Equal(t, "15.0000", ml.Dump(x.Sum(ctx)))
}
