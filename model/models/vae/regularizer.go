package vae

import "github.com/ollama/vae/ml"

// Regularizer penalizes the latent code of a batch. prior holds samples of
// the reference distribution shaped like z and may be nil for strategies that
// do not consume it.
type Regularizer func(ctx ml.Context, mu, logvar, z, prior ml.Tensor) ml.Tensor

// KL is the closed form divergence of N(mu, exp(logvar)) from N(0, I),
// averaged over the batch:
//
//	-0.5 * sum(1 + logvar - mu^2 - exp(logvar)) / batch
//
// See Kingma and Welling, Auto-Encoding Variational Bayes, appendix B.
func KL(ctx ml.Context, mu, logvar, _, _ ml.Tensor) ml.Tensor {
	return logvar.AddScalar(ctx, 1).
		Sub(ctx, mu.Square(ctx)).
		Sub(ctx, logvar.Exp(ctx)).
		Sum(ctx).
		Scale(ctx, -0.5/float64(mu.Dim(0)))
}

// MMDRegularizer is the MMD between samples of the prior and z
func MMDRegularizer(ctx ml.Context, _, _, z, prior ml.Tensor) ml.Tensor {
	return ComputeMMD(ctx, prior, z)
}

// ComputeKernel returns the [|x|, |y|] matrix exp(-mean_d (x_id - y_jd)^2)
// for x [n, d] and y [m, d]
func ComputeKernel(ctx ml.Context, x, y ml.Tensor) ml.Tensor {
	xs, ys := x.Shape(), y.Shape()
	if len(xs) != 2 || len(ys) != 2 || xs[1] != ys[1] {
		panic(&ml.ShapeError{Op: "kernel", Shapes: [][]int{xs, ys}})
	}

	n, m, d := xs[0], ys[0], xs[1]
	return x.Reshape(ctx, n, 1, d).
		Sub(ctx, y.Reshape(ctx, 1, m, d)).
		Square(ctx).
		MeanAxis(ctx, 2).
		Neg(ctx).
		Exp(ctx)
}

// ComputeMMD estimates the maximum mean discrepancy between the samples x and y:
//
//	mean(k(x, x)) + mean(k(y, y)) - 2 * mean(k(x, y))
func ComputeMMD(ctx ml.Context, x, y ml.Tensor) ml.Tensor {
	xx := ComputeKernel(ctx, x, x).Mean(ctx)
	yy := ComputeKernel(ctx, y, y).Mean(ctx)
	xy := ComputeKernel(ctx, x, y).Mean(ctx)
	return xx.Add(ctx, yy).Sub(ctx, xy.Scale(ctx, 2))
}
