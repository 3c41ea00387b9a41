package nn

import (
	"log/slog"

	"github.com/ollama/vae/ml"
)

// Loss reduces a prediction and a target of the same shape to a scalar
type Loss func(ctx ml.Context, input, target ml.Tensor) ml.Tensor

// StableBCE is binary cross-entropy on logits, summed over every element:
//
//	max(x, 0) - x*t + log(1 + exp(-|x|))
//
// exp only ever sees non-positive arguments so large logits cannot overflow.
func StableBCE(ctx ml.Context, input, target ml.Tensor) ml.Tensor {
	return input.ReLU(ctx).
		Sub(ctx, input.Mul(ctx, target)).
		Add(ctx, input.Abs(ctx).Neg(ctx).Exp(ctx).Log1p(ctx)).
		Sum(ctx)
}

// MSE is the mean of squared differences
func MSE(ctx ml.Context, input, target ml.Tensor) ml.Tensor {
	return input.Sub(ctx, target).Square(ctx).Mean(ctx)
}

// NewReconstructionLoss returns StableBCE for a "Bernoulli" decoder and MSE otherwise
func NewReconstructionLoss(decoder string) Loss {
	switch decoder {
	case "Bernoulli":
		return StableBCE
	case "Gaussian":
	default:
		slog.Warn("unknown decoder, using mean squared error", "decoder", decoder)
	}

	return MSE
}
