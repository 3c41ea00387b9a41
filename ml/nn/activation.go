package nn

import (
	"log/slog"

	"github.com/ollama/vae/ml"
)

type Activation func(ml.Context, ml.Tensor) ml.Tensor

// leakySlope matches the conventional default negative slope
const leakySlope = 0.01

func LeakyReLU(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return t.LeakyReLU(ctx, leakySlope)
}

func ReLU(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return t.ReLU(ctx)
}

// NewActivation returns LeakyReLU for "lrelu" and ReLU otherwise
func NewActivation(name string) Activation {
	switch name {
	case "lrelu":
		return LeakyReLU
	case "relu":
	default:
		slog.Warn("unknown activation, using relu", "activation", name)
	}

	return ReLU
}
