// Package vae implements variational autoencoders over flat inputs: a
// baseline model, a beta weighted KL variant and an MMD regularized variant.
package vae

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ollama/vae/ml"
	"github.com/ollama/vae/ml/nn"
	"github.com/ollama/vae/model"
)

type Options struct {
	InputDims  []int   `mapstructure:"input_dims"`
	CodeDims   []int   `mapstructure:"code_dims"`
	Hidden     int     `mapstructure:"hidden"`
	Activation string  `mapstructure:"activation"`
	Decoder    string  `mapstructure:"decoder"`
	Layers     []int   `mapstructure:"layers"`
	Beta       float64 `mapstructure:"beta"`
}

func DefaultOptions() Options {
	return Options{
		Hidden:     400,
		Activation: "lrelu",
		Decoder:    "Bernoulli",
		Layers:     []int{2, 2},
		Beta:       1,
	}
}

// ParseOptions decodes c over DefaultOptions
func ParseOptions(c model.Config) (Options, error) {
	opts := DefaultOptions()
	if err := c.Decode(&opts); err != nil {
		return Options{}, err
	}

	if err := opts.validate(); err != nil {
		return Options{}, err
	}

	return opts, nil
}

func positive(name string, dims []int) error {
	if len(dims) == 0 {
		return fmt.Errorf("vae: %s is empty", name)
	}

	for _, d := range dims {
		if d <= 0 {
			return fmt.Errorf("vae: %s must be positive, got %v", name, dims)
		}
	}

	return nil
}

func (o Options) validate() error {
	if err := positive("input_dims", o.InputDims); err != nil {
		return err
	}

	if err := positive("code_dims", o.CodeDims); err != nil {
		return err
	}

	if o.Hidden <= 0 {
		return fmt.Errorf("vae: hidden must be positive, got %d", o.Hidden)
	}

	if len(o.Layers) != 2 || o.Layers[0] < 2 || o.Layers[1] < 2 {
		return fmt.Errorf("vae: layers must be two depths of at least 2, got %v", o.Layers)
	}

	if !(o.Beta >= 0) {
		return fmt.Errorf("vae: beta must be non-negative, got %v", o.Beta)
	}

	return nil
}

type Variant string

const (
	// Naive is the baseline model: one hidden stage on each path and an unweighted KL term
	Naive Variant = "naive"
	// Beta scales the KL term by beta and allows deeper encoders and decoders
	Beta Variant = "beta"
	// MMD replaces the KL term with the MMD between z and samples of the prior
	MMD Variant = "mmd"
)

// regularizer returns the latent penalty for v and whether it consumes prior samples
func (v Variant) regularizer() (Regularizer, bool) {
	if v == MMD {
		return MMDRegularizer, true
	}

	return KL, false
}

type Model struct {
	model.Base

	// Encoder stages map [batch, nx] to [batch, hidden]
	Encoder []*nn.Linear
	Mu      *nn.Linear
	LogVar  *nn.Linear

	// Decoder stages map [batch, nz] to [batch, hidden]
	Decoder []*nn.Linear
	Output  *nn.Linear

	*Options

	variant Variant
	nx, nz  int

	activation     nn.Activation
	reconstruction nn.Loss
	regularizer    Regularizer
	needsPrior     bool
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}

	return n
}

// stages creates depth-1 linear stages, the first mapping in to hidden
func stages(ctx ml.Context, b ml.Backend, prefix string, depth, in, hidden int) []*nn.Linear {
	s := make([]*nn.Linear, depth-1)
	for i := range s {
		s[i] = nn.NewLinear(ctx, b, prefix+"."+strconv.Itoa(i), in, hidden)
		in = hidden
	}

	return s
}

// New creates a model of variant v and registers its parameters on b
func New(b ml.Backend, v Variant, opts Options) (*Model, error) {
	switch v {
	case Naive:
		// the baseline is fixed at one stage per path with an unweighted KL term
		opts.Layers, opts.Beta = []int{2, 2}, 1
	case Beta, MMD:
	default:
		return nil, fmt.Errorf("vae: unknown variant %q", v)
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	m := Model{
		Base:           model.NewBase(b),
		Options:        &opts,
		variant:        v,
		nx:             product(opts.InputDims),
		nz:             product(opts.CodeDims),
		activation:     nn.NewActivation(opts.Activation),
		reconstruction: nn.NewReconstructionLoss(opts.Decoder),
	}
	m.regularizer, m.needsPrior = v.regularizer()

	ctx := b.NewContext()
	defer ctx.Close()

	m.Encoder = stages(ctx, b, "encoder", opts.Layers[0], m.nx, opts.Hidden)
	m.Mu = nn.NewLinear(ctx, b, "mu", opts.Hidden, m.nz)
	m.LogVar = nn.NewLinear(ctx, b, "logvar", opts.Hidden, m.nz)
	m.Decoder = stages(ctx, b, "decoder", opts.Layers[1], m.nz, opts.Hidden)
	m.Output = nn.NewLinear(ctx, b, "output", opts.Hidden, m.nx)

	slog.Debug("vae", "variant", v, "nx", m.nx, "nz", m.nz, "hidden", opts.Hidden,
		"layers", opts.Layers, "beta", opts.Beta, "activation", opts.Activation, "decoder", opts.Decoder)

	return &m, nil
}

// Variant reports which objective the model trains
func (m *Model) Variant() Variant {
	return m.variant
}

// flatten views x as [batch, nx]
func (m *Model) flatten(ctx ml.Context, x ml.Tensor) ml.Tensor {
	if len(x.Shape()) == 0 {
		panic(&ml.ShapeError{Op: "flatten", Shapes: [][]int{x.Shape(), {m.nx}}})
	}

	return x.Reshape(ctx, x.Dim(0), m.nx)
}

// Encode returns the posterior mean and log variance of x, each [batch, nz]
func (m *Model) Encode(ctx ml.Context, x ml.Tensor) (mu, logvar ml.Tensor, err error) {
	defer ml.Catch(&err)

	h := m.flatten(ctx, x)
	for _, stage := range m.Encoder {
		h = m.activation(ctx, stage.Forward(ctx, h))
	}

	return m.Mu.Forward(ctx, h), m.LogVar.Forward(ctx, h), nil
}

// Reparameterize draws z ~ N(mu, exp(logvar)) as mu + eps*std with eps ~ N(0, I)
// sampled from ctx. Gradients flow into mu and logvar but not eps.
func (m *Model) Reparameterize(ctx ml.Context, mu, logvar ml.Tensor) (ml.Tensor, error) {
	return m.ReparameterizeWith(ctx, mu, logvar, ctx.RandomNormal(mu.Shape(), 0, 1))
}

// ReparameterizeWith is Reparameterize with caller supplied noise
func (m *Model) ReparameterizeWith(ctx ml.Context, mu, logvar, eps ml.Tensor) (z ml.Tensor, err error) {
	defer ml.Catch(&err)

	std := logvar.Scale(ctx, 0.5).Exp(ctx)
	return mu.Add(ctx, eps.Mul(ctx, std)), nil
}

// Decode maps z to reconstruction logits, [batch, nx]
func (m *Model) Decode(ctx ml.Context, z ml.Tensor) (recon ml.Tensor, err error) {
	defer ml.Catch(&err)

	h := z
	for _, stage := range m.Decoder {
		h = m.activation(ctx, stage.Forward(ctx, h))
	}

	return m.Output.Forward(ctx, h), nil
}

func (m *Model) Forward(ctx ml.Context, x ml.Tensor) (model.Output, error) {
	mu, logvar, err := m.Encode(ctx, x)
	if err != nil {
		return model.Output{}, err
	}

	z, err := m.Reparameterize(ctx, mu, logvar)
	if err != nil {
		return model.Output{}, err
	}

	recon, err := m.Decode(ctx, z)
	if err != nil {
		return model.Output{}, err
	}

	return model.Output{Reconstruction: recon, Mu: mu, LogVar: logvar, Z: z}, nil
}

// Loss scores out against the batch x. The MMD variant draws its reference
// samples from ctx.
func (m *Model) Loss(ctx ml.Context, out model.Output, x ml.Tensor) (model.Loss, error) {
	var prior ml.Tensor
	if m.needsPrior && out.Z != nil {
		prior = ctx.RandomNormal(out.Z.Shape(), 0, 1)
	}

	return m.LossWithPrior(ctx, out, x, prior)
}

var errNoPrior = errors.New("vae: regularizer requires prior samples")

// LossWithPrior is Loss with caller supplied reference samples of the
// prior, [batch, nz]. Variants regularizing with KL ignore prior.
func (m *Model) LossWithPrior(ctx ml.Context, out model.Output, x, prior ml.Tensor) (loss model.Loss, err error) {
	if m.needsPrior && prior == nil {
		return model.Loss{}, errNoPrior
	}

	defer ml.Catch(&err)

	target := m.flatten(ctx, x)
	recon := m.reconstruction(ctx, out.Reconstruction, target).Scale(ctx, 1/float64(target.Dim(0)))
	reg := m.regularizer(ctx, out.Mu, out.LogVar, out.Z, prior)
	weighted := reg.Scale(ctx, m.Beta)

	return model.Loss{
		Total:          recon.Add(ctx, weighted),
		Reconstruction: recon,
		Regularizer:    reg,
		Weighted:       weighted,
	}, nil
}

func newVariant(v Variant) func(ml.Backend, model.Config) (model.Model, error) {
	return func(b ml.Backend, c model.Config) (model.Model, error) {
		opts, err := ParseOptions(c)
		if err != nil {
			return nil, err
		}

		m, err := New(b, v, opts)
		if err != nil {
			return nil, err
		}

		return m, nil
	}
}

func init() {
	model.Register(string(Naive), newVariant(Naive))
	model.Register(string(Beta), newVariant(Beta))
	model.Register(string(MMD), newVariant(MMD))
}
