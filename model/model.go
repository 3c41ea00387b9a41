package model

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/mitchellh/mapstructure"

	"github.com/ollama/vae/ml"
	_ "github.com/ollama/vae/ml/backend"
)

// Model implements a specific autoencoder architecture, defining the forward pass and its training objective
type Model interface {
	Forward(ml.Context, ml.Tensor) (Output, error)

	// Loss scores out against the batch x it was computed from
	Loss(ml.Context, Output, ml.Tensor) (Loss, error)

	Backend() ml.Backend
}

// Output holds the results of a forward pass over a batch
type Output struct {
	// Reconstruction holds decoder logits, [batch, nx]
	Reconstruction ml.Tensor

	// Mu and LogVar parameterize the approximate posterior, [batch, nz]
	Mu, LogVar ml.Tensor

	// Z is the latent sample drawn from the posterior, [batch, nz]
	Z ml.Tensor
}

// Loss holds the scalar terms of the objective
type Loss struct {
	Total          ml.Tensor
	Reconstruction ml.Tensor

	// Regularizer is the unweighted latent penalty
	Regularizer ml.Tensor

	// Weighted is Regularizer scaled by the model's weight. Total is
	// Reconstruction + Weighted.
	Weighted ml.Tensor
}

// Base implements the common fields and methods for all models
type Base struct {
	b ml.Backend
}

func NewBase(b ml.Backend) Base {
	return Base{b: b}
}

// Backend returns the underlying backend that will run the model
func (m *Base) Backend() ml.Backend {
	return m.b
}

// Config holds architecture hyper-parameters keyed by name
type Config map[string]any

// Decode copies c into the tagged fields of v. Values are weakly typed so
// "400", 400 and 400.0 all decode into an int. Keys that match no field are
// an error.
func (c Config) Decode(v any) error {
	if len(c) == 0 {
		return nil
	}

	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		ZeroFields:       true,
	})
	if err != nil {
		return err
	}

	if err := d.Decode(map[string]any(c)); err != nil {
		return fmt.Errorf("model: %w", err)
	}

	return nil
}

var models = make(map[string]func(ml.Backend, Config) (Model, error))

// Register registers a model constructor for the given architecture
func Register(name string, f func(ml.Backend, Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Architectures lists the registered architectures
func Architectures() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

// New initializes a new model of the given architecture on a backend created from params
func New(arch string, c Config, params ml.BackendParams) (Model, error) {
	b, err := ml.NewBackend(params)
	if err != nil {
		return nil, err
	}

	return NewWithBackend(arch, b, c)
}

// NewWithBackend initializes a new model of the given architecture whose parameters live on b
func NewWithBackend(arch string, b ml.Backend, c Config) (Model, error) {
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	m, err := f(b, c)
	if err != nil {
		return nil, err
	}

	slog.Debug("model initialized", "architecture", arch, "parameters", len(b.Parameters()))
	return m, nil
}
