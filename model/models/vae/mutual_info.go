package vae

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"gonum.org/v1/gonum/floats"

	"github.com/ollama/vae/ml"
)

// MutualInfoQ estimates the mutual information between x and its latent code
// under the approximate posterior, treating the batch as the sample set. It
// returns the joint estimate and one estimate per latent dimension. The joint
// estimate is not the sum of the per dimension ones since the marginals are
// not independent.
func (m *Model) MutualInfoQ(ctx ml.Context, x ml.Tensor) (float64, []float64, error) {
	mu, logvar, err := m.Encode(ctx, x)
	if err != nil {
		return 0, nil, err
	}

	z, err := m.Reparameterize(ctx, mu, logvar)
	if err != nil {
		return 0, nil, err
	}

	return mutualInfo(mu.Floats(), logvar.Floats(), z.Floats(), mu.Dim(0), m.nz)
}

// mutualInfo computes
//
//	log(l) + 1/l * sum_i [log q(z_i|x_i) - log sum_j q(z_j|x_i)]
//
// where each row of mu, logvar and z holds nz values. Densities are left
// unnormalized and reduced in log space.
func mutualInfo(mu, logvar, z []float64, l, nz int) (float64, []float64, error) {
	// density[i, j, d] = log q(z_jd | x_i) for a single latent dimension
	density := make([]float64, l*l*nz)
	for i := range l {
		for j := range l {
			for d := range nz {
				diff := z[j*nz+d] - mu[i*nz+d]
				lv := logvar[i*nz+d]
				density[(i*l+j)*nz+d] = -diff*diff/(2*math.Exp(lv)) - 0.5*lv
			}
		}
	}

	var dense tensor.Tensor = tensor.New(tensor.WithShape(l, l, nz), tensor.WithBacking(density))

	joint, err := dense.(*tensor.Dense).Sum(2)
	if err != nil {
		return 0, nil, fmt.Errorf("vae: joint density: %w", err)
	}

	rows, err := native.MatrixF64(joint)
	if err != nil {
		return 0, nil, err
	}

	info := math.Log(float64(l))
	for i, row := range rows {
		info += (row[i] - floats.LogSumExp(row)) / float64(l)
	}

	// [l, nz, l] so that every row sums over the samples j
	split, err := tensor.Transpose(dense, 0, 2, 1)
	if err != nil {
		return 0, nil, fmt.Errorf("vae: split density: %w", err)
	}

	split = tensor.Materialize(split)
	if err := split.Reshape(l*nz, l); err != nil {
		return 0, nil, err
	}

	rows, err = native.MatrixF64(split.(*tensor.Dense))
	if err != nil {
		return 0, nil, err
	}

	perDim := make([]float64, nz)
	for d := range perDim {
		perDim[d] = math.Log(float64(l))
	}

	for i := range l {
		for d := range nz {
			row := rows[i*nz+d]
			perDim[d] += (row[i] - floats.LogSumExp(row)) / float64(l)
		}
	}

	return info, perDim, nil
}
