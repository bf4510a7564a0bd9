// Package gp implements the Gaussian Process posterior the evaluator draws
// from: mean, covariance, their Cholesky factorization, and the gradients of
// all three with respect to a designated subset of the query points.
package gp

import (
	"fmt"
	"math"
)

// Covariance is a stationary covariance function over R^dim together with
// its spatial gradient.
type Covariance interface {
	Dim() int
	// Covariance returns k(x, y).
	Covariance(x, y []float64) float64
	// GradCovariance writes d k(x, y) / d x into dst (length Dim).
	GradCovariance(dst, x, y []float64)
}

// SquareExponential is the square exponential (Gaussian) covariance
//
//	k(x, y) = alpha * exp(-0.5 * sum_d ((x_d - y_d) / l_d)^2)
//
// with signal variance alpha and one length scale per dimension.
type SquareExponential struct {
	alpha   float64
	lengths []float64
}

// NewSquareExponential builds the covariance from a positive signal variance
// and positive per-dimension length scales.
func NewSquareExponential(signalVariance float64, lengthScales []float64) (*SquareExponential, error) {
	if signalVariance <= 0 {
		return nil, fmt.Errorf("gp: signal variance must be positive, got %g", signalVariance)
	}
	if len(lengthScales) == 0 {
		return nil, fmt.Errorf("gp: at least one length scale required")
	}
	lengths := make([]float64, len(lengthScales))
	for i, l := range lengthScales {
		if l <= 0 {
			return nil, fmt.Errorf("gp: length scale %d must be positive, got %g", i, l)
		}
		lengths[i] = l
	}
	return &SquareExponential{alpha: signalVariance, lengths: lengths}, nil
}

func (k *SquareExponential) Dim() int { return len(k.lengths) }

func (k *SquareExponential) Covariance(x, y []float64) float64 {
	var norm float64
	for d, l := range k.lengths {
		r := (x[d] - y[d]) / l
		norm += r * r
	}
	return k.alpha * math.Exp(-0.5*norm)
}

func (k *SquareExponential) GradCovariance(dst, x, y []float64) {
	cov := k.Covariance(x, y)
	for d, l := range k.lengths {
		dst[d] = -cov * (x[d] - y[d]) / (l * l)
	}
}
