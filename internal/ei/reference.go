package ei

import "math"

// Host reference implementations of the estimator, consuming a captured
// draw sequence instead of a seeded stream. Used to validate the device
// path: a capture-mode computation records its draws, and replaying them
// here must reproduce the device result up to summation order.

// ReplayExpectedImprovement recomputes the EI estimate from mu, the
// lower-triangular factor chol (numUnion x numUnion row-major), and a draw
// sequence of whole draws (len(draws) must be a multiple of numUnion).
// The per-draw minimum runs over the whole union, so points being sampled
// suppress improvement on draws where they attain the joint minimum.
func ReplayExpectedImprovement(mu, chol []float64, numUnion, numToSample int, bestSoFar float64, draws []float64) float64 {
	iterations := len(draws) / numUnion
	var total float64
	for it := 0; it < iterations; it++ {
		z := draws[it*numUnion : (it+1)*numUnion]
		minF := math.Inf(1)
		for i := 0; i < numUnion; i++ {
			f := mu[i]
			for k := 0; k <= i; k++ {
				f += chol[i*numUnion+k] * z[k]
			}
			if f < minF {
				minF = f
			}
		}
		if imp := bestSoFar - minF; imp > 0 {
			total += imp
		}
	}
	return total / float64(iterations)
}

// ReplayGradExpectedImprovement recomputes the gradient estimate from the
// posterior quantities and a captured draw sequence. gradMu and gradChol
// use the same layouts the device kernels consume; the result is flattened
// point-major, dim entries per candidate. Ties for the joint minimum go to
// the lowest union index, matching the kernels; draws won by a point being
// sampled contribute no gradient.
func ReplayGradExpectedImprovement(mu, chol, gradMu, gradChol []float64, dim, numUnion, numToSample int, bestSoFar float64, draws []float64) []float64 {
	iterations := len(draws) / numUnion
	u := numUnion
	q := numToSample
	grad := make([]float64, q*dim)
	for it := 0; it < iterations; it++ {
		z := draws[it*u : (it+1)*u]
		winner := -1
		minF := math.Inf(1)
		for i := 0; i < u; i++ {
			f := mu[i]
			for k := 0; k <= i; k++ {
				f += chol[i*u+k] * z[k]
			}
			if f < minF {
				minF = f
				winner = i
			}
		}
		if bestSoFar-minF <= 0 || winner >= q {
			continue
		}
		w := winner
		for j := 0; j < q; j++ {
			for d := 0; d < dim; d++ {
				df := gradMu[(w*q+j)*dim+d]
				base := ((j*dim+d)*u + w) * u
				for k := 0; k <= w; k++ {
					df += gradChol[base+k] * z[k]
				}
				grad[j*dim+d] -= df
			}
		}
	}
	for i := range grad {
		grad[i] /= float64(iterations)
	}
	return grad
}
