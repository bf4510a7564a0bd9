package gp

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// GP is a Gaussian Process over an objective function, conditioned on the
// points sampled so far. Prediction state objects (PointsState) hold
// non-owning references to a GP; mutating the GP through Add makes every
// dependent state stale, and those states must be rebuilt before use. The GP
// itself does not track its dependents.
type GP struct {
	cov       Covariance
	dim       int
	priorMean float64

	points []float64 // sampled points, point-major, dim per point
	values []float64
	noise  []float64 // observation noise variance per point

	chol   mat.Cholesky // factorization of K + diag(noise)
	coeffs []float64    // (K + diag(noise))^-1 (values - priorMean)
}

// New returns a GP with the given covariance and constant prior mean and no
// observations. With no observations the posterior equals the prior.
func New(cov Covariance, priorMean float64) *GP {
	return &GP{
		cov:       cov,
		dim:       cov.Dim(),
		priorMean: priorMean,
	}
}

func (g *GP) Dim() int        { return g.dim }
func (g *GP) NumSampled() int { return len(g.values) }

// BestValue returns the minimum observed value, or ok=false with no
// observations.
func (g *GP) BestValue() (best float64, ok bool) {
	if len(g.values) == 0 {
		return 0, false
	}
	best = g.values[0]
	for _, v := range g.values[1:] {
		if v < best {
			best = v
		}
	}
	return best, true
}

// Add conditions the GP on one more observation and refactors the training
// covariance. Every PointsState built against this GP is stale afterwards.
func (g *GP) Add(point []float64, value, noiseVariance float64) error {
	if len(point) != g.dim {
		return fmt.Errorf("gp: point has %d coordinates, want %d", len(point), g.dim)
	}
	if noiseVariance < 0 {
		return fmt.Errorf("gp: negative noise variance %g", noiseVariance)
	}
	g.points = append(g.points, point...)
	g.values = append(g.values, value)
	g.noise = append(g.noise, noiseVariance)
	if err := g.refactor(); err != nil {
		// Roll back so the GP stays usable with its previous observations.
		g.points = g.points[:len(g.points)-g.dim]
		g.values = g.values[:len(g.values)-1]
		g.noise = g.noise[:len(g.noise)-1]
		if len(g.values) > 0 {
			_ = g.refactor()
		}
		return err
	}
	return nil
}

func (g *GP) point(i int) []float64 {
	return g.points[i*g.dim : (i+1)*g.dim]
}

func (g *GP) refactor() error {
	n := len(g.values)
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := g.cov.Covariance(g.point(i), g.point(j))
			if i == j {
				v += g.noise[i] + covarianceJitter
			}
			k.SetSym(i, j, v)
		}
	}
	if ok := g.chol.Factorize(k); !ok {
		return fmt.Errorf("gp: training covariance is not positive definite")
	}
	resid := mat.NewVecDense(n, nil)
	for i, v := range g.values {
		resid.SetVec(i, v-g.priorMean)
	}
	coeffs := mat.NewVecDense(n, nil)
	if err := g.chol.SolveVecTo(coeffs, resid); err != nil {
		return fmt.Errorf("gp: solving for regression coefficients: %w", err)
	}
	g.coeffs = coeffs.RawVector().Data
	return nil
}

// covarianceJitter keeps factorizations of near-singular covariance matrices
// from failing outright when observations or query points nearly coincide.
const covarianceJitter = 1e-10
