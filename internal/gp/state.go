package gp

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// PointsState caches the training-covariance cross terms for one ordered set
// of query points, so posterior quantities and their gradients can be read
// off without re-solving against the training set. Update recomputes the
// cache in place for a same-shaped point set without reallocating.
//
// Gradients are taken with respect to the first numDerivatives points of the
// set. A PointsState is stale once its GP has been mutated; rebuild it with
// NewPointsState before using it again.
type PointsState struct {
	gp             *GP
	dim            int
	numPoints      int
	numDerivatives int

	points []float64

	ks  *mat.Dense // K(X, S), n x u
	w   *mat.Dense // (K + diag(noise))^-1 K(X, S), n x u
	cov []float64  // posterior covariance, u x u row-major
}

// NewPointsState builds the prediction state for points (point-major,
// gp.Dim() coordinates each). numDerivatives is the size of the leading
// subset gradients are taken against; pass 0 when no gradients are needed.
func NewPointsState(g *GP, points []float64, numDerivatives int) (*PointsState, error) {
	dim := g.Dim()
	if len(points) == 0 || len(points)%dim != 0 {
		return nil, fmt.Errorf("gp: points length %d is not a positive multiple of dim %d", len(points), dim)
	}
	u := len(points) / dim
	if numDerivatives < 0 || numDerivatives > u {
		return nil, fmt.Errorf("gp: numDerivatives %d outside [0, %d]", numDerivatives, u)
	}
	s := &PointsState{
		gp:             g,
		dim:            dim,
		numPoints:      u,
		numDerivatives: numDerivatives,
		points:         make([]float64, len(points)),
		cov:            make([]float64, u*u),
	}
	if n := g.NumSampled(); n > 0 {
		s.ks = mat.NewDense(n, u, nil)
		s.w = mat.NewDense(n, u, nil)
	}
	if err := s.Update(points); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PointsState) NumPoints() int      { return s.numPoints }
func (s *PointsState) NumDerivatives() int { return s.numDerivatives }

// Update replaces the query points and recomputes the cached cross terms.
// The new set must have the same number of points the state was built with.
func (s *PointsState) Update(points []float64) error {
	if len(points) != s.numPoints*s.dim {
		return fmt.Errorf("gp: point set length %d, state built for %d", len(points), s.numPoints*s.dim)
	}
	copy(s.points, points)

	g := s.gp
	n := g.NumSampled()
	u := s.numPoints
	for a := 0; a < u; a++ {
		for b := a; b < u; b++ {
			v := g.cov.Covariance(s.point(a), s.point(b))
			s.cov[a*u+b] = v
			s.cov[b*u+a] = v
		}
	}
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		for j := 0; j < u; j++ {
			s.ks.Set(i, j, g.cov.Covariance(g.point(i), s.point(j)))
		}
	}
	if err := g.chol.SolveTo(s.w, s.ks); err != nil {
		return fmt.Errorf("gp: solving cross-covariance system: %w", err)
	}
	// cov -= Ks^T W
	for a := 0; a < u; a++ {
		for b := a; b < u; b++ {
			var dot float64
			for i := 0; i < n; i++ {
				dot += s.ks.At(i, a) * s.w.At(i, b)
			}
			s.cov[a*u+b] -= dot
			s.cov[b*u+a] = s.cov[a*u+b]
		}
	}
	return nil
}

func (s *PointsState) point(j int) []float64 {
	return s.points[j*s.dim : (j+1)*s.dim]
}

// Mean writes the posterior mean at each query point into dst (length
// NumPoints).
func (s *PointsState) Mean(dst []float64) {
	n := s.gp.NumSampled()
	for j := 0; j < s.numPoints; j++ {
		m := s.gp.priorMean
		for i := 0; i < n; i++ {
			m += s.ks.At(i, j) * s.gp.coeffs[i]
		}
		dst[j] = m
	}
}

// GradMean writes the gradient of the posterior mean into dst, indexed
// [point][derivative][dim] (length NumPoints*NumDerivatives*Dim). The mean
// at a point depends only on that point, so entries with point != derivative
// are zero.
func (s *PointsState) GradMean(dst []float64) {
	q, d := s.numDerivatives, s.dim
	for i := range dst[:s.numPoints*q*d] {
		dst[i] = 0
	}
	n := s.gp.NumSampled()
	if n == 0 {
		return
	}
	grad := make([]float64, d)
	for j := 0; j < q; j++ {
		base := (j*q + j) * d
		for i := 0; i < n; i++ {
			s.gp.cov.GradCovariance(grad, s.point(j), s.gp.point(i))
			for dd := 0; dd < d; dd++ {
				dst[base+dd] += grad[dd] * s.gp.coeffs[i]
			}
		}
	}
}

// CholeskyFactor writes the lower-triangular Cholesky factor L of the
// posterior covariance into dst (NumPoints x NumPoints, row-major, zeros
// above the diagonal), with L L^T equal to the covariance.
func (s *PointsState) CholeskyFactor(dst []float64) error {
	u := s.numPoints
	sym := mat.NewSymDense(u, nil)
	for a := 0; a < u; a++ {
		for b := a; b < u; b++ {
			v := s.cov[a*u+b]
			if a == b {
				v += covarianceJitter
			}
			sym.SetSym(a, b, v)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return fmt.Errorf("gp: posterior covariance is not positive definite")
	}
	var lower mat.TriDense
	chol.LTo(&lower)
	for a := 0; a < u; a++ {
		for b := 0; b < u; b++ {
			if b <= a {
				dst[a*u+b] = lower.At(a, b)
			} else {
				dst[a*u+b] = 0
			}
		}
	}
	return nil
}

// GradCholeskyFactor writes the gradient of the Cholesky factor with respect
// to the leading NumDerivatives points into dst, indexed
// [derivative][dim][row][col] (length NumDerivatives*Dim*NumPoints^2), with
// each [row][col] block lower-triangular. chol must be the factor produced
// by CholeskyFactor for the current points.
func (s *PointsState) GradCholeskyFactor(dst, chol []float64) {
	u := s.numPoints
	q, d := s.numDerivatives, s.dim
	n := s.gp.NumSampled()

	dSigma := make([]float64, u*u)
	grad := make([]float64, d)
	// d k(s_j, X_i) / d s_j for the current derivative point, one column per
	// coordinate.
	var gkx []float64
	if n > 0 {
		gkx = make([]float64, n*d)
	}

	for j := 0; j < q; j++ {
		if n > 0 {
			for i := 0; i < n; i++ {
				s.gp.cov.GradCovariance(grad, s.point(j), s.gp.point(i))
				copy(gkx[i*d:(i+1)*d], grad)
			}
		}
		for dd := 0; dd < d; dd++ {
			for i := range dSigma {
				dSigma[i] = 0
			}
			for b := 0; b < u; b++ {
				var v float64
				if b != j {
					s.gp.cov.GradCovariance(grad, s.point(j), s.point(b))
					v = grad[dd]
				}
				// Stationarity kills d k(s_j, s_j) / d s_j.
				if n > 0 {
					var dot float64
					for i := 0; i < n; i++ {
						dot += gkx[i*d+dd] * s.w.At(i, b)
					}
					v -= dot
					if b == j {
						v *= 2
					}
				}
				if b == j {
					dSigma[j*u+j] = v
				} else {
					dSigma[j*u+b] = v
					dSigma[b*u+j] = v
				}
			}
			gradCholeskyFromSigma(dst[((j*d+dd)*u*u):((j*d+dd)+1)*u*u], dSigma, chol, u)
		}
	}
}

// gradCholeskyFromSigma differentiates the Cholesky-Banachiewicz recursion:
// given dSigma and the factor L of Sigma, it produces dL with
// d(L L^T) = dSigma.
func gradCholeskyFromSigma(dL, dSigma, l []float64, u int) {
	for r := 0; r < u; r++ {
		for c := 0; c <= r; c++ {
			sum := dSigma[r*u+c]
			for k := 0; k < c; k++ {
				sum -= dL[r*u+k]*l[c*u+k] + l[r*u+k]*dL[c*u+k]
			}
			if r == c {
				dL[r*u+c] = 0.5 * sum / l[r*u+r]
			} else {
				dL[r*u+c] = (sum - l[r*u+c]*dL[c*u+c]) / l[c*u+c]
			}
		}
		for c := r + 1; c < u; c++ {
			dL[r*u+c] = 0
		}
	}
}
