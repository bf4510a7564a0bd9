package device

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// The simulated kernels mirror the CUDA ones lane for lane: the iteration
// count is rounded up to a whole number of waves, each lane runs its share
// of draws from its own stream seeded off the dispatch seed, and per-lane
// partial sums are left for the host to reduce. One uniform is consumed per
// joint dimension per draw, turned into a normal deviate by inverse CDF, so
// the capture layout matches GetVectorSize exactly.

func checkEIParams(p EIParams, muLen, cholLen, sumsLen, drawsLen int) error {
	u := p.NumUnion
	lanes := EIThreadsPerBlock * EIBlocks
	switch {
	case u <= 0 || p.NumToSample <= 0 || p.NumToSample > u:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchEI, Msg: fmt.Sprintf("num_union=%d num_to_sample=%d", u, p.NumToSample)}
	case muLen < u:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchEI, Msg: "mean buffer too small"}
	case cholLen < u*u:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchEI, Msg: "cholesky buffer too small"}
	case sumsLen < lanes:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchEI, Msg: "partial-sum buffer too small"}
	case p.Draws != nil && drawsLen < RoundIterations(p.Iterations, lanes)*u:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchEI, Msg: "draw capture buffer too small"}
	}
	return nil
}

func checkGradEIParams(p GradEIParams, muLen, cholLen, gradMuLen, gradCholLen, sumsLen, drawsLen int) error {
	u, q, d := p.NumUnion, p.NumToSample, p.Dim
	lanes := GradEIThreadsPerBlock * GradEIBlocks
	switch {
	case u <= 0 || q <= 0 || q > u || d <= 0:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchGradEI, Msg: fmt.Sprintf("num_union=%d num_to_sample=%d dim=%d", u, q, d)}
	case muLen < u:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchGradEI, Msg: "mean buffer too small"}
	case cholLen < u*u:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchGradEI, Msg: "cholesky buffer too small"}
	case gradMuLen < u*q*d:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchGradEI, Msg: "mean gradient buffer too small"}
	case gradCholLen < q*d*u*u:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchGradEI, Msg: "cholesky gradient buffer too small"}
	case sumsLen < lanes*q*d:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchGradEI, Msg: "partial-sum buffer too small"}
	case p.Draws != nil && drawsLen < RoundIterations(p.Iterations, lanes)*u:
		return &Error{Status: StatusInvalidValue, Op: OpLaunchGradEI, Msg: "draw capture buffer too small"}
	}
	return nil
}

// laneSeed derives the lane's stream seed from the dispatch seed via a
// splitmix64 step, keeping neighboring lanes decorrelated.
func laneSeed(seed uint64, lane int) int64 {
	x := seed + uint64(lane+1)*0x9E3779B97F4A7C15
	x ^= x >> 30
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 27
	x *= 0x94D049BB133111EB
	x ^= x >> 31
	return int64(x)
}

// normalDraw consumes one uniform from the lane stream and returns the
// corresponding standard-normal deviate.
func normalDraw(src *rand.Rand) float64 {
	v := src.Float64()
	for v == 0 {
		v = src.Float64()
	}
	return distuv.UnitNormal.Quantile(v)
}

func runEIKernel(mu, chol, sums, draws []float64, p EIParams) {
	lanes := EIThreadsPerBlock * EIBlocks
	perLane := RoundIterations(p.Iterations, lanes) / lanes
	u := p.NumUnion

	z := make([]float64, u)
	for lane := 0; lane < lanes; lane++ {
		src := rand.New(rand.NewSource(laneSeed(p.Seed, lane)))
		var sum float64
		for it := 0; it < perLane; it++ {
			for k := 0; k < u; k++ {
				z[k] = normalDraw(src)
				if draws != nil {
					draws[(lane*perLane+it)*u+k] = z[k]
				}
			}
			// The minimum runs over the whole union so that points already
			// being sampled can win a draw and suppress its improvement.
			minF := math.Inf(1)
			for i := 0; i < u; i++ {
				f := mu[i]
				for k := 0; k <= i; k++ {
					f += chol[i*u+k] * z[k]
				}
				if f < minF {
					minF = f
				}
			}
			if imp := p.BestSoFar - minF; imp > 0 {
				sum += imp
			}
		}
		sums[lane] = sum
	}
}

func runGradEIKernel(mu, chol, gradMu, gradChol, sums, draws []float64, p GradEIParams) {
	lanes := GradEIThreadsPerBlock * GradEIBlocks
	perLane := RoundIterations(p.Iterations, lanes) / lanes
	u := p.NumUnion
	q := p.NumToSample
	d := p.Dim

	z := make([]float64, u)
	for lane := 0; lane < lanes; lane++ {
		src := rand.New(rand.NewSource(laneSeed(p.Seed, lane)))
		acc := sums[lane*q*d : (lane+1)*q*d]
		for i := range acc {
			acc[i] = 0
		}
		for it := 0; it < perLane; it++ {
			for k := 0; k < u; k++ {
				z[k] = normalDraw(src)
				if draws != nil {
					draws[(lane*perLane+it)*u+k] = z[k]
				}
			}
			// Strict < keeps the lowest union index on ties. A draw only
			// contributes a gradient when a candidate attains the joint
			// minimum; a winning being-sampled point has none.
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
			if p.BestSoFar-minF <= 0 || winner >= q {
				continue
			}
			w := winner
			for j := 0; j < q; j++ {
				for dd := 0; dd < d; dd++ {
					df := gradMu[(w*q+j)*d+dd]
					base := ((j*d+dd)*u + w) * u
					for k := 0; k <= w; k++ {
						df += gradChol[base+k] * z[k]
					}
					acc[j*d+dd] -= df
				}
			}
		}
	}
}
