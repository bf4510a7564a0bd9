package gp

import (
	"math"
	"testing"
)

func TestSquareExponentialValidation(t *testing.T) {
	if _, err := NewSquareExponential(0, []float64{1}); err == nil {
		t.Fatal("zero signal variance accepted")
	}
	if _, err := NewSquareExponential(1, nil); err == nil {
		t.Fatal("empty length scales accepted")
	}
	if _, err := NewSquareExponential(1, []float64{1, -0.5}); err == nil {
		t.Fatal("negative length scale accepted")
	}
}

func TestSquareExponentialProperties(t *testing.T) {
	k, err := NewSquareExponential(2.5, []float64{0.7, 1.3, 2.0})
	if err != nil {
		t.Fatalf("NewSquareExponential: %v", err)
	}
	x := []float64{0.1, -0.4, 1.2}
	y := []float64{-0.3, 0.9, 0.5}

	if got := k.Covariance(x, x); math.Abs(got-2.5) > 1e-15 {
		t.Fatalf("k(x,x) = %g, want signal variance 2.5", got)
	}
	if a, b := k.Covariance(x, y), k.Covariance(y, x); a != b {
		t.Fatalf("asymmetric covariance: %g != %g", a, b)
	}
	if v := k.Covariance(x, y); v <= 0 || v >= 2.5 {
		t.Fatalf("k(x,y) = %g outside (0, alpha)", v)
	}
}

func TestSquareExponentialGradientMatchesFiniteDifference(t *testing.T) {
	k, err := NewSquareExponential(1.5, []float64{0.8, 1.1})
	if err != nil {
		t.Fatalf("NewSquareExponential: %v", err)
	}
	x := []float64{0.3, -0.7}
	y := []float64{-0.2, 0.4}

	grad := make([]float64, 2)
	k.GradCovariance(grad, x, y)

	const h = 1e-6
	for d := 0; d < 2; d++ {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[d] += h
		xm[d] -= h
		fd := (k.Covariance(xp, y) - k.Covariance(xm, y)) / (2 * h)
		if math.Abs(fd-grad[d]) > 1e-8 {
			t.Fatalf("coordinate %d: analytic %g, finite difference %g", d, grad[d], fd)
		}
	}
}
