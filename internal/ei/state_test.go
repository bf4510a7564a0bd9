package ei

import (
	"math"
	"testing"

	"github.com/optlearn/optlearn/internal/device"
	"github.com/optlearn/optlearn/internal/gp"
	"github.com/optlearn/optlearn/internal/rng"
)

func testGP(t *testing.T, dim int, priorMean float64) *gp.GP {
	t.Helper()
	lengths := make([]float64, dim)
	for i := range lengths {
		lengths[i] = 1
	}
	cov, err := gp.NewSquareExponential(1, lengths)
	if err != nil {
		t.Fatalf("NewSquareExponential: %v", err)
	}
	return gp.New(cov, priorMean)
}

func testEvaluator(t *testing.T, rt device.Runtime, dim, numMC int, bestSoFar float64) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(testGP(t, dim, -1), rt, numMC, bestSoFar, 0)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return ev
}

func TestBuildUnionOfPoints(t *testing.T) {
	toSample := []float64{1, 2, 3, 4}
	beingSampled := []float64{5, 6}
	union := BuildUnionOfPoints(toSample, beingSampled, 2, 1, 2)
	want := []float64{1, 2, 3, 4, 5, 6}
	if len(union) != len(want) {
		t.Fatalf("union length %d, want %d", len(union), len(want))
	}
	for i := range want {
		if union[i] != want[i] {
			t.Fatalf("union[%d] = %g, want %g", i, union[i], want[i])
		}
	}
	// The result must not alias either input.
	union[0] = 99
	if toSample[0] == 99 {
		t.Fatal("union aliases pointsToSample")
	}
}

func TestGetVectorSize(t *testing.T) {
	cases := []struct {
		mc, threads, blocks, points, want int
	}{
		{1000, 32, 4, 3, 3072},  // ceil(1000/128)=8 waves
		{128, 32, 4, 3, 384},    // exact multiple stays put
		{129, 32, 4, 1, 256},    // one extra draw forces a full wave
		{1, 256, 32, 2, 16384},  // minimum is one wave
		{500000, 256, 32, 1, 507904},
	}
	for _, tc := range cases {
		got := GetVectorSize(tc.mc, tc.threads, tc.blocks, tc.points)
		if got != tc.want {
			t.Fatalf("GetVectorSize(%d, %d, %d, %d) = %d, want %d",
				tc.mc, tc.threads, tc.blocks, tc.points, got, tc.want)
		}
		lanes := tc.threads * tc.blocks
		if got%(lanes*tc.points) != 0 {
			t.Fatalf("GetVectorSize(%d, %d, %d, %d) = %d is not a multiple of %d",
				tc.mc, tc.threads, tc.blocks, tc.points, got, lanes*tc.points)
		}
	}
}

func TestNewStateValidation(t *testing.T) {
	rt := device.NewSim()
	ev := testEvaluator(t, rt, 2, 1000, 0)
	stream := rng.NewUniform(1)

	cases := []struct {
		name                         string
		toSample, beingSampled       []float64
		numToSample, numBeingSampled int
		cfg                          StateConfig
	}{
		{"zero candidates", nil, nil, 0, 0, StateConfig{Rand: stream}},
		{"negative being sampled", []float64{0, 0}, nil, 1, -1, StateConfig{Rand: stream}},
		{"short candidate slice", []float64{0}, nil, 1, 0, StateConfig{Rand: stream}},
		{"short being-sampled slice", []float64{0, 0}, []float64{1}, 1, 1, StateConfig{Rand: stream}},
		{"missing rand", []float64{0, 0}, nil, 1, 0, StateConfig{}},
	}
	for _, tc := range cases {
		if _, err := NewState(ev, tc.toSample, tc.beingSampled, tc.numToSample, tc.numBeingSampled, tc.cfg); err == nil {
			t.Fatalf("%s: NewState succeeded", tc.name)
		}
	}
	if rt.LiveBuffers() != 0 {
		t.Fatalf("failed constructions leaked %d buffers", rt.LiveBuffers())
	}
}

func TestStateAccessors(t *testing.T) {
	rt := device.NewSim()
	ev := testEvaluator(t, rt, 2, 1000, 0)
	toSample := []float64{0.1, 0.2, 0.3, 0.4}
	beingSampled := []float64{0.5, 0.6}
	s, err := NewState(ev, toSample, beingSampled, 2, 1, StateConfig{
		ConfigureForGradients: true,
		Rand:                  rng.NewUniform(1),
	})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	defer s.Close()

	if s.Dim() != 2 || s.NumToSample() != 2 || s.NumBeingSampled() != 1 || s.NumUnion() != 3 {
		t.Fatalf("shape = dim %d, q %d, p %d, u %d", s.Dim(), s.NumToSample(), s.NumBeingSampled(), s.NumUnion())
	}
	if s.NumDerivatives() != 2 {
		t.Fatalf("NumDerivatives = %d, want 2", s.NumDerivatives())
	}
	if s.GetProblemSize() != 4 {
		t.Fatalf("GetProblemSize = %d, want 4", s.GetProblemSize())
	}
	current := make([]float64, s.GetProblemSize())
	s.GetCurrentPoint(current)
	for i := range toSample {
		if current[i] != toSample[i] {
			t.Fatalf("GetCurrentPoint[%d] = %g, want %g", i, current[i], toSample[i])
		}
	}
}

func TestNumDerivativesZeroWithoutGradientConfig(t *testing.T) {
	rt := device.NewSim()
	ev := testEvaluator(t, rt, 1, 1000, 0)
	s, err := NewState(ev, []float64{0.5}, nil, 1, 0, StateConfig{Rand: rng.NewUniform(1)})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	defer s.Close()
	if s.NumDerivatives() != 0 {
		t.Fatalf("NumDerivatives = %d, want 0", s.NumDerivatives())
	}
}

func TestUpdateCurrentPointRefreshesDerivedQuantities(t *testing.T) {
	rt := device.NewSim()
	g := testGP(t, 1, 0)
	if err := g.Add([]float64{0}, -1, 1e-6); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ev, err := NewEvaluator(g, rt, 1000, 0, 0)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	s, err := NewState(ev, []float64{2.0}, nil, 1, 0, StateConfig{Rand: rng.NewUniform(1)})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	defer s.Close()

	farMean := s.toSampleMean[0]
	live := rt.LiveBuffers()

	if err := s.UpdateCurrentPoint(ev, []float64{0.0}); err != nil {
		t.Fatalf("UpdateCurrentPoint: %v", err)
	}
	// Moved onto the observation: the mean must track it.
	if math.Abs(s.toSampleMean[0]-(-1)) > 1e-3 {
		t.Fatalf("mean after update = %g, want close to -1", s.toSampleMean[0])
	}
	if math.Abs(farMean) > 0.2 {
		t.Fatalf("mean far from observation = %g, want close to prior 0", farMean)
	}
	if rt.LiveBuffers() != live {
		t.Fatalf("UpdateCurrentPoint reallocated buffers: %d -> %d", live, rt.LiveBuffers())
	}
	current := make([]float64, 1)
	s.GetCurrentPoint(current)
	if current[0] != 0 {
		t.Fatalf("GetCurrentPoint = %g after update, want 0", current[0])
	}

	if err := s.UpdateCurrentPoint(ev, []float64{1, 2}); err == nil {
		t.Fatal("UpdateCurrentPoint accepted a batch of the wrong shape")
	}
}

func TestCloseIdempotentAndLeakFree(t *testing.T) {
	rt := device.NewSim()
	ev := testEvaluator(t, rt, 2, 1000, 0)
	for i := 0; i < 100; i++ {
		s, err := NewState(ev, []float64{0.1, 0.2}, []float64{0.3, 0.4}, 1, 1, StateConfig{
			ConfigureForGradients: true,
			CaptureDraws:          true,
			Rand:                  rng.NewUniform(int64(i)),
		})
		if err != nil {
			t.Fatalf("NewState %d: %v", i, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close %d: %v", i, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("second Close %d: %v", i, err)
		}
	}
	if rt.LiveBuffers() != 0 || rt.LiveElements() != 0 {
		t.Fatalf("leaked %d buffers / %d elements", rt.LiveBuffers(), rt.LiveElements())
	}
}

func TestAllocationFailureLeavesNoLeak(t *testing.T) {
	rt := device.NewSim()
	ev := testEvaluator(t, rt, 2, 1000, 0)
	rt.FailNext(device.OpAlloc, device.StatusAllocFailed)
	_, err := NewState(ev, []float64{0, 0}, nil, 1, 0, StateConfig{Rand: rng.NewUniform(1)})
	if err == nil {
		t.Fatal("NewState succeeded despite allocation failure")
	}
	if st, ok := device.StatusOf(err); !ok || st != device.StatusAllocFailed {
		t.Fatalf("error = %v, status = %v", err, st)
	}
	if rt.LiveBuffers() != 0 {
		t.Fatalf("leaked %d buffers after failed construction", rt.LiveBuffers())
	}
}
