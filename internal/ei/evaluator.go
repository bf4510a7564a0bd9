package ei

import (
	"fmt"

	"github.com/optlearn/optlearn/internal/device"
	"github.com/optlearn/optlearn/internal/gp"
)

// Evaluator is the immutable per-run configuration for q,p-EI: dimension,
// Monte Carlo draw budget, incumbent value, a non-owning reference to the
// GP, and the target device. The GP's lifetime is managed by the caller and
// must outlive the evaluator; mutating it makes every dependent State stale
// (see State.SetupState).
type Evaluator struct {
	dim       int
	numMC     int
	bestSoFar float64
	gp        *gp.GP
	rt        device.Runtime
	deviceID  int
}

// NewEvaluator binds an evaluator to g and the device deviceID of rt.
// numMC is the requested Monte Carlo draw count; the device rounds it up to
// fill whole waves, so it is advisory. bestSoFar is the incumbent objective
// value in minimization sense.
func NewEvaluator(g *gp.GP, rt device.Runtime, numMC int, bestSoFar float64, deviceID int) (*Evaluator, error) {
	if numMC <= 0 {
		return nil, fmt.Errorf("ei: numMC must be positive, got %d", numMC)
	}
	if err := rt.SetDevice(deviceID); err != nil {
		return nil, err
	}
	return &Evaluator{
		dim:       g.Dim(),
		numMC:     numMC,
		bestSoFar: bestSoFar,
		gp:        g,
		rt:        rt,
		deviceID:  deviceID,
	}, nil
}

func (ev *Evaluator) Dim() int                { return ev.dim }
func (ev *Evaluator) NumMC() int              { return ev.numMC }
func (ev *Evaluator) BestSoFar() float64      { return ev.bestSoFar }
func (ev *Evaluator) GP() *gp.GP              { return ev.gp }
func (ev *Evaluator) Runtime() device.Runtime { return ev.rt }
func (ev *Evaluator) DeviceID() int           { return ev.deviceID }

// ComputeObjective returns the Monte Carlo estimate of expected improvement
// for the candidate batch held in s. It stages the posterior quantities,
// dispatches one simulation round, and reduces the per-lane partial sums.
// The state's random stream advances by one seed draw. On any device
// failure the error is returned and no output is produced.
func (ev *Evaluator) ComputeObjective(s *State) (float64, error) {
	if err := ev.rt.CopyToDevice(s.devMu, s.toSampleMean); err != nil {
		return 0, err
	}
	if err := ev.rt.CopyToDevice(s.devChol, s.cholVar); err != nil {
		return 0, err
	}
	p := device.EIParams{
		Mu:          s.devMu,
		Chol:        s.devChol,
		NumUnion:    s.numUnion,
		NumToSample: s.numToSample,
		Iterations:  ev.numMC,
		BestSoFar:   ev.bestSoFar,
		Seed:        s.rand.Uint64(),
		Sums:        s.devEISums,
		Draws:       s.devDrawsEI,
	}
	if err := ev.rt.LaunchExpectedImprovement(p); err != nil {
		return 0, err
	}
	lanes := device.EIThreadsPerBlock * device.EIBlocks
	sums := make([]float64, lanes)
	if err := ev.rt.CopyFromDevice(sums, s.devEISums); err != nil {
		return 0, err
	}
	if s.captureDraws {
		if err := ev.rt.CopyFromDevice(s.DrawsEI, s.devDrawsEI); err != nil {
			return 0, err
		}
	}
	var total float64
	for _, v := range sums {
		total += v
	}
	return total / float64(device.RoundIterations(ev.numMC, lanes)), nil
}

// ComputeGradObjective returns the gradient of the EI estimate with respect
// to the candidate coordinates, flattened point-major with dim entries per
// candidate (length s.GetProblemSize()). The state must have been built
// with ConfigureForGradients; using one that was not is undefined.
func (ev *Evaluator) ComputeGradObjective(s *State) ([]float64, error) {
	if err := ev.rt.CopyToDevice(s.devMu, s.toSampleMean); err != nil {
		return nil, err
	}
	if err := ev.rt.CopyToDevice(s.devChol, s.cholVar); err != nil {
		return nil, err
	}
	if err := ev.rt.CopyToDevice(s.devGradMu, s.gradMu); err != nil {
		return nil, err
	}
	if err := ev.rt.CopyToDevice(s.devGradChol, s.gradChol); err != nil {
		return nil, err
	}
	p := device.GradEIParams{
		Mu:          s.devMu,
		Chol:        s.devChol,
		GradMu:      s.devGradMu,
		GradChol:    s.devGradChol,
		Dim:         s.dim,
		NumUnion:    s.numUnion,
		NumToSample: s.numToSample,
		Iterations:  ev.numMC,
		BestSoFar:   ev.bestSoFar,
		Seed:        s.rand.Uint64(),
		Sums:        s.devGradSums,
		Draws:       s.devDrawsGEI,
	}
	if err := ev.rt.LaunchGradExpectedImprovement(p); err != nil {
		return nil, err
	}
	lanes := device.GradEIThreadsPerBlock * device.GradEIBlocks
	stride := s.GetProblemSize()
	sums := make([]float64, lanes*stride)
	if err := ev.rt.CopyFromDevice(sums, s.devGradSums); err != nil {
		return nil, err
	}
	if s.captureDraws {
		if err := ev.rt.CopyFromDevice(s.DrawsGradEI, s.devDrawsGEI); err != nil {
			return nil, err
		}
	}
	grad := make([]float64, stride)
	for lane := 0; lane < lanes; lane++ {
		base := lane * stride
		for i := 0; i < stride; i++ {
			grad[i] += sums[base+i]
		}
	}
	actual := float64(device.RoundIterations(ev.numMC, lanes))
	for i := range grad {
		grad[i] /= actual
	}
	return grad, nil
}
