// Package ei computes the Monte Carlo estimate of multi-point expected
// improvement (q,p-EI) and its gradient on a device runtime. The evaluator
// holds the per-run configuration; a State holds everything tied to one
// candidate batch: the joint point set, the posterior quantities derived
// from it, and the device buffers that mirror them.
package ei

import (
	"fmt"

	"github.com/optlearn/optlearn/internal/device"
	"github.com/optlearn/optlearn/internal/gp"
	"github.com/optlearn/optlearn/internal/rng"
)

// StateConfig selects how a State is built. The deterministic capture mode
// and the production mode share one construction path so the two cannot
// drift apart.
type StateConfig struct {
	// ConfigureForGradients sizes the state for gradient computation.
	// Computing gradients on a state built without it is undefined.
	ConfigureForGradients bool
	// CaptureDraws mirrors every normal deviate the kernels consume into
	// host storage (DrawsEI, DrawsGradEI) so a reference computation can be
	// replayed against identical inputs.
	CaptureDraws bool
	// Rand is the uniform stream seeding each dispatch. Concurrently active
	// states must hold distinctly seeded streams.
	Rand *rng.Uniform
}

// State is the mutable working set for evaluating one candidate batch. It
// owns its device buffers exclusively; Close releases them. A State is
// stale once the evaluator's GP has been mutated, and must not be used
// until SetupState has run again — this is the caller's responsibility, not
// detected here.
type State struct {
	dim             int
	numToSample     int
	numBeingSampled int
	numDerivatives  int
	numUnion        int

	unionOfPoints []float64
	gpState       *gp.PointsState
	rand          *rng.Uniform

	// Host-side posterior quantities, refreshed whenever the points change.
	toSampleMean []float64
	gradMu       []float64
	cholVar      []float64
	gradChol     []float64

	captureDraws bool
	// Host mirrors of the draws consumed by the last capture-mode dispatch.
	DrawsEI     []float64
	DrawsGradEI []float64

	rt          device.Runtime
	devMu       *device.Buffer
	devChol     *device.Buffer
	devGradMu   *device.Buffer
	devGradChol *device.Buffer
	devEISums   *device.Buffer
	devGradSums *device.Buffer
	devDrawsEI  *device.Buffer
	devDrawsGEI *device.Buffer

	closed bool
}

// BuildUnionOfPoints concatenates the candidate points and the points being
// sampled, in that order. Both inputs are point-major with dim coordinates
// per point; neither is aliased by the result.
func BuildUnionOfPoints(pointsToSample, pointsBeingSampled []float64, numToSample, numBeingSampled, dim int) []float64 {
	union := make([]float64, (numToSample+numBeingSampled)*dim)
	copy(union, pointsToSample[:numToSample*dim])
	copy(union[numToSample*dim:], pointsBeingSampled[:numBeingSampled*dim])
	return union
}

// GetVectorSize returns how many random numbers a dispatch of numMCItr draws
// consumes when spread over numThreads*numBlocks lanes, with the iteration
// count rounded up to a whole number of waves and numPoints random numbers
// consumed per draw.
func GetVectorSize(numMCItr, numThreads, numBlocks, numPoints int) int {
	lanes := numThreads * numBlocks
	return device.RoundIterations(numMCItr, lanes) * numPoints
}

// NewState builds a state for the given candidate batch against ev. The
// candidate points come first in the union and are the ones gradients are
// taken against; the points being sampled participate only through their
// correlation in the posterior.
func NewState(ev *Evaluator, pointsToSample, pointsBeingSampled []float64, numToSample, numBeingSampled int, cfg StateConfig) (*State, error) {
	dim := ev.Dim()
	if numToSample <= 0 {
		return nil, fmt.Errorf("ei: numToSample must be positive, got %d", numToSample)
	}
	if numBeingSampled < 0 {
		return nil, fmt.Errorf("ei: negative numBeingSampled %d", numBeingSampled)
	}
	if len(pointsToSample) != numToSample*dim {
		return nil, fmt.Errorf("ei: pointsToSample has %d values, want %d", len(pointsToSample), numToSample*dim)
	}
	if len(pointsBeingSampled) != numBeingSampled*dim {
		return nil, fmt.Errorf("ei: pointsBeingSampled has %d values, want %d", len(pointsBeingSampled), numBeingSampled*dim)
	}
	if cfg.Rand == nil {
		return nil, fmt.Errorf("ei: StateConfig.Rand is required")
	}

	numDerivatives := 0
	if cfg.ConfigureForGradients {
		numDerivatives = numToSample
	}
	u := numToSample + numBeingSampled
	s := &State{
		dim:             dim,
		numToSample:     numToSample,
		numBeingSampled: numBeingSampled,
		numDerivatives:  numDerivatives,
		numUnion:        u,
		unionOfPoints:   BuildUnionOfPoints(pointsToSample, pointsBeingSampled, numToSample, numBeingSampled, dim),
		rand:            cfg.Rand,
		captureDraws:    cfg.CaptureDraws,
		toSampleMean:    make([]float64, u),
		cholVar:         make([]float64, u*u),
		rt:              ev.Runtime(),
	}
	if numDerivatives > 0 {
		s.gradMu = make([]float64, u*numDerivatives*dim)
		s.gradChol = make([]float64, numDerivatives*dim*u*u)
	}
	if err := s.SetupState(ev, pointsToSample); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Dim returns the spatial dimension of each point.
func (s *State) Dim() int { return s.dim }

// NumToSample returns q, the candidate batch size.
func (s *State) NumToSample() int { return s.numToSample }

// NumBeingSampled returns p, the concurrent experiment count.
func (s *State) NumBeingSampled() int { return s.numBeingSampled }

// NumUnion returns q+p.
func (s *State) NumUnion() int { return s.numUnion }

// NumDerivatives returns q when the state is configured for gradients, else 0.
func (s *State) NumDerivatives() int { return s.numDerivatives }

// GetProblemSize returns dim*numToSample, the flattened gradient length.
func (s *State) GetProblemSize() int { return s.dim * s.numToSample }

// GetCurrentPoint copies the candidate subset of the union into dst
// (length >= GetProblemSize()).
func (s *State) GetCurrentPoint(dst []float64) {
	copy(dst, s.unionOfPoints[:s.numToSample*s.dim])
}

// UpdateCurrentPoint replaces the candidate points and refreshes the derived
// posterior quantities without resizing anything. The new batch must have
// the same shape the state was built with.
func (s *State) UpdateCurrentPoint(ev *Evaluator, pointsToSample []float64) error {
	if len(pointsToSample) != s.numToSample*s.dim {
		return fmt.Errorf("ei: pointsToSample has %d values, want %d", len(pointsToSample), s.numToSample*s.dim)
	}
	copy(s.unionOfPoints[:s.numToSample*s.dim], pointsToSample)
	if err := s.gpState.Update(s.unionOfPoints); err != nil {
		return err
	}
	return s.recomputeDerived()
}

// SetupState fully (re)initializes the state against ev: the GP prediction
// state is rebuilt from scratch, derived quantities are recomputed, and
// device buffers are allocated if they do not exist yet. Call it after any
// mutation of the evaluator's GP.
func (s *State) SetupState(ev *Evaluator, pointsToSample []float64) error {
	if len(pointsToSample) != s.numToSample*s.dim {
		return fmt.Errorf("ei: pointsToSample has %d values, want %d", len(pointsToSample), s.numToSample*s.dim)
	}
	copy(s.unionOfPoints[:s.numToSample*s.dim], pointsToSample)

	gpState, err := gp.NewPointsState(ev.GP(), s.unionOfPoints, s.numDerivatives)
	if err != nil {
		return err
	}
	s.gpState = gpState
	if err := s.recomputeDerived(); err != nil {
		return err
	}
	return s.allocBuffers(ev)
}

func (s *State) recomputeDerived() error {
	s.gpState.Mean(s.toSampleMean)
	if err := s.gpState.CholeskyFactor(s.cholVar); err != nil {
		return err
	}
	if s.numDerivatives > 0 {
		s.gpState.GradMean(s.gradMu)
		s.gpState.GradCholeskyFactor(s.gradChol, s.cholVar)
	}
	return nil
}

func (s *State) allocBuffers(ev *Evaluator) error {
	if s.devMu != nil {
		return nil
	}
	u := s.numUnion
	var err error
	alloc := func(n int) *device.Buffer {
		if err != nil {
			return nil
		}
		var b *device.Buffer
		b, err = s.rt.Alloc(n)
		return b
	}
	s.devMu = alloc(u)
	s.devChol = alloc(u * u)
	s.devEISums = alloc(device.EIThreadsPerBlock * device.EIBlocks)
	if s.numDerivatives > 0 {
		s.devGradMu = alloc(u * s.numDerivatives * s.dim)
		s.devGradChol = alloc(s.numDerivatives * s.dim * u * u)
		s.devGradSums = alloc(device.GradEIThreadsPerBlock * device.GradEIBlocks * s.numToSample * s.dim)
	}
	if s.captureDraws {
		nEI := GetVectorSize(ev.NumMC(), device.EIThreadsPerBlock, device.EIBlocks, u)
		s.devDrawsEI = alloc(nEI)
		s.DrawsEI = make([]float64, nEI)
		if s.numDerivatives > 0 {
			nGrad := GetVectorSize(ev.NumMC(), device.GradEIThreadsPerBlock, device.GradEIBlocks, u)
			s.devDrawsGEI = alloc(nGrad)
			s.DrawsGradEI = make([]float64, nGrad)
		}
	}
	if err != nil {
		s.Close()
		return err
	}
	s.closed = false
	return nil
}

// Close releases every device buffer the state owns. It is safe to call
// more than once; buffers are freed exactly once.
func (s *State) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, b := range []*device.Buffer{
		s.devMu, s.devChol, s.devGradMu, s.devGradChol,
		s.devEISums, s.devGradSums, s.devDrawsEI, s.devDrawsGEI,
	} {
		if e := b.Free(); e != nil && first == nil {
			first = e
		}
	}
	s.devMu, s.devChol, s.devGradMu, s.devGradChol = nil, nil, nil, nil
	s.devEISums, s.devGradSums, s.devDrawsEI, s.devDrawsGEI = nil, nil, nil, nil
	return first
}
