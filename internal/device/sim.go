package device

import (
	"fmt"
	"sync"
)

// SimRuntime executes the expected-improvement kernels on the host with the
// same lane layout and draw accounting as the CUDA build. It tracks live
// allocations so tests can assert nothing leaks, and can inject a failure at
// any operation to exercise error propagation.
type SimRuntime struct {
	mu      sync.Mutex
	nextKey uintptr
	bufs    map[uintptr][]float64
	devices int
	device  int
	failOp  string
	failSt  Status
}

// NewSim returns a simulated runtime presenting a single device.
func NewSim() *SimRuntime {
	return &SimRuntime{
		nextKey: 1,
		bufs:    make(map[uintptr][]float64),
		devices: 1,
	}
}

func (s *SimRuntime) Name() string { return Sim }

// Operation names accepted by FailNext.
const (
	OpAlloc          = "alloc"
	OpSetDevice      = "set-device"
	OpCopyToDevice   = "copy-to-device"
	OpCopyFromDevice = "copy-from-device"
	OpLaunchEI       = "launch-ei"
	OpLaunchGradEI   = "launch-grad-ei"
)

// FailNext makes the next call of the named operation fail with the given
// status. The injection is consumed by that call.
func (s *SimRuntime) FailNext(op string, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOp = op
	s.failSt = st
}

// LiveBuffers reports the number of allocations not yet freed.
func (s *SimRuntime) LiveBuffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bufs)
}

// LiveElements reports the total element count of live allocations.
func (s *SimRuntime) LiveElements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, b := range s.bufs {
		total += len(b)
	}
	return total
}

func (s *SimRuntime) injected(op string) *Error {
	if s.failOp != op {
		return nil
	}
	st := s.failSt
	s.failOp = ""
	s.failSt = StatusSuccess
	return &Error{Status: st, Op: op, Msg: "injected failure"}
}

func (s *SimRuntime) DeviceCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices, nil
}

func (s *SimRuntime) SetDevice(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpSetDevice); err != nil {
		return err
	}
	if id < 0 || id >= s.devices {
		return &Error{Status: StatusInvalidDevice, Op: OpSetDevice, Msg: fmt.Sprintf("device %d of %d", id, s.devices)}
	}
	s.device = id
	return nil
}

func (s *SimRuntime) Alloc(n int) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpAlloc); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, &Error{Status: StatusInvalidValue, Op: OpAlloc, Msg: fmt.Sprintf("element count %d", n)}
	}
	key := s.nextKey
	s.nextKey++
	s.bufs[key] = make([]float64, n)
	return &Buffer{rt: s, addr: key, n: n}, nil
}

func (s *SimRuntime) free(b *Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bufs[b.addr]; !ok {
		return &Error{Status: StatusInvalidValue, Op: "free", Msg: "unknown allocation"}
	}
	delete(s.bufs, b.addr)
	return nil
}

func (s *SimRuntime) slice(op string, b *Buffer) ([]float64, *Error) {
	if b == nil {
		return nil, &Error{Status: StatusInvalidValue, Op: op, Msg: "nil buffer"}
	}
	data, ok := s.bufs[b.addr]
	if !ok || b.freed {
		return nil, &Error{Status: StatusInvalidValue, Op: op, Msg: "freed or foreign buffer"}
	}
	return data, nil
}

func (s *SimRuntime) CopyToDevice(dst *Buffer, src []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpCopyToDevice); err != nil {
		return err
	}
	data, derr := s.slice(OpCopyToDevice, dst)
	if derr != nil {
		return derr
	}
	if len(src) > len(data) {
		return &Error{Status: StatusCopyFailed, Op: OpCopyToDevice, Msg: fmt.Sprintf("%d elements into buffer of %d", len(src), len(data))}
	}
	copy(data, src)
	return nil
}

func (s *SimRuntime) CopyFromDevice(dst []float64, src *Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpCopyFromDevice); err != nil {
		return err
	}
	data, derr := s.slice(OpCopyFromDevice, src)
	if derr != nil {
		return derr
	}
	if len(dst) > len(data) {
		return &Error{Status: StatusCopyFailed, Op: OpCopyFromDevice, Msg: fmt.Sprintf("%d elements from buffer of %d", len(dst), len(data))}
	}
	copy(dst, data[:len(dst)])
	return nil
}

func (s *SimRuntime) LaunchExpectedImprovement(p EIParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpLaunchEI); err != nil {
		return err
	}
	mu, derr := s.slice(OpLaunchEI, p.Mu)
	if derr != nil {
		return derr
	}
	chol, derr := s.slice(OpLaunchEI, p.Chol)
	if derr != nil {
		return derr
	}
	sums, derr := s.slice(OpLaunchEI, p.Sums)
	if derr != nil {
		return derr
	}
	var draws []float64
	if p.Draws != nil {
		if draws, derr = s.slice(OpLaunchEI, p.Draws); derr != nil {
			return derr
		}
	}
	if err := checkEIParams(p, len(mu), len(chol), len(sums), len(draws)); err != nil {
		return err
	}
	runEIKernel(mu, chol, sums, draws, p)
	return nil
}

func (s *SimRuntime) LaunchGradExpectedImprovement(p GradEIParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpLaunchGradEI); err != nil {
		return err
	}
	mu, derr := s.slice(OpLaunchGradEI, p.Mu)
	if derr != nil {
		return derr
	}
	chol, derr := s.slice(OpLaunchGradEI, p.Chol)
	if derr != nil {
		return derr
	}
	gradMu, derr := s.slice(OpLaunchGradEI, p.GradMu)
	if derr != nil {
		return derr
	}
	gradChol, derr := s.slice(OpLaunchGradEI, p.GradChol)
	if derr != nil {
		return derr
	}
	sums, derr := s.slice(OpLaunchGradEI, p.Sums)
	if derr != nil {
		return derr
	}
	var draws []float64
	if p.Draws != nil {
		if draws, derr = s.slice(OpLaunchGradEI, p.Draws); derr != nil {
			return derr
		}
	}
	if err := checkGradEIParams(p, len(mu), len(chol), len(gradMu), len(gradChol), len(sums), len(draws)); err != nil {
		return err
	}
	runGradEIKernel(mu, chol, gradMu, gradChol, sums, draws, p)
	return nil
}
