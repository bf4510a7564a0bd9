// Package device owns the GPU side of the expected-improvement computation:
// buffer lifecycle, host/device transfers, and kernel dispatch. The actual
// kernel bodies are external; the package only stages their inputs and
// collects their outputs. A pure-Go simulated runtime backs builds without
// the cuda tag and the test suite.
package device

import (
	"errors"
	"fmt"
	"strings"
)

// Kernel launch geometry. The simulated runtime mirrors these so that draw
// accounting and capture layouts agree between backends.
const (
	EIThreadsPerBlock = 256
	EIBlocks          = 32

	GradEIThreadsPerBlock = 128
	GradEIBlocks          = 32
)

// Backend names accepted by New.
const (
	CUDA = "cuda"
	Sim  = "sim"
	Auto = "auto"
)

// Normalize canonicalizes a backend name, defaulting to auto.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CUDA, Sim, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown device backend %q (expected auto, cuda, or sim)", backend)
	}
}

// Available returns a comma-separated list of usable backends.
func Available() string {
	entries := []string{Sim}
	if cudaEnabled {
		entries = append(entries, CUDA)
	}
	return strings.Join(entries, ",")
}

// Status is a device runtime status code. The zero value means success.
type Status int

const (
	StatusSuccess Status = iota
	StatusAllocFailed
	StatusInvalidDevice
	StatusCopyFailed
	StatusLaunchFailed
	StatusInvalidValue
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAllocFailed:
		return "allocation failed"
	case StatusInvalidDevice:
		return "invalid device"
	case StatusCopyFailed:
		return "memcpy failed"
	case StatusLaunchFailed:
		return "kernel launch failed"
	case StatusInvalidValue:
		return "invalid value"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Error reports a device runtime failure. It carries the runtime status code
// and the operation that failed so callers can surface both. There is no
// internal retry; the failure unwinds the compute call that triggered it.
type Error struct {
	Status Status
	Op     string
	Msg    string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("device: %s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("device: %s: %s: %s", e.Op, e.Status, e.Msg)
}

// StatusOf extracts the device status from err, if err wraps a device Error.
func StatusOf(err error) (Status, bool) {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Status, true
	}
	return StatusSuccess, false
}

// Buffer denotes exactly one live device allocation of float64 elements for
// its lifetime. Buffers are created only by Runtime.Alloc — a Buffer never
// refers to nothing — and are never shared between owners. Free releases the
// allocation exactly once; later calls are no-ops.
type Buffer struct {
	rt    Runtime
	addr  uintptr
	n     int
	freed bool
}

// Len returns the element count the buffer was allocated with.
func (b *Buffer) Len() int { return b.n }

// Addr exposes the raw device address for staging transfers.
func (b *Buffer) Addr() uintptr { return b.addr }

// Free releases the device allocation. The first call frees; every later
// call returns nil without touching the device.
func (b *Buffer) Free() error {
	if b == nil || b.freed {
		return nil
	}
	b.freed = true
	return b.rt.free(b)
}

// EIParams carries one expected-improvement dispatch. Each draw takes the
// minimum over all NumUnion points of the joint sample and counts the
// improvement against BestSoFar. The requested iteration count is rounded
// up to a multiple of the lane count before the launch; Sums receives one
// partial sum per lane. Draws, when non-nil, captures every normal deviate
// the kernel consumes, in consumption order.
type EIParams struct {
	Mu   *Buffer // posterior mean, NumUnion
	Chol *Buffer // lower-triangular Cholesky factor, NumUnion x NumUnion row-major

	NumUnion    int
	NumToSample int
	Iterations  int
	BestSoFar   float64
	Seed        uint64

	Sums  *Buffer // EIThreadsPerBlock*EIBlocks partial sums
	Draws *Buffer // optional draw capture
}

// GradEIParams carries one gradient-of-EI dispatch. A draw contributes a
// gradient only when one of the first NumToSample points attains the joint
// minimum with positive improvement. GradMu is indexed
// [union][derivative][dim]; GradChol is indexed [derivative][dim][row][col]
// with each [row][col] block lower-triangular. Sums receives per-lane
// partial gradient sums of length NumToSample*Dim each.
type GradEIParams struct {
	Mu       *Buffer
	Chol     *Buffer
	GradMu   *Buffer
	GradChol *Buffer

	Dim         int
	NumUnion    int
	NumToSample int
	Iterations  int
	BestSoFar   float64
	Seed        uint64

	Sums  *Buffer // GradEIThreadsPerBlock*GradEIBlocks*NumToSample*Dim partials
	Draws *Buffer // optional draw capture
}

// Runtime is the device runtime consumed by the evaluator. Implementations:
// the cgo CUDA runtime (build tag cuda) and the in-process simulator.
// Dispatches are synchronous; a call returns only when results are ready to
// copy back or the runtime reported failure.
type Runtime interface {
	Name() string
	DeviceCount() (int, error)
	SetDevice(id int) error
	Alloc(n int) (*Buffer, error)
	CopyToDevice(dst *Buffer, src []float64) error
	CopyFromDevice(dst []float64, src *Buffer) error
	LaunchExpectedImprovement(p EIParams) error
	LaunchGradExpectedImprovement(p GradEIParams) error

	free(b *Buffer) error
}

// RoundIterations rounds n up to the nearest multiple of lanes. The device
// runs whole waves only, so the requested Monte Carlo count is advisory.
func RoundIterations(n, lanes int) int {
	if n <= 0 {
		return lanes
	}
	return (n + lanes - 1) / lanes * lanes
}
