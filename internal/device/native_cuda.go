//go:build cuda

package device

import (
	"fmt"
	"unsafe"

	"github.com/optlearn/optlearn/internal/device/native"
)

// cudaRuntime adapts the native bindings to the Runtime interface, mapping
// raw CUDA failures onto the device error taxonomy.
type cudaRuntime struct{}

func newCUDARuntime() (Runtime, error) {
	count, err := native.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("cuda device query failed: %w", err)
	}
	if count < 1 {
		return nil, fmt.Errorf("no cuda devices detected")
	}
	return &cudaRuntime{}, nil
}

func (r *cudaRuntime) Name() string { return CUDA }

func wrap(st Status, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Status: st, Op: op, Msg: err.Error()}
}

func (r *cudaRuntime) DeviceCount() (int, error) {
	count, err := native.DeviceCount()
	return count, wrap(StatusInvalidDevice, "device-count", err)
}

func (r *cudaRuntime) SetDevice(id int) error {
	return wrap(StatusInvalidDevice, OpSetDevice, native.SetDevice(id))
}

func (r *cudaRuntime) Alloc(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, &Error{Status: StatusInvalidValue, Op: OpAlloc, Msg: fmt.Sprintf("element count %d", n)}
	}
	ptr, err := native.Alloc(n)
	if err != nil {
		return nil, wrap(StatusAllocFailed, OpAlloc, err)
	}
	return &Buffer{rt: r, addr: uintptr(ptr), n: n}, nil
}

func (r *cudaRuntime) free(b *Buffer) error {
	return wrap(StatusInvalidValue, "free", native.Free(unsafe.Pointer(b.addr)))
}

func (r *cudaRuntime) CopyToDevice(dst *Buffer, src []float64) error {
	if dst == nil || dst.freed {
		return &Error{Status: StatusInvalidValue, Op: OpCopyToDevice, Msg: "freed or nil buffer"}
	}
	if len(src) > dst.n {
		return &Error{Status: StatusCopyFailed, Op: OpCopyToDevice, Msg: fmt.Sprintf("%d elements into buffer of %d", len(src), dst.n)}
	}
	return wrap(StatusCopyFailed, OpCopyToDevice, native.MemcpyH2D(unsafe.Pointer(dst.addr), src))
}

func (r *cudaRuntime) CopyFromDevice(dst []float64, src *Buffer) error {
	if src == nil || src.freed {
		return &Error{Status: StatusInvalidValue, Op: OpCopyFromDevice, Msg: "freed or nil buffer"}
	}
	if len(dst) > src.n {
		return &Error{Status: StatusCopyFailed, Op: OpCopyFromDevice, Msg: fmt.Sprintf("%d elements from buffer of %d", len(dst), src.n)}
	}
	return wrap(StatusCopyFailed, OpCopyFromDevice, native.MemcpyD2H(dst, unsafe.Pointer(src.addr)))
}

func (r *cudaRuntime) LaunchExpectedImprovement(p EIParams) error {
	drawsLen := 0
	var draws unsafe.Pointer
	if p.Draws != nil {
		drawsLen = p.Draws.Len()
		draws = unsafe.Pointer(p.Draws.addr)
	}
	if err := checkEIParams(p, p.Mu.Len(), p.Chol.Len(), p.Sums.Len(), drawsLen); err != nil {
		return err
	}
	return wrap(StatusLaunchFailed, OpLaunchEI, native.LaunchEI(
		unsafe.Pointer(p.Mu.addr), unsafe.Pointer(p.Chol.addr),
		p.NumUnion, p.NumToSample, p.Iterations, p.BestSoFar, p.Seed,
		unsafe.Pointer(p.Sums.addr), draws))
}

func (r *cudaRuntime) LaunchGradExpectedImprovement(p GradEIParams) error {
	drawsLen := 0
	var draws unsafe.Pointer
	if p.Draws != nil {
		drawsLen = p.Draws.Len()
		draws = unsafe.Pointer(p.Draws.addr)
	}
	if err := checkGradEIParams(p, p.Mu.Len(), p.Chol.Len(), p.GradMu.Len(), p.GradChol.Len(), p.Sums.Len(), drawsLen); err != nil {
		return err
	}
	return wrap(StatusLaunchFailed, OpLaunchGradEI, native.LaunchGradEI(
		unsafe.Pointer(p.Mu.addr), unsafe.Pointer(p.Chol.addr),
		unsafe.Pointer(p.GradMu.addr), unsafe.Pointer(p.GradChol.addr),
		p.Dim, p.NumUnion, p.NumToSample, p.Iterations, p.BestSoFar, p.Seed,
		unsafe.Pointer(p.Sums.addr), draws))
}
