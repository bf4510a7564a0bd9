//go:build cuda

// Package native binds the CUDA runtime and the external expected-improvement
// kernel launchers. Everything here is a thin wrapper: allocation, transfer,
// and dispatch calls return the raw runtime status on failure and nothing
// else is layered on top.
package native

/*
#cgo LDFLAGS: -lcudart -lolkernels

// Minimal CUDA runtime forward declarations to avoid requiring headers at
// compile time. The linker still needs libcudart when building with the cuda
// tag, and libolkernels for the kernel launchers.
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMemcpy(void* dst, const void* src, unsigned long long size, int kind);

#define OL_CUDA_MEMCPY_HOST_TO_DEVICE 1
#define OL_CUDA_MEMCPY_DEVICE_TO_HOST 2

// Kernel launchers supplied by the external kernel library. Both block until
// the kernel completes and results are visible to a following memcpy. The
// per-draw minimum runs over all num_union points; the gradient launcher
// accumulates only draws won by one of the first num_to_sample points.
extern cudaError_t olLaunchExpectedImprovement(
	const double* mu, const double* chol,
	int num_union, int num_to_sample, int num_iterations,
	double best_so_far, unsigned long long seed,
	double* sums, double* draws);

extern cudaError_t olLaunchGradExpectedImprovement(
	const double* mu, const double* chol,
	const double* grad_mu, const double* grad_chol,
	int dim, int num_union, int num_to_sample, int num_iterations,
	double best_so_far, unsigned long long seed,
	double* sums, double* draws);

static int olCudaGetDeviceCount(int* out) {
	return (int)cudaGetDeviceCount(out);
}

static int olCudaSetDevice(int device) {
	return (int)cudaSetDevice(device);
}

static int olCudaMalloc(void** ptr, unsigned long long size) {
	return (int)cudaMalloc(ptr, size);
}

static int olCudaFree(void* ptr) {
	return (int)cudaFree(ptr);
}

static int olCudaMemcpy(void* dst, const void* src, unsigned long long size, int kind) {
	return (int)cudaMemcpy(dst, src, size, kind);
}

static int olLaunchEI(
	const double* mu, const double* chol,
	int num_union, int num_to_sample, int num_iterations,
	double best_so_far, unsigned long long seed,
	double* sums, double* draws) {
	return (int)olLaunchExpectedImprovement(mu, chol, num_union, num_to_sample,
		num_iterations, best_so_far, seed, sums, draws);
}

static int olLaunchGradEI(
	const double* mu, const double* chol,
	const double* grad_mu, const double* grad_chol,
	int dim, int num_union, int num_to_sample, int num_iterations,
	double best_so_far, unsigned long long seed,
	double* sums, double* draws) {
	return (int)olLaunchGradExpectedImprovement(mu, chol, grad_mu, grad_chol,
		dim, num_union, num_to_sample, num_iterations, best_so_far, seed,
		sums, draws);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

const elemSize = int64(unsafe.Sizeof(float64(0)))

// RuntimeError carries the raw CUDA status code and its message.
type RuntimeError struct {
	Code int
	Msg  string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("cuda error %d: %s", e.Code, e.Msg)
}

func cudaErr(code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.cudaGetErrorString(C.cudaError_t(code)))
	return &RuntimeError{Code: int(code), Msg: msg}
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cudaErr(C.olCudaGetDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

func SetDevice(id int) error {
	return cudaErr(C.olCudaSetDevice(C.int(id)))
}

// Alloc reserves n float64 elements of device memory.
func Alloc(n int) (unsafe.Pointer, error) {
	var ptr unsafe.Pointer
	if err := cudaErr(C.olCudaMalloc((*unsafe.Pointer)(&ptr), C.ulonglong(int64(n)*elemSize))); err != nil {
		return nil, err
	}
	return ptr, nil
}

func Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	return cudaErr(C.olCudaFree(ptr))
}

func MemcpyH2D(dst unsafe.Pointer, src []float64) error {
	if len(src) == 0 {
		return nil
	}
	return cudaErr(C.olCudaMemcpy(dst, unsafe.Pointer(&src[0]), C.ulonglong(int64(len(src))*elemSize), C.OL_CUDA_MEMCPY_HOST_TO_DEVICE))
}

func MemcpyD2H(dst []float64, src unsafe.Pointer) error {
	if len(dst) == 0 {
		return nil
	}
	return cudaErr(C.olCudaMemcpy(unsafe.Pointer(&dst[0]), src, C.ulonglong(int64(len(dst))*elemSize), C.OL_CUDA_MEMCPY_DEVICE_TO_HOST))
}

func LaunchEI(mu, chol unsafe.Pointer, numUnion, numToSample, iterations int, bestSoFar float64, seed uint64, sums, draws unsafe.Pointer) error {
	return cudaErr(C.olLaunchEI(
		(*C.double)(mu), (*C.double)(chol),
		C.int(numUnion), C.int(numToSample), C.int(iterations),
		C.double(bestSoFar), C.ulonglong(seed),
		(*C.double)(sums), (*C.double)(draws)))
}

func LaunchGradEI(mu, chol, gradMu, gradChol unsafe.Pointer, dim, numUnion, numToSample, iterations int, bestSoFar float64, seed uint64, sums, draws unsafe.Pointer) error {
	return cudaErr(C.olLaunchGradEI(
		(*C.double)(mu), (*C.double)(chol),
		(*C.double)(gradMu), (*C.double)(gradChol),
		C.int(dim), C.int(numUnion), C.int(numToSample), C.int(iterations),
		C.double(bestSoFar), C.ulonglong(seed),
		(*C.double)(sums), (*C.double)(draws)))
}
