//go:build cuda

package device

const cudaEnabled = true

func newCUDA() (Runtime, error) {
	return newCUDARuntime()
}
