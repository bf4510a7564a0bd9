//go:build !cuda

package device

import "errors"

const cudaEnabled = false

var errCUDAUnavailable = errors.New("cuda backend not available in this build")

func newCUDA() (Runtime, error) {
	return nil, errCUDAUnavailable
}
