package device

import "fmt"

// New returns the runtime for the named backend. Auto prefers the CUDA
// runtime when the build carries it and a device responds, and falls back to
// the simulator otherwise.
func New(name string) (Runtime, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch backend {
	case Sim:
		return NewSim(), nil
	case CUDA:
		return newCUDA()
	case Auto:
		if cudaEnabled {
			if rt, err := newCUDA(); err == nil {
				return rt, nil
			}
		}
		return NewSim(), nil
	default:
		return nil, fmt.Errorf("unknown device backend %q", backend)
	}
}
