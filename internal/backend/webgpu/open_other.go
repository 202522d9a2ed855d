//go:build !windows && !linux && !darwin

package webgpu

import (
	"fmt"
	"runtime"

	"github.com/born-ml/rnnflow/internal/kernel"
)

// Open returns ErrUnavailable: wgpu-native is loaded on windows, linux and darwin only.
func Open() (kernel.Backend, error) {
	return nil, fmt.Errorf("%w on %s", ErrUnavailable, runtime.GOOS)
}

// IsAvailable reports whether Open can succeed.
func IsAvailable() bool {
	return false
}
