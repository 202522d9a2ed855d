// Package webgpu accelerates a subset of the kernels on a WebGPU device
// through zero-CGO go-webgpu bindings. Every other kernel, and every call
// on platforms without a native WebGPU library, runs on the CPU backend.
package webgpu

import "errors"

// ErrUnavailable is returned by Open when no adapter can be used.
var ErrUnavailable = errors.New("webgpu: not available")

// MinElements is the smallest contiguous operand dispatched to the GPU.
// Smaller calls stay on the CPU where upload and readback dominate.
const MinElements = 1 << 14
