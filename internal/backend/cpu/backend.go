// Package cpu implements kernel.Backend in pure Go. Work is executed by the
// stream goroutine of the context it is issued on; large loops fan out
// with internal/parallel.
package cpu

import (
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/kernel"
	"github.com/born-ml/rnnflow/internal/parallel"
)

// CPUBackend implements kernel.Backend on host memory.
type CPUBackend struct {
	par parallel.Config
}

var _ kernel.Backend = (*CPUBackend)(nil)

// New creates a CPU backend using parallel.DefaultConfig.
func New() *CPUBackend {
	return &CPUBackend{par: parallel.DefaultConfig()}
}

// NewWithConfig creates a CPU backend with an explicit parallel configuration.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{par: cfg}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// enqueue submits task on ctx if the validation status is success.
func enqueue(ctx *device.Context, st kernel.Status, task func() error) kernel.Status {
	if ctx == nil {
		return kernel.StatusNotInitialized
	}
	if st != kernel.StatusSuccess {
		return st
	}
	ctx.Submit(device.Task(task))
	return kernel.StatusSuccess
}

func floatMat(m kernel.Mat) kernel.Status {
	if st := m.Validate(); st != kernel.StatusSuccess {
		return st
	}
	if m.Len() > 0 && m.Ptr.DType() != device.Float32 {
		return kernel.StatusInvalidValue
	}
	return kernel.StatusSuccess
}

func floatVec(p device.Ptr, n, inc int) kernel.Status {
	if st := kernel.ValidateVector(p, n, inc); st != kernel.StatusSuccess {
		return st
	}
	if n > 0 && p.DType() != device.Float32 {
		return kernel.StatusInvalidValue
	}
	return kernel.StatusSuccess
}

func intVec(p device.Ptr, n, inc int) kernel.Status {
	if st := kernel.ValidateVector(p, n, inc); st != kernel.StatusSuccess {
		return st
	}
	if n > 0 && p.DType() != device.Int32 {
		return kernel.StatusInvalidValue
	}
	return kernel.StatusSuccess
}

func vecLen(n, inc int) int {
	if n == 0 {
		return 0
	}
	return (n-1)*inc + 1
}

// floats returns the backing slice spanned by m.
func floats(m kernel.Mat) []float32 {
	return m.Ptr.Float32s(m.Extent())
}

// column returns column j of m from its backing slice.
func column(s []float32, m kernel.Mat, j int) []float32 {
	return s[j*m.LD : j*m.LD+m.Rows]
}

// forColumns runs f over the columns of m in parallel.
func (cpu *CPUBackend) forColumns(m kernel.Mat, f func(j int)) {
	parallel.For(m.Cols, m.Rows, f, cpu.par)
}
