//go:build windows || linux || darwin

package webgpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/rnnflow/internal/backend/cpu"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/kernel"
)

// Backend runs Saxpy, Sscal and Hprod on the GPU and everything else on
// the embedded CPU backend. GPU work is still issued from the context's
// stream goroutine, so stream ordering is unchanged.
type Backend struct {
	*cpu.CPUBackend

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	// Shader and pipeline cache
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	mu        sync.RWMutex

	adapterInfo *wgpu.AdapterInfoGo

	// gpuMu serializes dispatches from different streams on the single queue.
	gpuMu sync.Mutex
}

var _ kernel.Backend = (*Backend)(nil)

// Open creates a WebGPU backend, or returns an error wrapping ErrUnavailable.
func Open() (kernel.Backend, error) {
	b, err := New()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// New creates a new WebGPU backend.
func New() (backend *Backend, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = fmt.Errorf("%w: native library: %v", ErrUnavailable, r)
		}
	}()

	if err := wgpu.Init(); err != nil {
		return nil, fmt.Errorf("%w: native library: %v", ErrUnavailable, err)
	}
	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: request adapter: %v", ErrUnavailable, err)
	}
	// Missing adapter info only affects Name.
	info, _ := adapter.GetInfo()

	gpu, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: request device: %v", ErrUnavailable, err)
	}
	queue := gpu.GetQueue()
	if queue == nil {
		gpu.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: no queue", ErrUnavailable)
	}

	return &Backend{
		CPUBackend:  cpu.New(),
		instance:    instance,
		adapter:     adapter,
		device:      gpu,
		queue:       queue,
		shaders:     make(map[string]*wgpu.ShaderModule),
		pipelines:   make(map[string]*wgpu.ComputePipeline),
		adapterInfo: info,
	}, nil
}

// IsAvailable checks if WebGPU is available on this system.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	if wgpu.Init() != nil {
		return false
	}
	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return false
	}
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Release releases all WebGPU resources.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.pipelines {
		p.Release()
	}
	b.pipelines = nil
	for _, s := range b.shaders {
		s.Release()
	}
	b.shaders = nil

	if b.queue != nil {
		b.queue.Release()
		b.queue = nil
	}
	if b.device != nil {
		b.device.Release()
		b.device = nil
	}
	if b.adapter != nil {
		b.adapter.Release()
		b.adapter = nil
	}
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	if info := b.adapterInfo; info != nil {
		return fmt.Sprintf("WebGPU (%s)", adapterName(info))
	}
	return "WebGPU"
}

func contiguousFloats(p device.Ptr, n int) bool {
	return kernel.ValidateVector(p, n, 1) == kernel.StatusSuccess && p.DType() == device.Float32
}

func executionFailed(op string, err error) error {
	return &kernel.KernelError{
		Op:   op + ": " + err.Error(),
		Code: kernel.StatusExecutionFailed,
		Name: kernel.StatusExecutionFailed.String(),
	}
}

// Saxpy computes y = alpha*x + y, on the GPU for large unit-stride vectors.
func (b *Backend) Saxpy(ctx *device.Context, n int, alpha float32, x device.Ptr, incx int, y device.Ptr, incy int) kernel.Status {
	if ctx == nil || incx != 1 || incy != 1 || n < MinElements || !contiguousFloats(x, n) || !contiguousFloats(y, n) {
		return b.CPUBackend.Saxpy(ctx, n, alpha, x, incx, y, incy)
	}
	ctx.Submit(func() error {
		out := y.Bytes(n)
		res, err := b.dispatch("saxpy", saxpyShader, [][]byte{x.Bytes(n), out}, 1, n, params(n, alpha))
		if err != nil {
			return executionFailed("saxpy", err)
		}
		copy(out, res)
		return nil
	})
	return kernel.StatusSuccess
}

// Sscal computes x = alpha*x, on the GPU for large unit-stride vectors.
func (b *Backend) Sscal(ctx *device.Context, n int, alpha float32, x device.Ptr, incx int) kernel.Status {
	if ctx == nil || incx != 1 || n < MinElements || !contiguousFloats(x, n) {
		return b.CPUBackend.Sscal(ctx, n, alpha, x, incx)
	}
	ctx.Submit(func() error {
		out := x.Bytes(n)
		res, err := b.dispatch("sscal", sscalShader, [][]byte{out}, 0, n, params(n, alpha))
		if err != nil {
			return executionFailed("sscal", err)
		}
		copy(out, res)
		return nil
	})
	return kernel.StatusSuccess
}

// Hprod computes dst = beta*dst + alpha*a*b, on the GPU for large contiguous operands.
func (b *Backend) Hprod(ctx *device.Context, alpha float32, a, bm kernel.Mat, beta float32, dst kernel.Mat) kernel.Status {
	n := dst.Len()
	if ctx == nil || n < MinElements || !kernel.SameShape(dst, a, bm) ||
		!a.Contiguous() || !bm.Contiguous() || !dst.Contiguous() ||
		!contiguousFloats(a.Ptr, n) || !contiguousFloats(bm.Ptr, n) || !contiguousFloats(dst.Ptr, n) {
		return b.CPUBackend.Hprod(ctx, alpha, a, bm, beta, dst)
	}
	ctx.Submit(func() error {
		out := dst.Ptr.Bytes(n)
		res, err := b.dispatch("hprod", hprodShader, [][]byte{a.Ptr.Bytes(n), bm.Ptr.Bytes(n), out}, 2, n, params(n, alpha, beta))
		if err != nil {
			return executionFailed("hprod", err)
		}
		copy(out, res)
		return nil
	})
	return kernel.StatusSuccess
}

// adapterName joins the non-empty vendor, device and description strings.
func adapterName(info *wgpu.AdapterInfoGo) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{info.Vendor, info.Device, info.Description} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("vendor 0x%04x device 0x%04x", info.VendorID, info.DeviceID)
	}
	return strings.Join(parts, " ")
}
