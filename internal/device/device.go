// Package device emulates accelerator devices, their memory and their
// streams. A Registry is created explicitly by the session; there is no
// process-global device state.
package device

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/born-ml/rnnflow/internal/errs"
)

// DefaultQueueDepth is the per-stream task queue length used when Config.QueueDepth is zero.
const DefaultQueueDepth = 1024

// Info describes a device.
type Info struct {
	ID          int
	Name        string
	MemoryLimit int64 // bytes, 0 means unlimited
	Features    string
}

// Device is a memory space plus the contexts created on it.
type Device struct {
	info      Info
	allocated atomic.Int64
	peak      atomic.Int64
}

// Info returns the static device description.
func (d *Device) Info() Info {
	return d.info
}

// ID returns the device ordinal.
func (d *Device) ID() int {
	return d.info.ID
}

// Allocated returns the bytes currently allocated.
func (d *Device) Allocated() int64 {
	return d.allocated.Load()
}

// Peak returns the highest allocated byte count observed.
func (d *Device) Peak() int64 {
	return d.peak.Load()
}

// Alloc reserves n zeroed elements of the given type.
func (d *Device) Alloc(dtype DType, n int) (*Allocation, error) {
	if n < 0 {
		return nil, errs.New(errs.Allocation, "device.Alloc", "negative element count %d", n)
	}
	size := int64(n) * int64(dtype.Size())
	for {
		cur := d.allocated.Load()
		if d.info.MemoryLimit > 0 && cur+size > d.info.MemoryLimit {
			return nil, errs.New(errs.Allocation, "device.Alloc",
				"device %d: %d bytes requested, %d of %d in use", d.info.ID, size, cur, d.info.MemoryLimit)
		}
		if d.allocated.CompareAndSwap(cur, cur+size) {
			d.updatePeak(cur + size)
			break
		}
	}
	return &Allocation{device: d, dtype: dtype, n: n, data: make([]byte, size)}, nil
}

func (d *Device) updatePeak(v int64) {
	for {
		p := d.peak.Load()
		if v <= p || d.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

func (d *Device) release(size int64) {
	d.allocated.Add(-size)
}

// DeviceConfig configures one device.
type DeviceConfig struct {
	ID          int
	Name        string
	MemoryLimit int64
}

// Config configures a Registry.
type Config struct {
	Devices    []DeviceConfig // one default device when empty
	QueueDepth int
}

// Registry owns devices and every stream created on them.
type Registry struct {
	mu       sync.Mutex
	devices  map[int]*Device
	contexts []*Context
	nextID   int
	depth    int
	closed   bool
}

// NewRegistry creates the devices described by cfg.
func NewRegistry(cfg Config) (*Registry, error) {
	if len(cfg.Devices) == 0 {
		cfg.Devices = []DeviceConfig{{ID: 0}}
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	r := &Registry{devices: make(map[int]*Device, len(cfg.Devices)), depth: cfg.QueueDepth}
	features := CPUFeatures()
	for _, dc := range cfg.Devices {
		if dc.ID < 0 {
			return nil, errs.New(errs.Device, "device.NewRegistry", "negative device id %d", dc.ID)
		}
		if _, dup := r.devices[dc.ID]; dup {
			return nil, errs.New(errs.Device, "device.NewRegistry", "duplicate device id %d", dc.ID)
		}
		if dc.MemoryLimit < 0 {
			return nil, errs.New(errs.Device, "device.NewRegistry", "device %d: negative memory limit", dc.ID)
		}
		name := dc.Name
		if name == "" {
			name = fmt.Sprintf("cpu:%d", dc.ID)
		}
		r.devices[dc.ID] = &Device{
			info: Info{ID: dc.ID, Name: name, MemoryLimit: dc.MemoryLimit, Features: features},
		}
	}
	return r, nil
}

// Device returns the device with the given ordinal.
func (r *Registry) Device(id int) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, errs.New(errs.Device, "device.Registry", "unknown device id %d", id)
	}
	return d, nil
}

// NewContext creates a context with a fresh stream on device id.
func (r *Registry) NewContext(id int) (*Context, error) {
	d, err := r.Device(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errs.New(errs.Device, "device.NewContext", "registry closed")
	}
	r.nextID++
	c := newContext(d, newStream(r.nextID, r.depth))
	r.contexts = append(r.contexts, c)
	return c, nil
}

// Contexts returns every context created so far.
func (r *Registry) Contexts() []*Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Context, len(r.contexts))
	copy(out, r.contexts)
	return out
}

// Synchronize waits for every stream and returns the first fault found.
func (r *Registry) Synchronize() error {
	var first error
	for _, c := range r.Contexts() {
		if err := c.Synchronize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close drains and stops every stream. The registry must not be used afterwards.
func (r *Registry) Close() error {
	err := r.Synchronize()
	r.mu.Lock()
	r.closed = true
	ctxs := r.contexts
	r.mu.Unlock()
	for _, c := range ctxs {
		c.stream.close()
	}
	return err
}

// CPUFeatures lists the SIMD extensions of the host CPU, or "generic".
func CPUFeatures() string {
	var f []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX {
			f = append(f, "avx")
		}
		if cpu.X86.HasAVX2 {
			f = append(f, "avx2")
		}
		if cpu.X86.HasFMA {
			f = append(f, "fma")
		}
		if cpu.X86.HasAVX512F {
			f = append(f, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			f = append(f, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			f = append(f, "fphp")
		}
	}
	if len(f) == 0 {
		return "generic"
	}
	return strings.Join(f, ",")
}
