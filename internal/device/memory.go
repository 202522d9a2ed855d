package device

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Allocation is a fixed-size block of device memory.
// It is never resized; buffers are sized once at their maximum shape and reused.
type Allocation struct {
	device   *Device
	dtype    DType
	n        int // capacity in elements
	data     []byte
	released atomic.Bool
}

// Device returns the device owning the allocation.
func (a *Allocation) Device() *Device {
	return a.device
}

// DType returns the element type.
func (a *Allocation) DType() DType {
	return a.dtype
}

// Len returns the capacity in elements.
func (a *Allocation) Len() int {
	return a.n
}

// Ptr returns a pointer to the first element.
func (a *Allocation) Ptr() Ptr {
	return Ptr{alloc: a}
}

// Release returns the memory to the device accounting.
// The allocation must not be used afterwards.
func (a *Allocation) Release() {
	if a.released.Swap(true) {
		return
	}
	a.device.release(int64(len(a.data)))
	a.data = nil
}

// Ptr addresses one element of an allocation.
// The zero Ptr is nil.
type Ptr struct {
	alloc *Allocation
	off   int // element offset
}

// IsNil reports whether p addresses no allocation.
func (p Ptr) IsNil() bool {
	return p.alloc == nil
}

// Allocation returns the allocation p points into.
func (p Ptr) Allocation() *Allocation {
	return p.alloc
}

// Offset returns the element offset from the start of the allocation.
func (p Ptr) Offset() int {
	return p.off
}

// Add returns p advanced by k elements.
func (p Ptr) Add(k int) Ptr {
	return Ptr{alloc: p.alloc, off: p.off + k}
}

// Remaining returns the number of addressable elements from p to the end of the allocation.
func (p Ptr) Remaining() int {
	if p.alloc == nil || p.alloc.released.Load() {
		return 0
	}
	return p.alloc.n - p.off
}

// DType returns the element type of the allocation.
func (p Ptr) DType() DType {
	if p.alloc == nil {
		return Float32
	}
	return p.alloc.dtype
}

// Float32s interprets n elements starting at p as []float32.
// Panics if the range leaves the allocation.
func (p Ptr) Float32s(n int) []float32 {
	b := p.bytes(n)
	if n == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by bytes()
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}

// Int32s interprets n elements starting at p as []int32.
// Panics if the range leaves the allocation.
func (p Ptr) Int32s(n int) []int32 {
	b := p.bytes(n)
	if n == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by bytes()
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), n)
}

// Bytes returns the raw bytes of n elements starting at p.
func (p Ptr) Bytes(n int) []byte {
	return p.bytes(n)
}

func (p Ptr) bytes(n int) []byte {
	if p.alloc == nil {
		panic("device: nil pointer dereference")
	}
	if p.off < 0 || n < 0 || p.off+n > p.alloc.n {
		panic(fmt.Sprintf("device: range [%d, %d) outside allocation of %d elements", p.off, p.off+n, p.alloc.n))
	}
	size := p.alloc.dtype.Size()
	return p.alloc.data[p.off*size : (p.off+n)*size]
}
