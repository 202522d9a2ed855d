package cpu

import (
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/kernel"
)

func validateTransfer(n, elemSize int, host []byte, hostInc int, p device.Ptr, inc int) kernel.Status {
	if n < 0 || hostInc < 1 || inc < 1 {
		return kernel.StatusInvalidValue
	}
	if n == 0 {
		return kernel.StatusSuccess
	}
	if st := kernel.ValidateVector(p, n, inc); st != kernel.StatusSuccess {
		return st
	}
	if elemSize != p.DType().Size() {
		return kernel.StatusInvalidValue
	}
	if len(host) < vecLen(n, hostInc)*elemSize {
		return kernel.StatusInvalidValue
	}
	return kernel.StatusSuccess
}

func copyStrided(n, size int, src []byte, srcInc int, dst []byte, dstInc int) {
	if srcInc == 1 && dstInc == 1 {
		copy(dst[:n*size], src[:n*size])
		return
	}
	for i := 0; i < n; i++ {
		copy(dst[i*dstInc*size:(i*dstInc+1)*size], src[i*srcInc*size:(i*srcInc+1)*size])
	}
}

// SetVector copies n host elements into device memory before returning.
func (cpu *CPUBackend) SetVector(n, elemSize int, host []byte, incx int, dst device.Ptr, incy int) kernel.Status {
	st := validateTransfer(n, elemSize, host, incx, dst, incy)
	if st != kernel.StatusSuccess || n == 0 {
		return st
	}
	copyStrided(n, elemSize, host, incx, dst.Bytes(vecLen(n, incy)), incy)
	return kernel.StatusSuccess
}

// GetVector copies n device elements into host memory before returning.
// The caller orders it after pending writes, e.g. by synchronizing the writer.
func (cpu *CPUBackend) GetVector(n, elemSize int, src device.Ptr, incx int, host []byte, incy int) kernel.Status {
	st := validateTransfer(n, elemSize, host, incy, src, incx)
	if st != kernel.StatusSuccess || n == 0 {
		return st
	}
	copyStrided(n, elemSize, src.Bytes(vecLen(n, incx)), incx, host, incy)
	return kernel.StatusSuccess
}

// SetVectorAsync enqueues a host to device copy on ctx.
func (cpu *CPUBackend) SetVectorAsync(ctx *device.Context, n, elemSize int, host []byte, incx int, dst device.Ptr, incy int) kernel.Status {
	st := validateTransfer(n, elemSize, host, incx, dst, incy)
	return enqueue(ctx, st, func() error {
		if n > 0 {
			copyStrided(n, elemSize, host, incx, dst.Bytes(vecLen(n, incy)), incy)
		}
		return nil
	})
}

// GetVectorAsync enqueues a device to host copy on ctx.
func (cpu *CPUBackend) GetVectorAsync(ctx *device.Context, n, elemSize int, src device.Ptr, incx int, host []byte, incy int) kernel.Status {
	st := validateTransfer(n, elemSize, host, incy, src, incx)
	return enqueue(ctx, st, func() error {
		if n > 0 {
			copyStrided(n, elemSize, src.Bytes(vecLen(n, incx)), incx, host, incy)
		}
		return nil
	})
}
