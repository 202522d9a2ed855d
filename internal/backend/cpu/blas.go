package cpu

import (
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/kernel"
	"github.com/born-ml/rnnflow/internal/parallel"
)

// Sscal computes x = alpha*x.
func (cpu *CPUBackend) Sscal(ctx *device.Context, n int, alpha float32, x device.Ptr, incx int) kernel.Status {
	return enqueue(ctx, floatVec(x, n, incx), func() error {
		xs := x.Float32s(vecLen(n, incx))
		parallel.Range(n, 1, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				xs[i*incx] *= alpha
			}
		}, cpu.par)
		return nil
	})
}

// Saxpy computes y = alpha*x + y.
func (cpu *CPUBackend) Saxpy(ctx *device.Context, n int, alpha float32, x device.Ptr, incx int, y device.Ptr, incy int) kernel.Status {
	st := kernel.FirstError(floatVec(x, n, incx), floatVec(y, n, incy))
	return enqueue(ctx, st, func() error {
		xs := x.Float32s(vecLen(n, incx))
		ys := y.Float32s(vecLen(n, incy))
		parallel.Range(n, 1, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				ys[i*incy] += alpha * xs[i*incx]
			}
		}, cpu.par)
		return nil
	})
}

// Scopy copies x into y.
func (cpu *CPUBackend) Scopy(ctx *device.Context, n int, x device.Ptr, incx int, y device.Ptr, incy int) kernel.Status {
	st := kernel.FirstError(floatVec(x, n, incx), floatVec(y, n, incy))
	return enqueue(ctx, st, func() error {
		xs := x.Float32s(vecLen(n, incx))
		ys := y.Float32s(vecLen(n, incy))
		if incx == 1 && incy == 1 {
			copy(ys, xs)
			return nil
		}
		for i := 0; i < n; i++ {
			ys[i*incy] = xs[i*incx]
		}
		return nil
	})
}

// Sdot writes sum(x*y) to result[0].
func (cpu *CPUBackend) Sdot(ctx *device.Context, n int, x device.Ptr, incx int, y device.Ptr, incy int, result device.Ptr) kernel.Status {
	st := kernel.FirstError(floatVec(x, n, incx), floatVec(y, n, incy), floatVec(result, 1, 1))
	return enqueue(ctx, st, func() error {
		xs := x.Float32s(vecLen(n, incx))
		ys := y.Float32s(vecLen(n, incy))
		var sum float32
		for i := 0; i < n; i++ {
			sum += xs[i*incx] * ys[i*incy]
		}
		result.Float32s(1)[0] = sum
		return nil
	})
}

// Sgemv computes y = alpha*op(A)*x + beta*y for an m x n matrix A.
func (cpu *CPUBackend) Sgemv(ctx *device.Context, trans kernel.Op, m, n int, alpha float32, a device.Ptr, lda int,
	x device.Ptr, incx int, beta float32, y device.Ptr, incy int) kernel.Status {
	xn, yn := n, m
	if trans == kernel.Trans {
		xn, yn = m, n
	}
	am := kernel.Mat{Ptr: a, Rows: m, Cols: n, LD: lda}
	st := kernel.FirstError(validOp(trans), floatMat(am), floatVec(x, xn, incx), floatVec(y, yn, incy))
	if lda < max(1, m) {
		st = kernel.FirstError(st, kernel.StatusInvalidValue)
	}
	return enqueue(ctx, st, func() error {
		if yn == 0 {
			return nil
		}
		ys := y.Float32s(vecLen(yn, incy))
		if xn == 0 {
			for i := 0; i < yn; i++ {
				ys[i*incy] = scaleKeep(beta, ys[i*incy])
			}
			return nil
		}
		as := floats(am)
		xs := x.Float32s(vecLen(xn, incx))
		parallel.Range(yn, xn, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				var sum float32
				if trans == kernel.NoTrans {
					for j := 0; j < n; j++ {
						sum += as[i+j*lda] * xs[j*incx]
					}
				} else {
					col := as[i*lda : i*lda+m]
					for j, v := range col {
						sum += v * xs[j*incx]
					}
				}
				ys[i*incy] = alpha*sum + scaleKeep(beta, ys[i*incy])
			}
		}, cpu.par)
		return nil
	})
}

// Sgemm computes C = alpha*op(A)*op(B) + beta*C with C m x n and inner dimension k.
func (cpu *CPUBackend) Sgemm(ctx *device.Context, transa, transb kernel.Op, m, n, k int, alpha float32, a device.Ptr, lda int,
	b device.Ptr, ldb int, beta float32, c device.Ptr, ldc int) kernel.Status {
	ar, ac := m, k
	if transa == kernel.Trans {
		ar, ac = k, m
	}
	br, bc := k, n
	if transb == kernel.Trans {
		br, bc = n, k
	}
	am := kernel.Mat{Ptr: a, Rows: ar, Cols: ac, LD: lda}
	bm := kernel.Mat{Ptr: b, Rows: br, Cols: bc, LD: ldb}
	cm := kernel.Mat{Ptr: c, Rows: m, Cols: n, LD: ldc}
	st := kernel.FirstError(validOp(transa), validOp(transb), floatMat(cm))
	if m < 0 || n < 0 || k < 0 {
		st = kernel.FirstError(st, kernel.StatusInvalidValue)
	}
	if k > 0 && st == kernel.StatusSuccess {
		st = kernel.FirstError(floatMat(am), floatMat(bm))
	}
	return enqueue(ctx, st, func() error {
		if m == 0 || n == 0 {
			return nil
		}
		cs := floats(cm)
		var as, bs []float32
		if k > 0 {
			as, bs = floats(am), floats(bm)
		}
		bAt := func(l, j int) float32 {
			if transb == kernel.NoTrans {
				return bs[l+j*ldb]
			}
			return bs[j+l*ldb]
		}
		parallel.For(n, m*max(k, 1), func(j int) {
			cj := column(cs, cm, j)
			switch beta {
			case 0:
				clear(cj)
			case 1:
			default:
				for i := range cj {
					cj[i] *= beta
				}
			}
			if k == 0 || alpha == 0 {
				return
			}
			if transa == kernel.NoTrans {
				for l := 0; l < k; l++ {
					blj := alpha * bAt(l, j)
					if blj == 0 {
						continue
					}
					al := as[l*lda : l*lda+m]
					for i, v := range al {
						cj[i] += blj * v
					}
				}
				return
			}
			for i := 0; i < m; i++ {
				ai := as[i*lda : i*lda+k]
				var sum float32
				for l, v := range ai {
					sum += v * bAt(l, j)
				}
				cj[i] += alpha * sum
			}
		}, cpu.par)
		return nil
	})
}

func validOp(op kernel.Op) kernel.Status {
	if op != kernel.NoTrans && op != kernel.Trans {
		return kernel.StatusInvalidValue
	}
	return kernel.StatusSuccess
}

// scaleKeep returns beta*v, treating beta == 0 as overwrite so NaNs in v do not propagate.
func scaleKeep(beta, v float32) float32 {
	if beta == 0 {
		return 0
	}
	return beta * v
}
