package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/kernel"
)

func sameShape(a kernel.Mat, others ...kernel.Mat) kernel.Status {
	if !kernel.SameShape(a, others...) {
		return kernel.StatusInvalidValue
	}
	return kernel.StatusSuccess
}

// Fill sets every element of dst to v.
func (cpu *CPUBackend) Fill(ctx *device.Context, dst kernel.Mat, v float32) kernel.Status {
	return enqueue(ctx, dst.Validate(), func() error {
		if dst.Len() == 0 {
			return nil
		}
		if dst.Ptr.DType() == device.Int32 {
			s := dst.Ptr.Int32s(dst.Extent())
			iv := int32(v)
			cpu.forColumns(dst, func(j int) {
				col := s[j*dst.LD : j*dst.LD+dst.Rows]
				for i := range col {
					col[i] = iv
				}
			})
			return nil
		}
		s := floats(dst)
		cpu.forColumns(dst, func(j int) {
			col := column(s, dst, j)
			for i := range col {
				col[i] = v
			}
		})
		return nil
	})
}

// Copy2D copies src into dst column by column.
func (cpu *CPUBackend) Copy2D(ctx *device.Context, src, dst kernel.Mat) kernel.Status {
	st := kernel.FirstError(src.Validate(), dst.Validate(), sameShape(src, dst))
	if st == kernel.StatusSuccess && src.Len() > 0 && src.Ptr.DType() != dst.Ptr.DType() {
		st = kernel.StatusInvalidValue
	}
	return enqueue(ctx, st, func() error {
		if src.Len() == 0 {
			return nil
		}
		size := src.Ptr.DType().Size()
		sb := src.Ptr.Bytes(src.Extent())
		db := dst.Ptr.Bytes(dst.Extent())
		if src.Contiguous() && dst.Contiguous() {
			copy(db[:src.Len()*size], sb[:src.Len()*size])
			return nil
		}
		for j := 0; j < src.Cols; j++ {
			copy(db[j*dst.LD*size:(j*dst.LD+dst.Rows)*size], sb[j*src.LD*size:(j*src.LD+src.Rows)*size])
		}
		return nil
	})
}

// Axpby computes dst = beta*dst + alpha*src.
func (cpu *CPUBackend) Axpby(ctx *device.Context, alpha float32, src kernel.Mat, beta float32, dst kernel.Mat) kernel.Status {
	st := kernel.FirstError(floatMat(src), floatMat(dst), sameShape(src, dst))
	return enqueue(ctx, st, func() error {
		if src.Len() == 0 {
			return nil
		}
		ss, ds := floats(src), floats(dst)
		cpu.forColumns(dst, func(j int) {
			s, d := column(ss, src, j), column(ds, dst, j)
			for i := range d {
				d[i] = scaleKeep(beta, d[i]) + alpha*s[i]
			}
		})
		return nil
	})
}

// Sum computes dst = a + b.
func (cpu *CPUBackend) Sum(ctx *device.Context, a, b, dst kernel.Mat) kernel.Status {
	st := kernel.FirstError(floatMat(a), floatMat(b), floatMat(dst), sameShape(dst, a, b))
	return enqueue(ctx, st, func() error {
		if dst.Len() == 0 {
			return nil
		}
		as, bs, ds := floats(a), floats(b), floats(dst)
		cpu.forColumns(dst, func(j int) {
			x, y, d := column(as, a, j), column(bs, b, j), column(ds, dst, j)
			for i := range d {
				d[i] = x[i] + y[i]
			}
		})
		return nil
	})
}

// Hprod computes dst = beta*dst + alpha*a*b.
func (cpu *CPUBackend) Hprod(ctx *device.Context, alpha float32, a, b kernel.Mat, beta float32, dst kernel.Mat) kernel.Status {
	st := kernel.FirstError(floatMat(a), floatMat(b), floatMat(dst), sameShape(dst, a, b))
	return enqueue(ctx, st, func() error {
		if dst.Len() == 0 {
			return nil
		}
		as, bs, ds := floats(a), floats(b), floats(dst)
		cpu.forColumns(dst, func(j int) {
			x, y, d := column(as, a, j), column(bs, b, j), column(ds, dst, j)
			for i := range d {
				d[i] = scaleKeep(beta, d[i]) + alpha*x[i]*y[i]
			}
		})
		return nil
	})
}

// AddScaledDivSqrt computes dst += alpha * a / sqrt(b + eps).
func (cpu *CPUBackend) AddScaledDivSqrt(ctx *device.Context, alpha float32, a, b kernel.Mat, eps float32, dst kernel.Mat) kernel.Status {
	st := kernel.FirstError(floatMat(a), floatMat(b), floatMat(dst), sameShape(dst, a, b))
	return enqueue(ctx, st, func() error {
		if dst.Len() == 0 {
			return nil
		}
		as, bs, ds := floats(a), floats(b), floats(dst)
		cpu.forColumns(dst, func(j int) {
			x, y, d := column(as, a, j), column(bs, b, j), column(ds, dst, j)
			for i := range d {
				d[i] += alpha * x[i] / float32(math.Sqrt(float64(y[i]+eps)))
			}
		})
		return nil
	})
}

func activate(f kernel.Activation, x float32) float32 {
	switch f {
	case kernel.Tanh:
		return float32(math.Tanh(float64(x)))
	case kernel.Sigmoid:
		return float32(1 / (1 + math.Exp(-float64(x))))
	case kernel.ReLU:
		return max(x, 0)
	default:
		return x
	}
}

// derivative returns f'(x) in terms of y = f(x).
func derivative(f kernel.Activation, y float32) float32 {
	switch f {
	case kernel.Tanh:
		return 1 - y*y
	case kernel.Sigmoid:
		return y * (1 - y)
	case kernel.ReLU:
		if y > 0 {
			return 1
		}
		return 0
	default:
		return 1
	}
}

func validActivation(f kernel.Activation) kernel.Status {
	switch f {
	case kernel.Identity, kernel.Tanh, kernel.Sigmoid, kernel.ReLU:
		return kernel.StatusSuccess
	default:
		return kernel.StatusNotSupported
	}
}

// Activate computes dst = f(src). src and dst may alias.
func (cpu *CPUBackend) Activate(ctx *device.Context, f kernel.Activation, src, dst kernel.Mat) kernel.Status {
	st := kernel.FirstError(validActivation(f), floatMat(src), floatMat(dst), sameShape(src, dst))
	return enqueue(ctx, st, func() error {
		if dst.Len() == 0 {
			return nil
		}
		ss, ds := floats(src), floats(dst)
		cpu.forColumns(dst, func(j int) {
			s, d := column(ss, src, j), column(ds, dst, j)
			for i := range d {
				d[i] = activate(f, s[i])
			}
		})
		return nil
	})
}

// ActivateGrad computes dst = beta*dst + grad*f'(out).
func (cpu *CPUBackend) ActivateGrad(ctx *device.Context, f kernel.Activation, out, grad kernel.Mat, beta float32, dst kernel.Mat) kernel.Status {
	st := kernel.FirstError(validActivation(f), floatMat(out), floatMat(grad), floatMat(dst), sameShape(dst, out, grad))
	return enqueue(ctx, st, func() error {
		if dst.Len() == 0 {
			return nil
		}
		os, gs, ds := floats(out), floats(grad), floats(dst)
		cpu.forColumns(dst, func(j int) {
			o, g, d := column(os, out, j), column(gs, grad, j), column(ds, dst, j)
			for i := range d {
				d[i] = scaleKeep(beta, d[i]) + g[i]*derivative(f, o[i])
			}
		})
		return nil
	})
}

// ZeroColumnsBeyond zeroes dst(i, j) for every j >= lengths[i].
func (cpu *CPUBackend) ZeroColumnsBeyond(ctx *device.Context, dst kernel.Mat, lengths device.Ptr, inc int) kernel.Status {
	st := kernel.FirstError(dst.Validate(), intVec(lengths, dst.Rows, inc))
	return enqueue(ctx, st, func() error {
		if dst.Len() == 0 {
			return nil
		}
		ls := lengths.Int32s(vecLen(dst.Rows, inc))
		if dst.Ptr.DType() == device.Int32 {
			s := dst.Ptr.Int32s(dst.Extent())
			cpu.forColumns(dst, func(j int) {
				col := s[j*dst.LD : j*dst.LD+dst.Rows]
				for i := range col {
					if int32(j) >= ls[i*inc] {
						col[i] = 0
					}
				}
			})
			return nil
		}
		s := floats(dst)
		cpu.forColumns(dst, func(j int) {
			col := column(s, dst, j)
			for i := range col {
				if int32(j) >= ls[i*inc] {
					col[i] = 0
				}
			}
		})
		return nil
	})
}

func checkIDs(ids []int32, n, inc, limit int) error {
	for i := 0; i < n; i++ {
		if id := ids[i*inc]; id < 0 || int(id) >= limit {
			return fmt.Errorf("row id %d at position %d outside [0, %d)", id, i, limit)
		}
	}
	return nil
}

// GatherRows sets dst(i, :) = table(ids[i], :).
func (cpu *CPUBackend) GatherRows(ctx *device.Context, table kernel.Mat, ids device.Ptr, inc int, dst kernel.Mat) kernel.Status {
	st := kernel.FirstError(floatMat(table), floatMat(dst), intVec(ids, dst.Rows, inc))
	if table.Cols != dst.Cols {
		st = kernel.FirstError(st, kernel.StatusInvalidValue)
	}
	return enqueue(ctx, st, func() error {
		if dst.Len() == 0 {
			return nil
		}
		is := ids.Int32s(vecLen(dst.Rows, inc))
		if err := checkIDs(is, dst.Rows, inc, table.Rows); err != nil {
			return &kernel.KernelError{Op: "GatherRows: " + err.Error(), Code: kernel.StatusExecutionFailed,
				Name: kernel.StatusExecutionFailed.String()}
		}
		ts, ds := floats(table), floats(dst)
		cpu.forColumns(dst, func(j int) {
			t, d := column(ts, table, j), column(ds, dst, j)
			for i := range d {
				d[i] = t[is[i*inc]]
			}
		})
		return nil
	})
}

// ScatterAddRows adds src(i, :) into table(ids[i], :). Repeated ids accumulate.
func (cpu *CPUBackend) ScatterAddRows(ctx *device.Context, src kernel.Mat, ids device.Ptr, inc int, table kernel.Mat) kernel.Status {
	st := kernel.FirstError(floatMat(table), floatMat(src), intVec(ids, src.Rows, inc))
	if table.Cols != src.Cols {
		st = kernel.FirstError(st, kernel.StatusInvalidValue)
	}
	return enqueue(ctx, st, func() error {
		if src.Len() == 0 {
			return nil
		}
		is := ids.Int32s(vecLen(src.Rows, inc))
		if err := checkIDs(is, src.Rows, inc, table.Rows); err != nil {
			return &kernel.KernelError{Op: "ScatterAddRows: " + err.Error(), Code: kernel.StatusExecutionFailed,
				Name: kernel.StatusExecutionFailed.String()}
		}
		ts, ss := floats(table), floats(src)
		cpu.forColumns(src, func(j int) {
			t, s := column(ts, table, j), column(ss, src, j)
			for i, v := range s {
				t[is[i*inc]] += v
			}
		})
		return nil
	})
}
