package matrix

import (
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/kernel"
)

func (m *Matrix) written(ctx *device.Context, op string, st kernel.Status) error {
	if err := kernel.Check(op, st); err != nil {
		return err
	}
	m.mod.last = ctx
	return nil
}

func shapeError(op string, want, got *Matrix) error {
	return errs.New(errs.Shape, op, "%dx%d does not match %dx%d", got.nrows, got.ncols, want.nrows, want.ncols)
}

func sameShape(op string, m *Matrix, others ...*Matrix) error {
	for _, o := range others {
		if o.nrows != m.nrows || o.ncols != m.ncols {
			return shapeError(op, m, o)
		}
	}
	return nil
}

// Fill sets every element to v.
func (m *Matrix) Fill(ctx *device.Context, v float32) error {
	return m.written(ctx, "matrix.Fill", m.s.Kernels.Fill(ctx, m.Mat(), v))
}

// SyncFill fills on the device's default context and waits for completion.
func (m *Matrix) SyncFill(v float32) error {
	ctx, err := m.s.DefaultContext(m.Device())
	if err != nil {
		return err
	}
	ctx.Wait(m.mod.last)
	if err := m.Fill(ctx, v); err != nil {
		return err
	}
	return ctx.Synchronize()
}

// Assign copies src into m.
func (m *Matrix) Assign(ctx *device.Context, src *Matrix) error {
	if err := sameShape("matrix.Assign", m, src); err != nil {
		return err
	}
	return m.written(ctx, "matrix.Assign", m.s.Kernels.Copy2D(ctx, src.Mat(), m.Mat()))
}

// CopyTo copies m into dst.
func (m *Matrix) CopyTo(ctx *device.Context, dst *Matrix) error {
	return dst.Assign(ctx, m)
}

// Scale computes m = alpha*m.
func (m *Matrix) Scale(ctx *device.Context, alpha float32) error {
	mm := m.Mat()
	if mm.Contiguous() {
		return m.written(ctx, "matrix.Scale", m.s.Kernels.Sscal(ctx, mm.Len(), alpha, m.ptr, 1))
	}
	return m.written(ctx, "matrix.Scale", m.s.Kernels.Axpby(ctx, 0, mm, alpha, mm))
}

// AddScaled computes m += alpha*a.
func (m *Matrix) AddScaled(ctx *device.Context, alpha float32, a *Matrix) error {
	if err := sameShape("matrix.AddScaled", m, a); err != nil {
		return err
	}
	mm, am := m.Mat(), a.Mat()
	if mm.Contiguous() && am.Contiguous() {
		return m.written(ctx, "matrix.AddScaled", m.s.Kernels.Saxpy(ctx, mm.Len(), alpha, a.ptr, 1, m.ptr, 1))
	}
	return m.written(ctx, "matrix.AddScaled", m.s.Kernels.Axpby(ctx, alpha, am, 1, mm))
}

// AssignScaled computes m = alpha*a.
func (m *Matrix) AssignScaled(ctx *device.Context, alpha float32, a *Matrix) error {
	if err := sameShape("matrix.AssignScaled", m, a); err != nil {
		return err
	}
	return m.written(ctx, "matrix.AssignScaled", m.s.Kernels.Axpby(ctx, alpha, a.Mat(), 0, m.Mat()))
}

// AssignSum computes m = a + b.
func (m *Matrix) AssignSum(ctx *device.Context, a, b *Matrix) error {
	if err := sameShape("matrix.AssignSum", m, a, b); err != nil {
		return err
	}
	return m.written(ctx, "matrix.AssignSum", m.s.Kernels.Sum(ctx, a.Mat(), b.Mat(), m.Mat()))
}

// AssignHprod computes m = a*b elementwise.
func (m *Matrix) AssignHprod(ctx *device.Context, a, b *Matrix) error {
	return m.AddScaledHprod(ctx, a, b, 1, 0)
}

// AddScaledHprod computes m = beta*m + alpha*a*b elementwise.
func (m *Matrix) AddScaledHprod(ctx *device.Context, a, b *Matrix, alpha, beta float32) error {
	if err := sameShape("matrix.AddScaledHprod", m, a, b); err != nil {
		return err
	}
	return m.written(ctx, "matrix.AddScaledHprod", m.s.Kernels.Hprod(ctx, alpha, a.Mat(), b.Mat(), beta, m.Mat()))
}

// AddScaledDivSqrt computes m += alpha * a / sqrt(b + eps).
func (m *Matrix) AddScaledDivSqrt(ctx *device.Context, alpha float32, a, b *Matrix, eps float32) error {
	if err := sameShape("matrix.AddScaledDivSqrt", m, a, b); err != nil {
		return err
	}
	return m.written(ctx, "matrix.AddScaledDivSqrt",
		m.s.Kernels.AddScaledDivSqrt(ctx, alpha, a.Mat(), b.Mat(), eps, m.Mat()))
}

// AssignDot computes m = op(a)*op(b).
func (m *Matrix) AssignDot(ctx *device.Context, a, b *Matrix, opA, opB kernel.Op) error {
	return m.dot(ctx, "matrix.AssignDot", a, b, opA, opB, 1, 0)
}

// AddDot computes m += alpha*op(a)*op(b).
func (m *Matrix) AddDot(ctx *device.Context, a, b *Matrix, opA, opB kernel.Op, alpha float32) error {
	return m.dot(ctx, "matrix.AddDot", a, b, opA, opB, alpha, 1)
}

func opShape(x *Matrix, op kernel.Op) (int, int) {
	if op == kernel.Trans {
		return x.ncols, x.nrows
	}
	return x.nrows, x.ncols
}

// dot uses gemv when op(b) is a single contiguous column and gemm otherwise.
func (m *Matrix) dot(ctx *device.Context, op string, a, b *Matrix, opA, opB kernel.Op, alpha, beta float32) error {
	am, ak := opShape(a, opA)
	bk, bn := opShape(b, opB)
	if ak != bk || am != m.nrows || bn != m.ncols {
		return errs.New(errs.Shape, op, "(%dx%d)*(%dx%d) into %dx%d", am, ak, bk, bn, m.nrows, m.ncols)
	}
	k := m.s.Kernels
	if bn == 1 && opB == kernel.NoTrans {
		return m.written(ctx, op, k.Sgemv(ctx, opA, a.nrows, a.ncols, alpha, a.ptr, a.ld, b.ptr, 1, beta, m.ptr, 1))
	}
	return m.written(ctx, op, k.Sgemm(ctx, opA, opB, am, bn, ak, alpha, a.ptr, a.ld, b.ptr, b.ld, beta, m.ptr, m.ld))
}

// AssignHstack writes parts side by side into m. Their widths must sum to m's width.
func (m *Matrix) AssignHstack(ctx *device.Context, parts ...*Matrix) error {
	total := 0
	for _, p := range parts {
		if p.nrows != m.nrows {
			return shapeError("matrix.AssignHstack", m, p)
		}
		total += p.ncols
	}
	if total != m.ncols {
		return errs.New(errs.Shape, "matrix.AssignHstack", "parts total %d columns, matrix has %d", total, m.ncols)
	}
	start := 0
	for _, p := range parts {
		dst, err := m.Columns(start, start+p.ncols)
		if err != nil {
			return err
		}
		if err := dst.Assign(ctx, p); err != nil {
			return err
		}
		start += p.ncols
	}
	m.mod.last = ctx
	return nil
}

// Hsplit copies consecutive column ranges of m into parts. A nil part skips
// widths[i] columns; widths may be nil when no part is nil.
func (m *Matrix) Hsplit(ctx *device.Context, parts []*Matrix, widths []int) error {
	total := 0
	for i, p := range parts {
		switch {
		case p != nil:
			if p.nrows != m.nrows {
				return shapeError("matrix.Hsplit", m, p)
			}
			total += p.ncols
		case i < len(widths):
			total += widths[i]
		default:
			return errs.New(errs.Shape, "matrix.Hsplit", "part %d is nil without a width", i)
		}
	}
	if total != m.ncols {
		return errs.New(errs.Shape, "matrix.Hsplit", "parts total %d columns, matrix has %d", total, m.ncols)
	}
	start := 0
	for i, p := range parts {
		w := 0
		if p != nil {
			w = p.ncols
			src, err := m.Columns(start, start+w)
			if err != nil {
				return err
			}
			if err := p.Assign(ctx, src); err != nil {
				return err
			}
		} else {
			w = widths[i]
		}
		start += w
	}
	return nil
}

// ZeroColumnsBeyond zeroes m(i, j) for j >= lengths(i). lengths is an int32 column.
func (m *Matrix) ZeroColumnsBeyond(ctx *device.Context, lengths *Matrix) error {
	if lengths.dtype != device.Int32 || lengths.nrows*lengths.ncols != m.nrows {
		return errs.New(errs.Shape, "matrix.ZeroColumnsBeyond", "lengths %dx%d %s for %d rows",
			lengths.nrows, lengths.ncols, lengths.dtype, m.nrows)
	}
	return m.written(ctx, "matrix.ZeroColumnsBeyond", m.s.Kernels.ZeroColumnsBeyond(ctx, m.Mat(), lengths.ptr, 1))
}

// AssignActivation computes m = f(src).
func (m *Matrix) AssignActivation(ctx *device.Context, f kernel.Activation, src *Matrix) error {
	if err := sameShape("matrix.AssignActivation", m, src); err != nil {
		return err
	}
	return m.written(ctx, "matrix.AssignActivation", m.s.Kernels.Activate(ctx, f, src.Mat(), m.Mat()))
}

// AssignActivationGrad computes m = grad*f'(x) given out = f(x).
func (m *Matrix) AssignActivationGrad(ctx *device.Context, f kernel.Activation, out, grad *Matrix) error {
	return m.activationGrad(ctx, "matrix.AssignActivationGrad", f, out, grad, 0)
}

// AddActivationGrad computes m += grad*f'(x) given out = f(x).
func (m *Matrix) AddActivationGrad(ctx *device.Context, f kernel.Activation, out, grad *Matrix) error {
	return m.activationGrad(ctx, "matrix.AddActivationGrad", f, out, grad, 1)
}

func (m *Matrix) activationGrad(ctx *device.Context, op string, f kernel.Activation, out, grad *Matrix, beta float32) error {
	if err := sameShape(op, m, out, grad); err != nil {
		return err
	}
	return m.written(ctx, op, m.s.Kernels.ActivateGrad(ctx, f, out.Mat(), grad.Mat(), beta, m.Mat()))
}

// AssignGatherRows sets m(i, :) = table(ids(i), :). ids is an int32 column.
func (m *Matrix) AssignGatherRows(ctx *device.Context, table, ids *Matrix) error {
	if ids.dtype != device.Int32 || ids.nrows*ids.ncols != m.nrows || table.ncols != m.ncols {
		return errs.New(errs.Shape, "matrix.AssignGatherRows", "table %dx%d, ids %dx%d into %dx%d",
			table.nrows, table.ncols, ids.nrows, ids.ncols, m.nrows, m.ncols)
	}
	return m.written(ctx, "matrix.AssignGatherRows", m.s.Kernels.GatherRows(ctx, table.Mat(), ids.ptr, 1, m.Mat()))
}

// AddScatterRows adds src(i, :) into m(ids(i), :).
func (m *Matrix) AddScatterRows(ctx *device.Context, src, ids *Matrix) error {
	if ids.dtype != device.Int32 || ids.nrows*ids.ncols != src.nrows || src.ncols != m.ncols {
		return errs.New(errs.Shape, "matrix.AddScatterRows", "src %dx%d, ids %dx%d into %dx%d",
			src.nrows, src.ncols, ids.nrows, ids.ncols, m.nrows, m.ncols)
	}
	return m.written(ctx, "matrix.AddScatterRows", m.s.Kernels.ScatterAddRows(ctx, src.Mat(), ids.ptr, 1, m.Mat()))
}

// AssignSoftmaxRows computes a row-wise softmax of src into m.
func (m *Matrix) AssignSoftmaxRows(ctx *device.Context, src *Matrix) error {
	if err := sameShape("matrix.AssignSoftmaxRows", m, src); err != nil {
		return err
	}
	return m.written(ctx, "matrix.AssignSoftmaxRows", m.s.Kernels.SoftmaxRows(ctx, src.Mat(), m.Mat()))
}

// AssignSoftmaxCEGrad sets m = mask*(probs - onehot(labels)) and writes the
// masked loss sum and mask weight into the 2x1 loss matrix. mask may be nil.
func (m *Matrix) AssignSoftmaxCEGrad(ctx *device.Context, probs, labels, mask, loss *Matrix) error {
	const op = "matrix.AssignSoftmaxCEGrad"
	if err := sameShape(op, m, probs); err != nil {
		return err
	}
	if labels.dtype != device.Int32 || labels.nrows*labels.ncols != m.nrows {
		return errs.New(errs.Shape, op, "labels %dx%d %s for %d rows", labels.nrows, labels.ncols, labels.dtype, m.nrows)
	}
	if loss.nrows*loss.ncols != 2 || !loss.Mat().Contiguous() {
		return errs.New(errs.Shape, op, "loss must hold 2 contiguous elements, got %dx%d", loss.nrows, loss.ncols)
	}
	var maskPtr device.Ptr
	if mask != nil {
		if mask.dtype != device.Float32 || mask.nrows*mask.ncols != m.nrows {
			return errs.New(errs.Shape, op, "mask %dx%d %s for %d rows", mask.nrows, mask.ncols, mask.dtype, m.nrows)
		}
		maskPtr = mask.ptr
	}
	st := m.s.Kernels.SoftmaxCEGrad(ctx, probs.Mat(), labels.ptr, 1, maskPtr, 1, m.Mat(), loss.ptr)
	if err := m.written(ctx, op, st); err != nil {
		return err
	}
	loss.mod.last = ctx
	return nil
}
