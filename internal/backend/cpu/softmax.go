package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/kernel"
	"github.com/born-ml/rnnflow/internal/parallel"
)

// minProb keeps log finite for underflowed probabilities.
const minProb = 1e-30

// SoftmaxRows applies softmax across the columns of every row. src and dst may alias.
func (cpu *CPUBackend) SoftmaxRows(ctx *device.Context, src, dst kernel.Mat) kernel.Status {
	st := kernel.FirstError(floatMat(src), floatMat(dst), sameShape(src, dst))
	return enqueue(ctx, st, func() error {
		if dst.Len() == 0 {
			return nil
		}
		ss, ds := floats(src), floats(dst)
		parallel.For(dst.Rows, dst.Cols, func(i int) {
			peak := float32(math.Inf(-1))
			for j := 0; j < src.Cols; j++ {
				peak = max(peak, ss[i+j*src.LD])
			}
			var sum float64
			for j := 0; j < src.Cols; j++ {
				e := math.Exp(float64(ss[i+j*src.LD] - peak))
				ds[i+j*dst.LD] = float32(e)
				sum += e
			}
			inv := float32(1 / sum)
			for j := 0; j < dst.Cols; j++ {
				ds[i+j*dst.LD] *= inv
			}
		}, cpu.par)
		return nil
	})
}

// SoftmaxCEGrad computes the cross-entropy gradient of row softmax outputs.
func (cpu *CPUBackend) SoftmaxCEGrad(ctx *device.Context, probs kernel.Mat, labels device.Ptr, labelsInc int,
	mask device.Ptr, maskInc int, grad kernel.Mat, loss device.Ptr) kernel.Status {
	st := kernel.FirstError(floatMat(probs), floatMat(grad), sameShape(probs, grad),
		intVec(labels, probs.Rows, labelsInc), floatVec(loss, 2, 1))
	if !mask.IsNil() {
		st = kernel.FirstError(st, floatVec(mask, probs.Rows, maskInc))
	}
	return enqueue(ctx, st, func() error {
		out := loss.Float32s(2)
		out[0], out[1] = 0, 0
		if probs.Len() == 0 {
			return nil
		}
		ps, gs := floats(probs), floats(grad)
		ls := labels.Int32s(vecLen(probs.Rows, labelsInc))
		var ms []float32
		if !mask.IsNil() {
			ms = mask.Float32s(vecLen(probs.Rows, maskInc))
		}
		var total, weight float64
		for i := 0; i < probs.Rows; i++ {
			w := float32(1)
			if ms != nil {
				w = ms[i*maskInc]
			}
			if w == 0 {
				for j := 0; j < grad.Cols; j++ {
					gs[i+j*grad.LD] = 0
				}
				continue
			}
			y := int(ls[i*labelsInc])
			if y < 0 || y >= probs.Cols {
				return &kernel.KernelError{
					Op:   fmt.Sprintf("SoftmaxCEGrad: label %d at row %d outside [0, %d)", y, i, probs.Cols),
					Code: kernel.StatusExecutionFailed,
					Name: kernel.StatusExecutionFailed.String(),
				}
			}
			for j := 0; j < probs.Cols; j++ {
				g := ps[i+j*probs.LD]
				if j == y {
					g--
				}
				gs[i+j*grad.LD] = w * g
			}
			total -= float64(w) * math.Log(float64(max(ps[i+y*probs.LD], minProb)))
			weight += float64(w)
		}
		out[0], out[1] = float32(total), float32(weight)
		return nil
	})
}
