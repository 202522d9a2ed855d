// Package kernel declares the numeric kernel surface the graph runtime is
// written against. Every asynchronous call validates its arguments on the
// calling goroutine, returns a Status, and enqueues the work on the given
// context's stream.
package kernel

import "github.com/born-ml/rnnflow/internal/device"

// Op is a transpose flag.
type Op int

// Transpose flags.
const (
	NoTrans Op = iota
	Trans
)

// Activation selects a nonlinearity.
type Activation int

// Activations. Gradients are expressed in terms of the activation output.
const (
	Identity Activation = iota
	Tanh
	Sigmoid
	ReLU
)

// String returns the activation name used in model definitions.
func (a Activation) String() string {
	switch a {
	case Identity:
		return "identity"
	case Tanh:
		return "tanh"
	case Sigmoid:
		return "sigmoid"
	case ReLU:
		return "relu"
	default:
		return "unknown"
	}
}

// ParseActivation maps a model definition name to an Activation.
func ParseActivation(s string) (Activation, bool) {
	switch s {
	case "identity", "":
		return Identity, true
	case "tanh":
		return Tanh, true
	case "sigmoid":
		return Sigmoid, true
	case "relu":
		return ReLU, true
	default:
		return 0, false
	}
}

// BLAS is the column-major single-precision subset of cuBLAS.
type BLAS interface {
	Sscal(ctx *device.Context, n int, alpha float32, x device.Ptr, incx int) Status
	Saxpy(ctx *device.Context, n int, alpha float32, x device.Ptr, incx int, y device.Ptr, incy int) Status
	Scopy(ctx *device.Context, n int, x device.Ptr, incx int, y device.Ptr, incy int) Status
	// Sdot writes the dot product to result[0].
	Sdot(ctx *device.Context, n int, x device.Ptr, incx int, y device.Ptr, incy int, result device.Ptr) Status
	Sgemv(ctx *device.Context, trans Op, m, n int, alpha float32, a device.Ptr, lda int,
		x device.Ptr, incx int, beta float32, y device.Ptr, incy int) Status
	Sgemm(ctx *device.Context, transa, transb Op, m, n, k int, alpha float32, a device.Ptr, lda int,
		b device.Ptr, ldb int, beta float32, c device.Ptr, ldc int) Status
}

// Transfer moves strided vectors between host bytes and device memory.
// The synchronous variants complete before returning; the async variants
// require the host buffer to stay alive until the stream passes the copy.
type Transfer interface {
	SetVector(n, elemSize int, host []byte, incx int, dst device.Ptr, incy int) Status
	GetVector(n, elemSize int, src device.Ptr, incx int, host []byte, incy int) Status
	SetVectorAsync(ctx *device.Context, n, elemSize int, host []byte, incx int, dst device.Ptr, incy int) Status
	GetVectorAsync(ctx *device.Context, n, elemSize int, src device.Ptr, incx int, host []byte, incy int) Status
}

// Elementwise holds the custom kernels the graph needs beyond BLAS.
type Elementwise interface {
	// Fill sets every element; int32 regions receive int32(v).
	Fill(ctx *device.Context, dst Mat, v float32) Status
	// Copy2D copies src into dst (same shape and dtype).
	Copy2D(ctx *device.Context, src, dst Mat) Status
	// Axpby computes dst = beta*dst + alpha*src.
	Axpby(ctx *device.Context, alpha float32, src Mat, beta float32, dst Mat) Status
	// Sum computes dst = a + b.
	Sum(ctx *device.Context, a, b, dst Mat) Status
	// Hprod computes dst = beta*dst + alpha*a*b elementwise.
	Hprod(ctx *device.Context, alpha float32, a, b Mat, beta float32, dst Mat) Status
	// AddScaledDivSqrt computes dst += alpha * a / sqrt(b + eps).
	AddScaledDivSqrt(ctx *device.Context, alpha float32, a, b Mat, eps float32, dst Mat) Status
	// Activate computes dst = f(src).
	Activate(ctx *device.Context, f Activation, src, dst Mat) Status
	// ActivateGrad computes dst = beta*dst + grad * f'(out), with out = f(x).
	ActivateGrad(ctx *device.Context, f Activation, out, grad Mat, beta float32, dst Mat) Status
	// ZeroColumnsBeyond zeroes dst(i, j) for j >= lengths[i].
	ZeroColumnsBeyond(ctx *device.Context, dst Mat, lengths device.Ptr, inc int) Status
	// GatherRows sets dst(i, :) = table(ids[i], :).
	GatherRows(ctx *device.Context, table Mat, ids device.Ptr, inc int, dst Mat) Status
	// ScatterAddRows adds src(i, :) into table(ids[i], :).
	ScatterAddRows(ctx *device.Context, src Mat, ids device.Ptr, inc int, table Mat) Status
	// SoftmaxRows applies a numerically stable softmax to every row.
	SoftmaxRows(ctx *device.Context, src, dst Mat) Status
	// SoftmaxCEGrad writes grad = mask*(probs - onehot(labels)) and
	// loss[0] = -sum(mask*log p[label]), loss[1] = sum(mask). A nil mask counts as ones.
	SoftmaxCEGrad(ctx *device.Context, probs Mat, labels device.Ptr, labelsInc int,
		mask device.Ptr, maskInc int, grad Mat, loss device.Ptr) Status
}

// Backend is a complete kernel implementation.
type Backend interface {
	Name() string
	BLAS
	Transfer
	Elementwise
}
