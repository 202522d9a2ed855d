package matrix

import (
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/kernel"
	"github.com/born-ml/rnnflow/internal/session"
)

// Host is a column-major matrix in host memory. Exactly one of Float32
// and Int32 holds Rows*Cols elements.
type Host struct {
	Rows    int
	Cols    int
	Float32 []float32
	Int32   []int32
}

// NewHost allocates a zeroed host matrix.
func NewHost(rows, cols int, dtype device.DType) Host {
	h := Host{Rows: rows, Cols: cols}
	if dtype == device.Int32 {
		h.Int32 = make([]int32, rows*cols)
	} else {
		h.Float32 = make([]float32, rows*cols)
	}
	return h
}

// HostFromRows builds a float host matrix from row-major literals.
func HostFromRows(rows [][]float32) Host {
	h := Host{Rows: len(rows)}
	if h.Rows > 0 {
		h.Cols = len(rows[0])
	}
	h.Float32 = make([]float32, h.Rows*h.Cols)
	for i, r := range rows {
		for j, v := range r {
			h.Float32[i+j*h.Rows] = v
		}
	}
	return h
}

// DType returns the element type held.
func (h Host) DType() device.DType {
	if h.Int32 != nil {
		return device.Int32
	}
	return device.Float32
}

// At returns element (i, j) as float64.
func (h Host) At(i, j int) float64 {
	if h.Int32 != nil {
		return float64(h.Int32[i+j*h.Rows])
	}
	return float64(h.Float32[i+j*h.Rows])
}

// RowMajor returns the float contents as rows.
func (h Host) RowMajor() [][]float32 {
	out := make([][]float32, h.Rows)
	for i := range out {
		out[i] = make([]float32, h.Cols)
		for j := range out[i] {
			out[i][j] = float32(h.At(i, j))
		}
	}
	return out
}

func (h Host) bytes() []byte {
	if h.Int32 != nil {
		return kernel.Int32Bytes(h.Int32)
	}
	return kernel.Float32Bytes(h.Float32)
}

func (h Host) check(op string, dtype device.DType) error {
	if h.Rows < 0 || h.Cols < 0 {
		return errs.New(errs.Shape, op, "negative host shape %dx%d", h.Rows, h.Cols)
	}
	n := len(h.Float32)
	if dtype == device.Int32 {
		n = len(h.Int32)
	}
	if (dtype == device.Int32 && h.Float32 != nil) || (dtype == device.Float32 && h.Int32 != nil) {
		return errs.New(errs.Shape, op, "host data does not hold %s", dtype)
	}
	if n != h.Rows*h.Cols {
		return errs.New(errs.Shape, op, "host holds %d elements, shape %dx%d needs %d", n, h.Rows, h.Cols, h.Rows*h.Cols)
	}
	return nil
}

// FromHost allocates a matrix on device id and uploads h synchronously.
func FromHost(s *session.Session, h Host, dtype device.DType, id int) (*Matrix, error) {
	if err := h.check("matrix.FromHost", dtype); err != nil {
		return nil, err
	}
	m, err := Empty(s, h.Rows, h.Cols, dtype, id)
	if err != nil {
		return nil, err
	}
	n := h.Rows * h.Cols
	if err := kernel.Check("matrix.FromHost", s.Kernels.SetVector(n, dtype.Size(), h.bytes(), 1, m.ptr, 1)); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

// ToHost waits for the last write to m and downloads its logical region.
func (m *Matrix) ToHost() (Host, error) {
	if m.mod.last != nil {
		if err := m.mod.last.Synchronize(); err != nil {
			return Host{}, err
		}
	}
	h := NewHost(m.nrows, m.ncols, m.dtype)
	b := h.bytes()
	size := m.dtype.Size()
	k := m.s.Kernels
	if m.Mat().Contiguous() {
		return h, kernel.Check("matrix.ToHost", k.GetVector(m.nrows*m.ncols, size, m.ptr, 1, b, 1))
	}
	for j := 0; j < m.ncols; j++ {
		col := b[j*m.nrows*size : (j+1)*m.nrows*size]
		if err := kernel.Check("matrix.ToHost", k.GetVector(m.nrows, size, m.ptr.Add(j*m.ld), 1, col, 1)); err != nil {
			return Host{}, err
		}
	}
	return h, nil
}

// ToHostAsync enqueues a download of m into h on ctx after the last write to m.
// h must hold m's logical shape and stay alive until ctx passes the copy.
func (m *Matrix) ToHostAsync(ctx *device.Context, h *Host) error {
	if err := h.check("matrix.ToHostAsync", m.dtype); err != nil {
		return err
	}
	if h.Rows != m.nrows || h.Cols != m.ncols {
		return errs.New(errs.Shape, "matrix.ToHostAsync", "host %dx%d for matrix %dx%d", h.Rows, h.Cols, m.nrows, m.ncols)
	}
	ctx.Wait(m.mod.last)
	b := h.bytes()
	size := m.dtype.Size()
	k := m.s.Kernels
	if m.Mat().Contiguous() {
		return kernel.Check("matrix.ToHostAsync", k.GetVectorAsync(ctx, m.nrows*m.ncols, size, m.ptr, 1, b, 1))
	}
	for j := 0; j < m.ncols; j++ {
		col := b[j*m.nrows*size : (j+1)*m.nrows*size]
		if err := kernel.Check("matrix.ToHostAsync", k.GetVectorAsync(ctx, m.nrows, size, m.ptr.Add(j*m.ld), 1, col, 1)); err != nil {
			return err
		}
	}
	return nil
}

// ToDevice resizes m to h's shape and enqueues the upload on ctx.
// h must stay alive until ctx passes the copy.
func (m *Matrix) ToDevice(ctx *device.Context, h Host) error {
	if err := h.check("matrix.ToDevice", m.dtype); err != nil {
		return err
	}
	if err := m.SetShape(h.Rows, h.Cols); err != nil {
		return err
	}
	b := h.bytes()
	size := m.dtype.Size()
	k := m.s.Kernels
	if m.Mat().Contiguous() {
		return m.written(ctx, "matrix.ToDevice", k.SetVectorAsync(ctx, h.Rows*h.Cols, size, b, 1, m.ptr, 1))
	}
	for j := 0; j < h.Cols; j++ {
		col := b[j*h.Rows*size : (j+1)*h.Rows*size]
		if err := m.written(ctx, "matrix.ToDevice", k.SetVectorAsync(ctx, h.Rows, size, col, 1, m.ptr.Add(j*m.ld), 1)); err != nil {
			return err
		}
	}
	return nil
}
