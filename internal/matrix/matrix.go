// Package matrix implements column-major device matrices whose logical
// shape can shrink and grow within a capacity fixed at allocation time.
//
// Element (i, j) lives at Ptr + i + j*LD. Owned matrices keep LD equal to
// the current row count, so changing the row count reinterprets the
// contiguous buffer. Views share their parent's allocation and keep the
// parent's LD.
package matrix

import (
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/kernel"
	"github.com/born-ml/rnnflow/internal/session"
)

// Matrix is a 2-D buffer in device memory.
type Matrix struct {
	s     *session.Session
	alloc *device.Allocation
	ptr   device.Ptr
	dtype device.DType

	nrows, ncols       int
	nrowsMax, ncolsMax int
	ld                 int
	owned              bool

	mod *modification
}

// modification is shared by a matrix and all of its views.
type modification struct {
	last *device.Context
}

// Empty allocates an nrows x ncols matrix on device id. Contents are zero.
func Empty(s *session.Session, nrows, ncols int, dtype device.DType, id int) (*Matrix, error) {
	if nrows < 0 || ncols < 0 {
		return nil, errs.New(errs.Shape, "matrix.Empty", "negative shape %dx%d", nrows, ncols)
	}
	d, err := s.Devices.Device(id)
	if err != nil {
		return nil, err
	}
	a, err := d.Alloc(dtype, nrows*ncols)
	if err != nil {
		return nil, err
	}
	m := &Matrix{
		s:        s,
		alloc:    a,
		ptr:      a.Ptr(),
		dtype:    dtype,
		nrows:    nrows,
		ncols:    ncols,
		nrowsMax: nrows,
		ncolsMax: ncols,
		ld:       max(nrows, 1),
		owned:    true,
		mod:      &modification{},
	}
	s.Track(m)
	return m, nil
}

// EmptyLike allocates a matrix with m's capacity, logical shape, dtype and device.
func EmptyLike(m *Matrix) (*Matrix, error) {
	out, err := Empty(m.s, m.nrowsMax, m.ncolsMax, m.dtype, m.Device())
	if err != nil {
		return nil, err
	}
	if err := out.SetShape(m.nrows, m.ncols); err != nil {
		return nil, err
	}
	return out, nil
}

// Session returns the session the matrix was created in.
func (m *Matrix) Session() *session.Session {
	return m.s
}

// Nrows returns the logical row count.
func (m *Matrix) Nrows() int { return m.nrows }

// Ncols returns the logical column count.
func (m *Matrix) Ncols() int { return m.ncols }

// NrowsMax returns the row capacity.
func (m *Matrix) NrowsMax() int { return m.nrowsMax }

// NcolsMax returns the column capacity.
func (m *Matrix) NcolsMax() int { return m.ncolsMax }

// LD returns the leading dimension.
func (m *Matrix) LD() int { return m.ld }

// DType returns the element type.
func (m *Matrix) DType() device.DType { return m.dtype }

// Device returns the device ordinal.
func (m *Matrix) Device() int { return m.alloc.Device().ID() }

// Ptr returns a pointer to element (0, 0).
func (m *Matrix) Ptr() device.Ptr { return m.ptr }

// IsView reports whether m shares another matrix's allocation.
func (m *Matrix) IsView() bool { return !m.owned }

// Mat describes the logical region for kernel calls.
func (m *Matrix) Mat() kernel.Mat {
	return kernel.Mat{Ptr: m.ptr, Rows: m.nrows, Cols: m.ncols, LD: m.ld}
}

// LastModification returns the context of the most recent write through m
// or any view of its allocation, or nil.
func (m *Matrix) LastModification() *device.Context {
	return m.mod.last
}

// SetNrows changes the logical row count. Nothing is moved or reallocated.
func (m *Matrix) SetNrows(n int) error {
	if n < 0 || n > m.nrowsMax {
		return errs.New(errs.Capacity, "matrix.SetNrows", "nrows %d exceeds capacity %d", n, m.nrowsMax)
	}
	m.nrows = n
	if m.owned {
		m.ld = max(n, 1)
	}
	return nil
}

// SetNcols changes the logical column count. Nothing is moved or reallocated.
func (m *Matrix) SetNcols(n int) error {
	if n < 0 || n > m.ncolsMax {
		return errs.New(errs.Capacity, "matrix.SetNcols", "ncols %d exceeds capacity %d", n, m.ncolsMax)
	}
	m.ncols = n
	return nil
}

// SetShape sets both dimensions, or neither if either exceeds capacity.
func (m *Matrix) SetShape(nrows, ncols int) error {
	if nrows < 0 || nrows > m.nrowsMax || ncols < 0 || ncols > m.ncolsMax {
		return errs.New(errs.Capacity, "matrix.SetShape", "shape %dx%d exceeds capacity %dx%d",
			nrows, ncols, m.nrowsMax, m.ncolsMax)
	}
	if err := m.SetNrows(nrows); err != nil {
		return err
	}
	return m.SetNcols(ncols)
}

func (m *Matrix) view(op string, off, nrows, ncols, nrowsMax, ncolsMax int) (*Matrix, error) {
	v := &Matrix{
		s:        m.s,
		alloc:    m.alloc,
		ptr:      m.ptr.Add(off),
		dtype:    m.dtype,
		nrows:    nrows,
		ncols:    ncols,
		nrowsMax: nrowsMax,
		ncolsMax: ncolsMax,
		ld:       m.ld,
		mod:      m.mod,
	}
	if ext := (kernel.Mat{Ptr: v.ptr, Rows: nrowsMax, Cols: ncolsMax, LD: v.ld}).Extent(); ext > v.ptr.Remaining() {
		return nil, errs.New(errs.Bounds, op, "view of %d elements at offset %d outside allocation of %d",
			ext, v.ptr.Offset(), m.alloc.Len())
	}
	return v, nil
}

// Rows returns a view of rows [start, stop) with the parent's leading dimension.
func (m *Matrix) Rows(start, stop int) (*Matrix, error) {
	if start < 0 || stop < start || stop > min(m.nrowsMax, m.ld) {
		return nil, errs.New(errs.Bounds, "matrix.Rows", "rows [%d, %d) outside capacity %d", start, stop, m.nrowsMax)
	}
	n := stop - start
	return m.view("matrix.Rows", start, n, m.ncols, n, m.ncolsMax)
}

// Columns returns a view of columns [start, stop).
func (m *Matrix) Columns(start, stop int) (*Matrix, error) {
	if start < 0 || stop < start || stop > m.ncolsMax {
		return nil, errs.New(errs.Bounds, "matrix.Columns", "columns [%d, %d) outside capacity %d", start, stop, m.ncolsMax)
	}
	n := stop - start
	return m.view("matrix.Columns", start*m.ld, m.nrows, n, min(m.nrowsMax, m.ld), n)
}

// Row returns a view of row i.
func (m *Matrix) Row(i int) (*Matrix, error) {
	return m.Rows(i, i+1)
}

// Column returns a view of column j.
func (m *Matrix) Column(j int) (*Matrix, error) {
	return m.Columns(j, j+1)
}

// Reshaped returns a contiguous nrows x ncols view over the same elements.
func (m *Matrix) Reshaped(nrows, ncols int) (*Matrix, error) {
	if nrows < 0 || ncols < 0 {
		return nil, errs.New(errs.Shape, "matrix.Reshaped", "negative shape %dx%d", nrows, ncols)
	}
	if !m.Mat().Contiguous() {
		return nil, errs.New(errs.Shape, "matrix.Reshaped", "matrix with ld %d and %d rows is not contiguous", m.ld, m.nrows)
	}
	if nrows*ncols > m.ptr.Remaining() {
		return nil, errs.New(errs.Bounds, "matrix.Reshaped", "%dx%d outside allocation of %d", nrows, ncols, m.ptr.Remaining())
	}
	return &Matrix{
		s:        m.s,
		alloc:    m.alloc,
		ptr:      m.ptr,
		dtype:    m.dtype,
		nrows:    nrows,
		ncols:    ncols,
		nrowsMax: nrows,
		ncolsMax: ncols,
		ld:       max(nrows, 1),
		mod:      m.mod,
	}, nil
}

// Release frees an owned matrix's allocation. Views are unaffected until
// their parent is released. Matrices still live when the session closes are
// released by Session.Close.
func (m *Matrix) Release() {
	if m.owned {
		m.alloc.Release()
		m.s.Untrack(m)
	}
}
