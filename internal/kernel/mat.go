package kernel

import "github.com/born-ml/rnnflow/internal/device"

// Mat describes a column-major matrix region: element (i, j) lives at
// Ptr + i + j*LD.
type Mat struct {
	Ptr  device.Ptr
	Rows int
	Cols int
	LD   int
}

// Len returns Rows*Cols.
func (m Mat) Len() int {
	return m.Rows * m.Cols
}

// Extent returns the number of elements spanned from Ptr.
func (m Mat) Extent() int {
	if m.Rows == 0 || m.Cols == 0 {
		return 0
	}
	return (m.Cols-1)*m.LD + m.Rows
}

// Contiguous reports whether the region has no gaps between columns.
func (m Mat) Contiguous() bool {
	return m.LD == m.Rows || m.Cols <= 1
}

// Validate checks dimensions and that the region lies inside its allocation.
func (m Mat) Validate() Status {
	if m.Rows < 0 || m.Cols < 0 || m.LD < 1 || m.LD < m.Rows {
		return StatusInvalidValue
	}
	if m.Len() == 0 {
		return StatusSuccess
	}
	if m.Ptr.IsNil() {
		return StatusMappingError
	}
	if m.Ptr.Offset() < 0 || m.Extent() > m.Ptr.Remaining() {
		return StatusMappingError
	}
	return StatusSuccess
}

// ValidateVector checks a strided vector of n elements.
func ValidateVector(p device.Ptr, n, inc int) Status {
	if n < 0 || inc < 1 {
		return StatusInvalidValue
	}
	if n == 0 {
		return StatusSuccess
	}
	if p.IsNil() {
		return StatusMappingError
	}
	if p.Offset() < 0 || (n-1)*inc+1 > p.Remaining() {
		return StatusMappingError
	}
	return StatusSuccess
}

// SameShape reports whether all regions have a's dimensions.
func SameShape(a Mat, others ...Mat) bool {
	for _, o := range others {
		if o.Rows != a.Rows || o.Cols != a.Cols {
			return false
		}
	}
	return true
}

// FirstError returns the first non-success status.
func FirstError(ss ...Status) Status {
	for _, s := range ss {
		if s != StatusSuccess {
			return s
		}
	}
	return StatusSuccess
}
