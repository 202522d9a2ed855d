package kernel

import "unsafe"

// Float32Bytes reinterprets s as bytes without copying.
func Float32Bytes(s []float32) []byte {
	if len(s) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy host transfer
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*4)
}

// Int32Bytes reinterprets s as bytes without copying.
func Int32Bytes(s []int32) []byte {
	if len(s) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy host transfer
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*4)
}
