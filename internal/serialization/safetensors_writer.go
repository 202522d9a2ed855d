package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/born-ml/rnnflow/internal/matrix"
)

// SafeTensorHeader describes one tensor in a SafeTensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafeTensors exports host matrices to a SafeTensors file.
//
// Format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: row-major little-endian elements]
//
// Matrices are transposed from column-major storage into row-major order and
// written alphabetically by name.
func WriteSafeTensors(path string, params map[string]matrix.Host, metadata map[string]string) error {
	//nolint:gosec // G304: export path comes from the command line
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := EncodeSafeTensors(file, params, metadata); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// EncodeSafeTensors writes params in SafeTensors format to w.
func EncodeSafeTensors(w io.Writer, params map[string]matrix.Host, metadata map[string]string) error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var offset int64
	for _, name := range names {
		h := params[name]
		size := int64(h.Rows*h.Cols) * 4
		header[name] = SafeTensorHeader{
			DType:       safeTensorsDType(h),
			Shape:       []int64{int64(h.Rows), int64(h.Cols)},
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, name := range names {
		if _, err := w.Write(rowMajorBytes(params[name])); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}

func rowMajorBytes(h matrix.Host) []byte {
	out := make([]byte, 0, h.Rows*h.Cols*4)
	var b [4]byte
	for i := 0; i < h.Rows; i++ {
		for j := 0; j < h.Cols; j++ {
			k := i + j*h.Rows
			if h.Int32 != nil {
				binary.LittleEndian.PutUint32(b[:], uint32(h.Int32[k])) //nolint:gosec // G115: bit pattern preserved
			} else {
				binary.LittleEndian.PutUint32(b[:], math.Float32bits(h.Float32[k]))
			}
			out = append(out, b[:]...)
		}
	}
	return out
}

func safeTensorsDType(h matrix.Host) string {
	if h.Int32 != nil {
		return "I32"
	}
	return "F32"
}
