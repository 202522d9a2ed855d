package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/born-ml/rnnflow/internal/matrix"
)

// Writer writes checkpoints in .born format.
type Writer struct {
	file   *os.File
	closed bool
}

// NewWriter creates a new .born file writer.
func NewWriter(path string) (*Writer, error) {
	//nolint:gosec // G304: checkpoint path comes from the run configuration
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &Writer{file: file}, nil
}

// Write writes ck to the file.
func (w *Writer) Write(ck *Checkpoint) error {
	if w.closed {
		return ErrClosed
	}
	return WriteTo(w.file, ck)
}

// Close closes the writer and the underlying file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// SaveCheckpoint writes ck to path. The file is written next to path and
// renamed into place so a reader never observes a partial checkpoint.
func SaveCheckpoint(path string, ck *Checkpoint) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	w, err := NewWriter(tmp)
	if err != nil {
		return err
	}
	if err := w.Write(ck); err != nil {
		_ = w.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := w.file.Sync(); err != nil {
		_ = w.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// WriteTo writes ck to an io.Writer.
//
// Entries are written in name order. Layout of the fixed header:
//
//	0x00-0x03: magic
//	0x04-0x07: format version
//	0x08-0x0B: flags
//	0x0C-0x0F: reserved
//	0x10-0x17: JSON header size
//	0x18-0x1F: data section size
//	0x20-0x3F: SHA-256 of the data section
func WriteTo(writer io.Writer, ck *Checkpoint) error {
	if ck == nil {
		return fmt.Errorf("nil checkpoint")
	}

	header := Header{
		FormatVersion: FormatVersion,
		Version:       Version,
		CreatedAt:     time.Now().UTC(),
		Definition:    string(ck.Definition),
		Entries:       make([]EntryMeta, 0, len(ck.Parameters)),
		Metadata:      ck.Metadata,
		Training:      ck.Training,
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	names := make([]string, 0, len(ck.Parameters))
	for name := range ck.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	var data bytes.Buffer
	for _, name := range names {
		if err := ValidateEntryName(name); err != nil {
			return err
		}
		h := ck.Parameters[name]
		if n := len(h.Float32) + len(h.Int32); n != h.Rows*h.Cols {
			return fmt.Errorf("entry %q holds %d elements, shape %dx%d", name, n, h.Rows, h.Cols)
		}
		offset := int64(data.Len())
		appendHost(&data, h)
		header.Entries = append(header.Entries, EntryMeta{
			Name:   name,
			DType:  dtypeName(h),
			Shape:  []int{h.Rows, h.Cols},
			Layout: LayoutColumnMajor,
			Offset: offset,
			Size:   int64(data.Len()) - offset,
		})
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if len(headerJSON) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	var flags uint32
	if len(ck.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if len(ck.Definition) > 0 {
		flags |= FlagHasDefinition
	}
	if ck.Training != nil {
		flags |= FlagHasTraining
	}

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(data.Len()))
	sum := SumData(data.Bytes())
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], sum[:])

	if _, err := writer.Write(fixed); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	if _, err := writer.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	end := int64(FixedHeaderSize + len(headerJSON))
	if padding := alignUp(end) - end; padding > 0 {
		if _, err := writer.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}

	if _, err := writer.Write(data.Bytes()); err != nil {
		return fmt.Errorf("failed to write entry data: %w", err)
	}
	return nil
}

func appendHost(buf *bytes.Buffer, h matrix.Host) {
	var b [4]byte
	if h.Int32 != nil {
		for _, v := range h.Int32 {
			binary.LittleEndian.PutUint32(b[:], uint32(v)) //nolint:gosec // G115: bit pattern preserved
			buf.Write(b[:])
		}
		return
	}
	for _, v := range h.Float32 {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
}

func decodeHost(e EntryMeta, data []byte) (matrix.Host, error) {
	if err := ValidateEntryData(e, data); err != nil {
		return matrix.Host{}, err
	}
	h := matrix.Host{Rows: e.Rows(), Cols: e.Cols()}
	n := h.Rows * h.Cols
	if e.DType == DTypeInt32 {
		h.Int32 = make([]int32, n)
		for i := range h.Int32 {
			h.Int32[i] = int32(binary.LittleEndian.Uint32(data[4*i:])) //nolint:gosec // G115: bit pattern preserved
		}
		return h, nil
	}
	h.Float32 = make([]float32, n)
	for i := range h.Float32 {
		h.Float32[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return h, nil
}
