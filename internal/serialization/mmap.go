package serialization

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/born-ml/rnnflow/internal/matrix"
)

// MmapReader provides memory-mapped access to .born files. Only the header
// is parsed on open; entry data is paged in on demand.
//
// Always call Close when done to unmap the file.
type MmapReader struct {
	file       *os.File
	data       []byte // read-only mapping
	size       int64
	header     Header
	fixed      fixedHeader
	dataOffset int64
	closed     bool
}

// NewMmapReader maps a .born file without verifying its checksum. Call
// VerifyChecksum to check the data section.
func NewMmapReader(path string) (*MmapReader, error) {
	//nolint:gosec // G304: checkpoint path comes from the command line
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if stat.Size() < FixedHeaderSize {
		_ = file.Close()
		return nil, fmt.Errorf("file too small: %d bytes (minimum %d bytes required)", stat.Size(), FixedHeaderSize)
	}

	data, err := mmapFile(file, stat.Size())
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	r := &MmapReader{file: file, data: data, size: stat.Size()}
	if err := r.parseHeader(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	return r, nil
}

func (r *MmapReader) parseHeader() error {
	f, err := parseFixedHeader(r.data)
	if err != nil {
		return err
	}
	r.fixed = f

	headerEnd := int64(FixedHeaderSize) + int64(f.headerSize) //nolint:gosec // G115: bounded by MaxHeaderSize
	if headerEnd > r.size {
		return fmt.Errorf("header extends beyond file: header_end=%d, file_size=%d", headerEnd, r.size)
	}
	if err := json.Unmarshal(r.data[FixedHeaderSize:headerEnd], &r.header); err != nil {
		return fmt.Errorf("failed to parse header JSON: %w", err)
	}

	r.dataOffset = f.dataOffset()
	if r.dataOffset+f.dataSize > r.size {
		return fmt.Errorf("%w: data section ends at %d, file_size %d", ErrOutOfBounds, r.dataOffset+f.dataSize, r.size)
	}
	if err := ValidateHeader(&r.header, f.dataSize, ValidationStrict); err != nil {
		return fmt.Errorf("header validation failed: %w", err)
	}
	return nil
}

// Close unmaps and closes the file.
func (r *MmapReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.data != nil {
		err = munmapFile(r.data)
		r.data = nil
	}
	if closeErr := r.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Header returns the file header.
func (r *MmapReader) Header() Header {
	return r.header
}

// Flags returns the flags bitfield.
func (r *MmapReader) Flags() uint32 {
	return r.fixed.flags
}

// Checksum returns the stored SHA-256 of the data section.
func (r *MmapReader) Checksum() Checksum {
	return r.fixed.checksum
}

// DataSize returns the size of the data section in bytes.
func (r *MmapReader) DataSize() int64 {
	return r.fixed.dataSize
}

// VerifyChecksum hashes the mapped data section.
func (r *MmapReader) VerifyChecksum() error {
	if r.closed {
		return ErrClosed
	}
	section := r.data[r.dataOffset : r.dataOffset+r.fixed.dataSize]
	return SumData(section).Verify(r.fixed.checksum)
}

// Names returns the entry names in file order.
func (r *MmapReader) Names() []string {
	return entryNames(r.header.Entries)
}

// Info returns metadata about an entry.
func (r *MmapReader) Info(name string) (*EntryMeta, error) {
	return findEntry(r.header.Entries, name)
}

// Data returns a zero-copy slice of an entry's bytes. The slice is valid
// only while the reader is open and must not be written.
func (r *MmapReader) Data(name string) ([]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}
	meta, err := r.Info(name)
	if err != nil {
		return nil, err
	}
	start := r.dataOffset + meta.Offset
	return r.data[start : start+meta.Size], nil
}

// Host decodes an entry into a freshly allocated host matrix.
func (r *MmapReader) Host(name string) (matrix.Host, error) {
	meta, err := r.Info(name)
	if err != nil {
		return matrix.Host{}, err
	}
	data, err := r.Data(name)
	if err != nil {
		return matrix.Host{}, err
	}
	return decodeHost(*meta, data)
}
