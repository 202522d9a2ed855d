package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/rnnflow/internal/matrix"
)

// Reader reads checkpoints in .born format.
type Reader struct {
	file       *os.File
	header     Header
	fixed      fixedHeader
	dataOffset int64
	opts       ReaderOptions
	closed     bool
}

// ReaderOptions configures reader behavior.
type ReaderOptions struct {
	SkipChecksumValidation bool            // faster but less safe
	ValidationLevel        ValidationLevel // defaults to ValidationStrict
}

type fixedHeader struct {
	version    uint32
	flags      uint32
	headerSize uint64
	dataSize   int64
	checksum   Checksum
}

// NewReader opens a .born file with default options.
func NewReader(path string) (*Reader, error) {
	return NewReaderWithOptions(path, ReaderOptions{})
}

// NewReaderWithOptions opens a .born file.
func NewReaderWithOptions(path string, opts ReaderOptions) (*Reader, error) {
	//nolint:gosec // G304: checkpoint path comes from the command line
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	r := &Reader{file: file, opts: opts}
	if err := r.parseHeader(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	return r, nil
}

// parseFixedHeader decodes the first FixedHeaderSize bytes of a file.
func parseFixedHeader(b []byte) (fixedHeader, error) {
	var f fixedHeader
	if len(b) < FixedHeaderSize {
		return f, fmt.Errorf("file too small: %d bytes (minimum %d bytes required)", len(b), FixedHeaderSize)
	}
	if string(b[0:4]) != MagicBytes {
		return f, ErrInvalidMagic
	}
	f.version = binary.LittleEndian.Uint32(b[4:8])
	if f.version != FormatVersion {
		return f, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, f.version, FormatVersion)
	}
	f.flags = binary.LittleEndian.Uint32(b[8:12])
	f.headerSize = binary.LittleEndian.Uint64(b[16:24])
	if f.headerSize > MaxHeaderSize {
		return f, ErrHeaderTooLarge
	}
	dataSize := binary.LittleEndian.Uint64(b[24:32])
	if dataSize > 0x7FFFFFFFFFFFFFFF {
		return f, fmt.Errorf("data size too large: %d", dataSize)
	}
	f.dataSize = int64(dataSize)
	copy(f.checksum[:], b[ChecksumOffset:ChecksumOffset+ChecksumSize])
	return f, nil
}

// dataOffset returns where the data section starts.
func (f fixedHeader) dataOffset() int64 {
	return alignUp(FixedHeaderSize + int64(f.headerSize)) //nolint:gosec // G115: bounded by MaxHeaderSize
}

func (r *Reader) parseHeader() error {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r.file, fixed); err != nil {
		return fmt.Errorf("failed to read fixed header: %w", err)
	}
	f, err := parseFixedHeader(fixed)
	if err != nil {
		return err
	}
	r.fixed = f

	headerJSON := make([]byte, f.headerSize)
	if _, err := io.ReadFull(r.file, headerJSON); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerJSON, &r.header); err != nil {
		return fmt.Errorf("failed to parse header JSON: %w", err)
	}
	r.dataOffset = f.dataOffset()

	if err := ValidateHeader(&r.header, f.dataSize, r.opts.ValidationLevel); err != nil {
		return fmt.Errorf("header validation failed: %w", err)
	}

	if !r.opts.SkipChecksumValidation {
		computed, err := SumSection(r.file, r.dataOffset, f.dataSize)
		if err != nil {
			return fmt.Errorf("failed to read entry data for checksum: %w", err)
		}
		if err := computed.Verify(f.checksum); err != nil {
			return err
		}
	}
	return nil
}

// Header returns the file header.
func (r *Reader) Header() Header {
	return r.header
}

// Flags returns the flags bitfield.
func (r *Reader) Flags() uint32 {
	return r.fixed.flags
}

// Names returns the entry names in file order.
func (r *Reader) Names() []string {
	return entryNames(r.header.Entries)
}

// Info returns metadata about an entry.
func (r *Reader) Info(name string) (*EntryMeta, error) {
	return findEntry(r.header.Entries, name)
}

// ReadData reads the raw bytes of an entry.
func (r *Reader) ReadData(name string) ([]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}
	meta, err := r.Info(name)
	if err != nil {
		return nil, err
	}
	data := make([]byte, meta.Size)
	if _, err := r.file.ReadAt(data, r.dataOffset+meta.Offset); err != nil {
		return nil, fmt.Errorf("failed to read entry %q: %w", name, err)
	}
	return data, nil
}

// ReadHost reads an entry as a host matrix.
func (r *Reader) ReadHost(name string) (matrix.Host, error) {
	meta, err := r.Info(name)
	if err != nil {
		return matrix.Host{}, err
	}
	data, err := r.ReadData(name)
	if err != nil {
		return matrix.Host{}, err
	}
	return decodeHost(*meta, data)
}

// ReadCheckpoint reads every entry.
func (r *Reader) ReadCheckpoint() (*Checkpoint, error) {
	if r.closed {
		return nil, ErrClosed
	}
	ck := checkpointFromHeader(r.header)
	for _, meta := range r.header.Entries {
		h, err := r.ReadHost(meta.Name)
		if err != nil {
			return nil, err
		}
		ck.Parameters[meta.Name] = h
	}
	return ck, nil
}

// Close closes the reader and the underlying file.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// LoadCheckpoint reads a checkpoint file with checksum validation.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()
	return r.ReadCheckpoint()
}

// ReadFrom reads a checkpoint from an io.Reader.
func ReadFrom(reader io.Reader) (*Checkpoint, error) {
	b, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}
	f, err := parseFixedHeader(b)
	if err != nil {
		return nil, err
	}
	end := int64(FixedHeaderSize) + int64(f.headerSize) //nolint:gosec // G115: bounded by MaxHeaderSize
	start := f.dataOffset()
	if end > int64(len(b)) || start+f.dataSize > int64(len(b)) {
		return nil, fmt.Errorf("%w: truncated input of %d bytes", ErrOutOfBounds, len(b))
	}

	var header Header
	if err := json.NewDecoder(bytes.NewReader(b[FixedHeaderSize:end])).Decode(&header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	if err := ValidateHeader(&header, f.dataSize, ValidationStrict); err != nil {
		return nil, fmt.Errorf("header validation failed: %w", err)
	}
	data := b[start : start+f.dataSize]
	if err := SumData(data).Verify(f.checksum); err != nil {
		return nil, err
	}

	ck := checkpointFromHeader(header)
	for _, meta := range header.Entries {
		h, err := decodeHost(meta, data[meta.Offset:meta.Offset+meta.Size])
		if err != nil {
			return nil, err
		}
		ck.Parameters[meta.Name] = h
	}
	return ck, nil
}

func checkpointFromHeader(h Header) *Checkpoint {
	ck := &Checkpoint{
		Training:   h.Training,
		Metadata:   h.Metadata,
		Parameters: make(map[string]matrix.Host, len(h.Entries)),
		CreatedAt:  h.CreatedAt,
	}
	if h.Definition != "" {
		ck.Definition = []byte(h.Definition)
	}
	return ck
}

func entryNames(entries []EntryMeta) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

func findEntry(entries []EntryMeta, name string) (*EntryMeta, error) {
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, name)
}
