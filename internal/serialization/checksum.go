package serialization

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Checksum is the SHA-256 digest of a data section.
type Checksum [ChecksumSize]byte

// String returns the digest in hex.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// SumData hashes an in-memory data section.
func SumData(data []byte) Checksum {
	return sha256.Sum256(data)
}

// SumSection hashes n bytes of r starting at off. A short section is an
// ErrOutOfBounds error.
func SumSection(r io.ReaderAt, off, n int64) (Checksum, error) {
	h := sha256.New()
	copied, err := io.Copy(h, io.NewSectionReader(r, off, n))
	if err != nil {
		return Checksum{}, err
	}
	if copied != n {
		return Checksum{}, fmt.Errorf("%w: data section holds %d of %d bytes", ErrOutOfBounds, copied, n)
	}
	var c Checksum
	h.Sum(c[:0])
	return c, nil
}

// Verify compares a computed digest against the stored one.
func (c Checksum) Verify(stored Checksum) error {
	if c != stored {
		return fmt.Errorf("%w: stored %.16s, computed %.16s", ErrChecksumMismatch, stored, c)
	}
	return nil
}
