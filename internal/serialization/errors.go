package serialization

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrChecksumMismatch   = errors.New("checksum mismatch: file may be corrupted")
	ErrOffsetOverlap      = errors.New("entry offsets overlap")
	ErrOutOfBounds        = errors.New("entry extends beyond data section")
	ErrNegativeOffset     = errors.New("negative offset or size")
	ErrTooManyEntries     = errors.New("too many entries in file")
	ErrEntryNameTooLong   = errors.New("entry name too long")
	ErrInvalidEntryName   = errors.New("invalid entry name")
	ErrInvalidEntry       = errors.New("invalid entry description")
	ErrEntryNotFound      = errors.New("entry not found")
	ErrHeaderTooLarge     = errors.New("header exceeds maximum size")
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrClosed             = errors.New("file is closed")
)

// ValidationError provides detailed information about validation failures.
type ValidationError struct {
	Type    string // e.g. "offset_overlap", "out_of_bounds"
	Entry   string // primary entry involved
	Entry2  string // secondary entry for overlap errors
	Details string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Entry2 != "" {
		return fmt.Sprintf("%s: entries %q and %q: %s", e.Type, e.Entry, e.Entry2, e.Details)
	}
	if e.Entry != "" {
		return fmt.Sprintf("%s: entry %q: %s", e.Type, e.Entry, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}

// Unwrap maps the failure type to its sentinel.
func (e *ValidationError) Unwrap() error {
	switch e.Type {
	case "offset_overlap":
		return ErrOffsetOverlap
	case "out_of_bounds":
		return ErrOutOfBounds
	case "negative_offset":
		return ErrNegativeOffset
	case "too_many_entries":
		return ErrTooManyEntries
	case "name_too_long":
		return ErrEntryNameTooLong
	case "invalid_name":
		return ErrInvalidEntryName
	case "invalid_entry":
		return ErrInvalidEntry
	default:
		return nil
	}
}
