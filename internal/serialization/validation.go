package serialization

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Limits a checkpoint header may not exceed.
const (
	MaxHeaderSize   = 100 * 1024 * 1024 // 100MB
	MaxEntryCount   = 100_000
	MaxEntryNameLen = 4096
)

// elemSize is the byte width of both float32 and int32 elements.
const elemSize = 4

// ValidationLevel controls how much of a header the reader checks.
type ValidationLevel int

const (
	// ValidationStrict checks entries and their data regions (default).
	ValidationStrict ValidationLevel = iota
	// ValidationNormal checks entry names and matrix descriptions only.
	ValidationNormal
	// ValidationNone skips validation. Use only with trusted input.
	ValidationNone
)

func invalidEntry(name, format string, args ...any) error {
	return &ValidationError{Type: "invalid_entry", Entry: name, Details: fmt.Sprintf(format, args...)}
}

// ValidateHeader checks every entry of h at the given level against a data
// section of dataSize bytes.
func ValidateHeader(h *Header, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}
	if err := checkEntryCount(len(h.Entries)); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(h.Entries))
	for _, e := range h.Entries {
		if _, dup := seen[e.Name]; dup {
			return &ValidationError{Type: "invalid_name", Entry: e.Name, Details: "duplicate name"}
		}
		seen[e.Name] = struct{}{}
		if err := ValidateEntry(e); err != nil {
			return err
		}
	}
	if level == ValidationStrict {
		return ValidateEntryOffsets(h.Entries, dataSize)
	}
	return nil
}

// ValidateEntry checks that e names a float32 or int32 matrix stored
// column-major, whose byte size is rows*cols*4.
func ValidateEntry(e EntryMeta) error {
	if err := ValidateEntryName(e.Name); err != nil {
		return err
	}
	switch {
	case e.DType != DTypeFloat32 && e.DType != DTypeInt32:
		return invalidEntry(e.Name, "unsupported dtype %q", e.DType)
	case e.Layout != LayoutColumnMajor:
		return invalidEntry(e.Name, "unsupported layout %q", e.Layout)
	case len(e.Shape) != 2 || e.Rows() < 0 || e.Cols() < 0:
		return invalidEntry(e.Name, "shape %v is not [rows, cols]", e.Shape)
	}
	if want := int64(e.Rows()) * int64(e.Cols()) * elemSize; e.Size != want {
		return invalidEntry(e.Name, "size %d, a %dx%d matrix needs %d", e.Size, e.Rows(), e.Cols(), want)
	}
	return nil
}

// ValidateEntryData checks that data holds exactly the column-major
// elements e describes.
func ValidateEntryData(e EntryMeta, data []byte) error {
	if err := ValidateEntry(e); err != nil {
		return err
	}
	if int64(len(data)) != e.Size {
		return invalidEntry(e.Name, "have %d bytes, want %d", len(data), e.Size)
	}
	return nil
}

// ValidateEntryOffsets checks that every entry lies inside the data section
// and that no two entries share bytes.
func ValidateEntryOffsets(entries []EntryMeta, dataSize int64) error {
	if err := checkEntryCount(len(entries)); err != nil {
		return err
	}
	for _, e := range entries {
		if e.Offset < 0 || e.Size < 0 {
			return &ValidationError{
				Type:    "negative_offset",
				Entry:   e.Name,
				Details: fmt.Sprintf("offset=%d, size=%d", e.Offset, e.Size),
			}
		}
		if e.Size > dataSize-e.Offset {
			return &ValidationError{
				Type:    "out_of_bounds",
				Entry:   e.Name,
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", e.Offset, e.Size, dataSize),
			}
		}
	}

	byOffset := slices.Clone(entries)
	slices.SortFunc(byOffset, func(a, b EntryMeta) int { return cmp.Compare(a.Offset, b.Offset) })
	for i := 1; i < len(byOffset); i++ {
		prev, e := byOffset[i-1], byOffset[i]
		if prev.Offset+prev.Size > e.Offset {
			return &ValidationError{
				Type:   "offset_overlap",
				Entry:  prev.Name,
				Entry2: e.Name,
				Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
					prev.Offset, prev.Offset+prev.Size, e.Offset, e.Offset+e.Size),
			}
		}
	}
	return nil
}

// ValidateEntryName rejects names that could be mistaken for paths.
func ValidateEntryName(name string) error {
	bad := func(details string) error {
		return &ValidationError{Type: "invalid_name", Entry: name, Details: details}
	}
	switch {
	case name == "":
		return bad("empty name")
	case len(name) > MaxEntryNameLen:
		return &ValidationError{
			Type:    "name_too_long",
			Entry:   name[:32] + "...",
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxEntryNameLen),
		}
	case strings.Contains(name, ".."):
		return bad("contains '..'")
	case strings.ContainsAny(name, `/\`):
		return bad(`contains path separator (/ or \)`)
	case strings.ContainsRune(name, 0):
		return bad("contains null byte")
	}
	return nil
}

func checkEntryCount(n int) error {
	if n > MaxEntryCount {
		return &ValidationError{
			Type:    "too_many_entries",
			Details: fmt.Sprintf("got %d, max %d", n, MaxEntryCount),
		}
	}
	return nil
}
