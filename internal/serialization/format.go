package serialization

import (
	"time"

	"github.com/born-ml/rnnflow/internal/matrix"
)

// Version is the rnnflow release recorded in every file written.
const Version = "0.1.0"

// Format constants.
const (
	MagicBytes      = "BORN"
	FormatVersion   = 2    // fixed header with SHA-256 checksum
	HeaderAlignment = 64   // entry data starts on a 64-byte boundary
	FixedHeaderSize = 64   // 0x40 bytes
	ChecksumSize    = 32   // SHA-256
	ChecksumOffset  = 0x20 // checksum position in the fixed header
)

// Element type names used in the JSON header.
const (
	DTypeFloat32 = "float32"
	DTypeInt32   = "int32"
)

// LayoutColumnMajor is the only entry layout written.
const LayoutColumnMajor = "column_major"

// Flags for the .born format.
const (
	FlagHasMetadata   uint32 = 1 << 0 // custom metadata included
	FlagHasDefinition uint32 = 1 << 1 // model definition included
	FlagHasTraining   uint32 = 1 << 2 // training position included
)

// Header is the JSON structural description of a .born file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Version       string            `json:"rnnflow_version"`
	CreatedAt     time.Time         `json:"created_at"`
	Definition    string            `json:"definition,omitempty"` // model definition as YAML
	Entries       []EntryMeta       `json:"entries"`
	Metadata      map[string]string `json:"metadata"`
	Training      *TrainingMeta     `json:"training,omitempty"`
}

// TrainingMeta records where in a run a checkpoint was taken.
type TrainingMeta struct {
	Iteration       int            `json:"iteration"`
	Loss            float64        `json:"loss"`
	LearningRate    float64        `json:"learning_rate"`
	Optimizer       string         `json:"optimizer"`
	OptimizerConfig map[string]any `json:"optimizer_config,omitempty"`
}

// EntryMeta describes one matrix in the data section.
type EntryMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"` // [rows, cols]
	Layout string `json:"layout"`
	Offset int64  `json:"offset"` // relative to the data section
	Size   int64  `json:"size"`   // bytes
}

// Rows returns the first shape dimension.
func (e EntryMeta) Rows() int {
	if len(e.Shape) != 2 {
		return 0
	}
	return e.Shape[0]
}

// Cols returns the second shape dimension.
func (e EntryMeta) Cols() int {
	if len(e.Shape) != 2 {
		return 0
	}
	return e.Shape[1]
}

// Checkpoint is the in-memory form of a .born file.
type Checkpoint struct {
	Definition []byte
	Training   *TrainingMeta
	Metadata   map[string]string
	Parameters map[string]matrix.Host
	CreatedAt  time.Time // filled by the reader
}

func dtypeName(h matrix.Host) string {
	if h.Int32 != nil {
		return DTypeInt32
	}
	return DTypeFloat32
}

func alignUp(n int64) int64 {
	return ((n + HeaderAlignment - 1) / HeaderAlignment) * HeaderAlignment
}
