package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/rnnflow/internal/matrix"
)

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		Definition: []byte("emb:\n  type: embedding\n"),
		Training:   &TrainingMeta{Iteration: 40, Loss: 1.25, LearningRate: 0.01, Optimizer: "rmsprop"},
		Metadata:   map[string]string{"run": "test"},
		Parameters: map[string]matrix.Host{
			"emb.table": matrix.HostFromRows([][]float32{{1, 2, 3}, {4, 5, 6}}),
			"lstm.b":    matrix.HostFromRows([][]float32{{-0.5, 0.25}}),
			"ids":       {Rows: 3, Cols: 1, Int32: []int32{7, -1, 2}},
		},
	}
}

func save(t *testing.T, ck *Checkpoint) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ckpt", "model.born")
	require.NoError(t, SaveCheckpoint(path, ck))
	return path
}

func TestCheckpointRoundTrip(t *testing.T) {
	want := testCheckpoint()
	path := save(t, want)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file left behind")

	got, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, want.Definition, got.Definition)
	assert.Equal(t, want.Training, got.Training)
	assert.Equal(t, want.Metadata, got.Metadata)
	assert.Equal(t, want.Parameters, got.Parameters)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestReaderHeader(t *testing.T) {
	path := save(t, testCheckpoint())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"emb.table", "ids", "lstm.b"}, r.Names())
	assert.Equal(t, FlagHasMetadata|FlagHasDefinition|FlagHasTraining, r.Flags())

	meta, err := r.Info("emb.table")
	require.NoError(t, err)
	assert.Equal(t, DTypeFloat32, meta.DType)
	assert.Equal(t, []int{2, 3}, meta.Shape)
	assert.Equal(t, LayoutColumnMajor, meta.Layout)
	assert.Equal(t, int64(24), meta.Size)

	raw, err := r.ReadData("emb.table")
	require.NoError(t, err)
	// column-major: first column is (1, 4)
	assert.Equal(t, float32(4), math.Float32frombits(binary.LittleEndian.Uint32(raw[4:])))

	_, err = r.Info("missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	require.NoError(t, r.Close())
	_, err = r.ReadData("ids")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDataIsAligned(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, testCheckpoint()))

	b := buf.Bytes()
	headerSize := int64(binary.LittleEndian.Uint64(b[16:24]))
	dataSize := int64(binary.LittleEndian.Uint64(b[24:32]))
	start := alignUp(FixedHeaderSize + headerSize)
	assert.Zero(t, start%HeaderAlignment)
	assert.Equal(t, start+dataSize, int64(len(b)))
	assert.Equal(t, int64(24+8+12), dataSize)
}

func TestChecksumDetectsCorruption(t *testing.T) {
	path := save(t, testCheckpoint())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o600))

	_, err = LoadCheckpoint(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	r, err := NewReaderWithOptions(path, ReaderOptions{SkipChecksumValidation: true})
	require.NoError(t, err)
	defer r.Close()
	_, err = r.ReadCheckpoint()
	assert.NoError(t, err)

	_, err = ReadFrom(bytes.NewReader(b))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestChecksum(t *testing.T) {
	data := []byte("column major")
	sum := SumData(data)
	assert.Len(t, sum.String(), 2*ChecksumSize)

	got, err := SumSection(bytes.NewReader(append([]byte("pad"), data...)), 3, int64(len(data)))
	require.NoError(t, err)
	assert.NoError(t, got.Verify(sum))

	_, err = SumSection(bytes.NewReader(data), 4, int64(len(data)))
	assert.ErrorIs(t, err, ErrOutOfBounds)

	err = SumData([]byte("other")).Verify(sum)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Contains(t, err.Error(), sum.String()[:16])
}

func TestReadFrom(t *testing.T) {
	want := testCheckpoint()
	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, want))

	got, err := ReadFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, want.Parameters, got.Parameters)
	assert.Equal(t, want.Training.Iteration, got.Training.Iteration)
}

func TestFixedHeaderErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, testCheckpoint()))
	good := buf.Bytes()

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"bad magic", func(b []byte) []byte { copy(b, "NOPE"); return b }, ErrInvalidMagic},
		{"bad version", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[4:8], 9); return b }, ErrUnsupportedVersion},
		{"huge header", func(b []byte) []byte { binary.LittleEndian.PutUint64(b[16:24], MaxHeaderSize+1); return b }, ErrHeaderTooLarge},
		{"truncated", func(b []byte) []byte { return b[:len(b)-4] }, ErrOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), good...))
			_, err := ReadFrom(bytes.NewReader(b))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := parseFixedHeader(good[:10])
	assert.Error(t, err)
}

func TestWriteRejectsBadEntries(t *testing.T) {
	var buf bytes.Buffer
	err := WriteTo(&buf, &Checkpoint{Parameters: map[string]matrix.Host{"../x": matrix.HostFromRows([][]float32{{1}})}})
	assert.ErrorIs(t, err, ErrInvalidEntryName)

	err = WriteTo(&buf, &Checkpoint{Parameters: map[string]matrix.Host{"w": {Rows: 2, Cols: 2, Float32: []float32{1}}}})
	assert.Error(t, err)

	assert.Error(t, WriteTo(&buf, nil))
}

func TestValidateEntryOffsets(t *testing.T) {
	entry := func(name string, off, size int64) EntryMeta {
		return EntryMeta{Name: name, Offset: off, Size: size}
	}
	tests := []struct {
		name    string
		entries []EntryMeta
		want    error
	}{
		{"ok", []EntryMeta{entry("a", 0, 8), entry("b", 8, 8)}, nil},
		{"overlap", []EntryMeta{entry("a", 0, 12), entry("b", 8, 8)}, ErrOffsetOverlap},
		{"out of bounds", []EntryMeta{entry("a", 0, 20)}, ErrOutOfBounds},
		{"negative", []EntryMeta{entry("a", -4, 4)}, ErrNegativeOffset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntryOffsets(tt.entries, 16)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
}

func TestValidateEntry(t *testing.T) {
	good := EntryMeta{Name: "w", DType: DTypeFloat32, Shape: []int{2, 3}, Layout: LayoutColumnMajor, Size: 24}
	assert.NoError(t, ValidateEntry(good))

	bad := []EntryMeta{
		{Name: "w", DType: "float64", Shape: []int{2, 3}, Layout: LayoutColumnMajor, Size: 24},
		{Name: "w", DType: DTypeFloat32, Shape: []int{2, 3}, Layout: "row_major", Size: 24},
		{Name: "w", DType: DTypeFloat32, Shape: []int{6}, Layout: LayoutColumnMajor, Size: 24},
		{Name: "w", DType: DTypeFloat32, Shape: []int{2, 3}, Layout: LayoutColumnMajor, Size: 20},
	}
	for _, e := range bad {
		assert.ErrorIs(t, ValidateEntry(e), ErrInvalidEntry, "%+v", e)
	}

	assert.ErrorIs(t, ValidateEntry(EntryMeta{Name: "a/w", DType: DTypeFloat32, Shape: []int{0, 0}, Layout: LayoutColumnMajor}), ErrInvalidEntryName)
	assert.NoError(t, ValidateEntryData(good, make([]byte, 24)))
	assert.ErrorIs(t, ValidateEntryData(good, make([]byte, 20)), ErrInvalidEntry)

	h := &Header{Entries: []EntryMeta{good, good}}
	assert.ErrorIs(t, ValidateHeader(h, 48, ValidationNormal), ErrInvalidEntryName)
	assert.NoError(t, ValidateHeader(h, 48, ValidationNone))
}

func TestValidateEntryName(t *testing.T) {
	assert.NoError(t, ValidateEntryName("lstm.W"))
	for _, name := range []string{"", "a/b", `a\b`, "a..b", "a\x00b", string(make([]byte, MaxEntryNameLen+1))} {
		assert.Error(t, ValidateEntryName(name), "%q", name)
	}
}

func TestMmapReader(t *testing.T) {
	want := testCheckpoint()
	path := save(t, want)

	r, err := NewMmapReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.NoError(t, r.VerifyChecksum())
	assert.Equal(t, int64(44), r.DataSize())
	assert.Equal(t, want.Training.Iteration, r.Header().Training.Iteration)
	for _, name := range r.Names() {
		h, err := r.Host(name)
		require.NoError(t, err)
		assert.Equal(t, want.Parameters[name], h, name)
	}

	raw, err := r.Data("lstm.b")
	require.NoError(t, err)
	assert.Len(t, raw, 8)

	require.NoError(t, r.Close())
	_, err = r.Data("lstm.b")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, r.Close())
}

func TestMmapReaderVerifyChecksum(t *testing.T) {
	path := save(t, testCheckpoint())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[len(b)-8] ^= 0x01
	require.NoError(t, os.WriteFile(path, b, 0o600))

	r, err := NewMmapReader(path)
	require.NoError(t, err)
	defer r.Close()
	assert.ErrorIs(t, r.VerifyChecksum(), ErrChecksumMismatch)
}

func TestSafeTensorsExportIsRowMajor(t *testing.T) {
	params := map[string]matrix.Host{
		"w":   matrix.HostFromRows([][]float32{{1, 2}, {3, 4}, {5, 6}}),
		"ids": {Rows: 1, Cols: 2, Int32: []int32{9, 8}},
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeSafeTensors(&buf, params, map[string]string{"format": "pt"}))

	b := buf.Bytes()
	n := binary.LittleEndian.Uint64(b[:8])
	var header map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b[8:8+n], &header))
	assert.Contains(t, header, "__metadata__")

	var w SafeTensorHeader
	require.NoError(t, json.Unmarshal(header["w"], &w))
	assert.Equal(t, "F32", w.DType)
	assert.Equal(t, []int64{3, 2}, w.Shape)

	data := b[8+n:]
	var got []float32
	for i := w.DataOffsets[0]; i < w.DataOffsets[1]; i += 4 {
		got = append(got, math.Float32frombits(binary.LittleEndian.Uint32(data[i:])))
	}
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got)

	var ids SafeTensorHeader
	require.NoError(t, json.Unmarshal(header["ids"], &ids))
	assert.Equal(t, "I32", ids.DType)
	assert.Equal(t, [2]int64{0, 8}, ids.DataOffsets)

	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, WriteSafeTensors(path, params, nil))
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len())-int64(len("\"__metadata__\":{\"format\":\"pt\"},")), st.Size())
}
