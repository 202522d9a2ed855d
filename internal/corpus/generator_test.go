package corpus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/session"
)

func newSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(session.Options{Debug: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGeneratorPublishesBatchAndMask(t *testing.T) {
	s := newSession(t)
	train := [][]int32{{1, 2, 3}, {4, 5, 6}}
	valid := [][]int32{{7, 8}, {9, 10, 11}}
	g, err := NewGenerator(s, "data", s.MustContext(0), train, valid, GeneratorConfig{BatchSize: 2, SentenceMaxLen: 4})
	require.NoError(t, err)
	assert.False(t, g.SentenceBatch().NeedsGradient())
	assert.False(t, g.Mask().NeedsGradient())
	assert.Same(t, g.Mask(), g.Output(PortMask))

	require.NoError(t, g.Fprop())
	require.NoError(t, s.Synchronize())
	ids, err := g.SentenceBatch().Forward().ToHost()
	require.NoError(t, err)
	assert.Equal(t, 2, ids.Rows)
	assert.Equal(t, 3, ids.Cols)
	rows := map[int32][]int32{}
	for i := 0; i < ids.Rows; i++ {
		row := []int32{ids.Int32[i], ids.Int32[i+2], ids.Int32[i+4]}
		rows[row[0]] = row
	}
	assert.Equal(t, map[int32][]int32{1: {1, 2, 3}, 4: {4, 5, 6}}, rows)

	g.SetTestingMode()
	require.NoError(t, g.Fprop())
	require.NoError(t, s.Synchronize())
	ids, err = g.SentenceBatch().Forward().ToHost()
	require.NoError(t, err)
	mask, err := g.Mask().Forward().ToHost()
	require.NoError(t, err)
	assert.Equal(t, 3, ids.Cols)
	assert.Equal(t, []int32{7, 9, 8, 10}, ids.Int32[:4])
	assert.Equal(t, int32(11), ids.Int32[5])
	assert.Equal(t, []float32{1, 1, 1, 1, 0, 1}, mask.Float32)

	err = g.Fprop()
	assert.True(t, errors.Is(err, errs.ErrExhausted))
	assert.Equal(t, Exhausted, g.State())

	require.NoError(t, g.Fprop(), "pass restarts after exhaustion")
	assert.Equal(t, Ready, g.State())
	g.SetTrainingMode()
	assert.Equal(t, Training, g.Mode())
}

func TestGeneratorSkip(t *testing.T) {
	s := newSession(t)
	g, err := NewGenerator(s, "data", s.MustContext(0), [][]int32{{1}}, nil, GeneratorConfig{BatchSize: 1, SentenceMaxLen: 2})
	require.NoError(t, err)
	require.NoError(t, g.Skip())
	assert.True(t, g.SentenceBatch().Absent())
	assert.True(t, g.Mask().Absent())
	require.NoError(t, g.Bprop())
}
