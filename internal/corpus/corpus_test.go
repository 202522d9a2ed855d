package corpus

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/rnnflow/internal/errs"
)

func TestWordTokenizer(t *testing.T) {
	tok := NewWordTokenizer()
	ids, err := tok.Encode("the cat sat")
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3, 4, 5, 1}, ids)

	ids, err = tok.Encode("  the   dog ")
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3, 6, 1}, ids)
	assert.Equal(t, 7, tok.VocabSize())

	tok.Freeze()
	ids, err = tok.Encode("the bird")
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3, 2, 1}, ids)
	assert.Equal(t, 7, tok.VocabSize())

	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "<S> the <unk> </S>", text)

	_, err = tok.Decode([]int32{42})
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.txt")
	require.NoError(t, os.WriteFile(path, []byte("a b\nb c d\n\n"), 0o600))

	tok := NewWordTokenizer()
	sentences, err := Load(path, tok)
	require.NoError(t, err)
	require.Len(t, sentences, 3)
	assert.Equal(t, []int32{0, 3, 4, 1}, sentences[0])
	assert.Equal(t, []int32{0, 4, 5, 6, 1}, sentences[1])
	assert.Equal(t, []int32{0, 1}, sentences[2])

	_, err = Load(filepath.Join(t.TempDir(), "missing.txt"), tok)
	assert.Error(t, err)
}

func TestTikToken(t *testing.T) {
	tok, err := NewTikToken("cl100k_base")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	assert.Equal(t, "cl100k_base", tok.Name())
	assert.Equal(t, 100256, tok.VocabSize())

	sentences, err := Read(strings.NewReader("hello world\n"), tok)
	require.NoError(t, err)
	require.Len(t, sentences, 1)
	assert.NotEmpty(t, sentences[0])

	text, err := tok.Decode(sentences[0])
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestTikTokenUnknownEncoding(t *testing.T) {
	_, err := NewTikToken("no_such_encoding")
	assert.Error(t, err)
}

func sentencesOfLengths(lengths ...int) [][]int32 {
	out := make([][]int32, len(lengths))
	for i, n := range lengths {
		s := make([]int32, n)
		for j := range s {
			s[j] = int32(i)
		}
		out[i] = s
	}
	return out
}

func collect(h *HomogeneousBatches) [][]Span {
	var pass [][]Span
	for {
		b, ok := h.Next()
		if !ok {
			return pass
		}
		pass = append(pass, b)
	}
}

func TestHomogeneousBatchesSequential(t *testing.T) {
	h := NewHomogeneousBatches(sentencesOfLengths(2, 3, 2, 2, 3, 9), 2, 5, false, false)
	assert.Len(t, h.Flat(), 12, "sentence longer than the max is dropped")

	pass := collect(h)
	require.Len(t, pass, 3)
	lengths := func(b []Span) []int {
		var ls []int
		for _, s := range b {
			ls = append(ls, s.Len())
		}
		return ls
	}
	assert.Equal(t, []int{2, 2}, lengths(pass[0]))
	assert.Equal(t, []int{2, 3}, lengths(pass[1]), "short tail completed from the next length")
	assert.Equal(t, []int{3}, lengths(pass[2]))

	again := collect(h)
	assert.Equal(t, pass, again, "a new pass starts after the end")
}

func TestHomogeneousBatchesRandomCoversCorpus(t *testing.T) {
	sentences := sentencesOfLengths(1, 2, 3, 1, 2, 3, 1, 2, 3, 4, 4, 5, 5, 5)
	h := NewHomogeneousBatches(sentences, 3, 10, true, false)
	seen := make(map[Span]int)
	for _, b := range collect(h) {
		assert.LessOrEqual(t, len(b), 3)
		for _, s := range b {
			seen[s]++
		}
	}
	assert.Len(t, seen, len(sentences))
	for s, n := range seen {
		assert.Equal(t, 1, n, "span %v", s)
	}

	a := NewHomogeneousBatches(sentences, 3, 10, true, false)
	b := NewHomogeneousBatches(sentences, 3, 10, true, false)
	assert.Equal(t, collect(a), collect(b), "fixed seed")
}

func TestHomogeneousBatchesInfinite(t *testing.T) {
	h := NewHomogeneousBatches(sentencesOfLengths(2, 2), 2, 5, true, true)
	for i := 0; i < 10; i++ {
		b, ok := h.Next()
		require.True(t, ok)
		assert.Len(t, b, 2)
	}
}

func TestGeneratorRequiresTrainingData(t *testing.T) {
	s := newSession(t)
	_, err := NewGenerator(s, "data", s.MustContext(0), sentencesOfLengths(9), nil, GeneratorConfig{BatchSize: 2, SentenceMaxLen: 4})
	assert.True(t, errors.Is(err, errs.ErrShape))
}
