// Package corpus turns text files into batches of token ids and feeds them
// to the graph through the Generator block.
package corpus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Sentence boundary and unknown-word markers of the word tokenizer.
const (
	BOS     = "<S>"
	EOS     = "</S>"
	Unknown = "<unk>"
)

// Tokenizer maps one line of text to token ids.
type Tokenizer interface {
	Encode(line string) ([]int32, error)
	VocabSize() int
}

// WordTokenizer splits on whitespace and wraps each line in BOS/EOS. The
// vocabulary grows while the tokenizer is open; once frozen, unseen words
// map to Unknown.
type WordTokenizer struct {
	vocab  map[string]int32
	words  []string
	frozen bool
}

// NewWordTokenizer returns an open tokenizer whose vocabulary holds the markers.
func NewWordTokenizer() *WordTokenizer {
	w := &WordTokenizer{vocab: make(map[string]int32)}
	for _, m := range []string{BOS, EOS, Unknown} {
		w.add(m)
	}
	return w
}

func (w *WordTokenizer) add(word string) int32 {
	id := int32(len(w.words)) //nolint:gosec // G115: vocabulary size fits in int32.
	w.vocab[word] = id
	w.words = append(w.words, word)
	return id
}

// Freeze stops vocabulary growth.
func (w *WordTokenizer) Freeze() { w.frozen = true }

// Frozen reports whether the vocabulary is fixed.
func (w *WordTokenizer) Frozen() bool { return w.frozen }

// Encode tokenizes one line.
func (w *WordTokenizer) Encode(line string) ([]int32, error) {
	fields := strings.Fields(line)
	ids := make([]int32, 0, len(fields)+2)
	ids = append(ids, w.vocab[BOS])
	for _, f := range fields {
		id, ok := w.vocab[f]
		switch {
		case ok:
		case w.frozen:
			id = w.vocab[Unknown]
		default:
			id = w.add(f)
		}
		ids = append(ids, id)
	}
	return append(ids, w.vocab[EOS]), nil
}

// Decode joins the words of ids with spaces.
func (w *WordTokenizer) Decode(ids []int32) (string, error) {
	words := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || int(id) >= len(w.words) {
			return "", fmt.Errorf("decode: token %d outside vocabulary of %d", id, len(w.words))
		}
		words[i] = w.words[id]
	}
	return strings.Join(words, " "), nil
}

// VocabSize returns the current vocabulary size.
func (w *WordTokenizer) VocabSize() int { return len(w.words) }

// Words returns the vocabulary in id order.
func (w *WordTokenizer) Words() []string { return w.words }

// TikToken tokenizes with a tiktoken BPE encoding. Lines are not wrapped in markers.
type TikToken struct {
	enc  *tiktoken.Tiktoken
	name string
}

// NewTikToken loads the named encoding, e.g. "cl100k_base".
func NewTikToken(encoding string) (*TikToken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encoding, err)
	}
	return &TikToken{enc: enc, name: encoding}, nil
}

// Name returns the encoding name.
func (t *TikToken) Name() string { return t.name }

// Encode tokenizes one line.
func (t *TikToken) Encode(line string) ([]int32, error) {
	tokens := t.enc.Encode(line, nil, nil)
	ids := make([]int32, len(tokens))
	for i, tok := range tokens {
		ids[i] = int32(tok) //nolint:gosec // G115: token ids fit in int32.
	}
	return ids, nil
}

// Decode converts ids back to text.
func (t *TikToken) Decode(ids []int32) (string, error) {
	tokens := make([]int, len(ids))
	for i, id := range ids {
		tokens[i] = int(id)
	}
	return t.enc.Decode(tokens), nil
}

// VocabSize returns the size of the encoding's vocabulary.
func (t *TikToken) VocabSize() int {
	switch t.name {
	case "cl100k_base":
		return 100256
	case "p50k_base", "r50k_base":
		return 50257
	case "o200k_base":
		return 200019
	default:
		return 100000
	}
}

// Read tokenizes r line by line. Blank lines are kept as empty sentences
// only when the tokenizer adds markers to them.
func Read(r io.Reader, tok Tokenizer) ([][]int32, error) {
	var sentences [][]int32
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		ids, err := tok.Encode(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(ids) > 0 {
			sentences = append(sentences, ids)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	return sentences, nil
}

// Load tokenizes the file at path.
func Load(path string, tok Tokenizer) ([][]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()
	sentences, err := Read(f, tok)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sentences, nil
}
