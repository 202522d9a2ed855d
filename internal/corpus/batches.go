package corpus

import (
	"math/rand"
	"slices"
)

// Span is a sentence as a half-open range of the flattened corpus.
type Span struct {
	Start, End int
}

// Len returns the sentence length.
func (s Span) Len() int { return s.End - s.Start }

// HomogeneousBatches groups sentences of equal length into batches. When a
// length runs out mid-batch the batch is completed from a neighbouring length.
type HomogeneousBatches struct {
	batchSize int
	flat      []int32
	spans     map[int][]Span
	lengths   []int
	rng       *rand.Rand
	infinite  bool

	pass [][]Span
	pos  int
}

// NewHomogeneousBatches indexes sentences, dropping those longer than maxLen.
// randomize shuffles with a fixed seed; infinite restarts at the end of a pass.
func NewHomogeneousBatches(sentences [][]int32, batchSize, maxLen int, randomize, infinite bool) *HomogeneousBatches {
	h := &HomogeneousBatches{batchSize: batchSize, spans: make(map[int][]Span), infinite: infinite}
	for _, s := range sentences {
		if len(s) > maxLen || len(s) == 0 {
			continue
		}
		start := len(h.flat)
		h.flat = append(h.flat, s...)
		h.spans[len(s)] = append(h.spans[len(s)], Span{start, len(h.flat)})
	}
	for n := range h.spans {
		h.lengths = append(h.lengths, n)
	}
	slices.Sort(h.lengths)
	if randomize {
		h.rng = rand.New(rand.NewSource(42)) //nolint:gosec // deterministic shuffling, not security-critical
	}
	h.pos = -1
	return h
}

// Flat returns the concatenated kept sentences.
func (h *HomogeneousBatches) Flat() []int32 { return h.flat }

// BatchSize returns the maximum number of sentences per batch.
func (h *HomogeneousBatches) BatchSize() int { return h.batchSize }

// Empty reports whether no sentence survived the length filter.
func (h *HomogeneousBatches) Empty() bool { return len(h.flat) == 0 }

// Next returns the next batch. It returns false at the end of a finite pass;
// the following call starts a new pass.
func (h *HomogeneousBatches) Next() ([]Span, bool) {
	if h.pos < 0 || (h.pos >= len(h.pass) && h.infinite) {
		h.pass = h.plan()
		h.pos = 0
	}
	if h.pos >= len(h.pass) {
		h.pos = -1
		return nil, false
	}
	b := h.pass[h.pos]
	h.pos++
	return b, true
}

// Reset restarts the current pass at its first batch.
func (h *HomogeneousBatches) Reset() {
	h.pos = -1
}

func (h *HomogeneousBatches) plan() [][]Span {
	if len(h.lengths) == 0 || h.batchSize <= 0 {
		return nil
	}
	if h.rng != nil {
		for _, n := range h.lengths {
			s := h.spans[n]
			h.rng.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		}
	}
	available := slices.Clone(h.lengths)
	pick := func() int {
		if h.rng != nil {
			return available[h.rng.Intn(len(available))]
		}
		return available[0]
	}

	var (
		pass     [][]Span
		batch    []Span
		progress = make(map[int]int)
		need     = h.batchSize
		k        = pick()
	)
	for len(available) > 0 {
		spans := h.spans[k]
		lo := min(progress[k], len(spans))
		hi := min(lo+need, len(spans))
		batch = append(batch, spans[lo:hi]...)
		progress[k] = hi
		if len(batch) == h.batchSize {
			pass = append(pass, batch)
			batch, need = nil, h.batchSize
			if hi == len(spans) {
				available = slices.DeleteFunc(available, func(n int) bool { return n == k })
				if len(available) == 0 {
					break
				}
			}
			k = pick()
			continue
		}
		need = h.batchSize - len(batch)
		i := slices.Index(available, k)
		available = slices.Delete(available, i, i+1)
		switch {
		case len(available) == 0:
		case i == 0:
			k = available[0]
		case i >= len(available)-1:
			k = available[len(available)-1]
		case h.rng != nil && h.rng.Intn(2) == 0:
			k = available[i-1]
		default:
			k = available[i]
		}
	}
	if len(batch) > 0 {
		pass = append(pass, batch)
	}
	return pass
}
