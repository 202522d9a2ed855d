package corpus

import (
	"github.com/born-ml/rnnflow/internal/block"
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// Mode selects the batch source of a Generator.
type Mode int

// Generator modes.
const (
	Training Mode = iota
	Testing
)

// String returns the mode name.
func (m Mode) String() string {
	if m == Testing {
		return "testing"
	}
	return "training"
}

// GeneratorState is Ready while batches remain and Exhausted after a
// testing pass ended.
type GeneratorState int

// Generator states.
const (
	Ready GeneratorState = iota
	Exhausted
)

// Port names of the generator's outputs.
const (
	PortSentenceBatch = "sentence_batch"
	PortMask          = "mask"
)

// GeneratorConfig sizes a Generator.
type GeneratorConfig struct {
	BatchSize      int
	SentenceMaxLen int
}

// Generator is the data block. Each Fprop publishes a batch x width int32
// matrix of token ids and a float mask of ones up to each sentence's length.
// Training batches repeat forever; testing batches end with errs.ErrExhausted
// after which the pass restarts.
type Generator struct {
	s    *session.Session
	name string
	ctx  *device.Context

	train, valid       *HomogeneousBatches
	trainIDs, validIDs *matrix.Matrix
	lengths            *matrix.Matrix

	sentences, mask *connector.Connector
	blocking        *device.Context
	mode            Mode
	state           GeneratorState
}

var _ block.Block = (*Generator)(nil)

// NewGenerator uploads both corpora and allocates the outputs.
func NewGenerator(s *session.Session, name string, ctx *device.Context, train, valid [][]int32, cfg GeneratorConfig) (*Generator, error) {
	if cfg.BatchSize <= 0 || cfg.SentenceMaxLen <= 0 {
		return nil, errs.New(errs.Shape, "corpus.NewGenerator", "batch size %d and max length %d must be positive",
			cfg.BatchSize, cfg.SentenceMaxLen)
	}
	g := &Generator{
		s:     s,
		name:  name,
		ctx:   ctx,
		train: NewHomogeneousBatches(train, cfg.BatchSize, cfg.SentenceMaxLen, true, true),
		valid: NewHomogeneousBatches(valid, cfg.BatchSize, cfg.SentenceMaxLen, false, false),
	}
	if g.train.Empty() {
		return nil, errs.New(errs.Shape, "corpus.NewGenerator", "no training sentence of at most %d tokens", cfg.SentenceMaxLen)
	}
	dev := ctx.Device().ID()
	var err error
	if g.trainIDs, err = upload(s, g.train.Flat(), dev); err != nil {
		return nil, err
	}
	if g.validIDs, err = upload(s, g.valid.Flat(), dev); err != nil {
		return nil, err
	}
	if g.lengths, err = matrix.Empty(s, cfg.BatchSize, 1, device.Int32, dev); err != nil {
		return nil, err
	}

	batch, err := matrix.Empty(s, cfg.BatchSize, cfg.SentenceMaxLen, device.Int32, dev)
	if err != nil {
		return nil, err
	}
	if err := batch.SyncFill(0); err != nil {
		return nil, err
	}
	mask, err := matrix.Empty(s, cfg.BatchSize, cfg.SentenceMaxLen, device.Float32, dev)
	if err != nil {
		return nil, err
	}
	g.sentences = connector.New(s, name+"."+PortSentenceBatch, batch, ctx)
	g.mask = connector.New(s, name+"."+PortMask, mask, ctx)
	g.sentences.SetNeedsGradient(false)
	g.mask.SetNeedsGradient(false)
	return g, nil
}

func upload(s *session.Session, ids []int32, dev int) (*matrix.Matrix, error) {
	h := matrix.Host{Rows: len(ids), Cols: 1, Int32: ids}
	return matrix.FromHost(s, h, device.Int32, dev)
}

// Name returns the block name.
func (g *Generator) Name() string { return g.name }

// SentenceBatch returns the token id connector.
func (g *Generator) SentenceBatch() *connector.Connector { return g.sentences }

// Mask returns the mask connector.
func (g *Generator) Mask() *connector.Connector { return g.mask }

// Output returns the connector for port, or nil.
func (g *Generator) Output(port string) *connector.Connector {
	switch port {
	case PortSentenceBatch:
		return g.sentences
	case PortMask:
		return g.mask
	default:
		return nil
	}
}

// Mode returns the current mode.
func (g *Generator) Mode() Mode { return g.mode }

// State returns the current state.
func (g *Generator) State() GeneratorState { return g.state }

// SetTrainingMode switches to the infinite training stream.
func (g *Generator) SetTrainingMode() { g.mode = Training }

// SetTestingMode switches to the validation pass.
func (g *Generator) SetTestingMode() {
	g.mode = Testing
	g.state = Ready
}

// SetBlockingContext makes every publish wait for ctx, e.g. the context of
// the last reader of the previous batch.
func (g *Generator) SetBlockingContext(ctx *device.Context) { g.blocking = ctx }

// Fprop publishes the next batch.
func (g *Generator) Fprop() error {
	src, ids := g.train, g.trainIDs
	if g.mode == Testing {
		src, ids = g.valid, g.validIDs
	}
	spans, ok := src.Next()
	if !ok || len(spans) == 0 {
		if g.mode == Training {
			return errs.New(errs.Exhausted, "corpus.Generator", "%s: training corpus produced no batch", g.name)
		}
		g.valid.Reset()
		g.state = Exhausted
		return errs.New(errs.Exhausted, "corpus.Generator", "%s: validation pass complete", g.name)
	}
	g.state = Ready

	n, width := len(spans), 0
	lengths := matrix.NewHost(n, 1, device.Int32)
	for k, sp := range spans {
		lengths.Int32[k] = int32(sp.Len()) //nolint:gosec // G115: sentence length fits in int32.
		width = max(width, sp.Len())
	}

	g.sentences.Prepare(g.ctx)
	g.mask.Prepare(g.ctx)
	if err := g.sentences.SetShape(n, width); err != nil {
		return err
	}
	batch := g.sentences.Forward()
	for k, sp := range spans {
		if err := g.copySentence(batch, ids, k, sp); err != nil {
			return err
		}
	}
	if err := g.lengths.ToDevice(g.ctx, lengths); err != nil {
		return err
	}
	if err := g.mask.SetShape(n, width); err != nil {
		return err
	}
	m := g.mask.Forward()
	if err := m.Fill(g.ctx, 1); err != nil {
		return err
	}
	if err := m.ZeroColumnsBeyond(g.ctx, g.lengths); err != nil {
		return err
	}
	g.ctx.Wait(g.blocking)
	if err := g.sentences.Fprop(); err != nil {
		return err
	}
	return g.mask.Fprop()
}

// copySentence writes the tokens of sp into the first columns of row k.
func (g *Generator) copySentence(batch, ids *matrix.Matrix, k int, sp Span) error {
	col, err := ids.Rows(sp.Start, sp.End)
	if err != nil {
		return err
	}
	src, err := col.Reshaped(1, sp.Len())
	if err != nil {
		return err
	}
	row, err := batch.Row(k)
	if err != nil {
		return err
	}
	dst, err := row.Columns(0, sp.Len())
	if err != nil {
		return err
	}
	return dst.Assign(g.ctx, src)
}

// Bprop does nothing; the generator's outputs carry no gradient.
func (g *Generator) Bprop() error { return nil }

// Skip marks both outputs absent.
func (g *Generator) Skip() error {
	g.sentences.Skip()
	g.mask.Skip()
	return nil
}

// Width returns the number of timesteps of the current batch.
func (g *Generator) Width() int { return g.sentences.Ncols() }
