package model

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/rnnflow/internal/block"
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/kernel"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// Data is the block feeding the graph: a batch x width int32 "sentence_batch"
// and a float "mask" of the same shape.
type Data interface {
	block.Block
	Output(port string) *connector.Connector
	// Width returns the number of timesteps of the batch published last.
	Width() int
	SetTrainingMode()
	SetTestingMode()
}

// Options configures graph construction.
type Options struct {
	// Steps is the number of unrolled timesteps, the maximum sentence length.
	Steps int
	// Seed drives parameter initialization.
	Seed int64
	// InitScale bounds the uniform initialization; 0 means 0.1.
	InitScale float32
}

// DefaultInitScale is the uniform initialization bound used when none is set.
const DefaultInitScale = 0.1

type stepKey struct {
	name, port string
	t          int
}

// node is one unrolled block instance. It runs while t+lookahead is below
// the batch width and is skipped otherwise.
type node struct {
	b         block.Block
	t         int
	lookahead int
}

// Model is an unrolled graph over Steps timesteps.
type Model struct {
	s     *session.Session
	def   *Definition
	data  Data
	steps int
	scale float32
	rng   *rand.Rand

	params  []*block.Parameter
	byName  map[string]*block.Parameter
	nodes   []node
	active  []bool
	losses  []int
	outputs map[stepKey]*connector.Connector
	ctxs    map[string]*device.Context
	width   int
}

// New builds the graph for def on top of data.
func New(s *session.Session, def *Definition, data Data, opts Options) (*Model, error) {
	if opts.Steps <= 0 {
		return nil, errs.New(errs.Shape, "model.New", "steps must be positive, got %d", opts.Steps)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	order, err := def.order()
	if err != nil {
		return nil, err
	}
	m := &Model{
		s:       s,
		def:     def,
		data:    data,
		steps:   opts.Steps,
		scale:   opts.InitScale,
		rng:     rand.New(rand.NewSource(opts.Seed)), //nolint:gosec // math/rand is appropriate for weight initialization
		byName:  make(map[string]*block.Parameter),
		outputs: make(map[stepKey]*connector.Connector),
		ctxs:    make(map[string]*device.Context),
	}
	if m.scale == 0 {
		m.scale = DefaultInitScale
	}
	for _, i := range order {
		b := &def.Blocks[i]
		if err := m.build(b); err != nil {
			return nil, fmt.Errorf("block %q: %w", b.Name, err)
		}
	}
	if len(m.losses) == 0 {
		return nil, errs.New(errs.Shape, "model.New", "definition has no %s block", TypeSoftmaxCE)
	}
	m.active = make([]bool, len(m.nodes))
	return m, nil
}

// Definition returns the definition the model was built from.
func (m *Model) Definition() *Definition { return m.def }

// Steps returns the number of unrolled timesteps.
func (m *Model) Steps() int { return m.steps }

// Width returns the width of the last forward pass.
func (m *Model) Width() int { return m.width }

// Parameters returns the trainable parameters in creation order.
func (m *Model) Parameters() []*block.Parameter { return m.params }

// Parameter returns the named parameter, or nil.
func (m *Model) Parameter(name string) *block.Parameter { return m.byName[name] }

// Output returns the connector of ref ("name" or "name.port") at timestep t, or nil.
func (m *Model) Output(ref string, t int) *connector.Connector {
	name, port := splitRef(ref)
	if b := m.def.Block(name); b != nil && port == "" {
		port = defaultPort(b.Type)
	}
	return m.outputs[stepKey{name, port, t}]
}

// SetTrainingMode switches the data block to training batches.
func (m *Model) SetTrainingMode() { m.data.SetTrainingMode() }

// SetTestingMode switches the data block to the validation pass.
func (m *Model) SetTestingMode() { m.data.SetTestingMode() }

func defaultPort(typ string) string {
	if typ == TypeLSTM {
		return "h"
	}
	return "output"
}

func (m *Model) context(name string, dev int) (*device.Context, error) {
	if ctx, ok := m.ctxs[name]; ok {
		return ctx, nil
	}
	ctx, err := m.s.NewContext(dev)
	if err != nil {
		return nil, err
	}
	m.ctxs[name] = ctx
	return ctx, nil
}

func (m *Model) add(b block.Block, t, lookahead int) {
	m.nodes = append(m.nodes, node{b: b, t: t, lookahead: lookahead})
}

// param allocates a uniformly initialized parameter, or zeros when scale is 0.
func (m *Model) param(name string, rows, cols int, scale float32, dev int) (*block.Parameter, error) {
	h := matrix.NewHost(rows, cols, device.Float32)
	for i := range h.Float32 {
		h.Float32[i] = scale * (2*m.rng.Float32() - 1)
	}
	value, err := matrix.FromHost(m.s, h, device.Float32, dev)
	if err != nil {
		return nil, err
	}
	ctx, err := m.s.NewContext(dev)
	if err != nil {
		return nil, err
	}
	p, err := block.NewParameter(m.s, name, ctx, value)
	if err != nil {
		return nil, err
	}
	m.params = append(m.params, p)
	m.byName[name] = p
	return p, nil
}

// resolve returns the connector ref names at timestep t.
func (m *Model) resolve(ref string, t int) (*connector.Connector, error) {
	name, port := splitRef(ref)
	if name == DataName {
		return m.dataColumn(port, t)
	}
	if c := m.Output(ref, t); c != nil {
		return c, nil
	}
	return nil, errs.New(errs.Shape, "model.resolve", "no output %q at timestep %d", ref, t)
}

// dataColumn returns column t of a data port through a cached selector.
func (m *Model) dataColumn(port string, t int) (*connector.Connector, error) {
	key := stepKey{DataName, port, t}
	if c, ok := m.outputs[key]; ok {
		return c, nil
	}
	src := m.data.Output(port)
	if src == nil {
		return nil, errs.New(errs.Shape, "model.resolve", "data has no port %q", port)
	}
	ctx, err := m.context(DataName, src.Forward().Device())
	if err != nil {
		return nil, err
	}
	sel, err := block.NewColumnSelector(m.s, fmt.Sprintf("%s.%s[%d]", DataName, port, t), ctx, t, src)
	if err != nil {
		return nil, err
	}
	m.add(sel, t, 0)
	m.outputs[key] = sel.Output()
	return sel.Output(), nil
}

func (m *Model) scaleOf(b *BlockDef) float32 {
	if b.InitScale != 0 {
		return b.InitScale
	}
	return m.scale
}

func stepName(b *BlockDef, t int) string { return fmt.Sprintf("%s[%d]", b.Name, t) }

func (m *Model) build(b *BlockDef) error {
	ctx, err := m.context(b.Name, b.Device)
	if err != nil {
		return err
	}
	switch b.Type {
	case TypeEmbedding:
		return m.buildEmbedding(b, ctx)
	case TypeLSTM:
		return m.buildLSTM(b, ctx)
	case TypeHstack:
		return m.buildHstack(b, ctx)
	case TypeDot:
		return m.buildDot(b, ctx)
	case TypeNonlinearity:
		return m.buildNonlinearity(b, ctx)
	case TypeSoftmaxCE:
		return m.buildSoftmaxCE(b, ctx)
	default:
		return errs.New(errs.Shape, "model.build", "unknown block type %q", b.Type)
	}
}

func (m *Model) buildEmbedding(b *BlockDef, ctx *device.Context) error {
	table, err := m.param(b.Name+".table", b.VocabSize, b.Dim, m.scaleOf(b), b.Device)
	if err != nil {
		return err
	}
	for t := 0; t < m.steps; t++ {
		ids, err := m.resolve(b.Input, t)
		if err != nil {
			return err
		}
		e, err := block.NewEmbedding(m.s, stepName(b, t), ctx, ids, table.Output())
		if err != nil {
			return err
		}
		m.add(e, t, 0)
		m.outputs[stepKey{b.Name, "output", t}] = e.Output()
	}
	return nil
}

func (m *Model) buildLSTM(b *BlockDef, ctx *device.Context) error {
	x0, err := m.resolve(b.Input, 0)
	if err != nil {
		return err
	}
	in, h := x0.Forward().NcolsMax(), b.Hidden
	w, err := m.param(b.Name+".W", in, 4*h, m.scaleOf(b), b.Device)
	if err != nil {
		return err
	}
	r, err := m.param(b.Name+".R", h, 4*h, m.scaleOf(b), b.Device)
	if err != nil {
		return err
	}
	bias, err := m.param(b.Name+".b", 1, 4*h, 0, b.Device)
	if err != nil {
		return err
	}
	var prev *block.LSTMCell
	for i := 0; i < m.steps; i++ {
		t := i
		if b.Reverse {
			t = m.steps - 1 - i
		}
		x, err := m.resolve(b.Input, t)
		if err != nil {
			return err
		}
		var pc, ph *connector.Connector
		if prev != nil {
			pc, ph = prev.C(), prev.H()
		}
		cell, err := block.NewLSTMCell(m.s, stepName(b, t), ctx, x, w.Output(), r.Output(), bias.Output(), pc, ph)
		if err != nil {
			return err
		}
		m.add(cell, t, 0)
		m.outputs[stepKey{b.Name, "h", t}] = cell.H()
		m.outputs[stepKey{b.Name, "c", t}] = cell.C()
		prev = cell
	}
	return nil
}

func (m *Model) buildHstack(b *BlockDef, ctx *device.Context) error {
	for t := 0; t < m.steps; t++ {
		ins := make([]*connector.Connector, len(b.Inputs))
		for i, ref := range b.Inputs {
			c, err := m.resolve(ref, t)
			if err != nil {
				return err
			}
			ins[i] = c
		}
		h, err := block.NewHorizontalStack(m.s, stepName(b, t), ctx, b.MaxWidth, ins...)
		if err != nil {
			return err
		}
		m.add(h, t, 0)
		m.outputs[stepKey{b.Name, "output", t}] = h.Output()
	}
	return nil
}

func (m *Model) buildDot(b *BlockDef, ctx *device.Context) error {
	x0, err := m.resolve(b.Input, 0)
	if err != nil {
		return err
	}
	w, err := m.param(b.Name+".W", x0.Forward().NcolsMax(), b.Units, m.scaleOf(b), b.Device)
	if err != nil {
		return err
	}
	var bias *connector.Connector
	if b.Bias {
		p, err := m.param(b.Name+".b", 1, b.Units, 0, b.Device)
		if err != nil {
			return err
		}
		bias = p.Output()
	}
	for t := 0; t < m.steps; t++ {
		x, err := m.resolve(b.Input, t)
		if err != nil {
			return err
		}
		d, err := block.NewDot(m.s, stepName(b, t), ctx, x, w.Output(), bias)
		if err != nil {
			return err
		}
		m.add(d, t, 0)
		m.outputs[stepKey{b.Name, "output", t}] = d.Output()
	}
	return nil
}

func (m *Model) buildNonlinearity(b *BlockDef, ctx *device.Context) error {
	f, _ := kernel.ParseActivation(b.Activation)
	for t := 0; t < m.steps; t++ {
		x, err := m.resolve(b.Input, t)
		if err != nil {
			return err
		}
		n, err := block.NewNonlinearity(m.s, stepName(b, t), ctx, f, x)
		if err != nil {
			return err
		}
		m.add(n, t, 0)
		m.outputs[stepKey{b.Name, "output", t}] = n.Output()
	}
	return nil
}

func (m *Model) buildSoftmaxCE(b *BlockDef, ctx *device.Context) error {
	for t := 0; t+b.Shift < m.steps; t++ {
		logits, err := m.resolve(b.Input, t)
		if err != nil {
			return err
		}
		labels, err := m.resolve(b.Labels, t+b.Shift)
		if err != nil {
			return err
		}
		var mask *connector.Connector
		if b.Mask != "" {
			if mask, err = m.resolve(b.Mask, t+b.Shift); err != nil {
				return err
			}
		}
		l, err := block.NewSoftmaxCE(m.s, stepName(b, t), ctx, logits, labels, mask)
		if err != nil {
			return err
		}
		m.losses = append(m.losses, len(m.nodes))
		m.add(l, t, b.Shift)
	}
	return nil
}

// Fprop publishes the next batch and runs every timestep below its width;
// the remaining timesteps are skipped. The data block's errors, including
// errs.ErrExhausted, are returned unchanged.
func (m *Model) Fprop() error {
	if err := m.data.Fprop(); err != nil {
		return err
	}
	m.width = m.data.Width()
	for _, p := range m.params {
		if err := p.Fprop(); err != nil {
			return err
		}
	}
	for i, n := range m.nodes {
		m.active[i] = n.t+n.lookahead < m.width
		var err error
		if m.active[i] {
			err = n.b.Fprop()
		} else {
			err = n.b.Skip()
		}
		if err != nil {
			return fmt.Errorf("%s: %w", n.b.Name(), err)
		}
	}
	return nil
}

// Bprop runs the active blocks in reverse order and accumulates the
// parameter gradients.
func (m *Model) Bprop() error {
	for i := len(m.nodes) - 1; i >= 0; i-- {
		if !m.active[i] {
			continue
		}
		if err := m.nodes[i].b.Bprop(); err != nil {
			return fmt.Errorf("%s: %w", m.nodes[i].b.Name(), err)
		}
	}
	for _, p := range m.params {
		if err := p.Bprop(); err != nil {
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	return nil
}

// LossTotals returns the summed masked cross-entropy and mask weight of the
// last Fprop. It blocks until the losses reached the host.
func (m *Model) LossTotals() (sum, weight float64, err error) {
	for _, i := range m.losses {
		if !m.active[i] {
			continue
		}
		s, w, err := m.nodes[i].b.(*block.SoftmaxCE).Loss()
		if err != nil {
			return 0, 0, err
		}
		sum += s
		weight += w
	}
	return sum, weight, nil
}

// Loss returns the mean cross-entropy per unmasked token of the last Fprop.
func (m *Model) Loss() (float64, error) {
	sum, weight, err := m.LossTotals()
	if err != nil || weight == 0 {
		return 0, err
	}
	return sum / weight, nil
}

// LoadParameters overwrites parameter values from host matrices keyed by
// parameter name. Every parameter must be present with its shape.
func (m *Model) LoadParameters(values map[string]matrix.Host) error {
	for _, p := range m.params {
		h, ok := values[p.Name()]
		if !ok {
			return errs.New(errs.Shape, "model.LoadParameters", "missing parameter %q", p.Name())
		}
		v := p.Value()
		if h.Rows != v.NrowsMax() || h.Cols != v.NcolsMax() {
			return errs.New(errs.Shape, "model.LoadParameters", "%s: got %dx%d, want %dx%d",
				p.Name(), h.Rows, h.Cols, v.NrowsMax(), v.NcolsMax())
		}
		ctx := p.Context()
		p.PrepareUpdate(ctx)
		ctx.Wait(v.LastModification())
		if err := v.ToDevice(ctx, h); err != nil {
			return err
		}
		if err := ctx.Synchronize(); err != nil {
			return err
		}
	}
	return nil
}

// ParameterValues downloads every parameter keyed by name.
func (m *Model) ParameterValues() (map[string]matrix.Host, error) {
	out := make(map[string]matrix.Host, len(m.params))
	for _, p := range m.params {
		h, err := p.Value().ToHost()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name(), err)
		}
		out[p.Name()] = h
	}
	return out, nil
}
