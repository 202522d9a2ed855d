// Package block implements graph nodes. A block reads its input connectors,
// writes its output connectors on its own context, and in the backward pass
// turns its outputs' summed gradients into contributions to its inputs.
package block

import (
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/kernel"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// Block is one node of the dataflow graph.
type Block interface {
	Name() string
	Fprop() error
	Bprop() error
	// Skip accounts the block as absent for the current iteration.
	Skip() error
}

// Base holds the registration bookkeeping shared by every block.
type Base struct {
	s       *session.Session
	name    string
	ctx     *device.Context
	inputs  []*connector.Registration
	outputs []*connector.Connector
}

func newBase(s *session.Session, name string, ctx *device.Context) Base {
	return Base{s: s, name: name, ctx: ctx}
}

// Name returns the block name.
func (b *Base) Name() string { return b.name }

// Context returns the context the block issues work on.
func (b *Base) Context() *device.Context { return b.ctx }

// Skip marks every output absent and every input registration consumed and
// absent, without issuing device work.
func (b *Base) Skip() error {
	for _, c := range b.outputs {
		c.Skip()
	}
	for _, r := range b.inputs {
		if err := r.Skip(); err != nil {
			return err
		}
	}
	return nil
}

// share is use for inputs whose contribution is written with
// contributeDot or added onto: on a connector that shares gradients the
// block adds into the scratch of every other user on its context.
func (b *Base) share(c *connector.Connector) (*connector.Registration, error) {
	if !c.SharesGradient() {
		return b.use(c)
	}
	r, err := c.RegisterSharedUser(b.name, b.ctx)
	if err != nil {
		return nil, err
	}
	b.inputs = append(b.inputs, r)
	return r, nil
}

// use registers the block as a reader of c, contributing gradients when c needs them.
func (b *Base) use(c *connector.Connector) (*connector.Registration, error) {
	var scratch *matrix.Matrix
	if c.NeedsGradient() {
		var err error
		if scratch, err = matrix.EmptyLike(c.Forward()); err != nil {
			return nil, err
		}
	}
	return b.register(c, scratch)
}

// read registers the block as a reader of c that never contributes.
func (b *Base) read(c *connector.Connector) (*connector.Registration, error) {
	return b.register(c, nil)
}

func (b *Base) register(c *connector.Connector, scratch *matrix.Matrix) (*connector.Registration, error) {
	r, err := c.RegisterUser(b.name, b.ctx, scratch)
	if err != nil {
		return nil, err
	}
	b.inputs = append(b.inputs, r)
	return r, nil
}

// output allocates an output connector named "<block>.<port>".
func (b *Base) output(port string, nrows, ncols int, dtype device.DType) (*connector.Connector, error) {
	m, err := matrix.Empty(b.s, nrows, ncols, dtype, b.ctx.Device().ID())
	if err != nil {
		return nil, err
	}
	c := connector.New(b.s, b.name+"."+port, m, b.ctx)
	b.outputs = append(b.outputs, c)
	return c, nil
}

// onesColumn allocates an n x 1 matrix of ones on the block's device.
func (b *Base) onesColumn(n int) (*matrix.Matrix, error) {
	m, err := matrix.Empty(b.s, n, 1, device.Float32, b.ctx.Device().ID())
	if err != nil {
		return nil, err
	}
	if err := m.SyncFill(1); err != nil {
		return nil, err
	}
	return m, nil
}

// contribute writes r's gradient with f and marks it contributed.
// Registrations without scratch are skipped.
func contribute(r *connector.Registration, f func(g *matrix.Matrix) error) error {
	if r == nil {
		return nil
	}
	if !r.Contributes() {
		return r.Skip()
	}
	g, err := r.Gradient()
	if err != nil {
		return err
	}
	if err := f(g); err != nil {
		return err
	}
	return r.Contribute()
}

// contributeDot contributes op(a)*op(b) to r, adding to the shared scratch
// when an earlier user already wrote it this iteration.
func contributeDot(r *connector.Registration, ctx *device.Context, a, b *matrix.Matrix, opA, opB kernel.Op) error {
	return contribute(r, func(g *matrix.Matrix) error {
		if r.Accumulated() {
			return g.AddDot(ctx, a, b, opA, opB, 1)
		}
		return g.AssignDot(ctx, a, b, opA, opB)
	})
}

// publish prepares c for writing on ctx, resizes it, runs write and publishes.
func publish(c *connector.Connector, ctx *device.Context, nrows, ncols int, write func(y *matrix.Matrix) error) error {
	c.Prepare(ctx)
	if err := c.SetShape(nrows, ncols); err != nil {
		return err
	}
	if err := write(c.Forward()); err != nil {
		return err
	}
	return c.Fprop()
}
