package block

import (
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// Parameter exposes a trainable matrix through a connector. Its gradient is
// the sum of every user's contribution in the current iteration. Users on
// one context add into a single scratch.
type Parameter struct {
	Base
	value *connector.Connector
	grad  *matrix.Matrix
}

// NewParameter wraps value, which becomes owned by the block.
func NewParameter(s *session.Session, name string, ctx *device.Context, value *matrix.Matrix) (*Parameter, error) {
	if value.DType() != device.Float32 {
		return nil, errs.New(errs.Shape, "block.NewParameter", "%s: parameters must be float32", name)
	}
	p := &Parameter{Base: newBase(s, name, ctx)}
	p.value = connector.New(s, name, value, ctx)
	p.value.SetSharedGradient(true)
	p.outputs = append(p.outputs, p.value)
	return p, nil
}

// Output returns the connector users register on.
func (p *Parameter) Output() *connector.Connector { return p.value }

// Value returns the parameter matrix.
func (p *Parameter) Value() *matrix.Matrix { return p.value.Forward() }

// Gradient returns the accumulated gradient of the last Bprop, or nil.
func (p *Parameter) Gradient() *matrix.Matrix { return p.grad }

// PrepareUpdate orders an update issued on ctx after every read of the
// current value. The next Fprop waits for ctx.
func (p *Parameter) PrepareUpdate(ctx *device.Context) {
	p.value.Prepare(ctx)
}

// Fprop publishes the current value.
func (p *Parameter) Fprop() error {
	return p.value.Fprop()
}

// Bprop sums the users' contributions into the gradient.
func (p *Parameter) Bprop() error {
	g, err := p.value.BackwardBlock(p.ctx)
	if err != nil {
		return err
	}
	p.grad = g
	return nil
}
