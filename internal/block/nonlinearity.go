package block

import (
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/kernel"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// Nonlinearity computes y = f(x) elementwise.
type Nonlinearity struct {
	Base
	f kernel.Activation
	x *connector.Registration
	y *connector.Connector
}

// NewNonlinearity creates a nonlinearity block.
func NewNonlinearity(s *session.Session, name string, ctx *device.Context, f kernel.Activation, x *connector.Connector) (*Nonlinearity, error) {
	n := &Nonlinearity{Base: newBase(s, name, ctx), f: f}
	var err error
	if n.x, err = n.use(x); err != nil {
		return nil, err
	}
	xm := x.Forward()
	if n.y, err = n.output("output", xm.NrowsMax(), xm.NcolsMax(), device.Float32); err != nil {
		return nil, err
	}
	return n, nil
}

// Output returns y.
func (n *Nonlinearity) Output() *connector.Connector { return n.y }

// Fprop computes y.
func (n *Nonlinearity) Fprop() error {
	x, err := n.x.Block()
	if err != nil {
		return err
	}
	return publish(n.y, n.ctx, x.Nrows(), x.Ncols(), func(y *matrix.Matrix) error {
		return y.AssignActivation(n.ctx, n.f, x)
	})
}

// Bprop contributes dx = dy*f'(x), computed from y.
func (n *Nonlinearity) Bprop() error {
	dy, err := n.y.BackwardBlock(n.ctx)
	if err != nil {
		return err
	}
	return contribute(n.x, func(g *matrix.Matrix) error {
		return g.AssignActivationGrad(n.ctx, n.f, n.y.Forward(), dy)
	})
}
