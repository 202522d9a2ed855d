package block

import (
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// Hadamard computes y = a*b elementwise.
type Hadamard struct {
	Base
	a, b   *connector.Registration
	av, bv *matrix.Matrix
	y      *connector.Connector
}

// NewHadamard creates a Hadamard product block.
func NewHadamard(s *session.Session, name string, ctx *device.Context, a, b *connector.Connector) (*Hadamard, error) {
	am, bm := a.Forward(), b.Forward()
	if am.NrowsMax() != bm.NrowsMax() || am.NcolsMax() != bm.NcolsMax() {
		return nil, errs.New(errs.Shape, "block.NewHadamard", "%s: %dx%d and %dx%d", name,
			am.NrowsMax(), am.NcolsMax(), bm.NrowsMax(), bm.NcolsMax())
	}
	h := &Hadamard{Base: newBase(s, name, ctx)}
	var err error
	if h.a, err = h.use(a); err != nil {
		return nil, err
	}
	if h.b, err = h.use(b); err != nil {
		return nil, err
	}
	if h.y, err = h.output("output", am.NrowsMax(), am.NcolsMax(), device.Float32); err != nil {
		return nil, err
	}
	return h, nil
}

// Output returns y.
func (h *Hadamard) Output() *connector.Connector { return h.y }

// Fprop computes y.
func (h *Hadamard) Fprop() error {
	var err error
	if h.av, err = h.a.Block(); err != nil {
		return err
	}
	if h.bv, err = h.b.Block(); err != nil {
		return err
	}
	return publish(h.y, h.ctx, h.av.Nrows(), h.av.Ncols(), func(y *matrix.Matrix) error {
		return y.AssignHprod(h.ctx, h.av, h.bv)
	})
}

// Bprop contributes da = dy*b and db = dy*a.
func (h *Hadamard) Bprop() error {
	dy, err := h.y.BackwardBlock(h.ctx)
	if err != nil {
		return err
	}
	if err := contribute(h.a, func(g *matrix.Matrix) error {
		return g.AssignHprod(h.ctx, dy, h.bv)
	}); err != nil {
		return err
	}
	return contribute(h.b, func(g *matrix.Matrix) error {
		return g.AssignHprod(h.ctx, dy, h.av)
	})
}
