package block

import (
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/kernel"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// Dot computes y = x*W (+ b), with b broadcast over rows.
type Dot struct {
	Base
	x, w, b    *connector.Registration
	y          *connector.Connector
	ones       *matrix.Matrix
	xv, wv, bv *matrix.Matrix
}

// NewDot creates a dot block. b may be nil.
func NewDot(s *session.Session, name string, ctx *device.Context, x, w, b *connector.Connector) (*Dot, error) {
	xm, wm := x.Forward(), w.Forward()
	if xm.NcolsMax() != wm.NrowsMax() {
		return nil, errs.New(errs.Shape, "block.NewDot", "%s: x has %d columns, W has %d rows", name, xm.NcolsMax(), wm.NrowsMax())
	}
	if b != nil && (b.Forward().NrowsMax() != 1 || b.Forward().NcolsMax() != wm.NcolsMax()) {
		return nil, errs.New(errs.Shape, "block.NewDot", "%s: bias must be 1x%d", name, wm.NcolsMax())
	}
	d := &Dot{Base: newBase(s, name, ctx)}
	var err error
	if d.x, err = d.use(x); err != nil {
		return nil, err
	}
	if d.w, err = d.share(w); err != nil {
		return nil, err
	}
	if b != nil {
		if d.b, err = d.share(b); err != nil {
			return nil, err
		}
		if d.ones, err = d.onesColumn(xm.NrowsMax()); err != nil {
			return nil, err
		}
	}
	if d.y, err = d.output("output", xm.NrowsMax(), wm.NcolsMax(), device.Float32); err != nil {
		return nil, err
	}
	return d, nil
}

// Output returns y.
func (d *Dot) Output() *connector.Connector { return d.y }

// Fprop computes y.
func (d *Dot) Fprop() error {
	var err error
	if d.xv, err = d.x.Block(); err != nil {
		return err
	}
	if d.wv, err = d.w.Block(); err != nil {
		return err
	}
	if d.b != nil {
		if d.bv, err = d.b.Block(); err != nil {
			return err
		}
		if err := d.ones.SetNrows(d.xv.Nrows()); err != nil {
			return err
		}
	}
	return publish(d.y, d.ctx, d.xv.Nrows(), d.wv.Ncols(), func(y *matrix.Matrix) error {
		if err := y.AssignDot(d.ctx, d.xv, d.wv, kernel.NoTrans, kernel.NoTrans); err != nil {
			return err
		}
		if d.b != nil {
			return y.AddDot(d.ctx, d.ones, d.bv, kernel.NoTrans, kernel.NoTrans, 1)
		}
		return nil
	})
}

// Bprop contributes dx = dy*W^T, dW = x^T*dy and db = 1^T*dy.
func (d *Dot) Bprop() error {
	dy, err := d.y.BackwardBlock(d.ctx)
	if err != nil {
		return err
	}
	if err := contributeDot(d.x, d.ctx, dy, d.wv, kernel.NoTrans, kernel.Trans); err != nil {
		return err
	}
	if err := contributeDot(d.w, d.ctx, d.xv, dy, kernel.Trans, kernel.NoTrans); err != nil {
		return err
	}
	return contributeDot(d.b, d.ctx, d.ones, dy, kernel.Trans, kernel.NoTrans)
}
