package block

import (
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/kernel"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// Gate column blocks of the pre-activation matrix.
const (
	gateI = iota
	gateF
	gateO
	gateG
	numGates
)

// LSTMCell is one timestep of an LSTM layer:
//
//	z = x*W + hPrev*R + b,  [i f o g] = [sig sig sig tanh](z)
//	c = i*g + f*cPrev,      h = o*tanh(c)
//
// The previous state is zero when its connectors are nil (first step) or
// absent (the neighbouring step was skipped).
type LSTMCell struct {
	Base
	hidden int

	x, w, r, bias *connector.Registration
	prevC, prevH  *connector.Registration
	c, h          *connector.Connector

	z     *matrix.Matrix // pre-activations, reused as dz in Bprop
	act   *matrix.Matrix
	tanhC *matrix.Matrix
	dC    *matrix.Matrix
	tmp   *matrix.Matrix
	ones  *matrix.Matrix

	xv, wv, rv, bv *matrix.Matrix
	cPrev, hPrev   *matrix.Matrix
	present        bool
}

// NewLSTMCell creates a cell. prevC and prevH are both nil or both set.
func NewLSTMCell(s *session.Session, name string, ctx *device.Context, x, w, r, b, prevC, prevH *connector.Connector) (*LSTMCell, error) {
	wm, rm, bm := w.Forward(), r.Forward(), b.Forward()
	hidden := rm.NrowsMax()
	batch := x.Forward().NrowsMax()
	switch {
	case (prevC == nil) != (prevH == nil):
		return nil, errs.New(errs.Shape, "block.NewLSTMCell", "%s: previous c and h must both be set or both nil", name)
	case wm.NrowsMax() != x.Forward().NcolsMax() || wm.NcolsMax() != numGates*hidden:
		return nil, errs.New(errs.Shape, "block.NewLSTMCell", "%s: W is %dx%d, want %dx%d", name,
			wm.NrowsMax(), wm.NcolsMax(), x.Forward().NcolsMax(), numGates*hidden)
	case rm.NcolsMax() != numGates*hidden:
		return nil, errs.New(errs.Shape, "block.NewLSTMCell", "%s: R is %dx%d, want %dx%d", name,
			rm.NrowsMax(), rm.NcolsMax(), hidden, numGates*hidden)
	case bm.NrowsMax() != 1 || bm.NcolsMax() != numGates*hidden:
		return nil, errs.New(errs.Shape, "block.NewLSTMCell", "%s: b must be 1x%d", name, numGates*hidden)
	}

	l := &LSTMCell{Base: newBase(s, name, ctx), hidden: hidden}
	var err error
	for _, reg := range []struct {
		dst   **connector.Registration
		c     *connector.Connector
		share bool
	}{{&l.x, x, false}, {&l.w, w, true}, {&l.r, r, true}, {&l.bias, b, true}, {&l.prevC, prevC, false}, {&l.prevH, prevH, false}} {
		if reg.c == nil {
			continue
		}
		register := l.use
		if reg.share {
			register = l.share
		}
		if *reg.dst, err = register(reg.c); err != nil {
			return nil, err
		}
	}

	dev := ctx.Device().ID()
	for _, buf := range []struct {
		dst  **matrix.Matrix
		cols int
	}{{&l.z, numGates * hidden}, {&l.act, numGates * hidden}, {&l.tanhC, hidden}, {&l.dC, hidden}, {&l.tmp, hidden}} {
		if *buf.dst, err = matrix.Empty(s, batch, buf.cols, device.Float32, dev); err != nil {
			return nil, err
		}
	}
	if l.ones, err = l.onesColumn(batch); err != nil {
		return nil, err
	}
	if l.c, err = l.output("c", batch, hidden, device.Float32); err != nil {
		return nil, err
	}
	if l.h, err = l.output("h", batch, hidden, device.Float32); err != nil {
		return nil, err
	}
	return l, nil
}

// C returns the cell state connector.
func (l *LSTMCell) C() *connector.Connector { return l.c }

// H returns the hidden state connector.
func (l *LSTMCell) H() *connector.Connector { return l.h }

// gates returns the four column blocks of m.
func (l *LSTMCell) gates(m *matrix.Matrix) ([numGates]*matrix.Matrix, error) {
	var out [numGates]*matrix.Matrix
	for k := range out {
		v, err := m.Columns(k*l.hidden, (k+1)*l.hidden)
		if err != nil {
			return out, err
		}
		out[k] = v
	}
	return out, nil
}

func (l *LSTMCell) resize(batch int) error {
	for _, m := range []*matrix.Matrix{l.z, l.act, l.tanhC, l.dC, l.tmp, l.ones} {
		if err := m.SetNrows(batch); err != nil {
			return err
		}
	}
	return nil
}

// Fprop computes c and h for this timestep.
func (l *LSTMCell) Fprop() error {
	var err error
	for _, in := range []struct {
		dst **matrix.Matrix
		r   *connector.Registration
	}{{&l.xv, l.x}, {&l.wv, l.w}, {&l.rv, l.r}, {&l.bv, l.bias}} {
		if *in.dst, err = in.r.Block(); err != nil {
			return err
		}
	}
	l.present = l.prevH != nil && !l.prevH.Absent()
	switch {
	case l.present:
		if l.hPrev, err = l.prevH.Block(); err != nil {
			return err
		}
		if l.cPrev, err = l.prevC.Block(); err != nil {
			return err
		}
	case l.prevH != nil:
		if err := l.prevH.Skip(); err != nil {
			return err
		}
		if err := l.prevC.Skip(); err != nil {
			return err
		}
	}

	ctx, h := l.ctx, l.hidden
	batch := l.xv.Nrows()
	if err := l.resize(batch); err != nil {
		return err
	}
	if err := l.z.AssignDot(ctx, l.xv, l.wv, kernel.NoTrans, kernel.NoTrans); err != nil {
		return err
	}
	if l.present {
		if err := l.z.AddDot(ctx, l.hPrev, l.rv, kernel.NoTrans, kernel.NoTrans, 1); err != nil {
			return err
		}
	}
	if err := l.z.AddDot(ctx, l.ones, l.bv, kernel.NoTrans, kernel.NoTrans, 1); err != nil {
		return err
	}

	zifo, err := l.z.Columns(0, gateG*h)
	if err != nil {
		return err
	}
	aifo, err := l.act.Columns(0, gateG*h)
	if err != nil {
		return err
	}
	if err := aifo.AssignActivation(ctx, kernel.Sigmoid, zifo); err != nil {
		return err
	}
	zg, err := l.z.Columns(gateG*h, numGates*h)
	if err != nil {
		return err
	}
	a, err := l.gates(l.act)
	if err != nil {
		return err
	}
	if err := a[gateG].AssignActivation(ctx, kernel.Tanh, zg); err != nil {
		return err
	}

	if err := publish(l.c, ctx, batch, h, func(c *matrix.Matrix) error {
		if err := c.AssignHprod(ctx, a[gateI], a[gateG]); err != nil {
			return err
		}
		if l.present {
			return c.AddScaledHprod(ctx, a[gateF], l.cPrev, 1, 1)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := l.tanhC.AssignActivation(ctx, kernel.Tanh, l.c.Forward()); err != nil {
		return err
	}
	return publish(l.h, ctx, batch, h, func(hm *matrix.Matrix) error {
		return hm.AssignHprod(ctx, a[gateO], l.tanhC)
	})
}

// Bprop backpropagates through the gates into x, the parameters and the
// previous state.
func (l *LSTMCell) Bprop() error {
	ctx := l.ctx
	dh, err := l.h.BackwardBlock(ctx)
	if err != nil {
		return err
	}
	dc, err := l.c.BackwardBlock(ctx)
	if err != nil {
		return err
	}
	a, err := l.gates(l.act)
	if err != nil {
		return err
	}
	dz, err := l.gates(l.z)
	if err != nil {
		return err
	}

	steps := []func() error{
		// dC = dc + dh*o*(1 - tanh(c)^2)
		func() error { return l.tmp.AssignHprod(ctx, dh, a[gateO]) },
		func() error { return l.dC.Assign(ctx, dc) },
		func() error { return l.dC.AddActivationGrad(ctx, kernel.Tanh, l.tanhC, l.tmp) },
		// dz_o = dh*tanh(c)*o(1-o)
		func() error { return l.tmp.AssignHprod(ctx, dh, l.tanhC) },
		func() error { return dz[gateO].AssignActivationGrad(ctx, kernel.Sigmoid, a[gateO], l.tmp) },
		// dz_i = dC*g*i(1-i)
		func() error { return l.tmp.AssignHprod(ctx, l.dC, a[gateG]) },
		func() error { return dz[gateI].AssignActivationGrad(ctx, kernel.Sigmoid, a[gateI], l.tmp) },
		// dz_g = dC*i*(1-g^2)
		func() error { return l.tmp.AssignHprod(ctx, l.dC, a[gateI]) },
		func() error { return dz[gateG].AssignActivationGrad(ctx, kernel.Tanh, a[gateG], l.tmp) },
	}
	if l.present {
		steps = append(steps,
			func() error { return l.tmp.AssignHprod(ctx, l.dC, l.cPrev) },
			func() error { return dz[gateF].AssignActivationGrad(ctx, kernel.Sigmoid, a[gateF], l.tmp) },
		)
	} else {
		steps = append(steps, func() error { return dz[gateF].Fill(ctx, 0) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	if l.present {
		if err := contribute(l.prevC, func(g *matrix.Matrix) error {
			return g.AssignHprod(ctx, l.dC, a[gateF])
		}); err != nil {
			return err
		}
		if err := contributeDot(l.prevH, ctx, l.z, l.rv, kernel.NoTrans, kernel.Trans); err != nil {
			return err
		}
		if err := contributeDot(l.r, ctx, l.hPrev, l.z, kernel.Trans, kernel.NoTrans); err != nil {
			return err
		}
	} else if err := l.r.Skip(); err != nil {
		return err
	}

	if err := contributeDot(l.x, ctx, l.z, l.wv, kernel.NoTrans, kernel.Trans); err != nil {
		return err
	}
	if err := contributeDot(l.w, ctx, l.xv, l.z, kernel.Trans, kernel.NoTrans); err != nil {
		return err
	}
	return contributeDot(l.bias, ctx, l.ones, l.z, kernel.Trans, kernel.NoTrans)
}
