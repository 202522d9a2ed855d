package block

import (
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// SoftmaxCE is a loss block: softmax over the logits' rows followed by
// masked cross-entropy against integer labels. The loss is copied to the
// host asynchronously; the gradient wrt the logits is computed in Fprop
// and contributed in Bprop.
type SoftmaxCE struct {
	Base
	logits, labels, mask *connector.Registration

	probs *matrix.Matrix
	grad  *matrix.Matrix
	loss  *matrix.Matrix
	host  matrix.Host
	ready *device.Event
	// skipped is set when the block was absent this iteration.
	skipped bool
}

// NewSoftmaxCE creates a loss block. mask may be nil, weighting every row by one.
func NewSoftmaxCE(s *session.Session, name string, ctx *device.Context, logits, labels, mask *connector.Connector) (*SoftmaxCE, error) {
	lm := logits.Forward()
	if lm.DType() != device.Float32 {
		return nil, errs.New(errs.Shape, "block.NewSoftmaxCE", "%s: logits must be float32", name)
	}
	if labels.Forward().DType() != device.Int32 || labels.Forward().NrowsMax() != lm.NrowsMax() {
		return nil, errs.New(errs.Shape, "block.NewSoftmaxCE", "%s: labels must be an int32 column of %d rows", name, lm.NrowsMax())
	}
	if mask != nil && (mask.Forward().DType() != device.Float32 || mask.Forward().NrowsMax() != lm.NrowsMax()) {
		return nil, errs.New(errs.Shape, "block.NewSoftmaxCE", "%s: mask must be a float32 column of %d rows", name, lm.NrowsMax())
	}
	l := &SoftmaxCE{Base: newBase(s, name, ctx), host: matrix.NewHost(2, 1, device.Float32)}
	var err error
	if l.logits, err = l.use(logits); err != nil {
		return nil, err
	}
	if l.labels, err = l.read(labels); err != nil {
		return nil, err
	}
	if mask != nil {
		if l.mask, err = l.read(mask); err != nil {
			return nil, err
		}
	}
	dev := ctx.Device().ID()
	if l.probs, err = matrix.Empty(s, lm.NrowsMax(), lm.NcolsMax(), device.Float32, dev); err != nil {
		return nil, err
	}
	if l.grad, err = matrix.Empty(s, lm.NrowsMax(), lm.NcolsMax(), device.Float32, dev); err != nil {
		return nil, err
	}
	if l.loss, err = matrix.Empty(s, 2, 1, device.Float32, dev); err != nil {
		return nil, err
	}
	return l, nil
}

// Probabilities returns the softmax of the last Fprop.
func (l *SoftmaxCE) Probabilities() *matrix.Matrix { return l.probs }

// Fprop computes the probabilities, the loss and the logits gradient.
func (l *SoftmaxCE) Fprop() error {
	l.skipped = false
	x, err := l.logits.Block()
	if err != nil {
		return err
	}
	y, err := l.labels.Block()
	if err != nil {
		return err
	}
	var w *matrix.Matrix
	if l.mask != nil {
		if w, err = l.mask.Block(); err != nil {
			return err
		}
	}
	for _, m := range []*matrix.Matrix{l.probs, l.grad} {
		if err := m.SetShape(x.Nrows(), x.Ncols()); err != nil {
			return err
		}
	}
	if err := l.probs.AssignSoftmaxRows(l.ctx, x); err != nil {
		return err
	}
	if err := l.grad.AssignSoftmaxCEGrad(l.ctx, l.probs, y, w, l.loss); err != nil {
		return err
	}
	if err := l.loss.ToHostAsync(l.ctx, &l.host); err != nil {
		return err
	}
	l.ready = l.ctx.Record()
	return nil
}

// Skip accounts the block as absent; its loss is zero with zero weight.
func (l *SoftmaxCE) Skip() error {
	l.skipped = true
	l.ready = nil
	return l.Base.Skip()
}

// Loss blocks until the last Fprop's loss reached the host and returns the
// masked sum of -log p and the sum of the mask.
func (l *SoftmaxCE) Loss() (sum, weight float64, err error) {
	if l.skipped || l.ready == nil {
		return 0, 0, nil
	}
	l.ready.Synchronize()
	if err := l.ctx.Stream().Err(); err != nil {
		return 0, 0, err
	}
	return float64(l.host.Float32[0]), float64(l.host.Float32[1]), nil
}

// Bprop contributes the gradient computed in Fprop.
func (l *SoftmaxCE) Bprop() error {
	return contribute(l.logits, func(g *matrix.Matrix) error {
		return g.Assign(l.ctx, l.grad)
	})
}
