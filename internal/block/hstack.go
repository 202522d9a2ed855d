package block

import (
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// HorizontalStack concatenates its inputs column-wise into a buffer sized
// to the maximum combined width.
type HorizontalStack struct {
	Base
	in     []*connector.Registration
	parts  []*matrix.Matrix
	widths []int
	y      *connector.Connector
}

// NewHorizontalStack creates a stack block. maxWidth 0 means the sum of the
// inputs' column capacities.
func NewHorizontalStack(s *session.Session, name string, ctx *device.Context, maxWidth int, inputs ...*connector.Connector) (*HorizontalStack, error) {
	if len(inputs) == 0 {
		return nil, errs.New(errs.Shape, "block.NewHorizontalStack", "%s: no inputs", name)
	}
	rows, width := 0, 0
	for _, c := range inputs {
		rows = max(rows, c.Forward().NrowsMax())
		width += c.Forward().NcolsMax()
	}
	if maxWidth == 0 {
		maxWidth = width
	}
	h := &HorizontalStack{Base: newBase(s, name, ctx)}
	for _, c := range inputs {
		r, err := h.use(c)
		if err != nil {
			return nil, err
		}
		h.in = append(h.in, r)
	}
	h.parts = make([]*matrix.Matrix, len(inputs))
	h.widths = make([]int, len(inputs))
	var err error
	if h.y, err = h.output("output", rows, maxWidth, device.Float32); err != nil {
		return nil, err
	}
	return h, nil
}

// Output returns the stacked matrix.
func (h *HorizontalStack) Output() *connector.Connector { return h.y }

// Fprop stacks the inputs. It fails with a capacity error, leaving the
// output untouched, when the current widths exceed the buffer.
func (h *HorizontalStack) Fprop() error {
	total := 0
	for _, r := range h.in {
		total += r.Connector().Ncols()
	}
	if total > h.y.Forward().NcolsMax() {
		return errs.New(errs.Capacity, "block.HorizontalStack", "%s: combined width %d exceeds capacity %d",
			h.name, total, h.y.Forward().NcolsMax())
	}
	for i, r := range h.in {
		m, err := r.Block()
		if err != nil {
			return err
		}
		h.parts[i] = m
		h.widths[i] = m.Ncols()
	}
	return publish(h.y, h.ctx, h.parts[0].Nrows(), total, func(y *matrix.Matrix) error {
		return y.AssignHstack(h.ctx, h.parts...)
	})
}

// Bprop splits the gradient by the widths of the last Fprop.
func (h *HorizontalStack) Bprop() error {
	dy, err := h.y.BackwardBlock(h.ctx)
	if err != nil {
		return err
	}
	start := 0
	for i, r := range h.in {
		w := h.widths[i]
		lo := start
		if err := contribute(r, func(g *matrix.Matrix) error {
			src, err := dy.Columns(lo, lo+w)
			if err != nil {
				return err
			}
			return g.Assign(h.ctx, src)
		}); err != nil {
			return err
		}
		start += w
	}
	return nil
}
