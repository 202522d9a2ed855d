package block

import (
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// ColumnSelector copies column j of its input into a column output. It
// unrolls a batch x time matrix into per-timestep inputs.
type ColumnSelector struct {
	Base
	j  int
	in *connector.Registration
	y  *connector.Connector
}

// NewColumnSelector creates a selector for column j.
func NewColumnSelector(s *session.Session, name string, ctx *device.Context, j int, in *connector.Connector) (*ColumnSelector, error) {
	m := in.Forward()
	if j < 0 || j >= m.NcolsMax() {
		return nil, errs.New(errs.Bounds, "block.NewColumnSelector", "%s: column %d outside [0, %d)", name, j, m.NcolsMax())
	}
	c := &ColumnSelector{Base: newBase(s, name, ctx), j: j}
	var err error
	if c.in, err = c.use(in); err != nil {
		return nil, err
	}
	if c.y, err = c.output("output", m.NrowsMax(), 1, m.DType()); err != nil {
		return nil, err
	}
	if m.DType() != device.Float32 {
		c.y.SetNeedsGradient(false)
	}
	return c, nil
}

// Output returns the selected column.
func (c *ColumnSelector) Output() *connector.Connector { return c.y }

// Column returns the selected index.
func (c *ColumnSelector) Column() int { return c.j }

// Fprop copies the column.
func (c *ColumnSelector) Fprop() error {
	m, err := c.in.Block()
	if err != nil {
		return err
	}
	col, err := m.Column(c.j)
	if err != nil {
		return err
	}
	if c.j >= m.Ncols() {
		return errs.New(errs.Bounds, "block.ColumnSelector", "%s: column %d beyond current width %d", c.name, c.j, m.Ncols())
	}
	return publish(c.y, c.ctx, m.Nrows(), 1, func(y *matrix.Matrix) error {
		return y.Assign(c.ctx, col)
	})
}

// Bprop places dy in column j of an otherwise zero gradient.
func (c *ColumnSelector) Bprop() error {
	if !c.y.NeedsGradient() {
		return c.in.Skip()
	}
	dy, err := c.y.BackwardBlock(c.ctx)
	if err != nil {
		return err
	}
	return contribute(c.in, func(g *matrix.Matrix) error {
		if err := g.Fill(c.ctx, 0); err != nil {
			return err
		}
		col, err := g.Column(c.j)
		if err != nil {
			return err
		}
		return col.Assign(c.ctx, dy)
	})
}
