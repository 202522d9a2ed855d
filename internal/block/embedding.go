package block

import (
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// Embedding looks up one table row per id: y(i, :) = table(ids(i), :).
type Embedding struct {
	Base
	ids, table *connector.Registration
	y          *connector.Connector
	idv, tv    *matrix.Matrix
}

// NewEmbedding creates a lookup block over an int32 id column.
func NewEmbedding(s *session.Session, name string, ctx *device.Context, ids, table *connector.Connector) (*Embedding, error) {
	im := ids.Forward()
	if im.DType() != device.Int32 || im.NcolsMax() != 1 {
		return nil, errs.New(errs.Shape, "block.NewEmbedding", "%s: ids must be an int32 column, got %dx%d %s",
			name, im.NrowsMax(), im.NcolsMax(), im.DType())
	}
	e := &Embedding{Base: newBase(s, name, ctx)}
	var err error
	if e.ids, err = e.read(ids); err != nil {
		return nil, err
	}
	if e.table, err = e.share(table); err != nil {
		return nil, err
	}
	if e.y, err = e.output("output", im.NrowsMax(), table.Forward().NcolsMax(), device.Float32); err != nil {
		return nil, err
	}
	return e, nil
}

// Output returns the gathered rows.
func (e *Embedding) Output() *connector.Connector { return e.y }

// Fprop gathers the rows. An id outside the table faults the stream.
func (e *Embedding) Fprop() error {
	var err error
	if e.idv, err = e.ids.Block(); err != nil {
		return err
	}
	if e.tv, err = e.table.Block(); err != nil {
		return err
	}
	return publish(e.y, e.ctx, e.idv.Nrows(), e.tv.Ncols(), func(y *matrix.Matrix) error {
		return y.AssignGatherRows(e.ctx, e.tv, e.idv)
	})
}

// Bprop scatters dy into the table gradient, zeroed by the first writer of
// the iteration.
func (e *Embedding) Bprop() error {
	dy, err := e.y.BackwardBlock(e.ctx)
	if err != nil {
		return err
	}
	return contribute(e.table, func(g *matrix.Matrix) error {
		if !e.table.Accumulated() {
			if err := g.Fill(e.ctx, 0); err != nil {
				return err
			}
		}
		return g.AddScatterRows(e.ctx, dy, e.idv)
	})
}
