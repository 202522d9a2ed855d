package connector

import (
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
)

// Registration is one block's handle on a connector: a reader, a gradient
// contributor, or both.
type Registration struct {
	c       *Connector
	block   string
	ctx     *device.Context
	scratch *matrix.Matrix
	shared  *sharedGradient
	user    bool

	consumed    bool
	contributed bool
	skipped     bool
}

// Connector returns the connector registered on.
func (r *Registration) Connector() *Connector { return r.c }

// Context returns the registered context.
func (r *Registration) Context() *device.Context { return r.ctx }

// BlockName returns the registering block's name.
func (r *Registration) BlockName() string { return r.block }

// Contributes reports whether the registration carries gradient scratch.
func (r *Registration) Contributes() bool { return r.scratch != nil || r.shared != nil }

// Accumulated reports whether the shared scratch already holds another
// user's contribution this iteration. Writers then add instead of assign.
func (r *Registration) Accumulated() bool { return r.shared != nil && r.shared.written }

// Absent reports whether the connector's owner skipped this iteration.
func (r *Registration) Absent() bool { return r.c.Absent() }

// Block makes the registered context wait for the fresh forward value and
// returns the forward matrix. Each call counts one consumption.
func (r *Registration) Block() (*matrix.Matrix, error) {
	c := r.c
	if !r.user {
		if err := c.violation("Block", "%s is registered as producer only", r.block); err != nil {
			return nil, err
		}
	}
	switch c.state {
	case ForwardFresh, Consumed:
	default:
		if err := c.violation("Block", "%s blocks in state %s", r.block, c.state); err != nil {
			return nil, err
		}
	}
	r.ctx.WaitEvent(c.fresh)
	c.markConsumed(r)
	return c.fwd, nil
}

// Gradient returns the scratch sized to the current forward shape, after
// the registered context waited for the previous accumulation that read it.
func (r *Registration) Gradient() (*matrix.Matrix, error) {
	c := r.c
	if r.shared != nil {
		return r.shared.prod.Gradient()
	}
	if r.scratch == nil {
		return nil, errs.New(errs.Protocol, "connector.Gradient", "%s: %s has no gradient scratch", c.name, r.block)
	}
	if err := r.scratch.SetShape(c.fwd.Nrows(), c.fwd.Ncols()); err != nil {
		return nil, err
	}
	r.ctx.Wait(c.lastAccum)
	return r.scratch, nil
}

// Contribute marks the scratch as holding this iteration's contribution.
func (r *Registration) Contribute() error {
	c := r.c
	switch c.state {
	case Consumed, BackwardAccumulating:
	default:
		if err := c.violation("Contribute", "%s contributes in state %s", r.block, c.state); err != nil {
			return err
		}
	}
	if !r.Contributes() {
		return errs.New(errs.Protocol, "connector.Contribute", "%s: %s has no gradient scratch", c.name, r.block)
	}
	if r.contributed || r.skipped {
		if err := c.violation("Contribute", "%s already accounted", r.block); err != nil {
			return err
		}
	}
	r.contributed = true
	if c.state == Consumed {
		c.state = BackwardAccumulating
	}
	if r.shared != nil {
		r.shared.written = true
		return r.shared.settle()
	}
	return nil
}

// Skip accounts the registration as consumed (for a reader) and as absent
// (for a contributor) in this iteration. It never waits.
func (r *Registration) Skip() error {
	c := r.c
	switch c.state {
	case ForwardFresh, Consumed, BackwardAccumulating, Absent:
	default:
		if err := c.violation("Skip", "%s skips in state %s", r.block, c.state); err != nil {
			return err
		}
	}
	if r.user && !r.consumed {
		c.markConsumed(r)
	}
	if r.Contributes() && !r.contributed {
		r.skipped = true
	}
	if r.shared != nil {
		return r.shared.settle()
	}
	return nil
}
