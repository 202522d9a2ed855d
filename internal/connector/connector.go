// Package connector implements graph edges: a forward matrix written by one
// owner block and read by registered users, plus a backward matrix that
// accumulates the users' gradient contributions.
//
// Ordering between streams is expressed only through stream waits. Per
// iteration the protocol is:
//
//	owner:      Prepare(ctx) -> write Forward() -> Fprop()
//	user:       reg.Block() -> read
//	contributor (backward): reg.Gradient() -> write scratch -> reg.Contribute()
//	owner (backward): BackwardBlock(ctx) -> read the summed gradient
//
// A user that does not run this iteration calls reg.Skip instead.
package connector

import (
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// State is the position of a connector in its per-iteration protocol.
type State int

// Connector states.
const (
	Idle State = iota
	ForwardFresh
	Consumed
	BackwardAccumulating
	BackwardComplete
	Absent // the owner skipped this iteration
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ForwardFresh:
		return "forward-fresh"
	case Consumed:
		return "consumed"
	case BackwardAccumulating:
		return "backward-accumulating"
	case BackwardComplete:
		return "backward-complete"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Connector is one edge of the graph.
type Connector struct {
	s     *session.Session
	name  string
	fwd   *matrix.Matrix
	bwd   *matrix.Matrix
	owner *device.Context

	state     State
	iteration int
	fresh     *device.Event
	pending   []*device.Context // writers besides the owner since the last Fprop
	lastAccum *device.Context

	users     []*Registration
	producers []*Registration
	consumed  int // Block calls this iteration
	readers   int // distinct users that blocked or skipped
	noGrad    bool

	sharing bool
	shared  map[*device.Context]*sharedGradient
}

// sharedGradient is one producer scratch that several users issuing on the
// same context add into.
type sharedGradient struct {
	prod    *Registration
	members []*Registration
	written bool // a member wrote the scratch this iteration
}

// settle accounts the producer once every member contributed or skipped.
func (g *sharedGradient) settle() error {
	for _, m := range g.members {
		if !m.contributed && !m.skipped {
			return nil
		}
	}
	if g.prod.contributed || g.prod.skipped {
		return nil
	}
	if g.written {
		return g.prod.Contribute()
	}
	return g.prod.Skip()
}

// New wraps forward, written on the owner context, in a connector.
func New(s *session.Session, name string, forward *matrix.Matrix, owner *device.Context) *Connector {
	return &Connector{s: s, name: name, fwd: forward, owner: owner}
}

// Name returns the connector name.
func (c *Connector) Name() string { return c.name }

// State returns the current protocol state.
func (c *Connector) State() State { return c.state }

// Iteration returns the number of completed Fprop calls.
func (c *Connector) Iteration() int { return c.iteration }

// Owner returns the context that produces the forward value.
func (c *Connector) Owner() *device.Context { return c.owner }

// Forward returns the forward matrix for the owner to write.
func (c *Connector) Forward() *matrix.Matrix { return c.fwd }

// Absent reports whether the owner skipped the current iteration.
func (c *Connector) Absent() bool { return c.state == Absent }

// NeedsGradient reports whether users should register gradient scratch.
// Int32 connectors never need gradients.
func (c *Connector) NeedsGradient() bool {
	return !c.noGrad && c.fwd.DType() == device.Float32
}

// SetNeedsGradient is called by owners that never read their backward matrix.
func (c *Connector) SetNeedsGradient(v bool) { c.noGrad = !v }

// SetSharedGradient asks users to register with RegisterSharedUser, adding
// the gradients of every user on one context into a single scratch. Parameters read by every timestep
// set it so their gradient memory does not grow with the unroll length.
func (c *Connector) SetSharedGradient(v bool) { c.sharing = v }

// SharesGradient reports whether users should register with RegisterSharedUser.
func (c *Connector) SharesGradient() bool { return c.sharing && c.NeedsGradient() }

// HasGradient reports whether any gradient contributor is registered.
func (c *Connector) HasGradient() bool { return len(c.producers) > 0 }

// Users returns the number of registered readers.
func (c *Connector) Users() int { return len(c.users) }

// Nrows returns the logical row count of the forward matrix.
func (c *Connector) Nrows() int { return c.fwd.Nrows() }

// Ncols returns the logical column count of the forward matrix.
func (c *Connector) Ncols() int { return c.fwd.Ncols() }

// violation reports a protocol error in debug mode and logs it otherwise.
func (c *Connector) violation(op, format string, args ...any) error {
	err := errs.New(errs.Protocol, "connector."+op, c.name+": "+format, args...)
	if c.s.Debug {
		return err
	}
	c.s.Log.Debug("connector protocol violation", "connector", c.name, "state", c.state.String(), "error", err.Error())
	return nil
}

func (c *Connector) checkScratch(op string, scratch *matrix.Matrix) error {
	if scratch.DType() != device.Float32 || c.fwd.DType() != device.Float32 {
		return errs.New(errs.Shape, op, "%s: gradients need float32 matrices", c.name)
	}
	if scratch.NrowsMax() < c.fwd.NrowsMax() || scratch.NcolsMax() < c.fwd.NcolsMax() {
		return errs.New(errs.Shape, op, "%s: scratch capacity %dx%d below forward capacity %dx%d", c.name,
			scratch.NrowsMax(), scratch.NcolsMax(), c.fwd.NrowsMax(), c.fwd.NcolsMax())
	}
	return nil
}

// RegisterUser registers a reader of the forward value issuing on ctx.
// A non-nil scratch makes the user a gradient contributor.
func (c *Connector) RegisterUser(block string, ctx *device.Context, scratch *matrix.Matrix) (*Registration, error) {
	if ctx == nil {
		return nil, errs.New(errs.Device, "connector.RegisterUser", "%s: nil context for %s", c.name, block)
	}
	if scratch != nil {
		if err := c.checkScratch("connector.RegisterUser", scratch); err != nil {
			return nil, err
		}
	}
	r := &Registration{c: c, block: block, ctx: ctx, scratch: scratch, user: true}
	c.users = append(c.users, r)
	if scratch != nil {
		c.producers = append(c.producers, r)
	}
	return r, nil
}

// RegisterProducer registers a gradient writer that does not read the
// forward value. A nil scratch is allocated with the forward capacity.
func (c *Connector) RegisterProducer(block string, ctx *device.Context, scratch *matrix.Matrix) (*Registration, error) {
	if ctx == nil {
		return nil, errs.New(errs.Device, "connector.RegisterProducer", "%s: nil context for %s", c.name, block)
	}
	if scratch == nil {
		if c.fwd.DType() != device.Float32 {
			return nil, errs.New(errs.Shape, "connector.RegisterProducer", "%s: gradients need float32 matrices", c.name)
		}
		var err error
		if scratch, err = matrix.EmptyLike(c.fwd); err != nil {
			return nil, err
		}
	} else if err := c.checkScratch("connector.RegisterProducer", scratch); err != nil {
		return nil, err
	}
	r := &Registration{c: c, block: block, ctx: ctx, scratch: scratch}
	c.producers = append(c.producers, r)
	return r, nil
}

// RegisterSharedUser registers a reader issuing on ctx whose gradient is
// added into the one scratch shared by every shared user on ctx. The first
// writer of an iteration assigns; later writers see Accumulated and add.
func (c *Connector) RegisterSharedUser(block string, ctx *device.Context) (*Registration, error) {
	if ctx == nil {
		return nil, errs.New(errs.Device, "connector.RegisterSharedUser", "%s: nil context for %s", c.name, block)
	}
	g := c.shared[ctx]
	if g == nil {
		prod, err := c.RegisterProducer(block, ctx, nil)
		if err != nil {
			return nil, err
		}
		g = &sharedGradient{prod: prod}
		if c.shared == nil {
			c.shared = make(map[*device.Context]*sharedGradient)
		}
		c.shared[ctx] = g
	}
	r := &Registration{c: c, block: block, ctx: ctx, user: true, shared: g}
	g.members = append(g.members, r)
	c.users = append(c.users, r)
	return r, nil
}

// Producers returns the number of gradient scratch buffers registered.
func (c *Connector) Producers() int { return len(c.producers) }

// SetNrows resizes the forward and backward matrices.
func (c *Connector) SetNrows(n int) error {
	return c.setShape("SetNrows", n, c.fwd.Ncols())
}

// SetNcols resizes the forward and backward matrices.
func (c *Connector) SetNcols(n int) error {
	return c.setShape("SetNcols", c.fwd.Nrows(), n)
}

// SetShape resizes the forward and backward matrices.
func (c *Connector) SetShape(nrows, ncols int) error {
	return c.setShape("SetShape", nrows, ncols)
}

func (c *Connector) setShape(op string, nrows, ncols int) error {
	if c.state == ForwardFresh && (nrows != c.fwd.Nrows() || ncols != c.fwd.Ncols()) {
		if err := c.violation(op, "shape change to %dx%d while forward value is unread", nrows, ncols); err != nil {
			return err
		}
	}
	if err := c.fwd.SetShape(nrows, ncols); err != nil {
		return err
	}
	if c.bwd != nil {
		return c.bwd.SetShape(nrows, ncols)
	}
	return nil
}

// Prepare orders writer after every read of the previous forward value.
// Call it before writing Forward() for the next iteration.
func (c *Connector) Prepare(writer *device.Context) {
	for _, u := range c.users {
		writer.Wait(u.ctx)
	}
	if writer != c.owner {
		for _, p := range c.pending {
			if p == writer {
				return
			}
		}
		c.pending = append(c.pending, writer)
	}
}

// Fprop publishes the forward value written since Prepare.
func (c *Connector) Fprop() error {
	switch c.state {
	case Idle, Consumed, BackwardComplete, Absent:
	default:
		if err := c.violation("Fprop", "fprop in state %s", c.state); err != nil {
			return err
		}
	}
	for _, p := range c.pending {
		c.owner.Wait(p)
	}
	c.pending = c.pending[:0]
	c.fresh = c.owner.Record()
	c.reset()
	if len(c.users) == 0 {
		c.state = Consumed
	} else {
		c.state = ForwardFresh
	}
	return nil
}

// Skip marks the forward value absent for this iteration. Users see
// Absent() and skip their registrations.
func (c *Connector) Skip() {
	c.pending = c.pending[:0]
	c.reset()
	c.state = Absent
}

func (c *Connector) reset() {
	c.iteration++
	c.consumed, c.readers = 0, 0
	for _, r := range c.users {
		r.consumed, r.contributed, r.skipped = false, false, false
	}
	for _, r := range c.producers {
		r.contributed, r.skipped = false, false
	}
	for _, g := range c.shared {
		g.written = false
	}
}

// Block makes ctx wait for the fresh forward value and returns it. ctx must
// belong to a registered user.
func (c *Connector) Block(ctx *device.Context) (*matrix.Matrix, error) {
	for _, u := range c.users {
		if u.ctx == ctx && !u.consumed {
			return u.Block()
		}
	}
	for _, u := range c.users {
		if u.ctx == ctx {
			return u.Block()
		}
	}
	if err := c.violation("Block", "block by unregistered context"); err != nil {
		return nil, err
	}
	ctx.WaitEvent(c.fresh)
	return c.fwd, nil
}

// markConsumed counts one read by r. The value is consumed once every
// registered user has read it, however often any single user did.
func (c *Connector) markConsumed(r *Registration) {
	c.consumed++
	if !r.consumed {
		r.consumed = true
		c.readers++
	}
	if c.state == ForwardFresh && c.readers == len(c.users) {
		c.state = Consumed
	}
}

// Consumptions returns the number of Block calls since the last Fprop.
func (c *Connector) Consumptions() int { return c.consumed }

func (c *Connector) accounted() (int, int) {
	done := 0
	for _, p := range c.producers {
		if p.contributed || p.skipped {
			done++
		}
	}
	return done, len(c.producers)
}

// BackwardBlock waits for every contribution and returns the backward matrix
// holding their sum, or zeros when every producer skipped.
func (c *Connector) BackwardBlock(ctx *device.Context) (*matrix.Matrix, error) {
	switch c.state {
	case Consumed, BackwardAccumulating:
	default:
		if err := c.violation("BackwardBlock", "backward block in state %s", c.state); err != nil {
			return nil, err
		}
	}
	if done, total := c.accounted(); done != total {
		if err := c.violation("BackwardBlock", "%d of %d producers accounted", done, total); err != nil {
			return nil, err
		}
	}
	if c.bwd == nil {
		bwd, err := matrix.EmptyLike(c.fwd)
		if err != nil {
			return nil, err
		}
		c.bwd = bwd
	}
	if err := c.bwd.SetShape(c.fwd.Nrows(), c.fwd.Ncols()); err != nil {
		return nil, err
	}
	first := true
	for _, p := range c.producers {
		if !p.contributed {
			continue
		}
		ctx.Wait(p.ctx)
		var err error
		if first {
			err = c.bwd.Assign(ctx, p.scratch)
		} else {
			err = c.bwd.AddScaled(ctx, 1, p.scratch)
		}
		if err != nil {
			return nil, err
		}
		first = false
	}
	if first {
		if err := c.bwd.Fill(ctx, 0); err != nil {
			return nil, err
		}
	}
	c.lastAccum = ctx
	c.state = BackwardComplete
	return c.bwd, nil
}

// Backward returns the backward matrix, or nil before the first BackwardBlock.
func (c *Connector) Backward() *matrix.Matrix { return c.bwd }
