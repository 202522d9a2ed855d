package connector

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

func newSession(t *testing.T, debug bool) *session.Session {
	t.Helper()
	s, err := session.New(session.Options{Debug: debug})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newConnector(t *testing.T, s *session.Session, rows, cols int) (*Connector, *device.Context) {
	t.Helper()
	m, err := matrix.Empty(s, rows, cols, device.Float32, 0)
	require.NoError(t, err)
	owner := s.MustContext(0)
	return New(s, "x", m, owner), owner
}

func values(t *testing.T, m *matrix.Matrix) []float32 {
	t.Helper()
	h, err := m.ToHost()
	require.NoError(t, err)
	return h.Float32
}

func TestWriteBlockReadAcrossIterations(t *testing.T) {
	s := newSession(t, true)
	c, owner := newConnector(t, s, 2, 2)
	reader := s.MustContext(0)
	reg, err := c.RegisterUser("reader", reader, nil)
	require.NoError(t, err)

	for i, v := range []float32{1, 5, -3, 8} {
		c.Prepare(owner)
		require.NoError(t, c.Forward().Fill(owner, v))
		require.NoError(t, c.Fprop())
		assert.Equal(t, ForwardFresh, c.State())

		x, err := reg.Block()
		require.NoError(t, err)
		assert.Equal(t, Consumed, c.State())

		h := matrix.NewHost(2, 2, device.Float32)
		require.NoError(t, x.ToHostAsync(reader, &h))
		require.NoError(t, reader.Synchronize())
		assert.Equal(t, []float32{v, v, v, v}, h.Float32, "iteration %d", i)
	}
	assert.Equal(t, 4, c.Iteration())
}

func TestPrepareWaitsForPendingReads(t *testing.T) {
	s := newSession(t, true)
	c, owner := newConnector(t, s, 1, 3)
	reader := s.MustContext(0)
	reg, err := c.RegisterUser("reader", reader, nil)
	require.NoError(t, err)

	c.Prepare(owner)
	require.NoError(t, c.Forward().Fill(owner, 1))
	require.NoError(t, c.Fprop())
	x, err := reg.Block()
	require.NoError(t, err)

	hold := make(chan struct{})
	reader.Submit(func() error {
		<-hold
		return nil
	})
	h := matrix.NewHost(1, 3, device.Float32)
	require.NoError(t, x.ToHostAsync(reader, &h))

	// The next write must not overtake the pending read.
	c.Prepare(owner)
	require.NoError(t, c.Forward().Fill(owner, 2))
	require.NoError(t, c.Fprop())
	close(hold)

	require.NoError(t, s.Synchronize())
	assert.Equal(t, []float32{1, 1, 1}, h.Float32)
}

func TestPendingWriterOrderedBeforeFresh(t *testing.T) {
	s := newSession(t, true)
	c, _ := newConnector(t, s, 1, 2)
	writer := s.MustContext(0)
	reader := s.MustContext(0)
	reg, err := c.RegisterUser("reader", reader, nil)
	require.NoError(t, err)

	hold := make(chan struct{})
	c.Prepare(writer)
	writer.Submit(func() error {
		<-hold
		return nil
	})
	require.NoError(t, c.Forward().Fill(writer, 9))
	require.NoError(t, c.Fprop())
	x, err := reg.Block()
	require.NoError(t, err)
	h := matrix.NewHost(1, 2, device.Float32)
	require.NoError(t, x.ToHostAsync(reader, &h))
	close(hold)

	require.NoError(t, reader.Synchronize())
	assert.Equal(t, []float32{9, 9}, h.Float32)
}

func contribute(t *testing.T, r *Registration, v float32) {
	t.Helper()
	g, err := r.Gradient()
	require.NoError(t, err)
	require.NoError(t, g.Fill(r.Context(), v))
	require.NoError(t, r.Contribute())
}

func TestGradientAccumulationIsOrderIndependent(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}}
	for _, order := range orders {
		s := newSession(t, true)
		c, owner := newConnector(t, s, 2, 3)

		regs := make([]*Registration, 3)
		for i := range regs {
			scratch, err := matrix.EmptyLike(c.Forward())
			require.NoError(t, err)
			regs[i], err = c.RegisterUser("user", s.MustContext(0), scratch)
			require.NoError(t, err)
		}
		contributions := []float32{1, 10, 100}

		for iter := 0; iter < 2; iter++ {
			c.Prepare(owner)
			require.NoError(t, c.Forward().Fill(owner, 0))
			require.NoError(t, c.Fprop())
			for _, r := range regs {
				_, err := r.Block()
				require.NoError(t, err)
			}
			for _, i := range order {
				contribute(t, regs[i], contributions[i]*float32(iter+1))
			}
			assert.Equal(t, BackwardAccumulating, c.State())

			bwd, err := c.BackwardBlock(owner)
			require.NoError(t, err)
			assert.Equal(t, BackwardComplete, c.State())
			want := 111 * float32(iter+1)
			assert.Equal(t, []float32{want, want, want, want, want, want}, values(t, bwd), "order %v", order)
		}
	}
}

func TestBackwardBlockWithoutContributionsIsZero(t *testing.T) {
	s := newSession(t, true)
	c, owner := newConnector(t, s, 1, 2)
	p, err := c.RegisterProducer("p", s.MustContext(0), nil)
	require.NoError(t, err)
	assert.True(t, c.HasGradient())

	require.NoError(t, c.Fprop())
	assert.Equal(t, Consumed, c.State(), "no users: fresh value counts as consumed")
	require.NoError(t, p.Skip())

	bwd, err := c.BackwardBlock(owner)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, values(t, bwd))
}

func TestSkippedProducerCountsAsAccounted(t *testing.T) {
	s := newSession(t, true)
	c, owner := newConnector(t, s, 1, 1)
	a, err := c.RegisterProducer("a", s.MustContext(0), nil)
	require.NoError(t, err)
	b, err := c.RegisterProducer("b", s.MustContext(0), nil)
	require.NoError(t, err)

	require.NoError(t, c.Fprop())
	contribute(t, a, 4)

	_, err = c.BackwardBlock(owner)
	assert.True(t, errors.Is(err, errs.ErrProtocol), "b not accounted")

	require.NoError(t, b.Skip())
	bwd, err := c.BackwardBlock(owner)
	require.NoError(t, err)
	assert.Equal(t, []float32{4}, values(t, bwd))
}

func TestProtocolViolationsInDebugMode(t *testing.T) {
	s := newSession(t, true)
	c, owner := newConnector(t, s, 2, 2)
	reader := s.MustContext(0)
	_, err := c.RegisterUser("reader", reader, nil)
	require.NoError(t, err)

	require.NoError(t, c.Fprop())
	assert.True(t, errors.Is(c.Fprop(), errs.ErrProtocol), "second fprop before consumed")
	assert.True(t, errors.Is(c.SetNrows(1), errs.ErrProtocol), "shape change while fresh")
	assert.Equal(t, 2, c.Nrows())

	_, err = c.Block(s.MustContext(0))
	assert.True(t, errors.Is(err, errs.ErrProtocol), "unregistered context")

	_, err = c.Block(reader)
	require.NoError(t, err)
	assert.NoError(t, c.SetNrows(1))
	_, err = c.BackwardBlock(owner)
	assert.NoError(t, err)
}

func TestConsumedNeedsEveryUser(t *testing.T) {
	s := newSession(t, true)
	c, _ := newConnector(t, s, 2, 2)
	a, err := c.RegisterUser("a", s.MustContext(0), nil)
	require.NoError(t, err)
	b, err := c.RegisterUser("b", s.MustContext(0), nil)
	require.NoError(t, err)

	require.NoError(t, c.Fprop())
	_, err = a.Block()
	require.NoError(t, err)
	_, err = a.Block()
	require.NoError(t, err)
	assert.Equal(t, 2, c.Consumptions())
	assert.Equal(t, ForwardFresh, c.State(), "b has not read the value")
	assert.True(t, errors.Is(c.Fprop(), errs.ErrProtocol), "second fprop while b is pending")

	_, err = b.Block()
	require.NoError(t, err)
	assert.Equal(t, Consumed, c.State())
	require.NoError(t, c.Fprop())
	assert.Equal(t, 0, c.Consumptions())
}

func TestGradientWithoutScratch(t *testing.T) {
	for _, debug := range []bool{true, false} {
		s := newSession(t, debug)
		c, _ := newConnector(t, s, 2, 2)
		r, err := c.RegisterUser("reader", s.MustContext(0), nil)
		require.NoError(t, err)
		require.NoError(t, c.Fprop())
		_, err = r.Block()
		require.NoError(t, err)

		g, err := r.Gradient()
		assert.Nil(t, g)
		assert.True(t, errors.Is(err, errs.ErrProtocol), "debug=%v", debug)
		assert.True(t, errors.Is(r.Contribute(), errs.ErrProtocol), "debug=%v", debug)
	}
}

func TestSharedUsersAddIntoOneScratch(t *testing.T) {
	s := newSession(t, true)
	c, owner := newConnector(t, s, 1, 2)
	c.SetSharedGradient(true)
	require.True(t, c.SharesGradient())

	ctx := s.MustContext(0)
	var steps []*Registration
	for _, name := range []string{"t0", "t1", "t2"} {
		r, err := c.RegisterSharedUser(name, ctx)
		require.NoError(t, err)
		assert.True(t, r.Contributes())
		steps = append(steps, r)
	}
	other, err := c.RegisterSharedUser("other", s.MustContext(0))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Producers(), "one scratch per context")
	assert.Equal(t, 4, c.Users())

	ones, err := matrix.Empty(s, 1, 2, device.Float32, 0)
	require.NoError(t, err)
	require.NoError(t, ones.SyncFill(1))

	c.Prepare(owner)
	require.NoError(t, c.Fprop())
	for _, r := range append(steps, other) {
		_, err := r.Block()
		require.NoError(t, err)
	}
	assert.False(t, steps[0].Accumulated())
	g, err := steps[0].Gradient()
	require.NoError(t, err)
	require.NoError(t, g.Fill(ctx, 3))
	require.NoError(t, steps[0].Contribute())

	assert.True(t, steps[1].Accumulated())
	g2, err := steps[1].Gradient()
	require.NoError(t, err)
	assert.Same(t, g, g2)
	require.NoError(t, g2.AddScaled(ctx, 2, ones))
	require.NoError(t, steps[1].Contribute())
	require.NoError(t, steps[2].Skip())
	require.NoError(t, other.Skip())

	bwd, err := c.BackwardBlock(owner)
	require.NoError(t, err)
	require.NoError(t, owner.Synchronize())
	assert.Equal(t, []float32{5, 5}, values(t, bwd))

	c.Prepare(owner)
	require.NoError(t, c.Fprop())
	assert.False(t, steps[1].Accumulated())
	for _, r := range append(steps, other) {
		require.NoError(t, r.Skip())
	}
	assert.Equal(t, Consumed, c.State())
	bwd, err = c.BackwardBlock(owner)
	require.NoError(t, err)
	require.NoError(t, owner.Synchronize())
	assert.Equal(t, []float32{0, 0}, values(t, bwd))
}

func TestProtocolViolationsOutsideDebugAreLogged(t *testing.T) {
	s := newSession(t, false)
	c, _ := newConnector(t, s, 2, 2)
	_, err := c.RegisterUser("reader", s.MustContext(0), nil)
	require.NoError(t, err)

	require.NoError(t, c.Fprop())
	assert.NoError(t, c.Fprop())
	assert.NoError(t, c.SetNrows(1))
	assert.Equal(t, 1, c.Nrows())
}

func TestAbsentOwner(t *testing.T) {
	s := newSession(t, true)
	c, owner := newConnector(t, s, 1, 1)
	scratch, _ := matrix.EmptyLike(c.Forward())
	reg, err := c.RegisterUser("next", s.MustContext(0), scratch)
	require.NoError(t, err)

	c.Skip()
	assert.True(t, reg.Absent())
	require.NoError(t, reg.Skip())

	c.Prepare(owner)
	require.NoError(t, c.Fprop())
	assert.False(t, reg.Absent())
}

func TestRegisterRejectsMismatchedScratch(t *testing.T) {
	s := newSession(t, true)
	c, _ := newConnector(t, s, 4, 4)
	small, _ := matrix.Empty(s, 2, 4, device.Float32, 0)
	_, err := c.RegisterUser("u", s.MustContext(0), small)
	assert.True(t, errors.Is(err, errs.ErrShape))

	ints, _ := matrix.Empty(s, 4, 4, device.Int32, 0)
	ic := New(s, "ids", ints, s.MustContext(0))
	_, err = ic.RegisterProducer("p", s.MustContext(0), nil)
	assert.True(t, errors.Is(err, errs.ErrShape))
}

func TestNeedsGradient(t *testing.T) {
	s := newSession(t, true)
	c, _ := newConnector(t, s, 1, 1)
	assert.True(t, c.NeedsGradient())
	c.SetNeedsGradient(false)
	assert.False(t, c.NeedsGradient())

	ints, _ := matrix.Empty(s, 1, 1, device.Int32, 0)
	assert.False(t, New(s, "ids", ints, s.MustContext(0)).NeedsGradient())
}
