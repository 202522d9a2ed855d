package optim

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/rnnflow/internal/block"
	"github.com/born-ml/rnnflow/internal/connector"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/serialization"
	"github.com/born-ml/rnnflow/internal/session"
)

func newSession(t *testing.T, log *slog.Logger) *session.Session {
	t.Helper()
	s, err := session.New(session.Options{Debug: true, Log: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// constModel owns one parameter whose gradient is a fixed matrix.
type constModel struct {
	t      *testing.T
	p      *block.Parameter
	reg    *connector.Registration
	ctx    *device.Context
	grad   matrix.Host
	events *[]string

	fprops  int
	testing bool
	batches int // validation batches per pass
	left    int
}

func newConstModel(t *testing.T, s *session.Session, value, grad [][]float32) *constModel {
	t.Helper()
	v, err := matrix.FromHost(s, matrix.HostFromRows(value), device.Float32, 0)
	require.NoError(t, err)
	p, err := block.NewParameter(s, "w", s.MustContext(0), v)
	require.NoError(t, err)
	ctx := s.MustContext(0)
	reg, err := p.Output().RegisterProducer("loss", ctx, nil)
	require.NoError(t, err)
	events := []string{}
	return &constModel{t: t, p: p, reg: reg, ctx: ctx, grad: matrix.HostFromRows(grad), events: &events, batches: 3, left: 3}
}

func (m *constModel) record(e string) { *m.events = append(*m.events, e) }

func (m *constModel) Fprop() error {
	if m.testing {
		if m.left == 0 {
			m.left = m.batches
			return errs.ErrExhausted
		}
		m.left--
	}
	m.fprops++
	m.record("fprop")
	return m.p.Fprop()
}

func (m *constModel) Bprop() error {
	m.record("bprop")
	g, err := m.reg.Gradient()
	if err != nil {
		return err
	}
	if err := g.ToDevice(m.ctx, m.grad); err != nil {
		return err
	}
	if err := m.ctx.Synchronize(); err != nil {
		return err
	}
	if err := m.reg.Contribute(); err != nil {
		return err
	}
	return m.p.Bprop()
}

func (m *constModel) LossTotals() (float64, float64, error) {
	return float64(m.fprops), 1, nil
}

func (m *constModel) Parameters() []*block.Parameter { return []*block.Parameter{m.p} }
func (m *constModel) SetTrainingMode()               { m.testing = false }
func (m *constModel) SetTestingMode()                { m.testing = true }

func (m *constModel) ParameterValues() (map[string]matrix.Host, error) {
	h, err := m.p.Value().ToHost()
	if err != nil {
		return nil, err
	}
	return map[string]matrix.Host{m.p.Name(): h}, nil
}

func (m *constModel) step(t *testing.T, st Step) {
	t.Helper()
	require.NoError(t, m.Fprop())
	require.NoError(t, m.Bprop())
	require.NoError(t, st.Notify())
}

func valueOf(t *testing.T, m *matrix.Matrix) []float32 {
	t.Helper()
	h, err := m.ToHost()
	require.NoError(t, err)
	return h.Float32
}

func assertAll(t *testing.T, want float64, got []float32, msg string) {
	t.Helper()
	for i, v := range got {
		assert.InDelta(t, want, v, 1e-5, "%s[%d]", msg, i)
	}
}

func TestRMSPropStep(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1, 1}, {1, 1}}, [][]float32{{2, 2}, {2, 2}})
	st, err := NewRMSPropStep(s, m.Parameters(), NewFixed(0.1), RMSPropConfig{})
	require.NoError(t, err)
	assert.Equal(t, float32(0.9), st.decay)
	assert.Equal(t, float32(1e-6), st.epsilon)

	m.step(t, st)
	assertAll(t, 0.4, valueOf(t, st.Accumulators()[0]), "acc")
	p1 := 1 - 0.1*2/math.Sqrt(0.4+1e-6)
	assertAll(t, p1, valueOf(t, m.p.Value()), "p")

	m.step(t, st)
	assertAll(t, 0.76, valueOf(t, st.Accumulators()[0]), "acc")
	assertAll(t, p1-0.1*2/math.Sqrt(0.76+1e-6), valueOf(t, m.p.Value()), "p")
}

func TestSGDStep(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1}}, [][]float32{{1}})
	st, err := NewSGDStep(s, m.Parameters(), NewFixed(0.1), SGDConfig{})
	require.NoError(t, err)
	m.step(t, st)
	assertAll(t, 0.9, valueOf(t, m.p.Value()), "p")
	m.step(t, st)
	assertAll(t, 0.8, valueOf(t, m.p.Value()), "p")
}

func TestSGDStepMomentum(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1}}, [][]float32{{1}})
	st, err := NewSGDStep(s, m.Parameters(), NewFixed(0.1), SGDConfig{Momentum: 0.9})
	require.NoError(t, err)

	// v1 = 1, x1 = 0.9; v2 = 1.9, x2 = 0.71
	m.step(t, st)
	assertAll(t, 0.9, valueOf(t, m.p.Value()), "p")
	m.step(t, st)
	assertAll(t, 0.71, valueOf(t, m.p.Value()), "p")
}

func TestAdamStep(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1}}, [][]float32{{1}})
	st, err := NewAdamStep(s, m.Parameters(), NewFixed(0.001), AdamConfig{})
	require.NoError(t, err)

	// m_hat = v_hat = 1 after the first step
	m.step(t, st)
	assertAll(t, 0.999, valueOf(t, m.p.Value()), "p")

	// constant gradient keeps the corrected ratio at 1
	m.step(t, st)
	assertAll(t, 0.998, valueOf(t, m.p.Value()), "p")
}

func TestStepWithoutGradient(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1}}, [][]float32{{1}})
	st, err := NewSGDStep(s, m.Parameters(), NewFixed(0.1), SGDConfig{})
	require.NoError(t, err)
	require.Len(t, st.Contexts(), 1)
	assert.Error(t, st.Notify())
}

func TestScheduledPolicy(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	_, err := NewScheduled(map[int]float32{5: 0.1}, log)
	assert.Error(t, err)
	_, err = NewScheduled(map[int]float32{0: 0.1, -1: 0.2}, log)
	assert.Error(t, err)

	p, err := NewScheduled(map[int]float32{0: 0.1, 2: 0.01}, log)
	require.NoError(t, err)
	var rates []float32
	for i := 0; i < 4; i++ {
		p.Notify()
		rates = append(rates, p.LearningRate())
	}
	assert.Equal(t, []float32{0.1, 0.1, 0.01, 0.01}, rates)
	assert.Equal(t, 2, strings.Count(buf.String(), `msg="learning rate"`))
	assert.Contains(t, buf.String(), "iteration=2")

	p.Skip(2)
	assert.Equal(t, float32(0.1), p.LearningRate())
	p.Notify()
	assert.Equal(t, float32(0.01), p.LearningRate())
	p.Skip(10)
	assert.Equal(t, float32(0.01), p.LearningRate())
}

func TestFixedPolicy(t *testing.T) {
	p := NewFixed(0.5)
	p.Notify()
	assert.Equal(t, float32(0.5), p.LearningRate())
	p.SetLearningRate(0.25)
	assert.Equal(t, float32(0.25), p.LearningRate())
}

type recordingPolicy struct {
	*Fixed
	events *[]string
}

func (p recordingPolicy) Notify() { *p.events = append(*p.events, "policy") }

type recordingStep struct {
	inner  Step
	events *[]string
}

func (s recordingStep) Notify() error {
	*s.events = append(*s.events, "step")
	return s.inner.Notify()
}

type recordingObserver struct {
	events     *[]string
	iterations []int
}

func (o *recordingObserver) Notify(iteration int) error {
	*o.events = append(*o.events, "observer")
	o.iterations = append(o.iterations, iteration)
	return nil
}

func TestOptimizerLoopOrder(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1}}, [][]float32{{1}})
	policy := recordingPolicy{Fixed: NewFixed(0.1), events: m.events}
	sgd, err := NewSGDStep(s, m.Parameters(), policy, SGDConfig{})
	require.NoError(t, err)
	obs := &recordingObserver{events: m.events}

	o := New(s, MaxIter(3), policy, m)
	o.AddStep(recordingStep{inner: sgd, events: m.events})
	o.AddObserver(obs)
	require.NoError(t, o.Optimize(context.Background()))

	assert.Equal(t, 3, o.Iteration())
	assert.Equal(t, []int{0, 1, 2}, obs.iterations)
	assert.Equal(t, []string{"fprop", "bprop", "policy", "step", "observer"}, (*m.events)[:5])
	assert.Len(t, *m.events, 15)
	assertAll(t, 0.7, valueOf(t, m.p.Value()), "p")

	// resuming past the limit runs nothing
	o.SetIteration(3)
	require.NoError(t, o.Optimize(context.Background()))
	assert.Len(t, *m.events, 15)
}

func TestOptimizeStopsOnCancel(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1}}, [][]float32{{1}})
	o := New(s, MaxIter(100), NewFixed(0.1), m)

	ctx, cancel := context.WithCancel(context.Background())
	obs := ObserverFunc(func(iteration int) error {
		if iteration == 1 {
			cancel()
		}
		return nil
	})
	o.AddObserver(obs)
	err := o.Optimize(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, o.Iteration())
}

func TestOptimizerWrapsErrors(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1}}, [][]float32{{1}})
	o := New(s, MaxIter(5), NewFixed(0.1), m)
	o.AddObserver(ObserverFunc(func(int) error { return errs.ErrKernel }))
	err := o.Optimize(context.Background())
	assert.ErrorIs(t, err, errs.ErrKernel)
	assert.Contains(t, err.Error(), "iteration 0")
}

func TestMaxIter(t *testing.T) {
	assert.False(t, MaxIter(2).Stop(1))
	assert.True(t, MaxIter(2).Stop(2))
	assert.True(t, MaxIter(0).Stop(0))
}

func TestTrainLossTracker(t *testing.T) {
	var buf bytes.Buffer
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1}}, [][]float32{{1}})
	tr := NewTrainLossTracker(m, 2, slog.New(slog.NewTextHandler(&buf, nil)))

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Fprop())
		require.NoError(t, tr.Notify(i))
	}
	// losses are 1, 2, 3, 4: windows average 1.5 and 3.5
	assert.Equal(t, 2, strings.Count(buf.String(), `msg="train loss"`))
	assert.Contains(t, buf.String(), "loss=1.5")
	assert.InDelta(t, 3.5, tr.Last(), 1e-12)
}

func TestValidLossTracker(t *testing.T) {
	var buf bytes.Buffer
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1}}, [][]float32{{1}})
	tr := NewValidLossTracker(m, 5, slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, tr.Notify(3))
	assert.Zero(t, tr.Passes())

	require.NoError(t, tr.Notify(5))
	assert.Equal(t, 1, tr.Passes())
	assert.False(t, m.testing)
	assert.Equal(t, 3, m.fprops)
	// losses 1, 2, 3 each with weight 1
	assert.InDelta(t, 2.0, tr.Last(), 1e-12)
	assert.Contains(t, buf.String(), `msg="valid loss"`)

	loss, err := tr.Evaluate()
	require.NoError(t, err)
	assert.InDelta(t, 5.0, loss, 1e-12)
	assert.Equal(t, 2, tr.Passes())
}

func TestSaverWritesCheckpoints(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1, 2}, {3, 4}}, [][]float32{{0, 0}, {0, 0}})
	dir := t.TempDir()
	sv := NewSaver(m, NewFixed(0.05), SaverConfig{Dir: dir, Period: 2, Definition: []byte("x: {}\n"), Optimizer: "sgd"}, discard())

	for i := 0; i < 4; i++ {
		require.NoError(t, sv.Notify(i))
	}
	assert.Equal(t, CheckpointPath(dir, 4), sv.Last())
	_, err := os.Stat(CheckpointPath(dir, 2))
	require.NoError(t, err)
	_, err = os.Stat(CheckpointPath(dir, 1))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	ck, err := serialization.LoadCheckpoint(sv.Last())
	require.NoError(t, err)
	assert.Equal(t, 4, ck.Training.Iteration)
	assert.Equal(t, "sgd", ck.Training.Optimizer)
	assert.InDelta(t, 0.05, ck.Training.LearningRate, 1e-7)
	assert.Equal(t, []byte("x: {}\n"), ck.Definition)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, ck.Parameters["w"].RowMajor())
}

func TestSGDMomentumStateResumes(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1}}, [][]float32{{1}})
	st, err := NewSGDStep(s, m.Parameters(), NewFixed(0.1), SGDConfig{Momentum: 0.9})
	require.NoError(t, err)
	m.step(t, st)
	state, err := st.StateValues()
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, state[StateEntry("w", "sgd.velocity")].Float32)

	// a restarted run at x1 = 0.9 reaches x2 = 0.71 only with v1 restored
	resumed := newConstModel(t, s, [][]float32{{0.9}}, [][]float32{{1}})
	st2, err := NewSGDStep(s, resumed.Parameters(), NewFixed(0.1), SGDConfig{Momentum: 0.9})
	require.NoError(t, err)
	require.NoError(t, st2.LoadState(state))
	resumed.step(t, st2)
	assertAll(t, 0.71, valueOf(t, resumed.p.Value()), "p")

	fresh := newConstModel(t, s, [][]float32{{0.9}}, [][]float32{{1}})
	st3, err := NewSGDStep(s, fresh.Parameters(), NewFixed(0.1), SGDConfig{Momentum: 0.9})
	require.NoError(t, err)
	require.NoError(t, st3.LoadState(map[string]matrix.Host{}))
	fresh.step(t, st3)
	assertAll(t, 0.8, valueOf(t, fresh.p.Value()), "p")
}

func TestAdamStateResumes(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1}}, [][]float32{{1}})
	st, err := NewAdamStep(s, m.Parameters(), NewFixed(0.001), AdamConfig{})
	require.NoError(t, err)
	m.step(t, st)
	state, err := st.StateValues()
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, state[StateEntry("", "adam.t")].Int32)
	for name := range state {
		assert.True(t, IsStateEntry(name), name)
	}
	assert.False(t, IsStateEntry("w"))
	assert.Contains(t, state, StateEntry("w", "adam.m"))
	assert.Contains(t, state, StateEntry("w", "adam.v"))

	resumed := newConstModel(t, s, [][]float32{{0.999}}, [][]float32{{1}})
	st2, err := NewAdamStep(s, resumed.Parameters(), NewFixed(0.001), AdamConfig{})
	require.NoError(t, err)
	require.NoError(t, st2.LoadState(state))
	assert.Equal(t, 1, st2.t)
	resumed.step(t, st2)
	assertAll(t, 0.998, valueOf(t, resumed.p.Value()), "p")

	bad := map[string]matrix.Host{StateEntry("w", "adam.m"): {Rows: 2, Cols: 1, Float32: []float32{0, 0}}}
	assert.ErrorIs(t, st2.LoadState(bad), errs.ErrShape)
}

func TestSaverWritesStepState(t *testing.T) {
	s := newSession(t, nil)
	m := newConstModel(t, s, [][]float32{{1, 2}}, [][]float32{{1, 1}})
	st, err := NewRMSPropStep(s, m.Parameters(), NewFixed(0.1), RMSPropConfig{})
	require.NoError(t, err)
	m.step(t, st)

	dir := t.TempDir()
	sv := NewSaver(m, NewFixed(0.1), SaverConfig{Dir: dir, Period: 1, Optimizer: "rmsprop", State: st}, discard())
	require.NoError(t, sv.Save(1))
	ck, err := serialization.LoadCheckpoint(sv.Last())
	require.NoError(t, err)
	acc := ck.Parameters[StateEntry("w", "rmsprop.acc")]
	require.Len(t, acc.Float32, 2)
	assert.InDelta(t, 0.1, acc.Float32[0], 1e-6)
	assert.Contains(t, ck.Parameters, "w")
}
