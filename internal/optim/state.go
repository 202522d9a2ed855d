package optim

import (
	"fmt"
	"strings"

	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
)

// Stateful is a Step whose running state is saved with checkpoints so a
// resumed run continues the same update sequence.
type Stateful interface {
	Step
	// StateValues downloads the state keyed by checkpoint entry name.
	StateValues() (map[string]matrix.Host, error)
	// LoadState restores state saved by StateValues. Entries absent from
	// values leave the corresponding state zeroed.
	LoadState(values map[string]matrix.Host) error
}

// StateEntry names the checkpoint entry holding slot of parameter param.
func StateEntry(param, slot string) string {
	return param + "@" + slot
}

// IsStateEntry reports whether a checkpoint entry holds step state rather
// than a parameter.
func IsStateEntry(name string) bool {
	return strings.Contains(name, "@")
}

// download adds bufs to out, one entry per parameter.
func (ps *paramStep) download(out map[string]matrix.Host, slot string, bufs []*matrix.Matrix) error {
	for i, p := range ps.params {
		h, err := bufs[i].ToHost()
		if err != nil {
			return fmt.Errorf("optim: %s: %w", p.Name(), err)
		}
		out[StateEntry(p.Name(), slot)] = h
	}
	return nil
}

// upload copies the slot entries of values into bufs. It fails on a
// partial slot, so state from a different model never mixes with zeros.
func (ps *paramStep) upload(values map[string]matrix.Host, slot string, bufs []*matrix.Matrix) error {
	found := 0
	for _, p := range ps.params {
		if _, ok := values[StateEntry(p.Name(), slot)]; ok {
			found++
		}
	}
	if found == 0 {
		return nil
	}
	for i, p := range ps.params {
		name := StateEntry(p.Name(), slot)
		h, ok := values[name]
		if !ok {
			return errs.New(errs.Shape, "optim.LoadState", "missing state %q", name)
		}
		b := bufs[i]
		if h.Rows != b.Nrows() || h.Cols != b.Ncols() || h.Float32 == nil {
			return errs.New(errs.Shape, "optim.LoadState", "%s: got %dx%d, want %dx%d float32",
				name, h.Rows, h.Cols, b.Nrows(), b.Ncols())
		}
		ctx := ps.ctxs[i]
		ctx.Wait(b.LastModification())
		if err := b.ToDevice(ctx, h); err != nil {
			return err
		}
		if err := ctx.Synchronize(); err != nil {
			return err
		}
	}
	return nil
}

// StateValues returns the velocities, or nothing without momentum.
func (st *SGDStep) StateValues() (map[string]matrix.Host, error) {
	out := make(map[string]matrix.Host)
	if st.velocity == nil {
		return out, nil
	}
	return out, st.download(out, "sgd.velocity", st.velocity)
}

// LoadState restores the velocities.
func (st *SGDStep) LoadState(values map[string]matrix.Host) error {
	if st.velocity == nil {
		return nil
	}
	return st.upload(values, "sgd.velocity", st.velocity)
}

// StateValues returns the squared-gradient averages.
func (st *RMSPropStep) StateValues() (map[string]matrix.Host, error) {
	out := make(map[string]matrix.Host)
	return out, st.download(out, "rmsprop.acc", st.acc)
}

// LoadState restores the squared-gradient averages.
func (st *RMSPropStep) LoadState(values map[string]matrix.Host) error {
	return st.upload(values, "rmsprop.acc", st.acc)
}

// adamStepEntry holds the bias-correction step count as a 1x1 int32.
var adamStepEntry = StateEntry("", "adam.t")

// StateValues returns both moments and the step count.
func (st *AdamStep) StateValues() (map[string]matrix.Host, error) {
	out := map[string]matrix.Host{
		adamStepEntry: {Rows: 1, Cols: 1, Int32: []int32{int32(st.t)}}, //nolint:gosec // G115: iteration count
	}
	if err := st.download(out, "adam.m", st.m); err != nil {
		return nil, err
	}
	return out, st.download(out, "adam.v", st.v)
}

// LoadState restores both moments and the step count.
func (st *AdamStep) LoadState(values map[string]matrix.Host) error {
	if h, ok := values[adamStepEntry]; ok {
		if len(h.Int32) != 1 {
			return errs.New(errs.Shape, "optim.LoadState", "%s must be a 1x1 int32", adamStepEntry)
		}
		st.t = int(h.Int32[0])
	}
	if err := st.upload(values, "adam.m", st.m); err != nil {
		return err
	}
	return st.upload(values, "adam.v", st.v)
}
