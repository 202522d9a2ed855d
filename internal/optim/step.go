package optim

import (
	"fmt"

	"github.com/born-ml/rnnflow/internal/block"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// paramStep holds one context per parameter.
type paramStep struct {
	s      *session.Session
	params []*block.Parameter
	ctxs   []*device.Context
	policy LearningRatePolicy
}

func newParamStep(s *session.Session, params []*block.Parameter, policy LearningRatePolicy) (paramStep, error) {
	ps := paramStep{s: s, params: params, policy: policy, ctxs: make([]*device.Context, len(params))}
	for i, p := range params {
		ctx, err := s.NewContext(p.Value().Device())
		if err != nil {
			return paramStep{}, fmt.Errorf("optim: %s: %w", p.Name(), err)
		}
		ps.ctxs[i] = ctx
	}
	return ps, nil
}

// state allocates one zeroed buffer per parameter.
func (ps *paramStep) state() ([]*matrix.Matrix, error) {
	out := make([]*matrix.Matrix, len(ps.params))
	for i, p := range ps.params {
		v := p.Value()
		m, err := matrix.Empty(ps.s, v.Nrows(), v.Ncols(), device.Float32, v.Device())
		if err != nil {
			return nil, fmt.Errorf("optim: %s: %w", p.Name(), err)
		}
		out[i] = m
	}
	return out, nil
}

// each orders an update of every parameter after the gradient's last write
// and the value's readers, then calls update on the parameter's context.
func (ps *paramStep) each(update func(i int, ctx *device.Context, value, grad *matrix.Matrix) error) error {
	for i, p := range ps.params {
		g := p.Gradient()
		if g == nil {
			return fmt.Errorf("optim: %s has no gradient", p.Name())
		}
		ctx := ps.ctxs[i]
		p.PrepareUpdate(ctx)
		ctx.Wait(g.LastModification())
		if err := update(i, ctx, p.Value(), g); err != nil {
			return fmt.Errorf("optim: %s: %w", p.Name(), err)
		}
	}
	return nil
}

// Contexts returns the per-parameter update contexts.
func (ps *paramStep) Contexts() []*device.Context {
	return ps.ctxs
}
