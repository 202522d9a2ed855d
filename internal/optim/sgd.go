package optim

import (
	"github.com/born-ml/rnnflow/internal/block"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// SGDStep implements stochastic gradient descent with optional momentum.
//
// Update rule:
//
//	v = momentum * v + g
//	p = p - lr * v
//
// With zero momentum the velocity is skipped and p = p - lr * g.
type SGDStep struct {
	paramStep
	momentum float32
	velocity []*matrix.Matrix
}

// SGDConfig holds configuration for SGDStep.
type SGDConfig struct {
	Momentum float32 // default: 0
}

// NewSGDStep creates an SGD step over params.
func NewSGDStep(s *session.Session, params []*block.Parameter, policy LearningRatePolicy, cfg SGDConfig) (*SGDStep, error) {
	ps, err := newParamStep(s, params, policy)
	if err != nil {
		return nil, err
	}
	step := &SGDStep{paramStep: ps, momentum: cfg.Momentum}
	if cfg.Momentum != 0 {
		if step.velocity, err = ps.state(); err != nil {
			return nil, err
		}
	}
	return step, nil
}

// Notify applies one update.
func (st *SGDStep) Notify() error {
	lr := st.policy.LearningRate()
	return st.each(func(i int, ctx *device.Context, p, g *matrix.Matrix) error {
		if st.velocity == nil {
			return p.AddScaled(ctx, -lr, g)
		}
		v := st.velocity[i]
		if err := v.Scale(ctx, st.momentum); err != nil {
			return err
		}
		if err := v.AddScaled(ctx, 1, g); err != nil {
			return err
		}
		return p.AddScaled(ctx, -lr, v)
	})
}
