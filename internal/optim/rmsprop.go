package optim

import (
	"github.com/born-ml/rnnflow/internal/block"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// RMSPropStep scales each gradient by a running average of its magnitude.
//
// Update rule:
//
//	acc = decay * acc + (1 - decay) * g²
//	p   = p - lr * g / sqrt(acc + eps)
type RMSPropStep struct {
	paramStep
	decay   float32
	epsilon float32
	acc     []*matrix.Matrix
}

// RMSPropConfig holds configuration for RMSPropStep.
type RMSPropConfig struct {
	Decay   float32 // default: 0.9
	Epsilon float32 // default: 1e-6
}

// NewRMSPropStep creates an RMSProp step over params.
func NewRMSPropStep(s *session.Session, params []*block.Parameter, policy LearningRatePolicy, cfg RMSPropConfig) (*RMSPropStep, error) {
	if cfg.Decay == 0 {
		cfg.Decay = 0.9
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-6
	}
	ps, err := newParamStep(s, params, policy)
	if err != nil {
		return nil, err
	}
	acc, err := ps.state()
	if err != nil {
		return nil, err
	}
	return &RMSPropStep{paramStep: ps, decay: cfg.Decay, epsilon: cfg.Epsilon, acc: acc}, nil
}

// Notify applies one update.
func (st *RMSPropStep) Notify() error {
	lr := st.policy.LearningRate()
	return st.each(func(i int, ctx *device.Context, p, g *matrix.Matrix) error {
		acc := st.acc[i]
		if err := acc.AddScaledHprod(ctx, g, g, 1-st.decay, st.decay); err != nil {
			return err
		}
		return p.AddScaledDivSqrt(ctx, -lr, g, acc, st.epsilon)
	})
}

// Accumulators returns the running squared-gradient averages.
func (st *RMSPropStep) Accumulators() []*matrix.Matrix {
	return st.acc
}
