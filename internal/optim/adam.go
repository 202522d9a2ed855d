package optim

import (
	"math"

	"github.com/born-ml/rnnflow/internal/block"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/session"
)

// AdamStep implements Adam (Adaptive Moment Estimation).
//
// Update rule:
//
//	m = beta1 * m + (1-beta1) * g
//	v = beta2 * v + (1-beta2) * g²
//	p = p - lr_t * m / sqrt(v + eps_t²)
//
// with lr_t = lr * sqrt(1-beta2^t) / (1-beta1^t) and eps_t = eps * sqrt(1-beta2^t).
// This is the bias-corrected update with eps folded under the square root.
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type AdamStep struct {
	paramStep
	beta1, beta2 float32
	eps          float32
	t            int
	m, v         []*matrix.Matrix
}

// AdamConfig holds configuration for AdamStep.
type AdamConfig struct {
	Betas [2]float32 // default: [0.9, 0.999]
	Eps   float32    // default: 1e-8
}

// NewAdamStep creates an Adam step over params.
func NewAdamStep(s *session.Session, params []*block.Parameter, policy LearningRatePolicy, cfg AdamConfig) (*AdamStep, error) {
	if cfg.Betas[0] == 0 {
		cfg.Betas[0] = 0.9
	}
	if cfg.Betas[1] == 0 {
		cfg.Betas[1] = 0.999
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}
	ps, err := newParamStep(s, params, policy)
	if err != nil {
		return nil, err
	}
	m, err := ps.state()
	if err != nil {
		return nil, err
	}
	v, err := ps.state()
	if err != nil {
		return nil, err
	}
	return &AdamStep{paramStep: ps, beta1: cfg.Betas[0], beta2: cfg.Betas[1], eps: cfg.Eps, m: m, v: v}, nil
}

// Notify applies one update.
func (st *AdamStep) Notify() error {
	st.t++
	c1 := 1 - math.Pow(float64(st.beta1), float64(st.t))
	c2 := math.Sqrt(1 - math.Pow(float64(st.beta2), float64(st.t)))
	lr := float32(float64(st.policy.LearningRate()) * c2 / c1)
	eps := float32(float64(st.eps) * c2)

	return st.each(func(i int, ctx *device.Context, p, g *matrix.Matrix) error {
		m, v := st.m[i], st.v[i]
		if err := m.Scale(ctx, st.beta1); err != nil {
			return err
		}
		if err := m.AddScaled(ctx, 1-st.beta1, g); err != nil {
			return err
		}
		if err := v.AddScaledHprod(ctx, g, g, 1-st.beta2, st.beta2); err != nil {
			return err
		}
		return p.AddScaledDivSqrt(ctx, -lr, m, v, eps*eps)
	})
}
