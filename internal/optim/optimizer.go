// Package optim drives training of a dataflow model.
//
// An Optimizer repeats forward pass, backward pass, learning-rate policy,
// update steps and observers until its stopping criterion holds:
//
//	policy := optim.NewFixed(0.005)
//	step, err := optim.NewRMSPropStep(s, m.Parameters(), policy, optim.RMSPropConfig{})
//	if err != nil {
//	    return err
//	}
//	o := optim.New(s, optim.MaxIter(40000), policy, m)
//	o.AddStep(step)
//	o.AddObserver(optim.NewTrainLossTracker(m, 350, s.Log))
//	err = o.Optimize(ctx)
//
// Update steps issue their work on one context per parameter. Each step
// orders its update after the gradient's last write and after every reader
// of the current value, so consecutive iterations overlap on the device
// without races.
package optim

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/born-ml/rnnflow/internal/block"
	"github.com/born-ml/rnnflow/internal/session"
)

// Model is the graph an Optimizer trains.
type Model interface {
	Fprop() error
	Bprop() error
	LossTotals() (sum, weight float64, err error)
	Parameters() []*block.Parameter
	SetTrainingMode()
	SetTestingMode()
}

// LearningRatePolicy supplies the current learning rate. Notify is called
// once per iteration before the update steps.
type LearningRatePolicy interface {
	Notify()
	LearningRate() float32
}

// Step applies one parameter update per call.
type Step interface {
	Notify() error
}

// Observer runs after the update steps of every iteration.
type Observer interface {
	Notify(iteration int) error
}

// StoppingCriterion decides when training ends.
type StoppingCriterion interface {
	Stop(iteration int) bool
}

// MaxIter stops after a fixed number of iterations.
type MaxIter int

// Stop reports whether iteration reached the limit.
func (m MaxIter) Stop(iteration int) bool {
	return iteration >= int(m)
}

// Optimizer runs the training loop.
type Optimizer struct {
	s         *session.Session
	criterion StoppingCriterion
	policy    LearningRatePolicy
	model     Model
	steps     []Step
	observers []Observer
	iteration int
	log       *slog.Logger
}

// New creates an optimizer. Steps and observers are added separately.
func New(s *session.Session, criterion StoppingCriterion, policy LearningRatePolicy, model Model) *Optimizer {
	return &Optimizer{
		s:         s,
		criterion: criterion,
		policy:    policy,
		model:     model,
		log:       s.Log,
	}
}

// AddStep appends an update step.
func (o *Optimizer) AddStep(step Step) {
	o.steps = append(o.steps, step)
}

// AddObserver appends an observer. Observers run in the order added.
func (o *Optimizer) AddObserver(obs Observer) {
	o.observers = append(o.observers, obs)
}

// Iteration returns the number of completed iterations.
func (o *Optimizer) Iteration() int {
	return o.iteration
}

// SetIteration resumes counting from a checkpointed iteration.
func (o *Optimizer) SetIteration(iteration int) {
	o.iteration = iteration
}

// Policy returns the learning-rate policy.
func (o *Optimizer) Policy() LearningRatePolicy {
	return o.policy
}

// Optimize trains until the stopping criterion holds or ctx is done.
// Cancellation is checked between iterations only. The session is
// synchronized before Optimize returns successfully.
func (o *Optimizer) Optimize(ctx context.Context) error {
	o.model.SetTrainingMode()
	for !o.criterion.Stop(o.iteration) {
		select {
		case <-ctx.Done():
			o.log.Info("training interrupted", "iteration", o.iteration)
			return ctx.Err()
		default:
		}

		if err := o.iterate(); err != nil {
			return fmt.Errorf("optim: iteration %d: %w", o.iteration, err)
		}
		o.iteration++
	}
	if err := o.s.Synchronize(); err != nil {
		return fmt.Errorf("optim: synchronize: %w", err)
	}
	o.log.Info("training finished", "iteration", o.iteration)
	return nil
}

func (o *Optimizer) iterate() error {
	if err := o.model.Fprop(); err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	if err := o.model.Bprop(); err != nil {
		return fmt.Errorf("backward: %w", err)
	}
	o.policy.Notify()
	for _, step := range o.steps {
		if err := step.Notify(); err != nil {
			return fmt.Errorf("step: %w", err)
		}
	}
	for _, obs := range o.observers {
		if err := obs.Notify(o.iteration); err != nil {
			return err
		}
	}
	return nil
}
