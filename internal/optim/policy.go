package optim

import (
	"fmt"
	"log/slog"
)

// Fixed is a constant learning rate.
type Fixed struct {
	rate float32
}

// NewFixed returns a constant policy.
func NewFixed(rate float32) *Fixed {
	return &Fixed{rate: rate}
}

// Notify does nothing.
func (f *Fixed) Notify() {}

// LearningRate returns the constant rate.
func (f *Fixed) LearningRate() float32 { return f.rate }

// SetLearningRate replaces the rate.
func (f *Fixed) SetLearningRate(rate float32) { f.rate = rate }

// Scheduled switches the learning rate at given iterations.
type Scheduled struct {
	schedule  map[int]float32
	iteration int
	rate      float32
	log       *slog.Logger
}

// NewScheduled returns a policy following schedule, which maps an iteration
// to the rate used from that iteration on. The schedule must set iteration 0.
func NewScheduled(schedule map[int]float32, log *slog.Logger) (*Scheduled, error) {
	rate, ok := schedule[0]
	if !ok {
		return nil, fmt.Errorf("optim: learning rate schedule has no entry for iteration 0")
	}
	for it := range schedule {
		if it < 0 {
			return nil, fmt.Errorf("optim: learning rate schedule has negative iteration %d", it)
		}
	}
	return &Scheduled{schedule: schedule, rate: rate, log: log}, nil
}

// Notify advances one iteration, switching the rate when the schedule says so.
func (p *Scheduled) Notify() {
	if rate, ok := p.schedule[p.iteration]; ok {
		p.rate = rate
		p.log.Info("learning rate", "iteration", p.iteration, "learning_rate", rate)
	}
	p.iteration++
}

// LearningRate returns the current rate.
func (p *Scheduled) LearningRate() float32 { return p.rate }

// Skip fast-forwards the schedule to iteration, as when resuming from a checkpoint.
func (p *Scheduled) Skip(iteration int) {
	best := -1
	for it, rate := range p.schedule {
		if it < iteration && it > best {
			best = it
			p.rate = rate
		}
	}
	p.iteration = iteration
}
