package optim

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/serialization"
)

// TrainLossTracker averages the training loss and logs it every period
// iterations.
type TrainLossTracker struct {
	model  Model
	period int
	log    *slog.Logger

	sum, weight float64
	last        float64
}

// NewTrainLossTracker creates a tracker. A period below 1 is treated as 1.
func NewTrainLossTracker(model Model, period int, log *slog.Logger) *TrainLossTracker {
	return &TrainLossTracker{model: model, period: max(period, 1), log: log}
}

// Notify accumulates the current iteration's loss.
func (t *TrainLossTracker) Notify(iteration int) error {
	sum, weight, err := t.model.LossTotals()
	if err != nil {
		return fmt.Errorf("train loss: %w", err)
	}
	t.sum += sum
	t.weight += weight
	if (iteration+1)%t.period != 0 {
		return nil
	}
	if t.weight > 0 {
		t.last = t.sum / t.weight
	}
	t.log.Info("train loss", "iteration", iteration, "loss", t.last)
	t.sum, t.weight = 0, 0
	return nil
}

// Last returns the most recently logged mean loss.
func (t *TrainLossTracker) Last() float64 { return t.last }

// ValidLossTracker runs a full validation pass every period iterations.
type ValidLossTracker struct {
	model  Model
	period int
	log    *slog.Logger
	last   float64
	passes int
}

// NewValidLossTracker creates a tracker. A period below 1 is treated as 1.
func NewValidLossTracker(model Model, period int, log *slog.Logger) *ValidLossTracker {
	return &ValidLossTracker{model: model, period: max(period, 1), log: log}
}

// Notify runs the validation pass on the period.
func (t *ValidLossTracker) Notify(iteration int) error {
	if iteration%t.period != 0 {
		return nil
	}
	loss, err := t.Evaluate()
	if err != nil {
		return fmt.Errorf("valid loss: %w", err)
	}
	t.log.Info("valid loss", "iteration", iteration, "loss", loss)
	return nil
}

// Evaluate runs forward passes in testing mode until the data source is
// exhausted and returns the mean loss per unmasked token. The model is back
// in training mode afterwards.
func (t *ValidLossTracker) Evaluate() (float64, error) {
	t.model.SetTestingMode()
	defer t.model.SetTrainingMode()

	var sum, weight float64
	for {
		err := t.model.Fprop()
		if errors.Is(err, errs.ErrExhausted) {
			break
		}
		if err != nil {
			return 0, err
		}
		s, w, err := t.model.LossTotals()
		if err != nil {
			return 0, err
		}
		sum += s
		weight += w
	}
	t.passes++
	if weight > 0 {
		t.last = sum / weight
	}
	return t.last, nil
}

// Last returns the loss of the most recent pass.
func (t *ValidLossTracker) Last() float64 { return t.last }

// Passes returns the number of completed validation passes.
func (t *ValidLossTracker) Passes() int { return t.passes }

// ParameterSource downloads parameter values by name.
type ParameterSource interface {
	ParameterValues() (map[string]matrix.Host, error)
}

// Saver writes a checkpoint every period iterations.
type Saver struct {
	src        ParameterSource
	definition []byte
	dir        string
	period     int
	policy     LearningRatePolicy
	optimizer  string
	state      Stateful
	log        *slog.Logger
	last       string
}

// SaverConfig configures a Saver.
type SaverConfig struct {
	Dir        string // directory checkpoints are written to
	Period     int    // iterations between checkpoints
	Definition []byte // model definition stored alongside the parameters
	Optimizer  string // step name recorded in the checkpoint
	State      Stateful
}

// NewSaver creates a saver. A period below 1 is treated as 1.
func NewSaver(src ParameterSource, policy LearningRatePolicy, cfg SaverConfig, log *slog.Logger) *Saver {
	return &Saver{
		src:        src,
		definition: cfg.Definition,
		dir:        cfg.Dir,
		period:     max(cfg.Period, 1),
		policy:     policy,
		optimizer:  cfg.Optimizer,
		state:      cfg.State,
		log:        log,
	}
}

// Notify saves on the period, after the iteration's update.
func (s *Saver) Notify(iteration int) error {
	if (iteration+1)%s.period != 0 {
		return nil
	}
	return s.Save(iteration + 1)
}

// Save writes the parameters, and the step state when configured, as of
// completed iteration count iteration.
func (s *Saver) Save(iteration int) error {
	values, err := s.src.ParameterValues()
	if err != nil {
		return fmt.Errorf("saver: %w", err)
	}
	if s.state != nil {
		state, err := s.state.StateValues()
		if err != nil {
			return fmt.Errorf("saver: %w", err)
		}
		for name, h := range state {
			if _, dup := values[name]; dup {
				return fmt.Errorf("saver: state entry %q shadows a parameter", name)
			}
			values[name] = h
		}
	}
	path := CheckpointPath(s.dir, iteration)
	ck := &serialization.Checkpoint{
		Definition: s.definition,
		Training: &serialization.TrainingMeta{
			Iteration:    iteration,
			LearningRate: float64(s.policy.LearningRate()),
			Optimizer:    s.optimizer,
		},
		Parameters: values,
	}
	if err := serialization.SaveCheckpoint(path, ck); err != nil {
		return fmt.Errorf("saver: %w", err)
	}
	s.last = path
	s.log.Info("checkpoint saved", "iteration", iteration, "path", path)
	return nil
}

// Last returns the path of the most recent checkpoint.
func (s *Saver) Last() string { return s.last }

// CheckpointPath names the checkpoint for an iteration count inside dir.
func CheckpointPath(dir string, iteration int) string {
	return filepath.Join(dir, fmt.Sprintf("ckpt-%08d.born", iteration))
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(iteration int) error

// Notify calls f.
func (f ObserverFunc) Notify(iteration int) error { return f(iteration) }
