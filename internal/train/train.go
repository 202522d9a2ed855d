// Package train assembles a training run from its configuration: kernel
// backend, session, corpus, model graph, optimizer and observers.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/born-ml/rnnflow/internal/backend/cpu"
	"github.com/born-ml/rnnflow/internal/backend/webgpu"
	"github.com/born-ml/rnnflow/internal/config"
	"github.com/born-ml/rnnflow/internal/corpus"
	"github.com/born-ml/rnnflow/internal/kernel"
	"github.com/born-ml/rnnflow/internal/model"
	"github.com/born-ml/rnnflow/internal/optim"
	"github.com/born-ml/rnnflow/internal/parallel"
	"github.com/born-ml/rnnflow/internal/serialization"
	"github.com/born-ml/rnnflow/internal/session"
)

// Result summarizes a finished or interrupted run.
type Result struct {
	Iterations int
	TrainLoss  float64 // last logged mean, 0 without a tracker
	ValidLoss  float64 // last pass, 0 without a tracker
	Checkpoint string  // last checkpoint written, if any
}

// OpenKernels returns the configured kernel backend. A webgpu request falls
// back to the CPU backend when allowed.
func OpenKernels(cfg config.BackendConfig, par parallel.Config, log *slog.Logger) (kernel.Backend, error) {
	if cfg.Name == config.BackendWebGPU {
		k, err := webgpu.Open()
		if err == nil {
			log.Info("kernel backend", "name", k.Name())
			return k, nil
		}
		if !cfg.Fallback {
			return nil, err
		}
		log.Warn("webgpu unavailable, using cpu", "error", err)
	}
	k := cpu.NewWithConfig(par)
	log.Info("kernel backend", "name", k.Name(), "workers", par.NumWorkers)
	return k, nil
}

// NewTokenizer returns the configured tokenizer.
func NewTokenizer(cfg config.DataConfig) (corpus.Tokenizer, error) {
	switch cfg.Tokenizer {
	case config.TokenizerTikToken:
		return corpus.NewTikToken(cfg.Encoding)
	case config.TokenizerWord, "":
		return corpus.NewWordTokenizer(), nil
	default:
		return nil, fmt.Errorf("train: unknown tokenizer %q", cfg.Tokenizer)
	}
}

// LoadCorpus tokenizes the training and validation files. A word tokenizer
// learns its vocabulary from the training file only.
func LoadCorpus(cfg config.DataConfig, tok corpus.Tokenizer) (trainSet, validSet [][]int32, err error) {
	if trainSet, err = corpus.Load(cfg.Train, tok); err != nil {
		return nil, nil, err
	}
	if w, ok := tok.(*corpus.WordTokenizer); ok {
		w.Freeze()
	}
	if cfg.Valid != "" {
		if validSet, err = corpus.Load(cfg.Valid, tok); err != nil {
			return nil, nil, err
		}
	}
	return trainSet, validSet, nil
}

// LoadDefinition reads and validates a model definition file.
func LoadDefinition(path string) (*model.Definition, []byte, error) {
	//nolint:gosec // G304: definition path comes from the run configuration
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("train: %w", err)
	}
	def, err := model.ParseDefinition(src)
	if err != nil {
		return nil, nil, fmt.Errorf("train: %s: %w", path, err)
	}
	return def, src, nil
}

func checkVocabulary(def *model.Definition, vocab int) error {
	for _, b := range def.Blocks {
		if b.Type == model.TypeEmbedding && b.VocabSize < vocab {
			return fmt.Errorf("train: %s: vocab_size %d is smaller than the corpus vocabulary %d", b.Name, b.VocabSize, vocab)
		}
	}
	return nil
}

// NewPolicy returns the configured learning-rate policy.
func NewPolicy(cfg config.OptimizerConfig, log *slog.Logger) (optim.LearningRatePolicy, error) {
	if len(cfg.Schedule) > 0 {
		return optim.NewScheduled(cfg.Schedule, log)
	}
	return optim.NewFixed(cfg.LearningRate), nil
}

// NewStep returns the configured update step.
func NewStep(s *session.Session, m optim.Model, policy optim.LearningRatePolicy, cfg config.OptimizerConfig) (optim.Step, error) {
	switch cfg.Step {
	case config.StepSGD:
		return optim.NewSGDStep(s, m.Parameters(), policy, optim.SGDConfig{Momentum: cfg.Momentum})
	case config.StepRMSProp:
		return optim.NewRMSPropStep(s, m.Parameters(), policy, optim.RMSPropConfig{Decay: cfg.Decay, Epsilon: cfg.Epsilon})
	case config.StepAdam:
		return optim.NewAdamStep(s, m.Parameters(), policy, optim.AdamConfig{Betas: cfg.Betas, Eps: cfg.Epsilon})
	default:
		return nil, fmt.Errorf("train: unknown step %q", cfg.Step)
	}
}

// Run trains the model described by cfg until max_iter or until ctx is
// done. An interrupted run with a saver writes a final checkpoint.
func Run(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Result, error) {
	kernels, err := OpenKernels(cfg.Backend, cfg.Parallel(), log)
	if err != nil {
		return nil, err
	}
	s, err := session.New(session.Options{
		Devices: cfg.DeviceRegistry(),
		Kernels: kernels,
		Log:     log,
		Debug:   cfg.Debug,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			log.Warn("session close", "error", cerr)
		}
	}()

	tok, err := NewTokenizer(cfg.Data)
	if err != nil {
		return nil, err
	}
	trainSet, validSet, err := LoadCorpus(cfg.Data, tok)
	if err != nil {
		return nil, err
	}
	log.Info("corpus loaded", "train", len(trainSet), "valid", len(validSet), "vocab", tok.VocabSize())

	def, src, err := LoadDefinition(cfg.Model.Definition)
	if err != nil {
		return nil, err
	}
	if err := checkVocabulary(def, tok.VocabSize()); err != nil {
		return nil, err
	}

	dataCtx, err := s.NewContext(cfg.Devices[0].ID)
	if err != nil {
		return nil, err
	}
	gen, err := corpus.NewGenerator(s, model.DataName, dataCtx, trainSet, validSet, corpus.GeneratorConfig{
		BatchSize:      cfg.Data.BatchSize,
		SentenceMaxLen: cfg.Data.SentenceMaxLen,
	})
	if err != nil {
		return nil, err
	}
	m, err := model.New(s, def, gen, model.Options{
		Steps:     cfg.Data.SentenceMaxLen,
		Seed:      cfg.Model.Seed,
		InitScale: cfg.Model.InitScale,
	})
	if err != nil {
		return nil, err
	}

	var (
		start   int
		resumed *serialization.Checkpoint
	)
	if cfg.Model.Resume != "" {
		if resumed, start, err = resume(m, cfg.Model.Resume); err != nil {
			return nil, err
		}
		log.Info("resumed", "path", cfg.Model.Resume, "iteration", start)
	}

	policy, err := NewPolicy(cfg.Optimizer, log)
	if err != nil {
		return nil, err
	}
	if sp, ok := policy.(*optim.Scheduled); ok && start > 0 {
		sp.Skip(start)
	}
	step, err := NewStep(s, m, policy, cfg.Optimizer)
	if err != nil {
		return nil, err
	}
	stateful, _ := step.(optim.Stateful)
	if resumed != nil && stateful != nil {
		if err := resumeState(stateful, resumed, cfg.Optimizer.Step, log); err != nil {
			return nil, err
		}
	}

	o := optim.New(s, optim.MaxIter(cfg.Optimizer.MaxIter), policy, m)
	o.SetIteration(start)
	o.AddStep(step)

	var (
		trainTracker *optim.TrainLossTracker
		validTracker *optim.ValidLossTracker
		saver        *optim.Saver
	)
	if p := cfg.Observers.TrainLossPeriod; p > 0 {
		trainTracker = optim.NewTrainLossTracker(m, p, log)
		o.AddObserver(trainTracker)
	}
	if p := cfg.Observers.ValidLossPeriod; p > 0 {
		validTracker = optim.NewValidLossTracker(m, p, log)
		o.AddObserver(validTracker)
	}
	if p := cfg.Observers.SavePeriod; p > 0 {
		saver = optim.NewSaver(m, policy, optim.SaverConfig{
			Dir:        cfg.Observers.CheckpointDir,
			Period:     p,
			Definition: src,
			Optimizer:  cfg.Optimizer.Step,
			State:      stateful,
		}, log)
		o.AddObserver(saver)
	}

	runErr := o.Optimize(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return nil, runErr
	}

	res := &Result{Iterations: o.Iteration()}
	if saver != nil && o.Iteration() > start && saver.Last() != optim.CheckpointPath(cfg.Observers.CheckpointDir, o.Iteration()) {
		if err := s.Synchronize(); err != nil {
			return nil, err
		}
		if err := saver.Save(o.Iteration()); err != nil {
			return nil, err
		}
	}
	if saver != nil {
		res.Checkpoint = saver.Last()
	}
	if trainTracker != nil {
		res.TrainLoss = trainTracker.Last()
	}
	if validTracker != nil {
		res.ValidLoss = validTracker.Last()
	}
	return res, runErr
}

func resume(m *model.Model, path string) (*serialization.Checkpoint, int, error) {
	ck, err := serialization.LoadCheckpoint(path)
	if err != nil {
		return nil, 0, fmt.Errorf("train: resume: %w", err)
	}
	if err := m.LoadParameters(ck.Parameters); err != nil {
		return nil, 0, fmt.Errorf("train: resume: %w", err)
	}
	if ck.Training == nil {
		return ck, 0, nil
	}
	return ck, ck.Training.Iteration, nil
}

// resumeState restores the step state saved by the same kind of step.
// State written by another step starts from zeros.
func resumeState(step optim.Stateful, ck *serialization.Checkpoint, name string, log *slog.Logger) error {
	if ck.Training != nil && ck.Training.Optimizer != "" && ck.Training.Optimizer != name {
		log.Warn("checkpoint step state ignored", "saved", ck.Training.Optimizer, "step", name)
		return nil
	}
	if err := step.LoadState(ck.Parameters); err != nil {
		return fmt.Errorf("train: resume: %w", err)
	}
	return nil
}
