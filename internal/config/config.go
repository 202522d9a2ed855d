// Package config loads the YAML run configuration of a training job.
//
// Zero values are replaced by defaults before validation, so a minimal file
// only names the data and the model:
//
//	data:
//	  train: ptb.train.txt
//	  valid: ptb.valid.txt
//	model:
//	  definition: lm.yaml
//
// Relative paths are resolved against the directory of the configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/parallel"
)

// Config is a complete training run.
type Config struct {
	Devices    []DeviceConfig  `yaml:"devices"`
	QueueDepth int             `yaml:"queue_depth"`
	Backend    BackendConfig   `yaml:"backend"`
	Debug      bool            `yaml:"debug"`
	Data       DataConfig      `yaml:"data"`
	Model      ModelConfig     `yaml:"model"`
	Optimizer  OptimizerConfig `yaml:"optimizer"`
	Observers  ObserversConfig `yaml:"observers"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// DeviceConfig describes one device.
type DeviceConfig struct {
	ID          int    `yaml:"id"`
	Name        string `yaml:"name"`
	MemoryLimit int64  `yaml:"memory_limit"` // bytes, 0 for unlimited
}

// Backend names.
const (
	BackendCPU    = "cpu"
	BackendWebGPU = "webgpu"
)

// BackendConfig selects the kernel backend.
type BackendConfig struct {
	Name     string `yaml:"name"`      // cpu (default) or webgpu
	Fallback bool   `yaml:"fallback"`  // use cpu when webgpu cannot open
	Workers  int    `yaml:"workers"`   // goroutines per cpu loop, 0 for every CPU
	MinChunk int    `yaml:"min_chunk"` // elements per goroutine
}

// Tokenizer names.
const (
	TokenizerWord     = "word"
	TokenizerTikToken = "tiktoken"
)

// DataConfig describes the corpus.
type DataConfig struct {
	Train          string `yaml:"train"`
	Valid          string `yaml:"valid"`
	Tokenizer      string `yaml:"tokenizer"` // word (default) or tiktoken
	Encoding       string `yaml:"encoding"`  // tiktoken encoding, default cl100k_base
	BatchSize      int    `yaml:"batch_size"`
	SentenceMaxLen int    `yaml:"sentence_max_len"`
}

// ModelConfig describes the graph.
type ModelConfig struct {
	Definition string  `yaml:"definition"` // YAML or JSON model definition
	Seed       int64   `yaml:"seed"`
	InitScale  float32 `yaml:"init_scale"`
	Resume     string  `yaml:"resume"` // checkpoint to load before training
}

// Update step names.
const (
	StepSGD     = "sgd"
	StepRMSProp = "rmsprop"
	StepAdam    = "adam"
)

// OptimizerConfig describes the update rule and its schedule.
type OptimizerConfig struct {
	Step         string          `yaml:"step"` // sgd, rmsprop (default) or adam
	LearningRate float32         `yaml:"learning_rate"`
	Schedule     map[int]float32 `yaml:"schedule"` // iteration to rate; overrides learning_rate
	MaxIter      int             `yaml:"max_iter"`
	Momentum     float32         `yaml:"momentum"`
	Decay        float32         `yaml:"decay"`
	Epsilon      float32         `yaml:"epsilon"`
	Betas        [2]float32      `yaml:"betas"`
}

// ObserversConfig sets the observer periods in iterations. A zero period
// disables the observer.
type ObserversConfig struct {
	TrainLossPeriod int    `yaml:"train_loss_period"`
	ValidLossPeriod int    `yaml:"valid_loss_period"`
	SavePeriod      int    `yaml:"save_period"`
	CheckpointDir   string `yaml:"checkpoint_dir"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if len(c.Devices) == 0 {
		c.Devices = []DeviceConfig{{ID: 0, Name: "cpu:0"}}
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = device.DefaultQueueDepth
	}
	if c.Backend.Name == "" {
		c.Backend.Name = BackendCPU
	}
	if c.Backend.MinChunk == 0 {
		c.Backend.MinChunk = parallel.DefaultConfig().MinChunkSize
	}
	if c.Data.Tokenizer == "" {
		c.Data.Tokenizer = TokenizerWord
	}
	if c.Data.Tokenizer == TokenizerTikToken && c.Data.Encoding == "" {
		c.Data.Encoding = "cl100k_base"
	}
	if c.Data.BatchSize == 0 {
		c.Data.BatchSize = 32
	}
	if c.Data.SentenceMaxLen == 0 {
		c.Data.SentenceMaxLen = 50
	}
	if c.Model.Seed == 0 {
		c.Model.Seed = 42
	}
	if c.Optimizer.Step == "" {
		c.Optimizer.Step = StepRMSProp
	}
	if c.Optimizer.LearningRate == 0 && len(c.Optimizer.Schedule) == 0 {
		c.Optimizer.LearningRate = 0.001
	}
	if c.Optimizer.MaxIter == 0 {
		c.Optimizer.MaxIter = 1000
	}
	if c.Observers.CheckpointDir == "" {
		c.Observers.CheckpointDir = "checkpoints"
	}
	c.Logging.applyDefaults()
}

// Parse decodes YAML, applies defaults and validates. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads path and resolves relative paths against its directory.
func Load(path string) (*Config, error) {
	//nolint:gosec // G304: configuration path comes from the command line
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.resolve(filepath.Dir(path))
	return c, nil
}

func (c *Config) resolve(base string) {
	for _, p := range []*string{
		&c.Data.Train, &c.Data.Valid, &c.Model.Definition, &c.Model.Resume,
		&c.Observers.CheckpointDir, &c.Logging.File,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Validate checks the configuration for values no default can repair.
func (c *Config) Validate() error {
	var list []error
	seen := make(map[int]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.ID < 0 || seen[d.ID] {
			list = append(list, fmt.Errorf("devices: invalid or duplicate id %d", d.ID))
		}
		seen[d.ID] = true
		if d.MemoryLimit < 0 {
			list = append(list, fmt.Errorf("devices: negative memory_limit for device %d", d.ID))
		}
	}
	if c.QueueDepth < 0 {
		list = append(list, fmt.Errorf("queue_depth must be positive"))
	}
	switch c.Backend.Name {
	case BackendCPU, BackendWebGPU:
	default:
		list = append(list, fmt.Errorf("backend: unknown name %q", c.Backend.Name))
	}
	if c.Backend.Workers < 0 || c.Backend.MinChunk < 0 {
		list = append(list, fmt.Errorf("backend: workers and min_chunk must not be negative"))
	}

	if c.Data.Train == "" {
		list = append(list, fmt.Errorf("data: train is required"))
	}
	switch c.Data.Tokenizer {
	case TokenizerWord, TokenizerTikToken:
	default:
		list = append(list, fmt.Errorf("data: unknown tokenizer %q", c.Data.Tokenizer))
	}
	if c.Data.BatchSize < 1 || c.Data.SentenceMaxLen < 1 {
		list = append(list, fmt.Errorf("data: batch_size and sentence_max_len must be positive"))
	}

	if c.Model.Definition == "" {
		list = append(list, fmt.Errorf("model: definition is required"))
	}
	if c.Model.InitScale < 0 {
		list = append(list, fmt.Errorf("model: init_scale must not be negative"))
	}

	o := c.Optimizer
	switch o.Step {
	case StepSGD, StepRMSProp, StepAdam:
	default:
		list = append(list, fmt.Errorf("optimizer: unknown step %q", o.Step))
	}
	if len(o.Schedule) > 0 {
		if _, ok := o.Schedule[0]; !ok {
			list = append(list, fmt.Errorf("optimizer: schedule must set iteration 0"))
		}
	} else if o.LearningRate <= 0 {
		list = append(list, fmt.Errorf("optimizer: learning_rate must be positive"))
	}
	if o.MaxIter < 1 {
		list = append(list, fmt.Errorf("optimizer: max_iter must be positive"))
	}
	if o.Decay < 0 || o.Decay >= 1 || o.Momentum < 0 || o.Epsilon < 0 {
		list = append(list, fmt.Errorf("optimizer: decay must be in [0, 1), momentum and epsilon non-negative"))
	}

	ob := c.Observers
	if ob.TrainLossPeriod < 0 || ob.ValidLossPeriod < 0 || ob.SavePeriod < 0 {
		list = append(list, fmt.Errorf("observers: periods must not be negative"))
	}
	if ob.ValidLossPeriod > 0 && c.Data.Valid == "" {
		list = append(list, fmt.Errorf("observers: valid_loss_period needs data.valid"))
	}

	if err := c.Logging.Validate(); err != nil {
		list = append(list, err)
	}
	if err := errors.Join(list...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// DeviceRegistry returns the device registry configuration.
func (c *Config) DeviceRegistry() device.Config {
	out := device.Config{QueueDepth: c.QueueDepth}
	for _, d := range c.Devices {
		out.Devices = append(out.Devices, device.DeviceConfig{ID: d.ID, Name: d.Name, MemoryLimit: d.MemoryLimit})
	}
	return out
}

// Parallel returns the CPU backend fan-out configuration.
func (c *Config) Parallel() parallel.Config {
	p := parallel.DefaultConfig()
	if c.Backend.Workers > 0 {
		p.NumWorkers = c.Backend.Workers
	}
	p.Enabled = p.NumWorkers > 1
	p.MinChunkSize = c.Backend.MinChunk
	return p
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
