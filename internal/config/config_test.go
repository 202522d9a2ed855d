package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/rnnflow/internal/device"
)

const minimal = `
data:
  train: data/train.txt
  valid: data/valid.txt
model:
  definition: lm.yaml
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, []DeviceConfig{{ID: 0, Name: "cpu:0"}}, c.Devices)
	assert.Equal(t, device.DefaultQueueDepth, c.QueueDepth)
	assert.Equal(t, BackendCPU, c.Backend.Name)
	assert.Equal(t, TokenizerWord, c.Data.Tokenizer)
	assert.Equal(t, 32, c.Data.BatchSize)
	assert.Equal(t, 50, c.Data.SentenceMaxLen)
	assert.Equal(t, StepRMSProp, c.Optimizer.Step)
	assert.Equal(t, float32(0.001), c.Optimizer.LearningRate)
	assert.Equal(t, 1000, c.Optimizer.MaxIter)
	assert.Equal(t, LogText, c.Logging.Format)
	assert.Equal(t, "info", c.Logging.Level)
	assert.Equal(t, "checkpoints", c.Observers.CheckpointDir)
}

func TestParseFullConfig(t *testing.T) {
	src := `
devices:
  - id: 0
    name: gpu0
    memory_limit: 1048576
  - id: 1
backend:
  name: webgpu
  fallback: true
  workers: 2
debug: true
data:
  train: t.txt
  tokenizer: tiktoken
  batch_size: 4
  sentence_max_len: 12
model:
  definition: m.yaml
  seed: 7
  init_scale: 0.05
optimizer:
  step: adam
  schedule:
    0: 0.01
    100: 0.001
  max_iter: 200
  betas: [0.8, 0.99]
observers:
  train_loss_period: 10
  save_period: 100
logging:
  format: json
  level: debug
`
	c, err := Parse([]byte(src))
	require.NoError(t, err)
	assert.Len(t, c.Devices, 2)
	assert.Equal(t, int64(1048576), c.Devices[0].MemoryLimit)
	assert.True(t, c.Backend.Fallback)
	assert.True(t, c.Debug)
	assert.Equal(t, "cl100k_base", c.Data.Encoding)
	assert.Equal(t, map[int]float32{0: 0.01, 100: 0.001}, c.Optimizer.Schedule)
	assert.Zero(t, c.Optimizer.LearningRate)
	assert.Equal(t, [2]float32{0.8, 0.99}, c.Optimizer.Betas)

	reg := c.DeviceRegistry()
	assert.Len(t, reg.Devices, 2)
	assert.Equal(t, "gpu0", reg.Devices[0].Name)
	assert.Equal(t, 2, c.Parallel().NumWorkers)
	assert.True(t, c.Parallel().Enabled)

	out, err := c.Marshal()
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, c, again)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(minimal + "\nlearning_rate: 0.1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"duplicate device", func(c *Config) { c.Devices = []DeviceConfig{{ID: 1}, {ID: 1}} }},
		{"negative memory", func(c *Config) { c.Devices[0].MemoryLimit = -1 }},
		{"unknown backend", func(c *Config) { c.Backend.Name = "cuda" }},
		{"no train data", func(c *Config) { c.Data.Train = "" }},
		{"unknown tokenizer", func(c *Config) { c.Data.Tokenizer = "bpe" }},
		{"no definition", func(c *Config) { c.Model.Definition = "" }},
		{"unknown step", func(c *Config) { c.Optimizer.Step = "lbfgs" }},
		{"schedule without zero", func(c *Config) { c.Optimizer.Schedule = map[int]float32{10: 0.1} }},
		{"decay out of range", func(c *Config) { c.Optimizer.Decay = 1 }},
		{"negative period", func(c *Config) { c.Observers.SavePeriod = -1 }},
		{"valid tracker without data", func(c *Config) { c.Data.Valid = ""; c.Observers.ValidLossPeriod = 5 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(minimal))
			require.NoError(t, err)
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal+"logging:\n  file: /var/log/run.log\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "train.txt"), c.Data.Train)
	assert.Equal(t, filepath.Join(dir, "lm.yaml"), c.Model.Definition)
	assert.Equal(t, filepath.Join(dir, "checkpoints"), c.Observers.CheckpointDir)
	assert.Equal(t, "/var/log/run.log", c.Logging.File)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, closeLog, err := LoggingConfig{Format: LogJSON, Level: "warn"}.NewLogger(&buf)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "iteration", 3)
	require.NoError(t, closeLog())

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, float64(3), rec["iteration"])

	file := filepath.Join(t.TempDir(), "run.log")
	log, closeLog, err = LoggingConfig{Format: LogText, Level: "debug", File: file}.NewLogger(&buf)
	require.NoError(t, err)
	log.Debug("to file")
	require.NoError(t, closeLog())
	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), `msg="to file"`)

	_, _, err = LoggingConfig{Format: LogText, Level: "nope"}.NewLogger(&buf)
	assert.Error(t, err)
}
