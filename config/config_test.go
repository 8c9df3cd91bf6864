package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/leafscan/inference"
	"github.com/nvr-ai/leafscan/models"
	"github.com/nvr-ai/leafscan/preprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"LEAFSCAN_MODELS_DIR", "LEAFSCAN_BACKEND", "LEAFSCAN_ONNX_LIBRARY",
	"LEAFSCAN_ONNX_PROVIDER", "LEAFSCAN_DATA_DIR", "LEAFSCAN_LOG_LEVEL",
	"LEAFSCAN_LOG_FORMAT", "LEAFSCAN_WORKERS", "LEAFSCAN_BATCH_SIZE",
	"LEAFSCAN_EPOCHS", "LEAFSCAN_PATIENCE", "LEAFSCAN_LOAD_WORKERS",
	"LEAFSCAN_LEARN_RATE", "LEAFSCAN_SEED",
}

// clearEnv blanks every override for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leafscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultClasses, cfg.Classes)
	assert.True(t, cfg.Preprocess.Equal(preprocess.DefaultConfig()))
	assert.Equal(t, "models", cfg.Models.Dir)
	assert.Equal(t, inference.BackendGraph, cfg.Models.Backend)
	assert.Equal(t, 16, cfg.Training.BatchSize)
	assert.Equal(t, 20, cfg.Training.Policy.MaxEpochs)
	assert.Equal(t, 3, cfg.Training.Policy.Patience)
	assert.Equal(t, 1e-4, cfg.Training.LearnRate)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
classes: [Healthy, Rust]
preprocess:
  width: 64
  height: 64
  filter: nearest
models:
  dir: /srv/leafscan
  backend: onnx
  workers: 4
  onnx:
    provider: cuda
    device_id: 1
training:
  batch_size: 8
  max_epochs: 5
  patience: 2
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, models.ClassSet{"Healthy", "Rust"}, cfg.Classes)
	assert.Equal(t, 64, cfg.Preprocess.Width)
	assert.Equal(t, preprocess.Filter("nearest"), cfg.Preprocess.Filter)
	assert.Equal(t, preprocess.DefaultConfig().Mean, cfg.Preprocess.Mean, "unset keys keep defaults")
	assert.Equal(t, "/srv/leafscan", cfg.Models.Dir)
	assert.Equal(t, inference.BackendONNX, cfg.Models.Backend)
	assert.Equal(t, 1, cfg.Models.ONNX.DeviceID)
	assert.Equal(t, 8, cfg.Training.BatchSize)
	assert.Equal(t, 5, cfg.Training.Policy.MaxEpochs)
	assert.Equal(t, 2, cfg.Training.Policy.Patience)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "models:\n  dir: from-file\n")
	t.Setenv("LEAFSCAN_MODELS_DIR", "from-env")
	t.Setenv("LEAFSCAN_EPOCHS", "7")
	t.Setenv("LEAFSCAN_LEARN_RATE", "0.001")
	t.Setenv("LEAFSCAN_SEED", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Models.Dir)
	assert.Equal(t, 7, cfg.Training.Policy.MaxEpochs)
	assert.Equal(t, 0.001, cfg.Training.LearnRate)
	assert.Equal(t, int64(9), cfg.Training.Seed)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "classes: [\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "models:\n  backend: tflite\n"))
	assert.ErrorContains(t, err, "backend")

	_, err = Load(writeConfig(t, "classes: [Rust, Rust]\n"))
	assert.ErrorContains(t, err, "classes")

	_, err = Load(writeConfig(t, "training:\n  patience: 0\n"))
	assert.Error(t, err)

	t.Setenv("LEAFSCAN_BATCH_SIZE", "many")
	_, err = Load("")
	assert.ErrorContains(t, err, "LEAFSCAN_BATCH_SIZE")
}
