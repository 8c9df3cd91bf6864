// Package config - YAML configuration with LEAFSCAN_* environment overrides.
package config

import (
	"os"
	"strconv"

	"github.com/nvr-ai/leafscan/inference"
	"github.com/nvr-ai/leafscan/inference/providers"
	"github.com/nvr-ai/leafscan/models"
	"github.com/nvr-ai/leafscan/preprocess"
	"github.com/nvr-ai/leafscan/training"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all leafscan configuration.
type Config struct {
	// Classes is the ordered label set shared by both classifiers.
	Classes    models.ClassSet   `yaml:"classes"`
	Preprocess preprocess.Config `yaml:"preprocess"`
	Models     ModelsConfig      `yaml:"models"`
	Training   TrainingConfig    `yaml:"training"`
	Log        LogConfig         `yaml:"log"`
}

// ModelsConfig holds checkpoint location and serving settings.
type ModelsConfig struct {
	Dir     string            `yaml:"dir"`
	Backend inference.Backend `yaml:"backend"`
	// Workers is the graph pool size per role.
	Workers int              `yaml:"workers"`
	ONNX    providers.Config `yaml:"onnx"`
}

// TrainingConfig holds dataset and optimizer settings.
type TrainingConfig struct {
	DataDir     string          `yaml:"data_dir"`
	BatchSize   int             `yaml:"batch_size"`
	LearnRate   float64         `yaml:"learn_rate"`
	Seed        int64           `yaml:"seed"`
	LoadWorkers int             `yaml:"load_workers"`
	Progress    bool            `yaml:"progress"`
	Policy      training.Policy `yaml:",inline"`
}

// LogConfig holds slog settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the reference deployment configuration.
func Default() Config {
	return Config{
		Classes:    models.DefaultClasses.Clone(),
		Preprocess: preprocess.DefaultConfig(),
		Models: ModelsConfig{
			Dir:     "models",
			Backend: inference.BackendGraph,
			Workers: 2,
			ONNX:    providers.DefaultConfig(),
		},
		Training: TrainingConfig{
			DataDir:     "dataset",
			BatchSize:   16,
			LearnRate:   1e-4,
			Seed:        42,
			LoadWorkers: 4,
			Progress:    true,
			Policy:      training.DefaultPolicy(),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses defaults and environment only.
//
// Arguments:
//   - path: The YAML file, or "".
//
// Returns:
//   - Config: The effective configuration.
//   - error: An error if the file cannot be read or parsed, an override is
//     malformed, or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", path)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Classes.Validate(); err != nil {
		return errors.Wrap(err, "classes")
	}
	if err := c.Preprocess.Validate(); err != nil {
		return errors.Wrap(err, "preprocess")
	}
	if c.Models.Dir == "" {
		return errors.New("models.dir is required")
	}
	if _, err := inference.ParseBackend(string(c.Models.Backend)); err != nil {
		return errors.Wrap(err, "models.backend")
	}
	if c.Models.Workers <= 0 {
		return errors.Errorf("models.workers must be positive, got %d", c.Models.Workers)
	}
	if err := c.Models.ONNX.Validate(); err != nil {
		return errors.Wrap(err, "models.onnx")
	}
	if c.Training.BatchSize <= 0 {
		return errors.Errorf("training.batch_size must be positive, got %d", c.Training.BatchSize)
	}
	if c.Training.LearnRate <= 0 {
		return errors.Errorf("training.learn_rate must be positive, got %g", c.Training.LearnRate)
	}
	if err := c.Training.Policy.Validate(); err != nil {
		return errors.Wrap(err, "training")
	}
	return nil
}

func applyEnv(c *Config) error {
	c.Models.Dir = getenv("LEAFSCAN_MODELS_DIR", c.Models.Dir)
	c.Models.Backend = inference.Backend(getenv("LEAFSCAN_BACKEND", string(c.Models.Backend)))
	c.Models.ONNX.LibraryPath = getenv("LEAFSCAN_ONNX_LIBRARY", c.Models.ONNX.LibraryPath)
	c.Models.ONNX.Provider = providers.Provider(getenv("LEAFSCAN_ONNX_PROVIDER", string(c.Models.ONNX.Provider)))
	c.Training.DataDir = getenv("LEAFSCAN_DATA_DIR", c.Training.DataDir)
	c.Log.Level = getenv("LEAFSCAN_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("LEAFSCAN_LOG_FORMAT", c.Log.Format)

	ints := []struct {
		key string
		dst *int
	}{
		{"LEAFSCAN_WORKERS", &c.Models.Workers},
		{"LEAFSCAN_BATCH_SIZE", &c.Training.BatchSize},
		{"LEAFSCAN_EPOCHS", &c.Training.Policy.MaxEpochs},
		{"LEAFSCAN_PATIENCE", &c.Training.Policy.Patience},
		{"LEAFSCAN_LOAD_WORKERS", &c.Training.LoadWorkers},
	}
	for _, v := range ints {
		if err := getenvInt(v.key, v.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("LEAFSCAN_LEARN_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(err, "LEAFSCAN_LEARN_RATE")
		}
		c.Training.LearnRate = f
	}
	if v := os.Getenv("LEAFSCAN_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "LEAFSCAN_SEED")
		}
		c.Training.Seed = n
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrap(err, key)
	}
	*dst = n
	return nil
}
