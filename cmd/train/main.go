// Command train fits the vit and swin classifiers on an image-folder dataset
// and writes <role>_best.ckpt for each role.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvr-ai/leafscan/config"
	"github.com/nvr-ai/leafscan/logging"
	"github.com/nvr-ai/leafscan/models"
	"github.com/nvr-ai/leafscan/training"
	"github.com/pkg/errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("training failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath string
		roleName   string
		dataDir    string
		modelsDir  string
		noProgress bool
	)
	fs.StringVar(&configPath, "config", "", "Path to the YAML configuration")
	fs.StringVar(&roleName, "role", "all", "Role to train: vit, swin or all")
	fs.StringVar(&dataDir, "data", "", "Dataset root with train/ and val/ (overrides training.data_dir)")
	fs.StringVar(&modelsDir, "models", "", "Checkpoint directory (overrides models.dir)")
	fs.BoolVar(&noProgress, "no-progress", false, "Disable progress bars")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.Training.DataDir = dataDir
	}
	if modelsDir != "" {
		cfg.Models.Dir = modelsDir
	}
	logging.Init(logging.ParseFormat(cfg.Log.Format), logging.ParseLevel(cfg.Log.Level))

	roles, err := parseRoles(roleName)
	if err != nil {
		return err
	}

	ds, err := training.LoadDataset(cfg.Training.DataDir)
	if err != nil {
		return err
	}
	if !ds.Classes.Equal(cfg.Classes) {
		return errors.Errorf("dataset classes %v differ from configured classes %v", ds.Classes, cfg.Classes)
	}

	var progress io.Writer
	if cfg.Training.Progress && !noProgress {
		progress = stderr
	}

	enc := json.NewEncoder(stdout)
	for _, role := range roles {
		report, err := trainRole(ctx, cfg, ds, role, progress)
		if err != nil {
			return errors.Wrapf(err, "train %s", role)
		}
		if err := enc.Encode(summary{
			Role:         report.Role,
			RunID:        report.RunID,
			Epochs:       report.Epochs,
			BestEpoch:    report.BestEpoch,
			BestAccuracy: report.BestAccuracy,
			Phase:        report.Phase,
			Checkpoint:   report.CheckpointPath,
		}); err != nil {
			return err
		}
	}
	return nil
}

type summary struct {
	Role         models.Role    `json:"role"`
	RunID        string         `json:"run_id"`
	Epochs       int            `json:"epochs"`
	BestEpoch    int            `json:"best_epoch"`
	BestAccuracy float64        `json:"best_accuracy"`
	Phase        training.Phase `json:"phase"`
	Checkpoint   string         `json:"checkpoint,omitempty"`
}

func trainRole(ctx context.Context, cfg config.Config, ds *training.Dataset, role models.Role, progress io.Writer) (*training.Report, error) {
	trainer, err := training.NewTrainer(training.Args{
		Role:        role,
		Dataset:     ds,
		Preprocess:  cfg.Preprocess,
		Policy:      cfg.Training.Policy,
		BatchSize:   cfg.Training.BatchSize,
		LearnRate:   cfg.Training.LearnRate,
		Seed:        cfg.Training.Seed,
		ModelsDir:   cfg.Models.Dir,
		LoadWorkers: cfg.Training.LoadWorkers,
		Progress:    progress,
	})
	if err != nil {
		return nil, err
	}
	defer trainer.Close()

	return trainer.Run(ctx)
}

func parseRoles(s string) ([]models.Role, error) {
	if s == "all" {
		return models.Roles, nil
	}
	role, err := models.ParseRole(s)
	if err != nil {
		return nil, fmt.Errorf("-role: %w", err)
	}
	return []models.Role{role}, nil
}
