package training

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"github.com/nvr-ai/leafscan/models"
	"github.com/nvr-ai/leafscan/preprocess"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// CheckpointSaver persists the best parameters of a role.
type CheckpointSaver interface {
	// Save stores ckpt and returns where it was written.
	Save(ckpt *models.Checkpoint) (string, error)
}

// FileSaver writes checkpoints to <Dir>/<role>_best.ckpt.
type FileSaver struct {
	Dir string
}

// Save writes the checkpoint atomically.
func (s FileSaver) Save(ckpt *models.Checkpoint) (string, error) {
	path := models.CheckpointPath(s.Dir, ckpt.Manifest.Role)
	if err := models.SaveCheckpoint(path, ckpt); err != nil {
		return "", err
	}
	return path, nil
}

// Args are the arguments for NewTrainer.
type Args struct {
	Role       models.Role
	Dataset    *Dataset
	Preprocess preprocess.Config
	Policy     Policy
	BatchSize  int
	LearnRate  float64
	// Seed drives the training-order shuffle.
	Seed int64
	// ModelsDir receives the checkpoint and the history file.
	ModelsDir string
	// LoadWorkers bounds concurrent image decoding per batch.
	LoadWorkers int
	// Progress, when non-nil, receives a progress bar per epoch.
	Progress io.Writer

	// Learner overrides the gorgonia learner.
	Learner Learner
	// Saver overrides the FileSaver for ModelsDir.
	Saver CheckpointSaver
}

// EpochMetrics are the results of one epoch.
type EpochMetrics struct {
	Epoch     int           `json:"epoch"`
	TrainLoss float64       `json:"train_loss"`
	TrainAcc  float64       `json:"train_acc"`
	ValLoss   float64       `json:"val_loss"`
	ValAcc    float64       `json:"val_acc"`
	Saved     bool          `json:"saved"`
	Duration  time.Duration `json:"duration_ns"`
}

// Report summarizes a finished training run.
type Report struct {
	Role           models.Role     `json:"role"`
	RunID          string          `json:"run_id"`
	Classes        models.ClassSet `json:"classes"`
	Epochs         int             `json:"epochs"`
	BestEpoch      int             `json:"best_epoch"`
	BestAccuracy   float64         `json:"best_accuracy"`
	Phase          Phase           `json:"phase"`
	CheckpointPath string          `json:"checkpoint_path,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	History        []EpochMetrics  `json:"history"`
}

// Trainer runs the epoch loop of one role.
type Trainer struct {
	args    Args
	arch    models.Architecture
	pre     *preprocess.Preprocessor
	learner Learner
	saver   CheckpointSaver
	runID   string
	log     *slog.Logger
}

// NewTrainer validates args and prepares the learner.
//
// Arguments:
//   - args: The trainer arguments.
//
// Returns:
//   - *Trainer: The trainer; Close releases its learner.
//   - error: An error if the dataset is empty, the policy is invalid, or the
//     skeleton cannot be built. No checkpoint is written on error.
func NewTrainer(args Args) (*Trainer, error) {
	if args.Dataset == nil {
		return nil, errors.New("dataset not configured")
	}
	if args.Dataset.Train.Len() == 0 || args.Dataset.Val.Len() == 0 {
		return nil, errors.New("train and val splits must both hold images")
	}
	if err := args.Dataset.Classes.Validate(); err != nil {
		return nil, errors.Wrap(err, "dataset classes")
	}
	if err := args.Policy.Validate(); err != nil {
		return nil, err
	}
	if args.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", args.BatchSize)
	}

	arch, err := models.NewArchitecture(args.Role, args.Preprocess.Width, args.Preprocess.Height)
	if err != nil {
		return nil, err
	}
	pre, err := preprocess.NewPreprocessor(args.Preprocess)
	if err != nil {
		return nil, err
	}

	learner := args.Learner
	if learner == nil {
		learner, err = NewGraphLearner(GraphLearnerArgs{
			Arch:      arch,
			Classes:   args.Dataset.Classes.Len(),
			BatchSize: args.BatchSize,
			LearnRate: args.LearnRate,
		})
		if err != nil {
			return nil, err
		}
	}
	saver := args.Saver
	if saver == nil {
		saver = FileSaver{Dir: args.ModelsDir}
	}

	runID := uuid.NewString()
	return &Trainer{
		args:    args,
		arch:    arch,
		pre:     pre,
		learner: learner,
		saver:   saver,
		runID:   runID,
		log:     slog.Default().With("role", args.Role, "run_id", runID),
	}, nil
}

// RunID returns the identifier recorded in checkpoints of this run.
func (t *Trainer) RunID() string {
	return t.runID
}

// Run trains until early stopping or the epoch limit.
//
// Arguments:
//   - ctx: Checked between batches; cancellation aborts the run with an
//     error and leaves the last saved checkpoint untouched.
//
// Returns:
//   - *Report: The run summary, also written to <ModelsDir>/<role>_history.json.
//   - error: The first batch, save or cancellation error.
func (t *Trainer) Run(ctx context.Context) (*Report, error) {
	rng := rand.New(rand.NewSource(t.args.Seed))
	state := NewState(t.args.Role)
	report := &Report{
		Role:      t.args.Role,
		RunID:     t.runID,
		Classes:   t.args.Dataset.Classes.Clone(),
		StartedAt: time.Now().UTC(),
	}

	t.log.Info("training started",
		"classes", t.args.Dataset.Classes.Len(),
		"train", t.args.Dataset.Train.Len(),
		"val", t.args.Dataset.Val.Len(),
		"batch_size", t.args.BatchSize,
		"max_epochs", t.args.Policy.MaxEpochs,
		"patience", t.args.Policy.Patience,
	)

	for !state.Phase.Done() {
		start := time.Now()
		epoch := state.Epoch + 1

		trainLoss, trainAcc, err := t.trainEpoch(ctx, epoch, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d training", epoch)
		}
		valLoss, valAcc, err := t.evalEpoch(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d validation", epoch)
		}

		next, decision := Step(state, valAcc, t.args.Policy)
		if decision.Save {
			path, err := t.save(next, valAcc)
			if err != nil {
				return nil, errors.Wrapf(err, "epoch %d save", epoch)
			}
			report.CheckpointPath = path
		}
		state = next

		m := EpochMetrics{
			Epoch:     epoch,
			TrainLoss: trainLoss,
			TrainAcc:  trainAcc,
			ValLoss:   valLoss,
			ValAcc:    valAcc,
			Saved:     decision.Save,
			Duration:  time.Since(start),
		}
		report.History = append(report.History, m)

		t.log.Info("epoch finished",
			"epoch", epoch,
			"train_loss", m.TrainLoss,
			"train_acc", m.TrainAcc,
			"val_loss", m.ValLoss,
			"val_acc", m.ValAcc,
			"saved", m.Saved,
			"counter", state.Counter,
		)
	}

	report.Epochs = state.Epoch
	report.BestEpoch = state.BestEpoch
	report.BestAccuracy = state.BestAccuracy
	report.Phase = state.Phase
	report.FinishedAt = time.Now().UTC()

	t.log.Info("training finished",
		"phase", state.Phase,
		"epochs", state.Epoch,
		"best_epoch", state.BestEpoch,
		"best_val_acc", state.BestAccuracy,
	)

	if t.args.ModelsDir != "" {
		if err := writeHistory(models.HistoryPath(t.args.ModelsDir, t.args.Role), report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Close releases the learner.
func (t *Trainer) Close() error {
	return t.learner.Close()
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int, rng *rand.Rand) (float64, float64, error) {
	samples := t.args.Dataset.Train.Samples
	order := rng.Perm(len(samples))
	shuffled := make([]Sample, len(samples))
	for i, j := range order {
		shuffled[i] = samples[j]
	}

	var bar *pb.ProgressBar
	if t.args.Progress != nil {
		bar = pb.New(batchCount(len(shuffled), t.args.BatchSize))
		bar.SetWriter(t.args.Progress)
		bar.Set("prefix", fmt.Sprintf("%s Epoch %d/%d ", t.args.Role, epoch, t.args.Policy.MaxEpochs))
		bar.Start()
		defer bar.Finish()
	}

	var acc accumulator
	err := t.forEachBatch(ctx, shuffled, func(b Batch) error {
		res, err := t.learner.TrainBatch(b)
		if err != nil {
			return err
		}
		acc.add(res)
		if bar != nil {
			bar.Set("suffix", fmt.Sprintf(" loss=%.4f acc=%.4f", res.Loss, acc.accuracy()))
			bar.Increment()
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return acc.loss(), acc.accuracy(), nil
}

func (t *Trainer) evalEpoch(ctx context.Context) (float64, float64, error) {
	var acc accumulator
	err := t.forEachBatch(ctx, t.args.Dataset.Val.Samples, func(b Batch) error {
		res, err := t.learner.EvalBatch(b)
		if err != nil {
			return err
		}
		acc.add(res)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return acc.loss(), acc.accuracy(), nil
}

func (t *Trainer) forEachBatch(ctx context.Context, samples []Sample, fn func(Batch) error) error {
	for start := 0; start < len(samples); start += t.args.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + t.args.BatchSize
		if end > len(samples) {
			end = len(samples)
		}
		b, err := loadBatch(t.pre, samples[start:end], t.args.LoadWorkers)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) save(s State, valAcc float64) (string, error) {
	params, err := t.learner.Snapshot()
	if err != nil {
		return "", err
	}
	path, err := t.saver.Save(&models.Checkpoint{
		Manifest: models.Manifest{
			Role:         t.args.Role,
			Architecture: t.arch.Name(),
			Classes:      t.args.Dataset.Classes.Clone(),
			Preprocess:   t.args.Preprocess,
			Epoch:        s.Epoch,
			ValAccuracy:  valAcc,
			RunID:        t.runID,
		},
		Params: params,
	})
	if err != nil {
		return "", err
	}
	t.log.Info("checkpoint saved", "epoch", s.Epoch, "val_acc", valAcc, "path", path)
	return path, nil
}

// accumulator aggregates batch results into sample-weighted epoch metrics.
type accumulator struct {
	losses  []float64
	weights []float64
	correct int
	total   int
}

func (a *accumulator) add(r BatchResult) {
	a.losses = append(a.losses, r.Loss)
	a.weights = append(a.weights, float64(r.Count))
	a.correct += r.Correct
	a.total += r.Count
}

func (a *accumulator) loss() float64 {
	if a.total == 0 {
		return 0
	}
	return stat.Mean(a.losses, a.weights)
}

func (a *accumulator) accuracy() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

func batchCount(n, size int) int {
	return (n + size - 1) / size
}

func writeHistory(path string, report *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create models directory")
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write history")
}
