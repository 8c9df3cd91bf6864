package inference

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nvr-ai/leafscan/models"
	"github.com/nvr-ai/leafscan/preprocess"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Classifier maps one preprocessed image to one logit per class.
type Classifier interface {
	// Infer runs the classifier in evaluation mode on a single image.
	Infer(ctx context.Context, input *preprocess.Tensor) ([]float32, error)
	// Close releases the classifier's resources.
	Close() error
}

// ErrClosed is returned by Infer after Close.
var ErrClosed = errors.New("classifier is closed")

// LoadArgs are the arguments for LoadClassifier.
type LoadArgs struct {
	Role models.Role
	// Path is the checkpoint file, usually models.CheckpointPath(dir, role).
	Path       string
	Classes    models.ClassSet
	Preprocess preprocess.Config
	// Workers is the number of compiled graphs serving concurrent calls.
	Workers int
}

// GraphClassifier serves a checkpoint with a fixed pool of gorgonia graphs.
// Every graph holds its own copy of the read-only weights.
type GraphClassifier struct {
	role     models.Role
	manifest models.Manifest
	input    preprocess.Config
	classes  int

	pool   chan *models.Network
	nets   []*models.Network
	closed atomic.Bool
	once   sync.Once
}

// LoadClassifier restores a role's checkpoint and compiles its worker graphs.
//
// Arguments:
//   - ctx: Cancels loading between worker compilations.
//   - args: The load arguments.
//
// Returns:
//   - *GraphClassifier: The ready classifier.
//   - error: *models.CheckpointMissingError if no checkpoint exists,
//     *models.CheckpointMismatchError if it does not fit the skeleton, label
//     set or preprocessing, or a wrapped build error.
func LoadClassifier(ctx context.Context, args LoadArgs) (*GraphClassifier, error) {
	if err := args.Classes.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid class set")
	}
	if err := args.Preprocess.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid preprocessing")
	}
	workers := args.Workers
	if workers <= 0 {
		workers = 1
	}

	arch, err := models.NewArchitecture(args.Role, args.Preprocess.Width, args.Preprocess.Height)
	if err != nil {
		return nil, err
	}
	ckpt, err := models.LoadCheckpoint(args.Role, args.Path)
	if err != nil {
		return nil, err
	}
	if err := ckpt.Verify(arch, args.Classes, args.Preprocess, args.Path); err != nil {
		return nil, err
	}

	c := &GraphClassifier{
		role:     args.Role,
		manifest: ckpt.Manifest,
		input:    args.Preprocess,
		classes:  args.Classes.Len(),
		pool:     make(chan *models.Network, workers),
	}
	for i := 0; i < workers; i++ {
		if err := ctx.Err(); err != nil {
			c.Close()
			return nil, err
		}
		net, err := models.NewNetwork(models.NetworkArgs{
			Arch:    arch,
			Classes: c.classes,
			Batch:   1,
			Params:  ckpt.Params,
			Mode:    models.ModeInference,
		})
		if err != nil {
			c.Close()
			return nil, errors.Wrapf(err, "compile %s worker %d", args.Role, i)
		}
		c.nets = append(c.nets, net)
		c.pool <- net
	}

	slog.Info("loaded classifier",
		"role", args.Role,
		"path", args.Path,
		"architecture", ckpt.Manifest.Architecture,
		"epoch", ckpt.Manifest.Epoch,
		"val_acc", ckpt.Manifest.ValAccuracy,
		"workers", workers,
	)
	return c, nil
}

// Role returns the role the classifier was loaded for.
func (c *GraphClassifier) Role() models.Role {
	return c.role
}

// Manifest returns the manifest of the loaded checkpoint.
func (c *GraphClassifier) Manifest() models.Manifest {
	return c.manifest
}

// Infer waits for a free worker graph, or for ctx, and runs the forward pass.
func (c *GraphClassifier) Infer(ctx context.Context, input *preprocess.Tensor) ([]float32, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	batch, err := c.batchOf(input)
	if err != nil {
		return nil, err
	}

	var net *models.Network
	select {
	case net = <-c.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { c.pool <- net }()

	logits, err := net.Forward(batch)
	if err != nil {
		return nil, errors.Wrapf(err, "%s forward pass", c.role)
	}
	return logits, nil
}

// batchOf wraps a copy of the image as a [1, 3, h, w] batch.
func (c *GraphClassifier) batchOf(input *preprocess.Tensor) (*tensor.Dense, error) {
	if input == nil {
		return nil, errors.New("nil input tensor")
	}
	want := c.input.Size()
	if len(input.Data) != want {
		return nil, errors.Errorf("input has %d values, %s expects %d (%dx%d)",
			len(input.Data), c.role, want, c.input.Width, c.input.Height)
	}
	data := make([]float32, want)
	copy(data, input.Data)
	return tensor.New(
		tensor.WithShape(1, preprocess.Channels, c.input.Height, c.input.Width),
		tensor.WithBacking(data),
	), nil
}

// Close releases every worker graph. Calls in flight must have returned.
func (c *GraphClassifier) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		for _, net := range c.nets {
			if cerr := net.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
