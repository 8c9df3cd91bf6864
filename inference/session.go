package inference

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nvr-ai/leafscan/inference/providers"
	"github.com/nvr-ai/leafscan/models"
	"github.com/nvr-ai/leafscan/preprocess"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Session represents a model session from the onnxruntime.
type Session struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

// Close releases the resources associated with the Session.
func (s *Session) Close() error {
	if s.Input != nil {
		s.Input.Destroy()
		s.Input = nil
	}
	if s.Output != nil {
		s.Output.Destroy()
		s.Output = nil
	}
	if s.Session != nil {
		err := s.Session.Destroy()
		s.Session = nil
		if err != nil {
			return fmt.Errorf("error destroying ORT session: %w", err)
		}
	}
	return nil
}

// ONNXArgs are the arguments for LoadONNXClassifier.
type ONNXArgs struct {
	Role models.Role
	// Path is the model file, usually models.ONNXPath(dir, role).
	Path       string
	Classes    models.ClassSet
	Preprocess preprocess.Config
	Provider   providers.Config
}

// SessionStats are cumulative run statistics of an ONNX classifier.
type SessionStats struct {
	Runs      int64
	TotalTime time.Duration
}

// Average returns the mean duration of a run.
func (s SessionStats) Average() time.Duration {
	if s.Runs == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Runs)
}

// ONNXClassifier runs an exported model with onnxruntime. The session owns
// one input and one output tensor, so runs are serialized.
type ONNXClassifier struct {
	role    models.Role
	input   preprocess.Config
	classes int

	mu      sync.Mutex
	session *Session
	stats   SessionStats
}

// LoadONNXClassifier opens an exported model and checks that its input and
// output layout fit the preprocessing and the label set.
//
// Arguments:
//   - ctx: Checked before the session is created.
//   - args: The load arguments.
//
// Returns:
//   - *ONNXClassifier: The ready classifier.
//   - error: *models.CheckpointMissingError if the model file does not exist,
//     *models.CheckpointMismatchError if its layout differs, or a runtime error.
func LoadONNXClassifier(ctx context.Context, args ONNXArgs) (c *ONNXClassifier, err error) {
	if err := args.Classes.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid class set")
	}
	if err := args.Preprocess.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid preprocessing")
	}
	if _, err := os.Stat(args.Path); os.IsNotExist(err) {
		return nil, &models.CheckpointMissingError{Role: args.Role, Path: args.Path}
	}

	if err := providers.AcquireEnvironment(args.Provider); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			providers.ReleaseEnvironment()
		}
	}()

	inputs, outputs, err := ort.GetInputOutputInfo(args.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "inspect %s", args.Path)
	}
	if err := checkLayout(args, inputs, outputs); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := newSession(args, inputs[0].Name, outputs[0].Name)
	if err != nil {
		return nil, err
	}

	slog.Info("loaded classifier",
		"role", args.Role,
		"path", args.Path,
		"backend", BackendONNX,
		"provider", args.Provider.Provider,
	)
	return &ONNXClassifier{
		role:    args.Role,
		input:   args.Preprocess,
		classes: args.Classes.Len(),
		session: session,
	}, nil
}

// checkLayout verifies a [N, 3, H, W] input and a [N, classes] output.
// Dynamic dimensions (<= 0) are accepted.
func checkLayout(args ONNXArgs, inputs, outputs []ort.InputOutputInfo) error {
	mismatch := func(format string, a ...interface{}) error {
		return &models.CheckpointMismatchError{Role: args.Role, Path: args.Path, Reason: fmt.Sprintf(format, a...)}
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return mismatch("expected one input and one output, found %d and %d", len(inputs), len(outputs))
	}

	in := inputs[0].Dimensions
	want := []int64{1, preprocess.Channels, int64(args.Preprocess.Height), int64(args.Preprocess.Width)}
	if len(in) != len(want) {
		return mismatch("input %q has rank %d, expected 4", inputs[0].Name, len(in))
	}
	for i := 1; i < len(want); i++ {
		if in[i] > 0 && in[i] != want[i] {
			return mismatch("input %q has shape %v, expected %v", inputs[0].Name, in, want)
		}
	}

	out := outputs[0].Dimensions
	if len(out) != 2 {
		return mismatch("output %q has rank %d, expected 2", outputs[0].Name, len(out))
	}
	if out[1] != int64(args.Classes.Len()) {
		return mismatch("output %q has %d classes, expected %d", outputs[0].Name, out[1], args.Classes.Len())
	}
	return nil
}

func newSession(args ONNXArgs, inputName, outputName string) (*Session, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, preprocess.Channels,
		int64(args.Preprocess.Height), int64(args.Preprocess.Width)))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(args.Classes.Len())))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	options, err := providers.NewSessionOptions(args.Provider)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(
		args.Path,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating ORT session: %w", err)
	}

	return &Session{Session: session, Input: inputTensor, Output: outputTensor}, nil
}

// Infer copies the image into the input tensor and runs the session.
func (c *ONNXClassifier) Infer(ctx context.Context, input *preprocess.Tensor) ([]float32, error) {
	if input == nil {
		return nil, errors.New("nil input tensor")
	}
	if len(input.Data) != c.input.Size() {
		return nil, errors.Errorf("input has %d values, %s expects %d", len(input.Data), c.role, c.input.Size())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, ErrClosed
	}

	copy(c.session.Input.GetData(), input.Data)

	start := time.Now()
	if err := c.session.Session.Run(); err != nil {
		return nil, errors.Wrapf(err, "%s inference", c.role)
	}
	c.stats.Runs++
	c.stats.TotalTime += time.Since(start)

	out := c.session.Output.GetData()
	logits := make([]float32, c.classes)
	copy(logits, out)
	return logits, nil
}

// Stats returns the cumulative run statistics.
func (c *ONNXClassifier) Stats() SessionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close destroys the session and releases the runtime environment.
func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	if rerr := providers.ReleaseEnvironment(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
