package training

import (
	"math"

	"github.com/nvr-ai/leafscan/inference"
	"github.com/nvr-ai/leafscan/models"
	"github.com/nvr-ai/leafscan/preprocess"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// BatchResult summarizes one batch.
type BatchResult struct {
	// Loss is the mean cross-entropy over the batch.
	Loss float64
	// Correct is the number of samples whose arg-max matches the label.
	Correct int
	// Count is the number of real samples in the batch.
	Count int
}

// Learner owns a role's parameters during training.
type Learner interface {
	// TrainBatch runs one optimization step.
	TrainBatch(b Batch) (BatchResult, error)
	// EvalBatch scores a batch without updating parameters.
	EvalBatch(b Batch) (BatchResult, error)
	// Snapshot returns a copy of the current parameters.
	Snapshot() (*models.ParamSet, error)
	Close() error
}

// GraphLearnerArgs are the arguments for NewGraphLearner.
type GraphLearnerArgs struct {
	Arch      models.Architecture
	Classes   int
	BatchSize int
	LearnRate float64
	// Params are the starting weights. Nil means freshly initialized.
	Params *models.ParamSet
}

// GraphLearner trains a skeleton with gorgonia and Adam.
//
// Graphs have a fixed batch size. A short training batch is filled by
// repeating its own samples; a short evaluation batch is padded with zero
// images whose outputs are ignored.
type GraphLearner struct {
	args  GraphLearnerArgs
	train *models.Network
	eval  *models.Network
	// stale is set when the training graph moved past the evaluation graph.
	stale bool
}

// NewGraphLearner compiles the training graph.
//
// Arguments:
//   - args: The learner arguments.
//
// Returns:
//   - *GraphLearner: The learner.
//   - error: An error if the parameters do not fit or compilation fails.
func NewGraphLearner(args GraphLearnerArgs) (*GraphLearner, error) {
	if args.Arch == nil {
		return nil, errors.New("architecture not configured")
	}
	if args.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", args.BatchSize)
	}
	if args.LearnRate <= 0 {
		return nil, errors.Errorf("invalid learning rate %g", args.LearnRate)
	}
	params := args.Params
	if params == nil {
		params = models.InitParams(args.Arch.Params(args.Classes))
	}

	net, err := models.NewNetwork(models.NetworkArgs{
		Arch:      args.Arch,
		Classes:   args.Classes,
		Batch:     args.BatchSize,
		Params:    params,
		Mode:      models.ModeTraining,
		LearnRate: args.LearnRate,
	})
	if err != nil {
		return nil, errors.Wrap(err, "compile training graph")
	}
	return &GraphLearner{args: args, train: net, stale: true}, nil
}

// TrainBatch runs one Adam step on b.
func (l *GraphLearner) TrainBatch(b Batch) (BatchResult, error) {
	n := b.Len()
	if err := l.checkBatch(b); err != nil {
		return BatchResult{}, err
	}

	size := l.args.BatchSize
	rows := make([]int, size)
	for i := range rows {
		rows[i] = i % n
	}

	input := l.inputOf(b.Inputs, rows)
	onehot := make([]float32, size*l.args.Classes)
	for i, r := range rows {
		onehot[i*l.args.Classes+b.Labels[r]] = 1
	}
	labels := tensor.New(tensor.WithShape(size, l.args.Classes), tensor.WithBacking(onehot))

	loss, logits, err := l.train.Train(input, labels)
	if err != nil {
		return BatchResult{}, err
	}
	l.stale = true

	return BatchResult{
		Loss:    float64(loss),
		Correct: l.correct(logits, b.Labels),
		Count:   n,
	}, nil
}

// EvalBatch runs the forward pass with the current parameters.
func (l *GraphLearner) EvalBatch(b Batch) (BatchResult, error) {
	n := b.Len()
	if err := l.checkBatch(b); err != nil {
		return BatchResult{}, err
	}
	if err := l.refreshEval(); err != nil {
		return BatchResult{}, err
	}

	rows := make([]int, l.args.BatchSize)
	for i := range rows {
		rows[i] = -1
		if i < n {
			rows[i] = i
		}
	}

	logits, err := l.eval.Forward(l.inputOf(b.Inputs, rows))
	if err != nil {
		return BatchResult{}, err
	}

	var loss float64
	c := l.args.Classes
	for i := 0; i < n; i++ {
		probs := inference.Softmax(logits[i*c : (i+1)*c])
		loss -= math.Log(probs[b.Labels[i]] + 1e-7)
	}

	return BatchResult{
		Loss:    loss / float64(n),
		Correct: l.correct(logits, b.Labels),
		Count:   n,
	}, nil
}

// Snapshot copies the parameters out of the training graph.
func (l *GraphLearner) Snapshot() (*models.ParamSet, error) {
	return l.train.Snapshot()
}

// Close releases both graphs.
func (l *GraphLearner) Close() error {
	var err error
	if l.eval != nil {
		err = l.eval.Close()
		l.eval = nil
	}
	if l.train != nil {
		if terr := l.train.Close(); terr != nil && err == nil {
			err = terr
		}
		l.train = nil
	}
	return err
}

// refreshEval rebuilds the evaluation graph from the training weights.
func (l *GraphLearner) refreshEval() error {
	if !l.stale && l.eval != nil {
		return nil
	}
	params, err := l.train.Snapshot()
	if err != nil {
		return err
	}
	if l.eval != nil {
		l.eval.Close()
		l.eval = nil
	}
	l.eval, err = models.NewNetwork(models.NetworkArgs{
		Arch:    l.args.Arch,
		Classes: l.args.Classes,
		Batch:   l.args.BatchSize,
		Params:  params,
		Mode:    models.ModeInference,
	})
	if err != nil {
		return errors.Wrap(err, "compile evaluation graph")
	}
	l.stale = false
	return nil
}

func (l *GraphLearner) checkBatch(b Batch) error {
	n := b.Len()
	if n == 0 {
		return errors.New("empty batch")
	}
	if n > l.args.BatchSize {
		return errors.Errorf("batch of %d exceeds graph batch size %d", n, l.args.BatchSize)
	}
	if len(b.Labels) != n {
		return errors.Errorf("batch has %d images and %d labels", n, len(b.Labels))
	}
	for _, label := range b.Labels {
		if label < 0 || label >= l.args.Classes {
			return errors.Errorf("label %d out of range [0, %d)", label, l.args.Classes)
		}
	}
	w, h := l.args.Arch.Input()
	for i, in := range b.Inputs {
		if in == nil || len(in.Data) != preprocess.Channels*w*h {
			return errors.Errorf("image %d does not match the %dx%d input", i, w, h)
		}
	}
	return nil
}

// inputOf stacks the images named by rows into a [batch, 3, h, w] tensor.
// A row of -1 stays zero.
func (l *GraphLearner) inputOf(images []*preprocess.Tensor, rows []int) *tensor.Dense {
	w, h := l.args.Arch.Input()
	size := preprocess.Channels * w * h
	data := make([]float32, len(rows)*size)
	for i, r := range rows {
		if r < 0 {
			continue
		}
		copy(data[i*size:(i+1)*size], images[r].Data)
	}
	return tensor.New(tensor.WithShape(len(rows), preprocess.Channels, h, w), tensor.WithBacking(data))
}

// correct counts the rows among the first len(labels) whose arg-max equals
// the label. Ties go to the lowest index.
func (l *GraphLearner) correct(logits []float32, labels []int) int {
	c := l.args.Classes
	var hits int
	for i, label := range labels {
		row := logits[i*c : (i+1)*c]
		best := 0
		for j := 1; j < c; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		if best == label {
			hits++
		}
	}
	return hits
}
