package inference

import (
	"context"
	"image"

	"github.com/nvr-ai/leafscan/inference/providers"
	"github.com/nvr-ai/leafscan/models"
	"github.com/nvr-ai/leafscan/preprocess"
	"github.com/pkg/errors"
)

// Result is the outcome of one ensemble prediction.
type Result struct {
	// Label is the winning class name.
	Label string `json:"prediction"`
	// Index is the position of Label in the class set.
	Index int `json:"-"`
	// Confidence is the fused probability of Label.
	Confidence float64 `json:"confidence"`
	// Probabilities is the fused distribution over all classes.
	Probabilities []float64 `json:"-"`
	// Members holds each role's own distribution.
	Members map[models.Role][]float64 `json:"-"`
}

type member struct {
	role       models.Role
	classifier Classifier
}

// Ensemble averages the softmax outputs of the vit and swin classifiers.
// It is safe for concurrent use when its classifiers are.
type Ensemble struct {
	pre     *preprocess.Preprocessor
	classes models.ClassSet
	members []member
}

// Classes returns the label set of the ensemble.
func (e *Ensemble) Classes() models.ClassSet {
	return e.classes.Clone()
}

// Predict classifies an encoded image.
//
// Arguments:
//   - ctx: Bounds the wait for a free classifier worker.
//   - raw: The encoded image bytes.
//
// Returns:
//   - *Result: The fused prediction.
//   - error: A wrapped *preprocess.DecodeError for undecodable input, or the
//     first classifier error. There is no single-model fallback.
func (e *Ensemble) Predict(ctx context.Context, raw []byte) (*Result, error) {
	t, err := e.pre.Prepare(raw)
	if err != nil {
		return nil, errors.Wrap(err, "preprocess")
	}
	return e.predict(ctx, t)
}

// PredictImage classifies a decoded image.
func (e *Ensemble) PredictImage(ctx context.Context, img image.Image) (*Result, error) {
	t, err := e.pre.PrepareImage(img)
	if err != nil {
		return nil, errors.Wrap(err, "preprocess")
	}
	return e.predict(ctx, t)
}

// PredictTensor classifies an already prepared tensor.
func (e *Ensemble) PredictTensor(ctx context.Context, t *preprocess.Tensor) (*Result, error) {
	return e.predict(ctx, t)
}

func (e *Ensemble) predict(ctx context.Context, t *preprocess.Tensor) (*Result, error) {
	members := make(map[models.Role][]float64, len(e.members))
	dists := make([][]float64, 0, len(e.members))

	for _, m := range e.members {
		logits, err := m.classifier.Infer(ctx, t)
		if err != nil {
			return nil, errors.Wrapf(err, "%s classifier", m.role)
		}
		if len(logits) != e.classes.Len() {
			return nil, errors.Errorf("%s classifier returned %d logits for %d classes",
				m.role, len(logits), e.classes.Len())
		}
		probs := Softmax(logits)
		members[m.role] = probs
		dists = append(dists, probs)
	}

	fused, err := Fuse(dists[0], dists[1])
	if err != nil {
		return nil, err
	}
	idx, confidence, err := ArgMax(fused)
	if err != nil {
		return nil, err
	}
	label, err := e.classes.Name(idx)
	if err != nil {
		return nil, err
	}

	return &Result{
		Label:         label,
		Index:         idx,
		Confidence:    confidence,
		Probabilities: fused,
		Members:       members,
	}, nil
}

// Close tears down both classifiers.
func (e *Ensemble) Close() error {
	var first error
	for _, m := range e.members {
		if err := m.classifier.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close %s classifier", m.role)
		}
	}
	return first
}

// LoadOptions select where and how EnsembleBuilder.LoadClassifiers finds the
// classifiers of both roles.
type LoadOptions struct {
	// Dir is the models directory holding <role>_best.ckpt or <role>_best.onnx.
	Dir     string
	Backend Backend
	// Workers is the graph pool size per role (graph backend).
	Workers int
	// Provider configures onnxruntime (ONNX backend).
	Provider providers.Config
}

// EnsembleBuilder assembles an Ensemble with a fluent API. The first error
// sticks and is returned by Build.
type EnsembleBuilder struct {
	pre         *preprocess.Preprocessor
	classes     models.ClassSet
	classifiers map[models.Role]Classifier
	err         error
}

// NewEnsembleBuilder creates a new ensemble builder.
//
// Returns:
//   - *EnsembleBuilder: The ensemble builder.
func NewEnsembleBuilder() *EnsembleBuilder {
	return &EnsembleBuilder{classifiers: make(map[models.Role]Classifier, len(models.Roles))}
}

// WithPreprocessor sets the preprocessing configuration shared by both roles.
//
// Arguments:
//   - cfg: The preprocessing configuration.
//
// Returns:
//   - *EnsembleBuilder: The ensemble builder.
func (b *EnsembleBuilder) WithPreprocessor(cfg preprocess.Config) *EnsembleBuilder {
	if b.HasError() {
		return b
	}
	pre, err := preprocess.NewPreprocessor(cfg)
	if err != nil {
		b.err = err
		return b
	}
	b.pre = pre
	return b
}

// WithClasses sets the ordered label set.
//
// Arguments:
//   - classes: The label set; its length must match every classifier head.
//
// Returns:
//   - *EnsembleBuilder: The ensemble builder.
func (b *EnsembleBuilder) WithClasses(classes models.ClassSet) *EnsembleBuilder {
	if b.HasError() {
		return b
	}
	if err := classes.Validate(); err != nil {
		b.err = err
		return b
	}
	b.classes = classes.Clone()
	return b
}

// WithClassifier installs a classifier for a role. The builder takes
// ownership of c.
func (b *EnsembleBuilder) WithClassifier(role models.Role, c Classifier) *EnsembleBuilder {
	if b.HasError() {
		return b
	}
	if _, err := models.ParseRole(string(role)); err != nil {
		b.err = err
		return b
	}
	if c == nil {
		b.err = errors.Errorf("nil classifier for role %s", role)
		return b
	}
	if prev, ok := b.classifiers[role]; ok {
		prev.Close()
	}
	b.classifiers[role] = c
	return b
}

// LoadClassifiers loads the classifiers of every role from opts.Dir. It must
// be called after WithPreprocessor and WithClasses.
//
// Arguments:
//   - ctx: Cancels loading.
//   - opts: Where and how to load the classifiers.
//
// Returns:
//   - *EnsembleBuilder: The ensemble builder.
func (b *EnsembleBuilder) LoadClassifiers(ctx context.Context, opts LoadOptions) *EnsembleBuilder {
	if b.HasError() {
		return b
	}
	if b.pre == nil || b.classes == nil {
		b.err = errors.New("preprocessor and classes must be configured before loading classifiers")
		return b
	}

	for _, role := range models.Roles {
		var (
			c   Classifier
			err error
		)
		switch opts.Backend {
		case BackendGraph, "":
			c, err = LoadClassifier(ctx, LoadArgs{
				Role:       role,
				Path:       models.CheckpointPath(opts.Dir, role),
				Classes:    b.classes,
				Preprocess: b.pre.Config(),
				Workers:    opts.Workers,
			})
		case BackendONNX:
			c, err = LoadONNXClassifier(ctx, ONNXArgs{
				Role:       role,
				Path:       models.ONNXPath(opts.Dir, role),
				Classes:    b.classes,
				Preprocess: b.pre.Config(),
				Provider:   opts.Provider,
			})
		default:
			err = errors.Errorf("unsupported backend: %s", opts.Backend)
		}
		if err != nil {
			b.err = err
			return b
		}
		b.classifiers[role] = c
	}
	return b
}

// HasError checks if the ensemble builder has errors.
//
// Returns:
//   - bool: True if there are errors, false otherwise.
func (b *EnsembleBuilder) HasError() bool {
	return b.err != nil
}

// MustBuild builds the ensemble and panics if there is an error.
//
// Returns:
//   - *Ensemble: The ensemble.
func (b *EnsembleBuilder) MustBuild() *Ensemble {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}

// Build builds the ensemble. On error every classifier already installed is
// closed.
//
// Returns:
//   - *Ensemble: The ensemble.
//   - error: The error if any.
func (b *EnsembleBuilder) Build() (*Ensemble, error) {
	if err := b.validate(); err != nil {
		for _, c := range b.classifiers {
			c.Close()
		}
		b.classifiers = make(map[models.Role]Classifier, len(models.Roles))
		return nil, err
	}

	e := &Ensemble{pre: b.pre, classes: b.classes}
	for _, role := range models.Roles {
		e.members = append(e.members, member{role: role, classifier: b.classifiers[role]})
	}
	return e, nil
}

func (b *EnsembleBuilder) validate() error {
	if b.HasError() {
		return b.err
	}
	if b.pre == nil {
		return errors.New("preprocessor not configured")
	}
	if b.classes == nil {
		return errors.New("classes not configured")
	}
	for _, role := range models.Roles {
		if _, ok := b.classifiers[role]; !ok {
			return errors.Errorf("classifier for role %s not configured", role)
		}
	}
	return nil
}
