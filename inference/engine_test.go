package inference

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nvr-ai/leafscan/models"
	"github.com/nvr-ai/leafscan/preprocess"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 32

// stubClassifier returns fixed logits and records the tensors it was given.
type stubClassifier struct {
	logits []float32
	err    error

	mu     sync.Mutex
	inputs []*preprocess.Tensor
	closed atomic.Bool
}

func (s *stubClassifier) Infer(_ context.Context, input *preprocess.Tensor) ([]float32, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, input)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]float32(nil), s.logits...), nil
}

func (s *stubClassifier) Close() error {
	s.closed.Store(true)
	return nil
}

func testPreprocess() preprocess.Config {
	c := preprocess.DefaultConfig()
	c.Width, c.Height = testSize, testSize
	return c
}

func leafPNG(t testing.TB) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(120 + y), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestEnsemble(t *testing.T, vit, swin Classifier) *Ensemble {
	t.Helper()
	e, err := NewEnsembleBuilder().
		WithPreprocessor(testPreprocess()).
		WithClasses(models.DefaultClasses).
		WithClassifier(models.RoleViT, vit).
		WithClassifier(models.RoleSwin, swin).
		Build()
	require.NoError(t, err)
	return e
}

func TestEnsembleIdenticalClassifiers(t *testing.T) {
	vit := &stubClassifier{logits: []float32{5, 0, 0, 0, 0, 0}}
	swin := &stubClassifier{logits: []float32{5, 0, 0, 0, 0, 0}}
	e := newTestEnsemble(t, vit, swin)

	res, err := e.Predict(context.Background(), leafPNG(t))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, "BacterialBlights", res.Label)
	assert.InDelta(t, 0.9674, res.Confidence, 1e-4)

	// Both classifiers see the very same prepared tensor.
	require.Len(t, vit.inputs, 1)
	require.Len(t, swin.inputs, 1)
	assert.Same(t, vit.inputs[0], swin.inputs[0])
	assert.Equal(t, []int{3, testSize, testSize}, vit.inputs[0].Shape)
}

func TestEnsembleConfidentClassifiers(t *testing.T) {
	logits := []float32{0, 0, 0, 0, 0, 30}
	e := newTestEnsemble(t, &stubClassifier{logits: logits}, &stubClassifier{logits: logits})

	res, err := e.Predict(context.Background(), leafPNG(t))
	require.NoError(t, err)
	assert.Equal(t, "Yellow", res.Label)
	assert.InDelta(t, 1.0, res.Confidence, 1e-6)
}

func TestEnsembleDisagreement(t *testing.T) {
	// vit leans to Healthy, swin is very sure of Rust; the fused vector decides.
	vit := &stubClassifier{logits: []float32{0, 2, 0, 0, 1.5, 0}}
	swin := &stubClassifier{logits: []float32{0, 0, 0, 0, 6, 0}}
	e := newTestEnsemble(t, vit, swin)

	res, err := e.Predict(context.Background(), leafPNG(t))
	require.NoError(t, err)
	assert.Equal(t, "Rust", res.Label)
	assert.Equal(t, 4, res.Index)

	pv := Softmax(vit.logits)
	ps := Softmax(swin.logits)
	assert.InDelta(t, (pv[4]+ps[4])/2, res.Confidence, 1e-9)
	assert.Equal(t, pv, res.Members[models.RoleViT])
	assert.Equal(t, ps, res.Members[models.RoleSwin])

	idx, max, err := ArgMax(res.Probabilities)
	require.NoError(t, err)
	assert.Equal(t, res.Index, idx)
	assert.Equal(t, res.Confidence, max)
}

func TestEnsembleTieTakesFirstIndex(t *testing.T) {
	vit := &stubClassifier{logits: []float32{0, 0, 3, 3, 0, 0}}
	swin := &stubClassifier{logits: []float32{0, 0, 3, 3, 0, 0}}
	e := newTestEnsemble(t, vit, swin)

	res, err := e.Predict(context.Background(), leafPNG(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Index)
	assert.Equal(t, "Mosaic", res.Label)
}

func TestEnsembleClassifierFailure(t *testing.T) {
	boom := errors.New("worker crashed")
	vit := &stubClassifier{logits: []float32{5, 0, 0, 0, 0, 0}}
	swin := &stubClassifier{err: boom}
	e := newTestEnsemble(t, vit, swin)

	res, err := e.Predict(context.Background(), leafPNG(t))
	assert.Nil(t, res, "no single-model fallback")
	require.Error(t, err)
	assert.Equal(t, boom, errors.Cause(err))
	assert.Contains(t, err.Error(), "swin")
}

func TestEnsembleLogitsLengthMismatch(t *testing.T) {
	vit := &stubClassifier{logits: []float32{1, 2, 3, 4, 5}}
	swin := &stubClassifier{logits: []float32{1, 2, 3, 4, 5, 6}}
	e := newTestEnsemble(t, vit, swin)

	_, err := e.Predict(context.Background(), leafPNG(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "5 logits for 6 classes")
}

func TestEnsembleDecodeError(t *testing.T) {
	vit := &stubClassifier{logits: make([]float32, 6)}
	swin := &stubClassifier{logits: make([]float32, 6)}
	e := newTestEnsemble(t, vit, swin)

	_, err := e.Predict(context.Background(), []byte("not an image"))
	var decodeErr *preprocess.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Empty(t, vit.inputs, "classifiers are not called for undecodable input")
}

func TestEnsemblePredictImageMatchesPredict(t *testing.T) {
	raw := leafPNG(t)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)

	logits := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	vit := &stubClassifier{logits: logits}
	swin := &stubClassifier{logits: logits}
	e := newTestEnsemble(t, vit, swin)

	a, err := e.Predict(context.Background(), raw)
	require.NoError(t, err)
	b, err := e.PredictImage(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, a.Label, b.Label)
	assert.Equal(t, vit.inputs[0].Data, vit.inputs[1].Data)
}

func TestEnsembleClose(t *testing.T) {
	vit := &stubClassifier{logits: make([]float32, 6)}
	swin := &stubClassifier{logits: make([]float32, 6)}
	e := newTestEnsemble(t, vit, swin)

	require.NoError(t, e.Close())
	assert.True(t, vit.closed.Load())
	assert.True(t, swin.closed.Load())
}

func TestEnsembleBuilderErrors(t *testing.T) {
	vit := &stubClassifier{logits: make([]float32, 6)}

	_, err := NewEnsembleBuilder().
		WithPreprocessor(testPreprocess()).
		WithClasses(models.DefaultClasses).
		WithClassifier(models.RoleViT, vit).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "swin")
	assert.True(t, vit.closed.Load(), "installed classifiers are released on failure")

	_, err = NewEnsembleBuilder().
		WithClasses(models.ClassSet{}).
		WithPreprocessor(testPreprocess()).
		Build()
	assert.Error(t, err)

	_, err = NewEnsembleBuilder().
		WithClassifier(models.Role("resnet"), &stubClassifier{}).
		Build()
	assert.Error(t, err)

	b := NewEnsembleBuilder().LoadClassifiers(context.Background(), LoadOptions{Dir: t.TempDir()})
	assert.True(t, b.HasError(), "loading requires preprocessing and classes")

	assert.Panics(t, func() { NewEnsembleBuilder().MustBuild() })
}

func TestEnsembleBuilderMissingCheckpoints(t *testing.T) {
	_, err := NewEnsembleBuilder().
		WithPreprocessor(testPreprocess()).
		WithClasses(models.DefaultClasses).
		LoadClassifiers(context.Background(), LoadOptions{Dir: t.TempDir(), Backend: BackendGraph}).
		Build()

	var missing *models.CheckpointMissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, models.RoleViT, missing.Role)
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, BackendGraph, b)

	b, err = ParseBackend("onnx")
	require.NoError(t, err)
	assert.Equal(t, BackendONNX, b)

	_, err = ParseBackend("tflite")
	assert.Error(t, err)
}
