package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestPNGImage encodes a deterministic gradient image.
func createTestPNGImage(t testing.TB, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / width),
				G: uint8((y * 255) / height),
				B: uint8(((x + y) * 127) / (width + height)),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solidImage(width, height int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPrepareShape(t *testing.T) {
	p, err := NewPreprocessor(DefaultConfig())
	require.NoError(t, err)

	out, err := p.Prepare(createTestPNGImage(t, 320, 240))
	require.NoError(t, err)

	assert.Equal(t, []int{3, 224, 224}, out.Shape)
	assert.Len(t, out.Data, 3*224*224)
}

func TestPrepareDeterministic(t *testing.T) {
	p, err := NewPreprocessor(DefaultConfig())
	require.NoError(t, err)

	data := createTestPNGImage(t, 300, 200)

	first, err := p.Prepare(data)
	require.NoError(t, err)
	second, err := p.Prepare(data)
	require.NoError(t, err)

	require.Equal(t, len(first.Data), len(second.Data))
	for i := range first.Data {
		if math.Float32bits(first.Data[i]) != math.Float32bits(second.Data[i]) {
			t.Fatalf("value %d differs: %v != %v", i, first.Data[i], second.Data[i])
		}
	}
}

func TestPrepareNormalization(t *testing.T) {
	config := DefaultConfig()
	config.Width, config.Height = 16, 16
	p, err := NewPreprocessor(config)
	require.NoError(t, err)

	out, err := p.PrepareImage(solidImage(16, 16, color.NRGBA{R: 255, G: 0, B: 51, A: 255}))
	require.NoError(t, err)

	plane := 16 * 16
	assert.InDelta(t, (1.0-0.485)/0.229, out.Data[0], 1e-5, "red channel")
	assert.InDelta(t, (0.0-0.456)/0.224, out.Data[plane], 1e-5, "green channel")
	assert.InDelta(t, (0.2-0.406)/0.225, out.Data[2*plane], 1e-5, "blue channel")
}

func TestPrepareDiscardsAlpha(t *testing.T) {
	config := Config{Width: 4, Height: 4, Mean: []float32{0, 0, 0}, Std: []float32{1, 1, 1}}
	p, err := NewPreprocessor(config)
	require.NoError(t, err)

	opaque, err := p.PrepareImage(solidImage(4, 4, color.NRGBA{R: 200, G: 100, B: 50, A: 255}))
	require.NoError(t, err)
	translucent, err := p.PrepareImage(solidImage(4, 4, color.NRGBA{R: 200, G: 100, B: 50, A: 10}))
	require.NoError(t, err)

	assert.Equal(t, opaque.Data, translucent.Data, "alpha must not affect color channels")
}

func TestPrepareGrayscaleExpands(t *testing.T) {
	config := Config{Width: 4, Height: 4, Mean: []float32{0, 0, 0}, Std: []float32{1, 1, 1}}
	p, err := NewPreprocessor(config)
	require.NoError(t, err)

	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range gray.Pix {
		gray.Pix[i] = 128
	}

	out, err := p.PrepareImage(gray)
	require.NoError(t, err)

	plane := 16
	for i := 0; i < plane; i++ {
		assert.Equal(t, out.Data[i], out.Data[plane+i])
		assert.Equal(t, out.Data[i], out.Data[2*plane+i])
	}
	assert.InDelta(t, 128.0/255.0, out.Data[0], 1e-6)
}

func TestPrepareJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solidImage(64, 48, color.NRGBA{R: 10, G: 200, B: 30, A: 255}), nil))

	p, err := NewPreprocessor(DefaultConfig())
	require.NoError(t, err)

	out, err := p.Prepare(buf.Bytes())
	require.NoError(t, err)
	assert.Len(t, out.Data, DefaultConfig().Size())
}

func TestPrepareDecodeError(t *testing.T) {
	p, err := NewPreprocessor(DefaultConfig())
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("definitely not an image")},
		{"empty", nil},
		{"truncated png", createTestPNGImage(t, 10, 10)[:20]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := p.Prepare(tt.data)
			require.Error(t, err)
			assert.Nil(t, out)

			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr), "expected DecodeError, got %T", err)
		})
	}
}

func TestPrepareImageEmpty(t *testing.T) {
	p, err := NewPreprocessor(DefaultConfig())
	require.NoError(t, err)

	_, err = p.PrepareImage(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestBatchPrepare(t *testing.T) {
	config := DefaultConfig()
	config.Width, config.Height = 32, 32
	p, err := NewPreprocessor(config)
	require.NoError(t, err)

	items := [][]byte{
		createTestPNGImage(t, 40, 40),
		createTestPNGImage(t, 50, 30),
		createTestPNGImage(t, 20, 60),
	}

	results, err := p.BatchPrepare(items, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, item := range items {
		single, err := p.Prepare(item)
		require.NoError(t, err)
		assert.Equal(t, single.Data, results[i].Data, "batch result %d should match sequential result", i)
	}

	items = append(items, []byte("bad"))
	_, err = p.BatchPrepare(items, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image 3")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"zero width", func(c *Config) { c.Width = 0 }, true},
		{"short mean", func(c *Config) { c.Mean = []float32{0.5} }, true},
		{"zero std", func(c *Config) { c.Std = []float32{0.2, 0, 0.2} }, true},
		{"unknown filter", func(c *Config) { c.Filter = "sinc" }, true},
		{"empty filter", func(c *Config) { c.Filter = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigEqual(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	assert.True(t, a.Equal(b))

	b.Filter = ""
	assert.True(t, a.Equal(b), "empty filter defaults to bilinear")

	b.Mean = []float32{0.5, 0.5, 0.5}
	assert.False(t, a.Equal(b))

	c := DefaultConfig()
	c.Width = 256
	assert.False(t, a.Equal(c))
}
