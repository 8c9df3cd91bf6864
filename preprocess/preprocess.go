// Package preprocess - Deterministic image-to-tensor transform shared by training and inference.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Channels is the number of color channels of every prepared tensor.
const Channels = 3

// Tensor is a preprocessed image in CHW order.
type Tensor struct {
	// Data holds Channels*Height*Width normalized values.
	Data []float32
	// Shape is [channels, height, width].
	Shape []int
}

// DecodeError is returned when raw bytes cannot be interpreted as an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Preprocessor converts images into normalized tensors. It holds no mutable
// state and is safe for concurrent use.
type Preprocessor struct {
	config Config
	filter resize.InterpolationFunction
	pool   *sync.Pool
}

// NewPreprocessor creates a new preprocessor with the given configuration.
//
// Arguments:
//   - config: The preprocessing configuration.
//
// Returns:
//   - *Preprocessor: A configured Preprocessor instance.
//   - error: An error if the configuration is invalid.
//
// @example
//
//	p, err := NewPreprocessor(DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// tensor, err := p.Prepare(jpegBytes)
func NewPreprocessor(config Config) (*Preprocessor, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid preprocess config")
	}
	filter, err := config.Filter.Interpolation()
	if err != nil {
		return nil, err
	}

	return &Preprocessor{
		config: config.clone(),
		filter: filter,
		pool: &sync.Pool{
			New: func() interface{} {
				return new(bytes.Reader)
			},
		},
	}, nil
}

// Config returns a copy of the configuration used by the preprocessor.
func (p *Preprocessor) Config() Config {
	return p.config.clone()
}

// Prepare decodes raw image bytes and runs the full transform.
//
// Arguments:
//   - data: Encoded image bytes (JPEG, PNG, GIF, BMP or WebP).
//
// Returns:
//   - *Tensor: The normalized CHW tensor.
//   - error: A *DecodeError if the bytes are not a valid image.
func (p *Preprocessor) Prepare(data []byte) (*Tensor, error) {
	img, err := p.decode(data)
	if err != nil {
		return nil, err
	}
	return p.PrepareImage(img)
}

// PrepareImage runs the transform on an already decoded image.
//
// Steps, in order: convert to 3-channel RGB, resize to the configured
// resolution, scale to [0, 1], then subtract mean and divide by std per channel.
//
// Arguments:
//   - img: The decoded image.
//
// Returns:
//   - *Tensor: The normalized CHW tensor.
//   - error: A *DecodeError if the image is nil or has no pixels.
func (p *Preprocessor) PrepareImage(img image.Image) (*Tensor, error) {
	if img == nil {
		return nil, &DecodeError{Err: errors.New("image is nil")}
	}
	if img.Bounds().Empty() {
		return nil, &DecodeError{Err: fmt.Errorf("image has no pixels: %v", img.Bounds())}
	}

	rgb := toRGB(img)
	resized := resize.Resize(uint(p.config.Width), uint(p.config.Height), rgb, p.filter)

	return &Tensor{
		Data:  p.imageToTensor(resized),
		Shape: []int{Channels, p.config.Height, p.config.Width},
	}, nil
}

func (p *Preprocessor) decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("image data is empty")}
	}

	reader := p.pool.Get().(*bytes.Reader)
	defer func() {
		reader.Reset(nil)
		p.pool.Put(reader)
	}()
	reader.Reset(data)

	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return img, nil
}

// toRGB drops alpha and expands grayscale, producing an opaque NRGBA image
// whose color channels are the source's non-premultiplied values.
func toRGB(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 255
			dst.SetNRGBA(x-bounds.Min.X, y-bounds.Min.Y, c)
		}
	}
	return dst
}

// imageToTensor converts an opaque image to a normalized CHW float32 slice.
func (p *Preprocessor) imageToTensor(img image.Image) []float32 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	plane := width * height

	tensor := make([]float32, Channels*plane)
	mean := p.config.Mean
	std := p.config.Std

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*width + x
			tensor[i] = (float32(r>>8)/255.0 - mean[0]) / std[0]
			tensor[plane+i] = (float32(g>>8)/255.0 - mean[1]) / std[1]
			tensor[2*plane+i] = (float32(b>>8)/255.0 - mean[2]) / std[2]
		}
	}

	return tensor
}

// BatchPrepare processes multiple encoded images in parallel.
//
// Arguments:
//   - items: Encoded images.
//   - maxConcurrency: Maximum number of images to process concurrently.
//
// Returns:
//   - []*Tensor: Tensors in the same order as items.
//   - error: The first error encountered, annotated with the item index.
func (p *Preprocessor) BatchPrepare(items [][]byte, maxConcurrency int) ([]*Tensor, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	results := make([]*Tensor, len(items))
	errs := make([]error, len(items))

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(idx int, data []byte) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := p.Prepare(data)
			if err != nil {
				errs[idx] = errors.Wrapf(err, "failed to preprocess image %d", idx)
				return
			}
			results[idx] = result
		}(i, item)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}
