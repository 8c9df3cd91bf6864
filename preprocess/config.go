package preprocess

import (
	"fmt"
	"strings"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Filter names the interpolation policy used when resizing.
type Filter string

const (
	// FilterNearest is nearest-neighbor interpolation.
	FilterNearest Filter = "nearest"
	// FilterBilinear is bilinear interpolation (torchvision's default for Resize).
	FilterBilinear Filter = "bilinear"
	// FilterBicubic is bicubic interpolation.
	FilterBicubic Filter = "bicubic"
	// FilterMitchell is Mitchell-Netravali interpolation.
	FilterMitchell Filter = "mitchell"
	// FilterLanczos2 is Lanczos resampling with a=2.
	FilterLanczos2 Filter = "lanczos2"
	// FilterLanczos3 is Lanczos resampling with a=3.
	FilterLanczos3 Filter = "lanczos3"
)

// Interpolation maps the filter name onto the resize library's constant.
func (f Filter) Interpolation() (resize.InterpolationFunction, error) {
	switch Filter(strings.ToLower(string(f))) {
	case FilterNearest:
		return resize.NearestNeighbor, nil
	case FilterBilinear, "":
		return resize.Bilinear, nil
	case FilterBicubic:
		return resize.Bicubic, nil
	case FilterMitchell:
		return resize.MitchellNetravali, nil
	case FilterLanczos2:
		return resize.Lanczos2, nil
	case FilterLanczos3:
		return resize.Lanczos3, nil
	default:
		return 0, fmt.Errorf("unsupported resize filter: %q", f)
	}
}

// Config defines the transform parameters. The same values must be used to
// train a checkpoint and to serve it; checkpoints record them.
type Config struct {
	// Width is the model input width in pixels.
	Width int `json:"width" yaml:"width"`
	// Height is the model input height in pixels.
	Height int `json:"height" yaml:"height"`
	// Mean is subtracted per channel after scaling to [0, 1].
	Mean []float32 `json:"mean" yaml:"mean"`
	// Std divides each channel after mean subtraction.
	Std []float32 `json:"std" yaml:"std"`
	// Filter is the resize interpolation policy.
	Filter Filter `json:"filter" yaml:"filter"`
}

// DefaultConfig returns the 224x224 ImageNet-normalized configuration.
//
// Returns:
//   - Config: The default configuration.
func DefaultConfig() Config {
	return Config{
		Width:  224,
		Height: 224,
		Mean:   []float32{0.485, 0.456, 0.406},
		Std:    []float32{0.229, 0.224, 0.225},
		Filter: FilterBilinear,
	}
}

// Validate checks that the configuration describes a usable transform.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid input dimensions: %dx%d", c.Width, c.Height)
	}
	if len(c.Mean) != Channels || len(c.Std) != Channels {
		return fmt.Errorf("mean and std need %d values, got %d and %d", Channels, len(c.Mean), len(c.Std))
	}
	for i, s := range c.Std {
		if s <= 0 {
			return fmt.Errorf("std[%d] must be positive, got %f", i, s)
		}
	}
	if _, err := c.Filter.Interpolation(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Equal reports whether two configurations produce identical tensors.
func (c Config) Equal(o Config) bool {
	if c.Width != o.Width || c.Height != o.Height {
		return false
	}
	if c.Filter.normalized() != o.Filter.normalized() {
		return false
	}
	return equalFloats(c.Mean, o.Mean) && equalFloats(c.Std, o.Std)
}

// Size returns the number of values in a prepared tensor.
func (c Config) Size() int {
	return Channels * c.Width * c.Height
}

func (c Config) String() string {
	return fmt.Sprintf("%dx%d mean=%v std=%v filter=%s", c.Width, c.Height, c.Mean, c.Std, c.Filter.normalized())
}

func (c Config) clone() Config {
	c.Mean = append([]float32(nil), c.Mean...)
	c.Std = append([]float32(nil), c.Std...)
	return c
}

func (f Filter) normalized() Filter {
	if f == "" {
		return FilterBilinear
	}
	return Filter(strings.ToLower(string(f)))
}

func equalFloats(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
