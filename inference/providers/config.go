package providers

import (
	"fmt"
	"runtime"
)

// Config holds the ONNX Runtime settings shared by every classifier session.
type Config struct {
	// Provider is the execution provider to append to the session options.
	Provider Provider `json:"provider" yaml:"provider"`

	// LibraryPath is the onnxruntime shared library. Empty selects the
	// platform default returned by GetSharedLibPath.
	LibraryPath string `json:"library_path" yaml:"library_path"`

	// DeviceID selects the accelerator for CUDA and CoreML.
	DeviceID int `json:"device_id" yaml:"device_id"`

	// IntraOpNumThreads sets threads for parallelizing ops
	IntraOpNumThreads int `json:"intra_op_num_threads" yaml:"intra_op_num_threads"`

	// InterOpNumThreads sets threads for parallelizing independent ops
	InterOpNumThreads int `json:"inter_op_num_threads" yaml:"inter_op_num_threads"`
}

// DefaultConfig returns a CPU configuration sized to the host.
func DefaultConfig() Config {
	return Config{
		Provider:          CPUExecutionProvider,
		IntraOpNumThreads: maxInt(1, runtime.NumCPU()/2),
		InterOpNumThreads: 1,
	}
}

// Validate checks the configuration.
//
// Returns:
//   - error: An error if the provider is unknown or a thread count is negative.
func (c Config) Validate() error {
	if _, err := ParseProvider(string(c.Provider)); err != nil {
		return err
	}
	if c.IntraOpNumThreads < 0 || c.InterOpNumThreads < 0 {
		return fmt.Errorf("thread counts must not be negative, got intra=%d inter=%d",
			c.IntraOpNumThreads, c.InterOpNumThreads)
	}
	if c.DeviceID < 0 {
		return fmt.Errorf("device_id must not be negative, got %d", c.DeviceID)
	}
	return nil
}

// SharedLibPath returns the configured library path or the platform default.
func (c Config) SharedLibPath() string {
	if c.LibraryPath != "" {
		return c.LibraryPath
	}
	return GetSharedLibPath()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
