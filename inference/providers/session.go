package providers

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var env struct {
	mu   sync.Mutex
	refs int
	lib  string
}

// AcquireEnvironment initializes the process-wide ONNX Runtime environment on
// first use and counts the holders. Every successful call must be paired with
// ReleaseEnvironment.
//
// Arguments:
//   - cfg: The provider configuration naming the shared library.
//
// Returns:
//   - error: An error if the library is missing, the environment is already
//     bound to a different library, or initialization fails.
func AcquireEnvironment(cfg Config) error {
	env.mu.Lock()
	defer env.mu.Unlock()

	libPath := cfg.SharedLibPath()
	if env.refs > 0 {
		if libPath != env.lib {
			return fmt.Errorf("onnxruntime already initialized with %s, cannot switch to %s", env.lib, libPath)
		}
		env.refs++
		return nil
	}

	if _, err := os.Stat(libPath); err != nil {
		return fmt.Errorf("ONNX Runtime library not found at %s: %w", libPath, err)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("error initializing ORT environment: %w", err)
	}
	env.refs = 1
	env.lib = libPath
	return nil
}

// ReleaseEnvironment drops one holder and destroys the environment when the
// last holder is gone.
func ReleaseEnvironment() error {
	env.mu.Lock()
	defer env.mu.Unlock()

	if env.refs == 0 {
		return nil
	}
	env.refs--
	if env.refs > 0 {
		return nil
	}
	env.lib = ""
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("error destroying ORT environment: %w", err)
	}
	return nil
}

// NewSessionOptions creates session options with the configured threading
// and execution provider. The caller must Destroy the returned options.
//
// Arguments:
//   - cfg: The provider configuration.
//
// Returns:
//   - *ort.SessionOptions: Configured session options.
//   - error: An error if an option or the execution provider is rejected.
func NewSessionOptions(cfg Config) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}

	if err := applyThreads(options, cfg); err != nil {
		options.Destroy()
		return nil, err
	}
	if err := applyProvider(options, cfg); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func applyThreads(options *ort.SessionOptions, cfg Config) error {
	if cfg.IntraOpNumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpNumThreads); err != nil {
			return fmt.Errorf("error setting intra-op threads: %w", err)
		}
	}
	if cfg.InterOpNumThreads > 0 {
		if err := options.SetInterOpNumThreads(cfg.InterOpNumThreads); err != nil {
			return fmt.Errorf("error setting inter-op threads: %w", err)
		}
	}
	return nil
}

func applyProvider(options *ort.SessionOptions, cfg Config) error {
	switch cfg.Provider {
	case "", CPUExecutionProvider:
		return nil

	case CUDAExecutionProvider:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(cfg.DeviceID)}); err != nil {
			return fmt.Errorf("error configuring CUDA: %w", err)
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("error enabling CUDA: %w", err)
		}

	case CoreMLExecutionProvider:
		if err := options.AppendExecutionProviderCoreML(uint32(cfg.DeviceID)); err != nil {
			return fmt.Errorf("error enabling CoreML: %w", err)
		}

	case OpenVINOExecutionProvider:
		err := options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type": "CPU",
			"precision":   "FP32",
		})
		if err != nil {
			return fmt.Errorf("error enabling OpenVINO: %w", err)
		}

	default:
		return fmt.Errorf("unsupported execution provider: %s", cfg.Provider)
	}
	return nil
}
