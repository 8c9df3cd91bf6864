// Package providers - ONNX Runtime execution providers and session options.
package providers

import "fmt"

// Provider represents different ONNX Runtime execution providers
type Provider string

const (
	// CPUExecutionProvider uses CPU for inference
	CPUExecutionProvider Provider = "cpu"

	// CUDAExecutionProvider uses NVIDIA CUDA for GPU acceleration
	CUDAExecutionProvider Provider = "cuda"

	// CoreMLExecutionProvider uses Apple CoreML for macOS/iOS acceleration
	CoreMLExecutionProvider Provider = "coreml"

	// OpenVINOExecutionProvider uses Intel OpenVINO for inference optimization
	OpenVINOExecutionProvider Provider = "openvino"
)

// Providers lists every supported execution provider.
var Providers = []Provider{
	CPUExecutionProvider,
	CUDAExecutionProvider,
	CoreMLExecutionProvider,
	OpenVINOExecutionProvider,
}

// ParseProvider validates a provider name. An empty name selects the CPU.
func ParseProvider(s string) (Provider, error) {
	if s == "" {
		return CPUExecutionProvider, nil
	}
	for _, p := range Providers {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported execution provider: %s", s)
}
