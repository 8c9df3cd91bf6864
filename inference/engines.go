// Package inference - Classifier backends, probability fusion and the ensemble predictor.
package inference

import "fmt"

// Backend is the runtime that executes a classifier.
type Backend string

const (
	// BackendGraph runs gorgonia graphs restored from .ckpt checkpoints.
	BackendGraph Backend = "graph"
	// BackendONNX runs exported .onnx models with the onnxruntime library.
	BackendONNX Backend = "onnx"
)

// Backends is a list of all supported backends.
var Backends = []Backend{BackendGraph, BackendONNX}

// ParseBackend validates a backend name. An empty name selects BackendGraph.
func ParseBackend(s string) (Backend, error) {
	if s == "" {
		return BackendGraph, nil
	}
	for _, b := range Backends {
		if string(b) == s {
			return b, nil
		}
	}
	return "", fmt.Errorf("unsupported backend: %s", s)
}
