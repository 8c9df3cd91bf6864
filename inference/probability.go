package inference

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Softmax converts logits to probabilities. The maximum logit is subtracted
// before exponentiation so large logits cannot overflow.
//
// Arguments:
//   - logits: The raw classifier outputs.
//
// Returns:
//   - []float64: Non-negative values summing to 1, nil for empty input.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}

	peak := logits[0]
	for _, v := range logits[1:] {
		peak = math32.Max(peak, v)
	}

	exps := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		exps[i] = math32.Exp(v - peak)
		sum += exps[i]
	}

	probs := make([]float64, len(logits))
	for i, e := range exps {
		probs[i] = float64(e / sum)
	}
	return probs
}

// Fuse averages two probability vectors with equal weight.
func Fuse(a, b []float64) ([]float64, error) {
	if len(a) != len(b) {
		return nil, errors.Errorf("cannot fuse vectors of length %d and %d", len(a), len(b))
	}
	if len(a) == 0 {
		return nil, errors.New("cannot fuse empty vectors")
	}
	fused := make([]float64, len(a))
	floats.AddTo(fused, a, b)
	floats.Scale(0.5, fused)
	return fused, nil
}

// ArgMax returns the index and value of the largest entry. Ties resolve to
// the lowest index.
func ArgMax(p []float64) (int, float64, error) {
	if len(p) == 0 {
		return 0, 0, errors.New("arg max of an empty vector")
	}
	idx := floats.MaxIdx(p)
	return idx, p[idx], nil
}
