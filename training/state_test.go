package training

import (
	"testing"

	"github.com/nvr-ai/leafscan/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(accs []float64, p Policy) (State, []int) {
	s := NewState(models.RoleViT)
	var saved []int
	for _, acc := range accs {
		var d Decision
		s, d = Step(s, acc, p)
		if d.Save {
			saved = append(saved, s.Epoch)
		}
		if s.Phase.Done() {
			break
		}
	}
	return s, saved
}

func TestStepEpochLimit(t *testing.T) {
	s, saved := run([]float64{0.40, 0.55, 0.50, 0.70, 0.65, 0.60}, Policy{MaxEpochs: 6, Patience: 3})

	assert.Equal(t, PhaseEpochLimitReached, s.Phase)
	assert.Equal(t, 6, s.Epoch)
	assert.Equal(t, 4, s.BestEpoch)
	assert.Equal(t, 0.70, s.BestAccuracy)
	assert.Equal(t, 2, s.Counter)
	assert.Equal(t, []int{1, 2, 4}, saved)
}

func TestStepEarlyStopping(t *testing.T) {
	s, saved := run([]float64{0.40, 0.55, 0.50, 0.70, 0.65, 0.60, 0.62}, Policy{MaxEpochs: 20, Patience: 3})

	assert.Equal(t, PhaseEarlyStopped, s.Phase)
	assert.Equal(t, 7, s.Epoch)
	assert.Equal(t, 4, s.BestEpoch)
	assert.Equal(t, []int{1, 2, 4}, saved)
}

func TestStepEarlyStoppingWinsOnLastEpoch(t *testing.T) {
	s, _ := run([]float64{0.5, 0.4, 0.4, 0.4}, Policy{MaxEpochs: 4, Patience: 3})
	assert.Equal(t, PhaseEarlyStopped, s.Phase)
}

func TestStepEqualAccuracyIsNotImprovement(t *testing.T) {
	s, saved := run([]float64{0.5, 0.5}, Policy{MaxEpochs: 10, Patience: 3})
	assert.Equal(t, []int{1}, saved)
	assert.Equal(t, 1, s.Counter)
}

func TestStepZeroAccuracyNeverSaves(t *testing.T) {
	s, saved := run([]float64{0, 0, 0}, Policy{MaxEpochs: 10, Patience: 3})
	assert.Empty(t, saved)
	assert.Equal(t, 0, s.BestEpoch)
	assert.Equal(t, PhaseEarlyStopped, s.Phase)
}

func TestStepAfterTerminal(t *testing.T) {
	s, _ := run([]float64{0.9}, Policy{MaxEpochs: 1, Patience: 3})
	require.Equal(t, PhaseEpochLimitReached, s.Phase)

	next, d := Step(s, 1.0, Policy{MaxEpochs: 1, Patience: 3})
	assert.Equal(t, s, next)
	assert.False(t, d.Save)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxEpochs: 0, Patience: 3}.Validate())
	assert.Error(t, Policy{MaxEpochs: 3, Patience: 0}.Validate())
}
