// Package training - Per-role training loop, early stopping and checkpoint saving.
package training

import (
	"fmt"

	"github.com/nvr-ai/leafscan/models"
)

// Phase is the lifecycle stage of a role's training run.
type Phase string

const (
	// PhaseTraining means more epochs will run.
	PhaseTraining Phase = "training"
	// PhaseEarlyStopped means validation accuracy stopped improving for
	// Patience consecutive epochs.
	PhaseEarlyStopped Phase = "early_stopped"
	// PhaseEpochLimitReached means MaxEpochs epochs have run.
	PhaseEpochLimitReached Phase = "epoch_limit_reached"
)

// Done reports whether the phase is terminal.
func (p Phase) Done() bool {
	return p == PhaseEarlyStopped || p == PhaseEpochLimitReached
}

// Policy bounds a training run.
type Policy struct {
	MaxEpochs int `json:"max_epochs" yaml:"max_epochs"`
	Patience  int `json:"patience" yaml:"patience"`
}

// DefaultPolicy returns 20 epochs with a patience of 3.
func DefaultPolicy() Policy {
	return Policy{MaxEpochs: 20, Patience: 3}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.MaxEpochs <= 0 {
		return fmt.Errorf("max_epochs must be positive, got %d", p.MaxEpochs)
	}
	if p.Patience <= 0 {
		return fmt.Errorf("patience must be positive, got %d", p.Patience)
	}
	return nil
}

// State is the early-stopping state of one role.
type State struct {
	Role models.Role `json:"role"`
	// Epoch is the number of completed epochs.
	Epoch        int     `json:"epoch"`
	BestAccuracy float64 `json:"best_accuracy"`
	// BestEpoch is the 1-based epoch of BestAccuracy, 0 if none improved.
	BestEpoch int `json:"best_epoch"`
	// Counter is the number of consecutive epochs without improvement.
	Counter int   `json:"counter"`
	Phase   Phase `json:"phase"`
}

// NewState returns the state before the first epoch. Any accuracy above
// zero counts as an improvement.
func NewState(role models.Role) State {
	return State{Role: role, Phase: PhaseTraining}
}

// Decision tells the caller what to do after an epoch.
type Decision struct {
	// Save is set when the epoch improved on the best accuracy and its
	// parameters must replace the role's checkpoint.
	Save bool
}

// Step records one epoch's validation accuracy.
//
// Arguments:
//   - s: The state before the epoch.
//   - valAcc: The validation accuracy of the epoch, in [0, 1].
//   - p: The run policy.
//
// Returns:
//   - State: The state after the epoch.
//   - Decision: Whether to save the epoch's parameters.
func Step(s State, valAcc float64, p Policy) (State, Decision) {
	if s.Phase.Done() {
		return s, Decision{}
	}

	s.Epoch++
	var d Decision
	if valAcc > s.BestAccuracy {
		s.BestAccuracy = valAcc
		s.BestEpoch = s.Epoch
		s.Counter = 0
		d.Save = true
	} else {
		s.Counter++
	}

	switch {
	case s.Counter >= p.Patience:
		s.Phase = PhaseEarlyStopped
	case s.Epoch >= p.MaxEpochs:
		s.Phase = PhaseEpochLimitReached
	default:
		s.Phase = PhaseTraining
	}
	return s, d
}
