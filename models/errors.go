package models

import "fmt"

// CheckpointMissingError is returned when no checkpoint exists for a role.
type CheckpointMissingError struct {
	Role Role
	Path string
}

func (e *CheckpointMissingError) Error() string {
	return fmt.Sprintf("no checkpoint for role %q at %s", e.Role, e.Path)
}

// CheckpointMismatchError is returned when a checkpoint does not fit the
// skeleton it is loaded into (architecture, label set, input size,
// preprocessing or a parameter shape).
type CheckpointMismatchError struct {
	Role   Role
	Path   string
	Reason string
}

func (e *CheckpointMismatchError) Error() string {
	return fmt.Sprintf("checkpoint %s does not match role %q: %s", e.Path, e.Role, e.Reason)
}
