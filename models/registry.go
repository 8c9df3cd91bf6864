package models

import (
	"fmt"
)

// NewArchitecture creates the skeleton that backs a role.
//
// This factory is the single place where a role is tied to an architecture,
// so training and serving always construct the same skeleton for the same
// checkpoint.
//
// Arguments:
//   - role: The classifier role.
//   - width: Model input width in pixels.
//   - height: Model input height in pixels.
//
// Returns:
//   - Architecture: The skeleton for the role.
//   - error: An error if the role is unknown or the input size is unsupported.
//
// Example:
//
// ```go
//
//	arch, err := NewArchitecture(RoleViT, 224, 224)
//	if err != nil {
//	    log.Fatalf("Failed to create skeleton: %v", err)
//	}
//	params := InitParams(arch.Params(DefaultClasses.Len()))
//
// ```
func NewArchitecture(role Role, width, height int) (Architecture, error) {
	switch role {
	case RoleViT:
		return NewPatchNet(width, height)
	case RoleSwin:
		return NewWindowNet(width, height)
	default:
		return nil, fmt.Errorf("unsupported role: %s", role)
	}
}
