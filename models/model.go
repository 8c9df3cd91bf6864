// Package models - Classifier roles, architectures, parameters and checkpoints.
package models

import (
	"fmt"
	"path/filepath"
)

// Role identifies one of the two classifiers of the ensemble.
type Role string

const (
	// RoleViT is the patch-embedding classifier.
	RoleViT Role = "vit"
	// RoleSwin is the windowed convolutional classifier.
	RoleSwin Role = "swin"
)

// Roles lists the ensemble roles in fusion order.
var Roles = []Role{RoleViT, RoleSwin}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q (expected one of %v)", s, Roles)
}

// ArchitectureName is the unique identifier of a network skeleton.
type ArchitectureName string

const (
	// ArchitecturePatchNet is the skeleton used by RoleViT.
	ArchitecturePatchNet ArchitectureName = "patchnet"
	// ArchitectureWindowNet is the skeleton used by RoleSwin.
	ArchitectureWindowNet ArchitectureName = "windownet"
)

const (
	// CheckpointExt is the file extension of graph checkpoints.
	CheckpointExt = ".ckpt"
	// ONNXExt is the file extension of exported ONNX models.
	ONNXExt = ".onnx"
)

// CheckpointPath returns the deterministic checkpoint location of a role.
//
// Arguments:
//   - dir: The models directory.
//   - role: The classifier role.
//
// Returns:
//   - string: <dir>/<role>_best.ckpt
func CheckpointPath(dir string, role Role) string {
	return filepath.Join(dir, string(role)+"_best"+CheckpointExt)
}

// ONNXPath returns the deterministic ONNX model location of a role.
func ONNXPath(dir string, role Role) string {
	return filepath.Join(dir, string(role)+"_best"+ONNXExt)
}

// HistoryPath returns the location of a role's training history.
func HistoryPath(dir string, role Role) string {
	return filepath.Join(dir, string(role)+"_history.json")
}
