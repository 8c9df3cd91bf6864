package models

import (
	"fmt"
	"strings"
)

// DefaultClasses is the label set of the reference deployment, in the order
// produced by sorting the dataset's class directories.
var DefaultClasses = ClassSet{"BacterialBlights", "Healthy", "Mosaic", "RedRot", "Rust", "Yellow"}

// ClassSet is the ordered list of category names. The position of a name is
// the index of the corresponding logit; order must be identical across
// training, checkpoints and serving.
type ClassSet []string

// Len returns the number of classes.
func (s ClassSet) Len() int {
	return len(s)
}

// Name returns the class name for a given index.
func (s ClassSet) Name(idx int) (string, error) {
	if idx < 0 || idx >= len(s) {
		return "", fmt.Errorf("index %d out of range for %d classes", idx, len(s))
	}
	return s[idx], nil
}

// Index returns the class index for a given name.
func (s ClassSet) Index(name string) (int, error) {
	for i, n := range s {
		if n == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("class %q not found", name)
}

// Equal reports whether both sets hold the same names in the same order.
func (s ClassSet) Equal(o ClassSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Validate checks the set is non-empty and free of blank or duplicate names.
func (s ClassSet) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("class set is empty")
	}
	seen := make(map[string]int, len(s))
	for i, n := range s {
		if strings.TrimSpace(n) == "" {
			return fmt.Errorf("class %d has an empty name", i)
		}
		if j, ok := seen[n]; ok {
			return fmt.Errorf("class %q appears at index %d and %d", n, j, i)
		}
		seen[n] = i
	}
	return nil
}

// Clone returns an independent copy of the set.
func (s ClassSet) Clone() ClassSet {
	return append(ClassSet(nil), s...)
}

func (s ClassSet) String() string {
	return "[" + strings.Join(s, ", ") + "]"
}
