package util

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ImageExtensions are the file extensions treated as images, lower case.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

// IsImageFile reports whether name has an image extension. The comparison
// ignores case.
func IsImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
}

// LoadDirectoryImageFiles reads all image files from a directory, sorted by
// file name. Subdirectories are not visited.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Slice of ImageFile, each containing the raw bytes of an image file.
// - error: Error if loading fails.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var images []ImageFile
	for _, entry := range entries {
		if entry.IsDir() || !IsImageFile(entry.Name()) {
			continue
		}
		imgPath := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(imgPath)
		if err != nil {
			return nil, err
		}
		images = append(images, ImageFile{Path: imgPath, Data: data})
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].Path < images[j].Path
	})
	return images, nil
}

// LabeledFile is an image path with the index of its class folder.
type LabeledFile struct {
	Path  string
	Label int
}

// ClassFolders is the content of a directory laid out as <root>/<class>/<image>.
type ClassFolders struct {
	// Classes are the subdirectory names in sorted order.
	Classes []string
	// Files lists every image, grouped by class and sorted by path.
	Files []LabeledFile
}

// ScanClassFolders lists a class-per-directory image tree. Label indices
// follow the sorted directory names. Files are not read.
//
// Arguments:
// - root: The directory holding one subdirectory per class.
//
// Returns:
// - *ClassFolders: The classes and labeled files.
// - error: Error if root cannot be read or has no class directories.
func ScanClassFolders(root string) (*ClassFolders, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	out := &ClassFolders{}
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			out.Classes = append(out.Classes, entry.Name())
		}
	}
	if len(out.Classes) == 0 {
		return nil, fmt.Errorf("no class directories in %s", root)
	}
	sort.Strings(out.Classes)

	for label, class := range out.Classes {
		dir := filepath.Join(root, class)
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		var paths []string
		for _, f := range files {
			if !f.IsDir() && IsImageFile(f.Name()) {
				paths = append(paths, filepath.Join(dir, f.Name()))
			}
		}
		sort.Strings(paths)
		for _, p := range paths {
			out.Files = append(out.Files, LabeledFile{Path: p, Label: label})
		}
	}
	return out, nil
}
