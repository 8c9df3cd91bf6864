package training

import (
	"os"
	"path/filepath"

	"github.com/nvr-ai/leafscan/models"
	"github.com/nvr-ai/leafscan/preprocess"
	"github.com/nvr-ai/leafscan/util"
	"github.com/pkg/errors"
)

// Sample is one labeled image on disk.
type Sample struct {
	Path  string
	Label int
}

// Split is one directory of the dataset, such as train or val.
type Split struct {
	Name    string
	Samples []Sample
}

// Len returns the number of samples.
func (s Split) Len() int {
	return len(s.Samples)
}

// Dataset is an image tree laid out as <dir>/train/<class>/* and
// <dir>/val/<class>/*.
type Dataset struct {
	Dir     string
	Classes models.ClassSet
	Train   Split
	Val     Split
}

// LoadDataset scans the train and val trees of dir. Class order is the
// sorted directory names.
//
// Arguments:
//   - dir: The dataset root.
//
// Returns:
//   - *Dataset: The scanned dataset; image bytes are read later, per batch.
//   - error: An error if a split is missing or empty, or if train and val do
//     not hold the same classes.
func LoadDataset(dir string) (*Dataset, error) {
	train, trainClasses, err := scanSplit(dir, "train")
	if err != nil {
		return nil, err
	}
	val, valClasses, err := scanSplit(dir, "val")
	if err != nil {
		return nil, err
	}
	if !trainClasses.Equal(valClasses) {
		return nil, errors.Errorf("train classes %v differ from val classes %v", trainClasses, valClasses)
	}
	if err := trainClasses.Validate(); err != nil {
		return nil, errors.Wrap(err, "dataset classes")
	}

	return &Dataset{Dir: dir, Classes: trainClasses, Train: train, Val: val}, nil
}

func scanSplit(dir, name string) (Split, models.ClassSet, error) {
	folders, err := util.ScanClassFolders(filepath.Join(dir, name))
	if err != nil {
		return Split{}, nil, errors.Wrapf(err, "scan %s split", name)
	}
	if len(folders.Files) == 0 {
		return Split{}, nil, errors.Errorf("%s split of %s has no images", name, dir)
	}

	split := Split{Name: name, Samples: make([]Sample, len(folders.Files))}
	for i, f := range folders.Files {
		split.Samples[i] = Sample{Path: f.Path, Label: f.Label}
	}
	return split, models.ClassSet(folders.Classes), nil
}

// Batch is a group of prepared images with their labels.
type Batch struct {
	Inputs []*preprocess.Tensor
	Labels []int
}

// Len returns the number of images in the batch.
func (b Batch) Len() int {
	return len(b.Inputs)
}

// loadBatch reads and prepares samples.
func loadBatch(pre *preprocess.Preprocessor, samples []Sample, workers int) (Batch, error) {
	raw := make([][]byte, len(samples))
	labels := make([]int, len(samples))
	for i, s := range samples {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return Batch{}, errors.Wrapf(err, "read %s", s.Path)
		}
		raw[i] = data
		labels[i] = s.Label
	}

	inputs, err := pre.BatchPrepare(raw, workers)
	if err != nil {
		return Batch{}, errors.Wrapf(err, "batch starting at %s", samples[0].Path)
	}
	return Batch{Inputs: inputs, Labels: labels}, nil
}
