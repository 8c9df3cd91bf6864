package models

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nvr-ai/leafscan/preprocess"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// CheckpointVersion is the checkpoint encoding format. The only one for now.
const CheckpointVersion = "leafscan.ckpt.v1"

const manifestName = "manifest.json"

// Manifest describes the content of a checkpoint archive.
type Manifest struct {
	Version      string            `json:"version"`
	Role         Role              `json:"role"`
	Architecture ArchitectureName  `json:"architecture"`
	Classes      ClassSet          `json:"classes"`
	Preprocess   preprocess.Config `json:"preprocess"`
	Epoch        int               `json:"epoch"`
	ValAccuracy  float64           `json:"val_accuracy"`
	RunID        string            `json:"run_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Params       []EncodedParam    `json:"params"`
}

// EncodedParam locates one parameter inside the archive.
type EncodedParam struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Path  string `json:"path"`
}

// Checkpoint is the persisted parameter state of one role.
type Checkpoint struct {
	Manifest Manifest
	Params   *ParamSet
}

// SaveCheckpoint writes ckpt to path, replacing any previous file only once
// the new archive has been fully written.
//
// Arguments:
//   - path: The destination file, usually CheckpointPath(dir, role).
//   - ckpt: The checkpoint; Manifest.Params is filled in from ckpt.Params.
//
// Returns:
//   - error: An error if encoding or the atomic rename fails.
func SaveCheckpoint(path string, ckpt *Checkpoint) (err error) {
	if ckpt == nil || ckpt.Params == nil || ckpt.Params.Len() == 0 {
		return errors.New("checkpoint has no parameters")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create models directory")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return errors.Wrap(err, "create temporary checkpoint")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = writeArchive(tmp, ckpt); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync checkpoint")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "install checkpoint")
	}
	return nil
}

func writeArchive(w io.Writer, ckpt *Checkpoint) error {
	zw := zip.NewWriter(w)

	manifest := ckpt.Manifest
	manifest.Version = CheckpointVersion
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now().UTC()
	}
	manifest.Params = manifest.Params[:0:0]

	for i, name := range ckpt.Params.Names() {
		t, _ := ckpt.Params.Get(name)
		entry := EncodedParam{
			Name:  name,
			Shape: t.Shape().Clone(),
			Path:  fmt.Sprintf("params/%03d.npy", i),
		}
		f, err := zw.Create(entry.Path)
		if err != nil {
			return errors.Wrapf(err, "create entry for %s", name)
		}
		if err := t.WriteNpy(f); err != nil {
			return errors.Wrapf(err, "encode %s", name)
		}
		manifest.Params = append(manifest.Params, entry)
	}

	f, err := zw.Create(manifestName)
	if err != nil {
		return errors.Wrap(err, "create manifest entry")
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&manifest); err != nil {
		return errors.Wrap(err, "encode manifest")
	}

	return errors.Wrap(zw.Close(), "finalize archive")
}

// LoadCheckpoint reads a checkpoint archive.
//
// Arguments:
//   - role: The role the checkpoint is expected to belong to.
//   - path: The checkpoint file.
//
// Returns:
//   - *Checkpoint: The decoded checkpoint.
//   - error: *CheckpointMissingError if path does not exist,
//     *CheckpointMismatchError if the archive belongs to another role or
//     version, or a wrapped I/O or decoding error.
func LoadCheckpoint(role Role, path string) (*Checkpoint, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &CheckpointMissingError{Role: role, Path: path}
		}
		return nil, errors.Wrap(err, "stat checkpoint")
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint %s", path)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	mf, ok := files[manifestName]
	if !ok {
		return nil, errors.Errorf("checkpoint %s has no manifest", path)
	}
	var manifest Manifest
	if err := readJSON(mf, &manifest); err != nil {
		return nil, errors.Wrapf(err, "read manifest of %s", path)
	}

	mismatch := func(format string, args ...interface{}) error {
		return &CheckpointMismatchError{Role: role, Path: path, Reason: fmt.Sprintf(format, args...)}
	}
	if manifest.Version != CheckpointVersion {
		return nil, mismatch("unsupported version %q", manifest.Version)
	}
	if manifest.Role != role {
		return nil, mismatch("checkpoint was saved for role %q", manifest.Role)
	}

	params := NewParamSet()
	for _, entry := range manifest.Params {
		f, ok := files[entry.Path]
		if !ok {
			return nil, errors.Errorf("checkpoint %s lacks %s for %s", path, entry.Path, entry.Name)
		}
		t, err := readNpy(f)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", entry.Name)
		}
		if !t.Shape().Eq(tensor.Shape(entry.Shape)) {
			return nil, mismatch("parameter %q stored as %v, manifest says %v", entry.Name, t.Shape(), entry.Shape)
		}
		params.Set(entry.Name, t)
	}

	return &Checkpoint{Manifest: manifest, Params: params}, nil
}

// Verify checks that a loaded checkpoint fits the skeleton, label set and
// preprocessing of the current process.
//
// Arguments:
//   - arch: The skeleton the parameters will be bound to.
//   - classes: The label set of the ensemble.
//   - pre: The preprocessing configuration used for inference.
//   - path: The checkpoint path, for error messages.
//
// Returns:
//   - error: *CheckpointMismatchError describing the first disagreement.
func (c *Checkpoint) Verify(arch Architecture, classes ClassSet, pre preprocess.Config, path string) error {
	m := c.Manifest
	mismatch := func(format string, args ...interface{}) error {
		return &CheckpointMismatchError{Role: m.Role, Path: path, Reason: fmt.Sprintf(format, args...)}
	}

	if m.Architecture != arch.Name() {
		return mismatch("architecture %q, skeleton is %q", m.Architecture, arch.Name())
	}
	if !m.Classes.Equal(classes) {
		return mismatch("classes %v, expected %v", m.Classes, classes)
	}
	if !m.Preprocess.Equal(pre) {
		return mismatch("trained with preprocessing %v, serving uses %v", m.Preprocess, pre)
	}
	if err := c.Params.Check(arch.Params(classes.Len())); err != nil {
		return mismatch("%v", err)
	}
	return nil
}

func readJSON(f *zip.File, v interface{}) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return json.NewDecoder(rc).Decode(v)
}

func readNpy(f *zip.File) (*tensor.Dense, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	t := new(tensor.Dense)
	if err := t.ReadNpy(rc); err != nil {
		return nil, err
	}
	return t, nil
}
