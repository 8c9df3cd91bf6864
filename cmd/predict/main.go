// Command predict classifies leaf images with the vit+swin ensemble and
// prints one JSON object per image on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvr-ai/leafscan/config"
	"github.com/nvr-ai/leafscan/inference"
	"github.com/nvr-ai/leafscan/logging"
	"github.com/nvr-ai/leafscan/profiler"
	"github.com/nvr-ai/leafscan/util"
	"github.com/pkg/errors"
)

const defaultTimeout = 30 * time.Second

// output is one line of prediction output. Result is nil when Error is set.
type output struct {
	File string `json:"file"`
	*inference.Result
	Error string `json:"error,omitempty"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("prediction failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: predict [flags] <image or directory>...\n")
		fs.PrintDefaults()
	}
	var (
		configPath string
		modelsDir  string
		backend    string
		timeout    time.Duration
		profile    bool
	)
	fs.StringVar(&configPath, "config", "", "Path to the YAML configuration")
	fs.StringVar(&modelsDir, "models", "", "Checkpoint directory (overrides models.dir)")
	fs.StringVar(&backend, "backend", "", "Inference backend: graph or onnx (overrides models.backend)")
	fs.DurationVar(&timeout, "timeout", defaultTimeout, "Per-image prediction timeout")
	fs.BoolVar(&profile, "profile", false, "Log load and prediction timings when done")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no images given")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if modelsDir != "" {
		cfg.Models.Dir = modelsDir
	}
	if backend != "" {
		b, err := inference.ParseBackend(backend)
		if err != nil {
			return err
		}
		cfg.Models.Backend = b
	}
	logging.Init(logging.ParseFormat(cfg.Log.Format), logging.ParseLevel(cfg.Log.Level))

	files, err := collect(fs.Args())
	if err != nil {
		return err
	}

	prof := profiler.New(profiler.Options{})
	if profile {
		defer prof.Log(slog.Default())
	}

	loaded := prof.StartOperation("load")
	ensemble, err := inference.NewEnsembleBuilder().
		WithPreprocessor(cfg.Preprocess).
		WithClasses(cfg.Classes).
		LoadClassifiers(ctx, inference.LoadOptions{
			Dir:      cfg.Models.Dir,
			Backend:  cfg.Models.Backend,
			Workers:  cfg.Models.Workers,
			Provider: cfg.Models.ONNX,
		}).
		Build()
	if err != nil {
		return err
	}
	defer ensemble.Close()
	loaded()

	enc := json.NewEncoder(stdout)
	failed := 0
	for _, f := range files {
		line := output{File: f.Path}
		done := prof.StartOperation("predict")
		res, err := predict(ctx, ensemble, f.Data, timeout)
		done()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("prediction failed", "file", f.Path, "error", err)
			line.Error = err.Error()
			failed++
		} else {
			line.Result = res
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d images failed", failed, len(files))
	}
	return nil
}

func predict(ctx context.Context, e *inference.Ensemble, raw []byte, timeout time.Duration) (*inference.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.Predict(ctx, raw)
}

// collect expands directories to their image files and reads plain files as
// given, preserving argument order.
func collect(paths []string) ([]util.ImageFile, error) {
	var files []util.ImageFile
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			imgs, err := util.LoadDirectoryImageFiles(p)
			if err != nil {
				return nil, errors.Wrapf(err, "read %s", p)
			}
			files = append(files, imgs...)
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		files = append(files, util.ImageFile{Path: p, Data: data})
	}
	if len(files) == 0 {
		return nil, errors.New("no image files found")
	}
	return files, nil
}
