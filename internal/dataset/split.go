// Package dataset splits labelled chip images into train and test sets.
package dataset

import (
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/banshee-data/composite.report/internal/fsutil"
	"github.com/banshee-data/composite.report/internal/monitoring"
	"github.com/banshee-data/composite.report/internal/security"
)

// Default class directories and train share.
var DefaultClasses = []string{"com_garimpo", "sem_garimpo"}

const DefaultTrainRatio = 0.8

// Options controls Split. Empty Classes and a nil TrainRatio take the
// defaults.
type Options struct {
	BaseDir    string // holds one directory per class
	OutputDir  string // receives train/<class> and test/<class>
	Classes    []string
	TrainRatio *float64
	Seed       int64
}

// Counts is the number of files copied for one class.
type Counts struct {
	Train int `json:"train"`
	Test  int `json:"test"`
}

func (o Options) withDefaults() Options {
	if len(o.Classes) == 0 {
		o.Classes = DefaultClasses
	}
	if o.TrainRatio == nil {
		r := DefaultTrainRatio
		o.TrainRatio = &r
	}
	return o
}

// Ratio returns a TrainRatio value.
func Ratio(v float64) *float64 { return &v }

// Split shuffles the files of every class and copies the first
// int(n*TrainRatio) to OutputDir/train/<class> and the rest to
// OutputDir/test/<class>. Classes are shuffled in order from one source
// seeded with Seed, so a seed reproduces the split.
func Split(fs fsutil.FileSystem, opts Options) (map[string]Counts, error) {
	opts = opts.withDefaults()
	ratio := *opts.TrainRatio
	if ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("train ratio must be within [0, 1], got %g", ratio)
	}
	if opts.BaseDir == "" || opts.OutputDir == "" {
		return nil, fmt.Errorf("base and output directories are required")
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	out := make(map[string]Counts, len(opts.Classes))
	for _, cls := range opts.Classes {
		if err := security.ValidateFileName(cls); err != nil {
			return out, fmt.Errorf("class %q: %w", cls, err)
		}
		classDir := filepath.Join(opts.BaseDir, cls)
		files, err := fs.ReadDir(classDir)
		if err != nil {
			return out, fmt.Errorf("list %s: %w", classDir, err)
		}
		rng.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })

		cut := int(float64(len(files)) * ratio)
		monitoring.Logf("dataset: %s: %d train, %d test", cls, cut, len(files)-cut)
		if err := copyAll(fs, classDir, filepath.Join(opts.OutputDir, "train", cls), files[:cut]); err != nil {
			return out, err
		}
		if err := copyAll(fs, classDir, filepath.Join(opts.OutputDir, "test", cls), files[cut:]); err != nil {
			return out, err
		}
		out[cls] = Counts{Train: cut, Test: len(files) - cut}
	}
	return out, nil
}

func copyAll(fs fsutil.FileSystem, src, dst string, names []string) error {
	if err := fs.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	for _, name := range names {
		data, err := fs.ReadFile(filepath.Join(src, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := fs.WriteFile(filepath.Join(dst, name), data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
