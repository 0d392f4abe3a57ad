// Package cnntrain trains one of a fixed set of convolutional neural network
// architectures on a directory of labeled images, and writes a plain-text
// training report.
//
// Model building and training are delegated to GoMLX; image decoding and
// resizing to the imaging library. This package is the glue: argument schema,
// architecture selection, dataset loading and report writing.
package cnntrain

import (
	"flag"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Description is the help text for the command-line tool.
const Description = `Convolutional neural network trainer using GoMLX as the backend
engine and the imaging library for vision utilities.

The supported architectures are:
    - LeNet
    - KarpathyNet
    - MiniVGG
    - VGG16 (fixed size input {224, 224, 3} and 1000 classes)

All architectures can be given their input shape and output dimension
(number of classes), except for VGG16.`

// Config holds the program configuration, parsed once from the command line
// and never mutated afterwards.
type Config struct {
	// Architecture name, one of ArchitectureNames(). Required.
	Architecture string

	// DataDir is the path to the input dataset: one subdirectory per class,
	// holding the class images. Required.
	DataDir string

	// Normalize rescales pixel intensities from [0, 255] to [0.0, 1.0].
	Normalize bool

	// ModelName names the output artifacts (report and saved model). Required.
	ModelName string

	// Grayscale loads images as single-channel.
	Grayscale bool

	// ImageSize in pixels, used for both width and height of the input tensor.
	ImageSize int

	// Optimizer name, one of optimizers.KnownOptimizers (case-insensitive).
	Optimizer string

	// LearningRate (etha) for the optimizer.
	LearningRate float64

	// Epochs to train for.
	Epochs int

	// BatchSize for the stochastic gradient descent variants.
	BatchSize int
}

// DefaultConfig returns a Config with the default values for every optional
// field. Required fields are left empty.
func DefaultConfig() *Config {
	return &Config{
		Normalize:    true,
		Grayscale:    false,
		ImageSize:    64,
		Optimizer:    "SGD",
		LearningRate: 0.001,
		Epochs:       30,
		BatchSize:    32,
	}
}

// RegisterFlags registers every configuration option on fs, each under its
// short and long spelling, with the receiver's current values as defaults.
func (cfg *Config) RegisterFlags(fs *flag.FlagSet) {
	// Short and long spellings write to the same field, so either works.
	for _, name := range []string{"a", "architecture"} {
		fs.StringVar(&cfg.Architecture, name, cfg.Architecture,
			fmt.Sprintf("architecture of the CNN to be trained, one of: %s", strings.Join(ArchitectureNames(), ", ")))
	}
	for _, name := range []string{"d", "dataset"} {
		fs.StringVar(&cfg.DataDir, name, cfg.DataDir,
			"path to the input dataset: one subdirectory per class")
	}
	for _, name := range []string{"n", "normalize"} {
		fs.BoolVar(&cfg.Normalize, name, cfg.Normalize,
			"normalize the input image intensities to [0, 1]")
	}
	for _, name := range []string{"mn", "model-name"} {
		fs.StringVar(&cfg.ModelName, name, cfg.ModelName,
			"name of the output model, used to derive the report and model file paths")
	}
	for _, name := range []string{"g", "grayscale"} {
		fs.BoolVar(&cfg.Grayscale, name, cfg.Grayscale,
			"load images in grayscale (single channel)")
	}
	for _, name := range []string{"i", "image-size"} {
		fs.IntVar(&cfg.ImageSize, name, cfg.ImageSize,
			"size of the images in pixels (width and height) for the input tensor")
	}
	for _, name := range []string{"o", "optimizer"} {
		fs.StringVar(&cfg.Optimizer, name, cfg.Optimizer,
			"optimizer for the gradient descent step, e.g. sgd or adam")
	}
	fs.Float64Var(&cfg.LearningRate, "etha", cfg.LearningRate,
		"learning rate for the optimizer during the gradient descent step")
	for _, name := range []string{"e", "epochs"} {
		fs.IntVar(&cfg.Epochs, name, cfg.Epochs,
			"number of epochs to train the network")
	}
	for _, name := range []string{"b", "batch-size"} {
		fs.IntVar(&cfg.BatchSize, name, cfg.BatchSize,
			"size of the batch to train with stochastic gradient descent")
	}
}

// Validate checks required fields and value ranges, and canonicalizes the
// architecture and optimizer names to lower case.
func (cfg *Config) Validate() error {
	var missing []string
	if cfg.Architecture == "" {
		missing = append(missing, "-a/--architecture")
	}
	if cfg.DataDir == "" {
		missing = append(missing, "-d/--dataset")
	}
	if cfg.ModelName == "" {
		missing = append(missing, "-mn/--model-name")
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required flag(s): %s", strings.Join(missing, ", "))
	}
	if cfg.ImageSize <= 0 {
		return errors.Errorf("--image-size must be > 0, got %d", cfg.ImageSize)
	}
	if cfg.LearningRate <= 0 {
		return errors.Errorf("--etha must be > 0, got %g", cfg.LearningRate)
	}
	if cfg.Epochs <= 0 {
		return errors.Errorf("--epochs must be > 0, got %d", cfg.Epochs)
	}
	if cfg.BatchSize <= 0 {
		return errors.Errorf("--batch-size must be > 0, got %d", cfg.BatchSize)
	}
	cfg.Architecture = strings.ToLower(cfg.Architecture)
	cfg.Optimizer = strings.ToLower(cfg.Optimizer)
	return nil
}

// ParseArgs parses args (without the program name) into a validated Config.
func ParseArgs(args []string) (*Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("cnntrain", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, errors.Errorf("unexpected argument(s): %s", strings.Join(fs.Args(), " "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
