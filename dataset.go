package cnntrain

import (
	"image"
	"io"
	"io/fs"
	"math"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// DType of the images and model. Labels are always Int32.
var DType = dtypes.Float32

// imageExtensions are the file extensions accepted by ListImagePaths.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// ListImagePaths walks root and returns the sorted paths of every image file
// found. The class of each image is the name of its parent directory, so the
// expected layout is one subdirectory per class.
func ListImagePaths(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images under %q", root)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images (extensions %v) found under %q", sortedKeys(imageExtensions), root)
	}
	sort.Strings(paths)
	return paths, nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// labelOf returns the class name of an image path, its parent directory name.
func labelOf(path string) string {
	return filepath.Base(filepath.Dir(path))
}

// Loader converts image files on disk into the tensors the trainer consumes.
type Loader struct {
	// ImageSize is the width and height images are resized to.
	ImageSize int

	// Grayscale loads a single channel instead of RGB.
	Grayscale bool

	// Normalize scales intensities from [0, 255] to [0, 1].
	Normalize bool

	// DType of the generated images tensor.
	DType dtypes.DType

	// LogEveryN images a progress line is logged. Zero disables it.
	LogEveryN int

	// Verbose displays a progress bar while loading.
	Verbose bool
}

// NewLoader returns a Loader configured from cfg, logging progress every 500
// images the way the trainer expects.
func NewLoader(cfg *Config) *Loader {
	return &Loader{
		ImageSize: cfg.ImageSize,
		Grayscale: cfg.Grayscale,
		Normalize: cfg.Normalize,
		DType:     DType,
		LogEveryN: 500,
		Verbose:   true,
	}
}

// Channels of the images tensor: 1 for grayscale, 3 for RGB.
func (l *Loader) Channels() int {
	if l.Grayscale {
		return 1
	}
	return 3
}

// Load decodes, resizes and converts every image in paths, returning the
// images and labels as tensors. Any unreadable image aborts the whole load.
func (l *Loader) Load(paths []string) (*Samples, error) {
	classNames := make([]string, 0)
	classIndices := make(map[string]int32)
	for _, path := range paths {
		label := labelOf(path)
		if _, found := classIndices[label]; !found {
			classIndices[label] = int32(len(classNames))
			classNames = append(classNames, label)
		}
	}

	numExamples := len(paths)
	images := tensors.FromShape(shapes.Make(l.DType, numExamples, l.ImageSize, l.ImageSize, l.Channels()))
	labels := tensors.FromShape(shapes.Make(dtypes.Int32, numExamples))

	var pBar *progressbar.ProgressBar
	if l.Verbose {
		pBar = progressbar.NewOptions(numExamples,
			progressbar.OptionSetDescription("Loading images"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	var loadErr error
	tensors.MutableFlatData[int32](labels, func(labelsFlat []int32) {
		for exampleIdx, path := range paths {
			img, err := imaging.Open(path)
			if err != nil {
				loadErr = errors.Wrapf(err, "failed to load image %q (#%d)", path, exampleIdx)
				return
			}
			img = l.resizeAndCrop(img)
			if l.Grayscale {
				img = imaging.Grayscale(img)
			}
			switch l.DType {
			case dtypes.Float32:
				fillImage[float32](images, exampleIdx, img, l.Grayscale, l.Normalize)
			case dtypes.Float64:
				fillImage[float64](images, exampleIdx, img, l.Grayscale, l.Normalize)
			case dtypes.Float16:
				fillImage[float16.Float16](images, exampleIdx, img, l.Grayscale, l.Normalize)
			default:
				loadErr = errors.Errorf("unsupported images dtype %s", l.DType)
				return
			}
			labelsFlat[exampleIdx] = classIndices[labelOf(path)]
			if pBar != nil {
				_ = pBar.Add(1)
			}
			if l.LogEveryN > 0 && (exampleIdx+1)%l.LogEveryN == 0 {
				klog.Infof("processed %d/%d images", exampleIdx+1, numExamples)
			}
		}
	})
	if pBar != nil {
		_ = pBar.Close()
	}
	if loadErr != nil {
		return nil, loadErr
	}
	return &Samples{
		Images:     images,
		Labels:     labels,
		ClassNames: classNames,
	}, nil
}

// resizeAndCrop scales the smallest dimension of img to ImageSize preserving
// the aspect ratio, then center-crops the largest dimension to ImageSize.
func (l *Loader) resizeAndCrop(img image.Image) image.Image {
	size := l.ImageSize
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	if width < height {
		ratio := float64(width) / float64(size)
		width = size
		height = int(math.Round(float64(height) / ratio))
	} else if height < width {
		ratio := float64(height) / float64(size)
		height = size
		width = int(math.Round(float64(width) / ratio))
	} else {
		width = size
		height = size
	}
	img = imaging.Resize(img, width, height, imaging.Linear)

	if width > height {
		start := (width - size) / 2
		img = imaging.Crop(img, image.Rect(start, 0, start+size, size))
	} else if height > width {
		start := (height - size) / 2
		img = imaging.Crop(img, image.Rect(0, start, size, start+size))
	}
	return img
}

// fillImage writes the pixels of img into row exampleIdx of the images tensor,
// channels-last. Pixel values come from image.Color's 16-bit channels, shifted
// down to [0, 255] and optionally normalized to [0, 1].
func fillImage[T float32 | float64 | float16.Float16](images *tensors.Tensor, exampleIdx int, img image.Image, grayscale, normalize bool) {
	dims := images.Shape().Dimensions
	size, channels := dims[1], dims[3]
	rowSize := size * size * channels
	convert := func(val uint32) T {
		value := float32(val >> 8)
		if normalize {
			value /= 255
		}
		var t T
		switch any(t).(type) {
		case float16.Float16:
			return T(float16.Fromfloat32(value))
		default:
			return T(value)
		}
	}
	tensors.MutableFlatData[T](images, func(flat []T) {
		row := flat[exampleIdx*rowSize : (exampleIdx+1)*rowSize]
		bounds := img.Bounds()
		pos := 0
		for y := bounds.Min.Y; y < bounds.Min.Y+size; y++ {
			for x := bounds.Min.X; x < bounds.Min.X+size; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				if grayscale {
					row[pos] = convert(r)
					pos++
					continue
				}
				row[pos] = convert(r)
				row[pos+1] = convert(g)
				row[pos+2] = convert(b)
				pos += 3
			}
		}
	})
}

// Samples holds a whole dataset materialized as a pair of aligned tensors:
// images shaped [numExamples, size, size, channels] and int32 labels shaped
// [numExamples]. ClassNames maps label values back to class (directory) names.
type Samples struct {
	Images, Labels *tensors.Tensor
	ClassNames     []string
}

// NumExamples in the dataset.
func (s *Samples) NumExamples() int {
	return s.Labels.Shape().Dimensions[0]
}

// NumClasses in the dataset.
func (s *Samples) NumClasses() int {
	return len(s.ClassNames)
}

// gatherImages returns the images of the given examples as a new batch tensor.
func (s *Samples) gatherImages(indices []int) *tensors.Tensor {
	dims := s.Images.Shape().Dimensions
	batch := tensors.FromShape(shapes.Make(s.Images.DType(), len(indices), dims[1], dims[2], dims[3]))
	rowSize := dims[1] * dims[2] * dims[3]
	switch s.Images.DType() {
	case dtypes.Float32:
		gatherRows[float32](s.Images, batch, indices, rowSize)
	case dtypes.Float64:
		gatherRows[float64](s.Images, batch, indices, rowSize)
	case dtypes.Float16:
		gatherRows[float16.Float16](s.Images, batch, indices, rowSize)
	}
	return batch
}

// gatherLabels returns the labels of the given examples as a new batch tensor.
func (s *Samples) gatherLabels(indices []int) *tensors.Tensor {
	batch := tensors.FromShape(shapes.Make(dtypes.Int32, len(indices)))
	gatherRows[int32](s.Labels, batch, indices, 1)
	return batch
}

func gatherRows[T interface {
	float32 | float64 | float16.Float16 | int32
}](src, dst *tensors.Tensor, indices []int, rowSize int) {
	tensors.ConstFlatData[T](src, func(srcFlat []T) {
		tensors.MutableFlatData[T](dst, func(dstFlat []T) {
			for batchIdx, exampleIdx := range indices {
				copy(dstFlat[batchIdx*rowSize:(batchIdx+1)*rowSize],
					srcFlat[exampleIdx*rowSize:(exampleIdx+1)*rowSize])
			}
		})
	})
}

// Dataset implements train.Dataset on top of Samples, yielding batches of
// (images, labels). It is safe for concurrent Yield calls.
type Dataset struct {
	name      string
	samples   *Samples
	batchSize int
	infinite  bool

	mu       sync.Mutex
	shuffle  *rand.Rand
	order    []int
	position int
}

// NewDataset returns a train.Dataset over samples that yields each example
// once per epoch, in order, then io.EOF. Use Shuffle and Infinite to change
// that for training.
func NewDataset(name string, samples *Samples, batchSize int) *Dataset {
	ds := &Dataset{
		name:      name,
		samples:   samples,
		batchSize: batchSize,
		order:     make([]int, samples.NumExamples()),
	}
	for idx := range ds.order {
		ds.order[idx] = idx
	}
	return ds
}

// Shuffle makes the dataset yield examples in a different random order every
// epoch. It returns the dataset to allow chaining.
func (ds *Dataset) Shuffle() *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffle = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	ds.shuffleLocked()
	return ds
}

// Infinite makes the dataset loop forever, never returning io.EOF. It returns
// the dataset to allow chaining.
func (ds *Dataset) Infinite() *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.infinite = true
	return ds
}

func (ds *Dataset) shuffleLocked() {
	ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Yield implements train.Dataset. Incomplete trailing batches are dropped, so
// every yielded batch has exactly batchSize examples.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	if ds.batchSize > len(ds.order) {
		ds.mu.Unlock()
		return nil, nil, nil, errors.Errorf(
			"dataset %q has only %d examples, fewer than the batch size %d", ds.name, len(ds.order), ds.batchSize)
	}
	if ds.position+ds.batchSize > len(ds.order) {
		if !ds.infinite {
			ds.mu.Unlock()
			return nil, nil, nil, io.EOF
		}
		ds.position = 0
		if ds.shuffle != nil {
			ds.shuffleLocked()
		}
	}
	// Copied so a concurrent reshuffle can't change the batch under us.
	indices := make([]int, ds.batchSize)
	copy(indices, ds.order[ds.position:ds.position+ds.batchSize])
	ds.position += ds.batchSize
	ds.mu.Unlock()

	spec = ds
	inputs = []*tensors.Tensor{ds.samples.gatherImages(indices)}
	labels = []*tensors.Tensor{ds.samples.gatherLabels(indices)}
	return
}

// Reset implements train.Dataset, restarting the epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
	if ds.shuffle != nil {
		ds.shuffleLocked()
	}
}

var _ train.Dataset = (*Dataset)(nil)
