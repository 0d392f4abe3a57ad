package cnntrain

import (
	"sort"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// VGG16 is defined for a fixed input geometry and output dimension, matching
// the original ImageNet publication.
const (
	VGG16ImageSize = 224
	VGG16Depth     = 3
	VGG16Classes   = 1000
)

// Model is an untrained architecture bound to a concrete input geometry and
// class count. Graph implements train.ModelFn and can be handed directly to
// train.NewTrainer.
type Model struct {
	Name                 string
	Width, Height, Depth int
	Classes              int
	Graph                train.ModelFn
}

type architectureBuilder func(width, height, depth, classes int) train.ModelFn

var knownArchitectures = map[string]architectureBuilder{
	"lenet":       LeNet,
	"karpathynet": KarpathyNet,
	"minivgg":     MiniVGG,
	"vgg16":       func(_, _, _, _ int) train.ModelFn { return VGG16() },
}

// ArchitectureNames returns the sorted names of the supported architectures.
func ArchitectureNames() []string {
	names := make([]string, 0, len(knownArchitectures))
	for name := range knownArchitectures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildArchitecture returns the named architecture bound to the given input
// geometry and class count. The name is matched case-insensitively; an
// unknown name is an error, never a nil model.
//
// "vgg16" ignores the requested geometry and always builds its fixed
// 224x224x3 input with 1000 classes; a warning is logged when the request
// differs from that.
func BuildArchitecture(name string, width, height, depth, classes int) (*Model, error) {
	key := strings.ToLower(name)
	builder, found := knownArchitectures[key]
	if !found {
		return nil, errors.Errorf("unknown architecture %q, valid values are %v", name, ArchitectureNames())
	}
	if key == "vgg16" {
		if width != VGG16ImageSize || height != VGG16ImageSize || depth != VGG16Depth || classes != VGG16Classes {
			klog.Warningf("vgg16 has a fixed %dx%dx%d input and %d classes; ignoring requested %dx%dx%d with %d classes",
				VGG16ImageSize, VGG16ImageSize, VGG16Depth, VGG16Classes, width, height, depth, classes)
		}
		width, height, depth, classes = VGG16ImageSize, VGG16ImageSize, VGG16Depth, VGG16Classes
	}
	return &Model{
		Name:    key,
		Width:   width,
		Height:  height,
		Depth:   depth,
		Classes: classes,
		Graph:   builder(width, height, depth, classes),
	}, nil
}

// nextCtxFn returns a generator of numbered per-layer scopes, so variables of
// consecutive layers of the same type don't collide.
func nextCtxFn(ctx *context.Context) func(name string) *context.Context {
	layerIdx := 0
	return func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
}

// LeNet builds the classic LeNet topology: two convolution+pooling stages
// followed by a fully connected layer.
func LeNet(width, height, depth, classes int) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		ctx = ctx.In("model")
		images := inputs[0]
		batchSize := images.Shape().Dimensions[0]
		images.AssertDims(batchSize, height, width, depth)
		nextCtx := nextCtxFn(ctx)

		logits := layers.Convolution(nextCtx("conv"), images).Filters(20).KernelSize(5).PadSame().Done()
		logits = activations.Relu(logits)
		logits = MaxPool(logits).Window(2).Done()

		logits = layers.Convolution(nextCtx("conv"), logits).Filters(50).KernelSize(5).PadSame().Done()
		logits = activations.Relu(logits)
		logits = MaxPool(logits).Window(2).Done()

		logits = Reshape(logits, batchSize, -1)
		logits = layers.Dense(nextCtx("dense"), logits, true, 500)
		logits = activations.Relu(logits)
		logits = layers.Dense(nextCtx("dense"), logits, true, classes)
		logits.AssertDims(batchSize, classes)
		return []*Node{logits}
	}
}

// KarpathyNet builds the small three-stage CNN popularized by the ConvNetJS
// CIFAR-10 demo, with dropout after the last two stages.
func KarpathyNet(width, height, depth, classes int) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		ctx = ctx.In("model")
		images := inputs[0]
		g := images.Graph()
		dtype := images.DType()
		batchSize := images.Shape().Dimensions[0]
		images.AssertDims(batchSize, height, width, depth)
		nextCtx := nextCtxFn(ctx)
		dropoutRate := Scalar(g, dtype, 0.25)

		logits := images
		for _, numChannels := range []int{16, 20, 20} {
			logits = layers.Convolution(nextCtx("conv"), logits).Filters(numChannels).KernelSize(5).PadSame().Done()
			logits = activations.Relu(logits)
			logits = MaxPool(logits).Window(2).Done()
			if numChannels > 16 {
				logits = layers.DropoutNormalize(nextCtx("dropout"), logits, dropoutRate, true)
			}
		}

		logits = Reshape(logits, batchSize, -1)
		logits = layers.Dense(nextCtx("dense"), logits, true, classes)
		logits.AssertDims(batchSize, classes)
		return []*Node{logits}
	}
}

// MiniVGG builds a reduced VGG-style network: two blocks of stacked 3x3
// convolutions with batch normalization and dropout, topped by a dense layer.
func MiniVGG(width, height, depth, classes int) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		ctx = ctx.In("model")
		images := inputs[0]
		g := images.Graph()
		dtype := images.DType()
		batchSize := images.Shape().Dimensions[0]
		images.AssertDims(batchSize, height, width, depth)
		nextCtx := nextCtxFn(ctx)
		blockDropout := Scalar(g, dtype, 0.25)
		denseDropout := Scalar(g, dtype, 0.5)

		logits := images
		for _, numChannels := range []int{32, 64} {
			for range 2 {
				logits = layers.Convolution(nextCtx("conv"), logits).Filters(numChannels).KernelSize(3).PadSame().Done()
				logits = activations.Relu(logits)
				logits = batchnorm.New(nextCtx("norm"), logits, -1).Done()
			}
			logits = MaxPool(logits).Window(2).Done()
			logits = layers.DropoutNormalize(nextCtx("dropout"), logits, blockDropout, true)
		}

		logits = Reshape(logits, batchSize, -1)
		logits = layers.Dense(nextCtx("dense"), logits, true, 512)
		logits = activations.Relu(logits)
		logits = batchnorm.New(nextCtx("norm"), logits, -1).Done()
		logits = layers.DropoutNormalize(nextCtx("dropout"), logits, denseDropout, true)
		logits = layers.Dense(nextCtx("dense"), logits, true, classes)
		logits.AssertDims(batchSize, classes)
		return []*Node{logits}
	}
}

// VGG16 builds the 16-layer VGG network with its fixed 224x224x3 input and
// 1000 output classes. It takes no geometry: see BuildArchitecture.
func VGG16() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		ctx = ctx.In("model")
		images := inputs[0]
		batchSize := images.Shape().Dimensions[0]
		images.AssertDims(batchSize, VGG16ImageSize, VGG16ImageSize, VGG16Depth)
		nextCtx := nextCtxFn(ctx)

		logits := images
		for _, block := range [][]int{{64, 64}, {128, 128}, {256, 256, 256}, {512, 512, 512}, {512, 512, 512}} {
			for _, numChannels := range block {
				logits = layers.Convolution(nextCtx("conv"), logits).Filters(numChannels).KernelSize(3).PadSame().Done()
				logits = activations.Relu(logits)
			}
			logits = MaxPool(logits).Window(2).Done()
		}

		logits = Reshape(logits, batchSize, -1)
		for range 2 {
			logits = layers.Dense(nextCtx("dense"), logits, true, 4096)
			logits = activations.Relu(logits)
		}
		logits = layers.Dense(nextCtx("dense"), logits, true, VGG16Classes)
		logits.AssertDims(batchSize, VGG16Classes)
		return []*Node{logits}
	}
}
