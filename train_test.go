package cnntrain

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Optimizer = "adam"
	cfg.LearningRate = 0.01
	ctx, err := NewContext(cfg)
	require.NoError(t, err)
	assert.Equal(t, "adam", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.Equal(t, 0.01, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
}

func TestNewContextUnknownOptimizer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Optimizer = "rmsprop"
	_, err := NewContext(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rmsprop")
	for _, name := range OptimizerNames() {
		assert.Contains(t, err.Error(), name)
	}
}

func TestGeometryAdvice(t *testing.T) {
	model, err := BuildArchitecture("vgg16", 64, 64, 1, 10)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ImageSize = 64

	// Both image size and channels differ.
	advice := geometryAdvice(model, cfg, 1)
	assert.Equal(t, "set --image-size 224 and drop --grayscale", advice)

	// Only the image size differs.
	advice = geometryAdvice(model, cfg, 3)
	assert.Equal(t, "set --image-size 224", advice)

	// Only the channels differ.
	cfg.ImageSize = VGG16ImageSize
	advice = geometryAdvice(model, cfg, 1)
	assert.Equal(t, "drop --grayscale", advice)
}

func TestOptimizerNames(t *testing.T) {
	names := OptimizerNames()
	assert.Contains(t, names, "sgd")
	assert.Contains(t, names, "adam")
	assert.IsIncreasing(t, names)
}
