package cnntrain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArchitecture(t *testing.T) {
	for _, name := range []string{"lenet", "karpathynet", "minivgg"} {
		t.Run(name, func(t *testing.T) {
			model, err := BuildArchitecture(name, 32, 32, 3, 10)
			require.NoError(t, err)
			require.NotNil(t, model)
			assert.Equal(t, name, model.Name)
			assert.Equal(t, 32, model.Width)
			assert.Equal(t, 32, model.Height)
			assert.Equal(t, 3, model.Depth)
			assert.Equal(t, 10, model.Classes)
			assert.NotNil(t, model.Graph)
		})
	}
}

func TestBuildArchitectureCaseInsensitive(t *testing.T) {
	model, err := BuildArchitecture("LeNet", 28, 28, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "lenet", model.Name)
}

func TestBuildArchitectureVGG16FixedGeometry(t *testing.T) {
	// Requested geometry is ignored for vgg16.
	model, err := BuildArchitecture("vgg16", 64, 64, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, VGG16ImageSize, model.Width)
	assert.Equal(t, VGG16ImageSize, model.Height)
	assert.Equal(t, VGG16Depth, model.Depth)
	assert.Equal(t, VGG16Classes, model.Classes)
	assert.NotNil(t, model.Graph)
}

func TestBuildArchitectureUnknown(t *testing.T) {
	model, err := BuildArchitecture("alexnet", 32, 32, 3, 10)
	require.Error(t, err)
	assert.Nil(t, model)
	assert.Contains(t, err.Error(), "alexnet")
	for _, name := range ArchitectureNames() {
		assert.Contains(t, err.Error(), name)
	}
}

func TestArchitectureNamesSorted(t *testing.T) {
	assert.Equal(t, []string{"karpathynet", "lenet", "minivgg", "vgg16"}, ArchitectureNames())
}
