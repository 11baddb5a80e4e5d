package model

import (
	"errors"
	"testing"

	"github.com/Brownie44l1/mnist-api/internal/nn"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateDictConvertsTensors(t *testing.T) {
	dict := types.NewOrderedDict()
	dict.Set("fc.weight", &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{1, 2, 3, 4, 5, 6}},
		Size:   []int{2, 3},
		Stride: []int{3, 1},
	})
	dict.Set("fc.bias", &pytorch.Tensor{
		Source:        &pytorch.DoubleStorage{Data: []float64{9, 0.5, -1}},
		StorageOffset: 1,
		Size:          []int{2},
		Stride:        []int{1},
	})

	state, err := stateDict(dict)
	require.NoError(t, err)
	require.Len(t, state, 2)
	assert.Equal(t, []int{2, 3}, state["fc.weight"].Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, state["fc.weight"].Data)
	assert.Equal(t, []float32{0.5, -1}, state["fc.bias"].Data)
}

func TestStateDictMaterialisesStridedViews(t *testing.T) {
	// A transposed 2x3 view over row-major storage [[1,2,3],[4,5,6]].
	dict := types.NewOrderedDict()
	dict.Set("w", &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{1, 2, 3, 4, 5, 6}},
		Size:   []int{3, 2},
		Stride: []int{1, 3},
	})
	state, err := stateDict(dict)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, state["w"].Data)
}

func TestStateDictRejectsBadInput(t *testing.T) {
	_, err := stateDict(map[string]int{})
	var loadErr *nn.LoadError
	require.True(t, errors.As(err, &loadErr))

	dict := types.NewOrderedDict()
	dict.Set("conv1.weight", "not a tensor")
	_, err = stateDict(dict)
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, "conv1.weight", loadErr.Param)

	dict = types.NewOrderedDict()
	dict.Set("conv1.bias", &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{1}},
		Size:   []int{4},
		Stride: []int{1},
	})
	_, err = stateDict(dict)
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, "conv1.bias", loadErr.Param)
}

func TestGatherScalarAndDefaultStride(t *testing.T) {
	out, err := gather([]float32{7}, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, out)

	out, err = gather([]float64{1, 2, 3, 4}, 0, []int{2, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, out)
}
