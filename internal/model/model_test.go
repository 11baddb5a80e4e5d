package model

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Brownie44l1/mnist-api/internal/artifact"
	"github.com/Brownie44l1/mnist-api/internal/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls atomic.Int32
	err   error
}

func (s *countingSource) Ensure(context.Context) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return "model.pt", nil
}

func syntheticLoader(seed int64) CheckpointLoader {
	return func(string) (map[string]*nn.Tensor, error) {
		rng := rand.New(rand.NewSource(seed))
		state := make(map[string]*nn.Tensor)
		for name, shape := range nn.MNISTClassifier().ParameterShapes() {
			t := nn.Zeros(shape...)
			for i := range t.Data {
				t.Data[i] = float32(rng.NormFloat64() * 0.05)
			}
			state[name] = t
		}
		return state, nil
	}
}

func newTestProvider(t *testing.T, source ArtifactSource, load CheckpointLoader) *Provider {
	t.Helper()
	provider, err := NewProvider(ProviderConfig{
		Architecture: nn.MNISTClassifier(),
		Artifact:     source,
		Load:         load,
	})
	require.NoError(t, err)
	return provider
}

func TestProviderReturnsSameInstance(t *testing.T) {
	source := &countingSource{}
	provider := newTestProvider(t, source, syntheticLoader(1))
	assert.False(t, provider.Ready())

	first, err := provider.Model(context.Background())
	require.NoError(t, err)
	second, err := provider.Model(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.False(t, first.Training())
	assert.True(t, provider.Ready())
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestProviderConcurrentFirstAccessFetchesOnce(t *testing.T) {
	source := &countingSource{}
	var loads atomic.Int32
	load := syntheticLoader(2)
	provider := newTestProvider(t, source, func(path string) (map[string]*nn.Tensor, error) {
		loads.Add(1)
		return load(path)
	})

	const callers = 16
	nets := make([]*nn.Network, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			net, err := provider.Model(context.Background())
			assert.NoError(t, err)
			nets[i] = net
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
	assert.Equal(t, int32(1), loads.Load())
	for _, net := range nets {
		assert.Same(t, nets[0], net)
	}
}

func TestProviderPropagatesTransferError(t *testing.T) {
	source := &countingSource{err: &artifact.TransferError{URL: "https://example.invalid/model.pt", StatusCode: 503}}
	provider := newTestProvider(t, source, syntheticLoader(1))

	_, err := provider.Model(context.Background())
	var transferErr *artifact.TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Equal(t, 503, transferErr.StatusCode)
	assert.False(t, provider.Ready())

	// Failures are not cached.
	source.err = nil
	_, err = provider.Model(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestProviderPropagatesLoadError(t *testing.T) {
	provider := newTestProvider(t, &countingSource{}, func(string) (map[string]*nn.Tensor, error) {
		state, _ := syntheticLoader(1)("")
		state["fc2.weight"] = nn.Zeros(10, 64)
		return state, nil
	})

	_, err := provider.Model(context.Background())
	var loadErr *nn.LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, "fc2.weight", loadErr.Param)
}

func TestProviderMissingCheckpointIsLoadError(t *testing.T) {
	provider := newTestProvider(t, &countingSource{}, func(string) (map[string]*nn.Tensor, error) {
		return LoadCheckpoint(filepath.Join(t.TempDir(), "absent.pt"))
	})
	_, err := provider.Model(context.Background())
	var loadErr *nn.LoadError
	require.True(t, errors.As(err, &loadErr))
}

func TestNewProviderValidates(t *testing.T) {
	_, err := NewProvider(ProviderConfig{Architecture: nn.MNISTClassifier()})
	require.Error(t, err)
	_, err = NewProvider(ProviderConfig{Artifact: &countingSource{}})
	require.Error(t, err)
}

func TestClassifierPredict(t *testing.T) {
	classifier := NewClassifier(newTestProvider(t, &countingSource{}, syntheticLoader(5)))

	input := make([]float32, InputSize)
	for i := range input {
		input[i] = float32(i%255) / 255
	}
	first, err := classifier.Predict(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, first, NumClasses)
	for _, v := range first {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}

	second, err := classifier.Predict(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Callers own the returned slice.
	first[0] = 1000
	third, err := classifier.Predict(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, second, third)
}

func TestClassifierRejectsWrongLengthBeforeLoading(t *testing.T) {
	source := &countingSource{}
	classifier := NewClassifier(newTestProvider(t, source, syntheticLoader(5)))

	for _, n := range []int{0, 1, 100, 783, 785} {
		_, err := classifier.Predict(context.Background(), make([]float32, n))
		var inputErr *InvalidInputError
		require.True(t, errors.As(err, &inputErr), "length %d", n)
		assert.Equal(t, InputSize, inputErr.Expected)
		assert.Equal(t, n, inputErr.Actual)
	}
	assert.Equal(t, int32(0), source.calls.Load())
}

func TestClassifierInfo(t *testing.T) {
	classifier := NewClassifier(newTestProvider(t, &countingSource{}, syntheticLoader(5)))
	info, err := classifier.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "native", info.Backend)
	assert.Equal(t, "mnist-classifier", info.Architecture)
	assert.Equal(t, []int{1, 1, 28, 28}, info.InputShape)
	assert.Equal(t, []int{1, 10}, info.OutputShape)
	assert.Len(t, info.Layers, 9)
}

func TestInvalidInputErrorMessage(t *testing.T) {
	err := ValidateInput(make([]float32, 100))
	require.Error(t, err)
	assert.Equal(t, "expected 784 values, got 100", err.Error())
	assert.NoError(t, ValidateInput(make([]float32, 784)))
}

func TestPredictionRequestPixels(t *testing.T) {
	var req PredictionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"data": [0.5, 1, 0]}`), &req))
	pixels, err := req.Pixels()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 1, 0}, pixels)

	require.NoError(t, json.Unmarshal([]byte(`{"data": [0.5, null]}`), &req))
	_, err = req.Pixels()
	assert.EqualError(t, err, "data[1] must be a number, got null")

	req = PredictionRequest{}
	require.NoError(t, json.Unmarshal([]byte(`{}`), &req))
	assert.Nil(t, req.Data)
}
