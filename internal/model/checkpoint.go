package model

import (
	"fmt"

	"github.com/Brownie44l1/mnist-api/internal/nn"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// CheckpointLoader decodes a parameter artifact into named tensors.
type CheckpointLoader func(path string) (map[string]*nn.Tensor, error)

// LoadCheckpoint reads a PyTorch state dict written by torch.save, in either
// the zip or the legacy format.
func LoadCheckpoint(path string) (map[string]*nn.Tensor, error) {
	raw, err := pytorch.Load(path)
	if err != nil {
		return nil, &nn.LoadError{Reason: fmt.Sprintf("decode %s", path), Err: err}
	}
	return stateDict(raw)
}

func stateDict(raw interface{}) (map[string]*nn.Tensor, error) {
	dict, ok := raw.(*types.OrderedDict)
	if !ok {
		return nil, &nn.LoadError{Reason: fmt.Sprintf("checkpoint holds %T, expected a state dict", raw)}
	}
	state := make(map[string]*nn.Tensor, len(dict.Map))
	for e := dict.List.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*types.OrderedDictEntry)
		name, ok := entry.Key.(string)
		if !ok {
			return nil, &nn.LoadError{Reason: fmt.Sprintf("state dict key %v is not a string", entry.Key)}
		}
		t, ok := entry.Value.(*pytorch.Tensor)
		if !ok {
			return nil, &nn.LoadError{Param: name, Reason: fmt.Sprintf("value is %T, expected a tensor", entry.Value)}
		}
		tensor, err := convertTensor(t)
		if err != nil {
			return nil, &nn.LoadError{Param: name, Reason: "unreadable tensor", Err: err}
		}
		state[name] = tensor
	}
	return state, nil
}

func convertTensor(t *pytorch.Tensor) (*nn.Tensor, error) {
	var (
		data []float32
		err  error
	)
	switch storage := t.Source.(type) {
	case *pytorch.FloatStorage:
		data, err = gather(storage.Data, t.StorageOffset, t.Size, t.Stride)
	case *pytorch.DoubleStorage:
		data, err = gather(storage.Data, t.StorageOffset, t.Size, t.Stride)
	default:
		return nil, fmt.Errorf("unsupported storage %T", t.Source)
	}
	if err != nil {
		return nil, err
	}
	return nn.NewTensor(t.Size, data)
}

// gather copies a possibly strided view out of its storage into a dense
// row-major slice.
func gather[T float32 | float64](storage []T, offset int, size, stride []int) ([]float32, error) {
	if len(stride) == 0 && len(size) > 0 {
		stride = contiguousStride(size)
	}
	if len(stride) != len(size) {
		return nil, fmt.Errorf("size %v and stride %v disagree", size, stride)
	}
	count := nn.ShapeSize(size)
	if count < 0 {
		return nil, fmt.Errorf("negative dimension in %v", size)
	}
	out := make([]float32, count)
	index := make([]int, len(size))
	for i := 0; i < count; i++ {
		pos := offset
		for d, idx := range index {
			pos += idx * stride[d]
		}
		if pos < 0 || pos >= len(storage) {
			return nil, fmt.Errorf("element %d at storage offset %d outside storage of %d", i, pos, len(storage))
		}
		out[i] = float32(storage[pos])
		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < size[d] {
				break
			}
			index[d] = 0
		}
	}
	return out, nil
}

func contiguousStride(size []int) []int {
	stride := make([]int, len(size))
	step := 1
	for d := len(size) - 1; d >= 0; d-- {
		stride[d] = step
		step *= size[d]
	}
	return stride
}
