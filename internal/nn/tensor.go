package nn

import (
	"fmt"
	"strconv"
	"strings"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if want := ShapeSize(shape); want != len(data) {
		return nil, fmt.Errorf("shape %s needs %d values, got %d", FormatShape(shape), want, len(data))
	}
	return &Tensor{Shape: cloneShape(shape), Data: data}, nil
}

func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: cloneShape(shape), Data: make([]float32, ShapeSize(shape))}
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

// Reshape returns a view over the same data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return NewTensor(shape, t.Data)
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: cloneShape(t.Shape), Data: data}
}

// ShapeSize is the number of elements held by a tensor of the given shape.
// The empty shape is a scalar.
func ShapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return -1
		}
		size *= dim
	}
	return size
}

func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, dim := range shape {
		parts[i] = strconv.Itoa(dim)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
