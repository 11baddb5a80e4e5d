package model

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/mnist-api/internal/nn"
)

const (
	ImageSide  = 28
	InputSize  = ImageSide * ImageSide
	NumClasses = 10
)

// Predictor turns one flattened 28x28 image into class logits.
type Predictor interface {
	Name() string
	Predict(ctx context.Context, data []float32) ([]float32, error)
	Info(ctx context.Context) (Info, error)
	Close() error
}

// PredictionRequest is the /api/predict body. Data is a pointer so a missing
// field can be told apart from an empty array, and its elements are pointers
// because encoding/json decodes a null number as a silent no-op.
type PredictionRequest struct {
	Data *[]*float32 `json:"data"`
}

// Pixels returns Data as plain values. It fails on the first null entry.
func (r PredictionRequest) Pixels() ([]float32, error) {
	if r.Data == nil {
		return nil, nil
	}
	values := make([]float32, len(*r.Data))
	for i, v := range *r.Data {
		if v == nil {
			return nil, fmt.Errorf("data[%d] must be a number, got null", i)
		}
		values[i] = *v
	}
	return values, nil
}

type PredictionResponse struct {
	Prediction []float32 `json:"prediction"`
}

type Info struct {
	Backend      string         `json:"backend"`
	Architecture string         `json:"architecture"`
	InputShape   []int          `json:"input_shape"`
	OutputShape  []int          `json:"output_shape"`
	Parameters   int            `json:"parameters"`
	Layers       []nn.LayerInfo `json:"layers"`
}

// InvalidInputError rejects a request before it reaches the model.
type InvalidInputError struct {
	Expected int
	Actual   int
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("expected %d values, got %d", e.Expected, e.Actual)
}

// ValidateInput checks the flattened image length.
func ValidateInput(data []float32) error {
	if len(data) != InputSize {
		return &InvalidInputError{Expected: InputSize, Actual: len(data)}
	}
	return nil
}

func describe(backend string, net *nn.Network) Info {
	arch := net.Architecture()
	return Info{
		Backend:      backend,
		Architecture: arch.Name,
		InputShape:   append([]int{1}, arch.Input...),
		OutputShape:  append([]int{1}, net.OutputShape()...),
		Parameters:   net.ParameterCount(),
		Layers:       net.Layers(),
	}
}
