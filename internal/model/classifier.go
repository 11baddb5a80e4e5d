package model

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/mnist-api/internal/nn"
)

// Classifier runs the in-process executor over the provider's network.
type Classifier struct {
	provider *Provider
}

func NewClassifier(provider *Provider) *Classifier {
	return &Classifier{provider: provider}
}

func (c *Classifier) Name() string {
	return "native"
}

func (c *Classifier) Predict(ctx context.Context, data []float32) ([]float32, error) {
	if err := ValidateInput(data); err != nil {
		return nil, err
	}
	net, err := c.provider.Model(ctx)
	if err != nil {
		return nil, err
	}
	pixels := make([]float32, len(data))
	copy(pixels, data)
	input, err := nn.NewTensor([]int{1, 1, ImageSide, ImageSide}, pixels)
	if err != nil {
		return nil, err
	}
	output, err := net.Forward(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if output.Len() != NumClasses {
		return nil, fmt.Errorf("model produced %d scores, expected %d", output.Len(), NumClasses)
	}
	scores := make([]float32, NumClasses)
	copy(scores, output.Data)
	return scores, nil
}

func (c *Classifier) Info(ctx context.Context) (Info, error) {
	net, err := c.provider.Model(ctx)
	if err != nil {
		return Info{}, err
	}
	return describe(c.Name(), net), nil
}

func (c *Classifier) Close() error {
	return nil
}
