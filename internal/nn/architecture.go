package nn

import "fmt"

type LayerKind string

const (
	KindConv2d    LayerKind = "conv2d"
	KindReLU      LayerKind = "relu"
	KindMaxPool2d LayerKind = "maxpool2d"
	KindFlatten   LayerKind = "flatten"
	KindLinear    LayerKind = "linear"
)

// LayerSpec describes one stage of a sequential network. Only the fields
// relevant to Kind are read.
type LayerSpec struct {
	Kind LayerKind
	// Name prefixes the layer's parameter names ("conv1" -> "conv1.weight").
	// Required for layers with parameters.
	Name string

	InChannels  int
	OutChannels int
	Kernel      int
	// Stride defaults to 1 for convolutions and to Kernel for pooling.
	Stride  int
	Padding int

	InFeatures  int
	OutFeatures int
}

// Architecture is a declarative description of a sequential network.
// Input is the shape of a single sample, without the batch dimension.
type Architecture struct {
	Name   string
	Input  []int
	Layers []LayerSpec
}

// MNISTClassifier is the two-stage convolutional digit classifier. Layer
// names match the parameter keys of its PyTorch state dict.
func MNISTClassifier() Architecture {
	return Architecture{
		Name:  "mnist-classifier",
		Input: []int{1, 28, 28},
		Layers: []LayerSpec{
			{Kind: KindConv2d, Name: "conv1", InChannels: 1, OutChannels: 32, Kernel: 3, Padding: 1},
			{Kind: KindReLU},
			{Kind: KindConv2d, Name: "conv2", InChannels: 32, OutChannels: 64, Kernel: 3, Padding: 1},
			{Kind: KindReLU},
			{Kind: KindMaxPool2d, Name: "pool", Kernel: 2, Stride: 2},
			{Kind: KindFlatten},
			{Kind: KindLinear, Name: "fc1", InFeatures: 64 * 14 * 14, OutFeatures: 128},
			{Kind: KindReLU},
			{Kind: KindLinear, Name: "fc2", InFeatures: 128, OutFeatures: 10},
		},
	}
}

// ParameterShapes lists every parameter the architecture expects, keyed by
// state dict name.
func (a Architecture) ParameterShapes() map[string][]int {
	shapes := make(map[string][]int)
	for _, spec := range a.Layers {
		for _, slot := range spec.parameters() {
			shapes[slot.Name] = slot.Shape
		}
	}
	return shapes
}

func (s LayerSpec) parameters() []*Parameter {
	switch s.Kind {
	case KindConv2d:
		return []*Parameter{
			{Name: s.Name + ".weight", Shape: []int{s.OutChannels, s.InChannels, s.Kernel, s.Kernel}},
			{Name: s.Name + ".bias", Shape: []int{s.OutChannels}},
		}
	case KindLinear:
		return []*Parameter{
			{Name: s.Name + ".weight", Shape: []int{s.OutFeatures, s.InFeatures}},
			{Name: s.Name + ".bias", Shape: []int{s.OutFeatures}},
		}
	default:
		return nil
	}
}

func (s LayerSpec) label(index int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s#%d", s.Kind, index)
}
