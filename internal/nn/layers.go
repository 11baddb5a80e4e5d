package nn

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// layer is one executable stage. Shapes passed to outputShape exclude the
// batch dimension; tensors passed to forward include it.
type layer interface {
	outputShape(in []int) ([]int, error)
	forward(ctx context.Context, x *Tensor, workers int) (*Tensor, error)
}

func newLayer(spec LayerSpec, params []*Parameter) (layer, error) {
	switch spec.Kind {
	case KindConv2d:
		if spec.InChannels <= 0 || spec.OutChannels <= 0 || spec.Kernel <= 0 {
			return nil, fmt.Errorf("conv2d needs positive channels and kernel")
		}
		if spec.Padding < 0 || spec.Stride < 0 {
			return nil, fmt.Errorf("conv2d padding and stride must not be negative")
		}
		stride := spec.Stride
		if stride == 0 {
			stride = 1
		}
		return &conv2d{spec: spec, stride: stride, weight: params[0], bias: params[1]}, nil
	case KindReLU:
		return relu{}, nil
	case KindMaxPool2d:
		if spec.Kernel <= 0 || spec.Stride < 0 {
			return nil, fmt.Errorf("maxpool2d needs a positive kernel")
		}
		stride := spec.Stride
		if stride == 0 {
			stride = spec.Kernel
		}
		return &maxPool2d{kernel: spec.Kernel, stride: stride}, nil
	case KindFlatten:
		return flatten{}, nil
	case KindLinear:
		if spec.InFeatures <= 0 || spec.OutFeatures <= 0 {
			return nil, fmt.Errorf("linear needs positive feature counts")
		}
		return &linear{spec: spec, weight: params[0], bias: params[1]}, nil
	default:
		return nil, fmt.Errorf("unknown layer kind %q", spec.Kind)
	}
}

type conv2d struct {
	spec   LayerSpec
	stride int
	weight *Parameter
	bias   *Parameter
}

func (l *conv2d) outputShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("conv2d expects [C,H,W] input, got %s", FormatShape(in))
	}
	if in[0] != l.spec.InChannels {
		return nil, fmt.Errorf("conv2d expects %d input channels, got %d", l.spec.InChannels, in[0])
	}
	k, p := l.spec.Kernel, l.spec.Padding
	oh := (in[1]+2*p-k)/l.stride + 1
	ow := (in[2]+2*p-k)/l.stride + 1
	if in[1]+2*p < k || in[2]+2*p < k {
		return nil, fmt.Errorf("conv2d kernel %d larger than padded input %s", k, FormatShape(in))
	}
	return []int{l.spec.OutChannels, oh, ow}, nil
}

// forward computes one output plane per task. Every output element is
// accumulated in the same order regardless of scheduling, so results are
// deterministic.
func (l *conv2d) forward(ctx context.Context, x *Tensor, workers int) (*Tensor, error) {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	shape, err := l.outputShape(x.Shape[1:])
	if err != nil {
		return nil, err
	}
	oc, oh, ow := shape[0], shape[1], shape[2]
	k, p, s := l.spec.Kernel, l.spec.Padding, l.stride
	out := Zeros(n, oc, oh, ow)
	weight := l.weight.Value.Data
	bias := l.bias.Value.Data

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for b := 0; b < n; b++ {
		for o := 0; o < oc; o++ {
			group.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				plane := out.Data[(b*oc+o)*oh*ow : (b*oc+o+1)*oh*ow]
				for i := range plane {
					plane[i] = bias[o]
				}
				for ci := 0; ci < c; ci++ {
					in := x.Data[(b*c+ci)*h*w : (b*c+ci+1)*h*w]
					kern := weight[(o*c+ci)*k*k : (o*c+ci+1)*k*k]
					for ky := 0; ky < k; ky++ {
						for kx := 0; kx < k; kx++ {
							wv := kern[ky*k+kx]
							for oy := 0; oy < oh; oy++ {
								iy := oy*s + ky - p
								if iy < 0 || iy >= h {
									continue
								}
								row := in[iy*w : (iy+1)*w]
								orow := plane[oy*ow : (oy+1)*ow]
								for ox := 0; ox < ow; ox++ {
									ix := ox*s + kx - p
									if ix < 0 || ix >= w {
										continue
									}
									orow[ox] += wv * row[ix]
								}
							}
						}
					}
				}
				return nil
			})
		}
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type relu struct{}

func (relu) outputShape(in []int) ([]int, error) {
	return cloneShape(in), nil
}

func (relu) forward(_ context.Context, x *Tensor, _ int) (*Tensor, error) {
	out := Zeros(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out, nil
}

type maxPool2d struct {
	kernel int
	stride int
}

func (l *maxPool2d) outputShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("maxpool2d expects [C,H,W] input, got %s", FormatShape(in))
	}
	if in[1] < l.kernel || in[2] < l.kernel {
		return nil, fmt.Errorf("maxpool2d window %d larger than input %s", l.kernel, FormatShape(in))
	}
	return []int{in[0], (in[1]-l.kernel)/l.stride + 1, (in[2]-l.kernel)/l.stride + 1}, nil
}

func (l *maxPool2d) forward(_ context.Context, x *Tensor, _ int) (*Tensor, error) {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	shape, err := l.outputShape(x.Shape[1:])
	if err != nil {
		return nil, err
	}
	oh, ow := shape[1], shape[2]
	out := Zeros(n, c, oh, ow)
	for plane := 0; plane < n*c; plane++ {
		in := x.Data[plane*h*w : (plane+1)*h*w]
		dst := out.Data[plane*oh*ow : (plane+1)*oh*ow]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := in[oy*l.stride*w+ox*l.stride]
				for ky := 0; ky < l.kernel; ky++ {
					for kx := 0; kx < l.kernel; kx++ {
						if v := in[(oy*l.stride+ky)*w+ox*l.stride+kx]; v > best {
							best = v
						}
					}
				}
				dst[oy*ow+ox] = best
			}
		}
	}
	return out, nil
}

type flatten struct{}

func (flatten) outputShape(in []int) ([]int, error) {
	return []int{ShapeSize(in)}, nil
}

func (flatten) forward(_ context.Context, x *Tensor, _ int) (*Tensor, error) {
	return x.Reshape(x.Shape[0], ShapeSize(x.Shape[1:]))
}

type linear struct {
	spec   LayerSpec
	weight *Parameter
	bias   *Parameter
}

func (l *linear) outputShape(in []int) ([]int, error) {
	if len(in) != 1 || in[0] != l.spec.InFeatures {
		return nil, fmt.Errorf("linear expects [%d] input, got %s", l.spec.InFeatures, FormatShape(in))
	}
	return []int{l.spec.OutFeatures}, nil
}

func (l *linear) forward(_ context.Context, x *Tensor, _ int) (*Tensor, error) {
	n := x.Shape[0]
	in, outFeatures := l.spec.InFeatures, l.spec.OutFeatures
	if len(x.Shape) != 2 || x.Shape[1] != in {
		return nil, fmt.Errorf("linear expects [N,%d] input, got %s", in, FormatShape(x.Shape))
	}
	weight := l.weight.Value.Data
	bias := l.bias.Value.Data
	out := Zeros(n, outFeatures)
	for b := 0; b < n; b++ {
		row := x.Data[b*in : (b+1)*in]
		for o := 0; o < outFeatures; o++ {
			wrow := weight[o*in : (o+1)*in]
			sum := bias[o]
			for i, v := range row {
				sum += wrow[i] * v
			}
			out.Data[b*outFeatures+o] = sum
		}
	}
	return out, nil
}
