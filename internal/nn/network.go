package nn

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
)

var (
	ErrFrozen  = errors.New("network parameters are frozen")
	ErrUnbound = errors.New("network parameters are not bound")

	// ErrTraining is returned by Forward until Eval has been called.
	ErrTraining = errors.New("network is not in inference mode")
)

// LoadError reports a state dict that does not fit the architecture.
type LoadError struct {
	Param  string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	msg := e.Reason
	if e.Param != "" {
		msg = fmt.Sprintf("parameter %q: %s", e.Param, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "load parameters: " + msg
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Parameter is a named, shaped slot filled by Bind.
type Parameter struct {
	Name  string
	Shape []int
	Value *Tensor
}

type LayerInfo struct {
	Name        string    `json:"name"`
	Kind        LayerKind `json:"kind"`
	OutputShape []int     `json:"output_shape"`
	Parameters  int       `json:"parameters"`
}

type Option func(*Network)

// WithWorkers bounds the goroutines used inside a single forward pass.
func WithWorkers(workers int) Option {
	return func(n *Network) {
		if workers > 0 {
			n.workers = workers
		}
	}
}

// Network executes an Architecture. Build validates shapes up front; Bind
// fills parameters once; Eval freezes them. A frozen network is safe for
// concurrent Forward calls.
type Network struct {
	arch     Architecture
	layers   []layer
	info     []LayerInfo
	params   []*Parameter
	byName   map[string]*Parameter
	output   []int
	workers  int
	bound    bool
	training bool
}

func Build(arch Architecture, opts ...Option) (*Network, error) {
	if len(arch.Input) == 0 || ShapeSize(arch.Input) <= 0 {
		return nil, fmt.Errorf("architecture %q: invalid input shape %s", arch.Name, FormatShape(arch.Input))
	}
	if len(arch.Layers) == 0 {
		return nil, fmt.Errorf("architecture %q has no layers", arch.Name)
	}
	n := &Network{
		arch:     arch,
		byName:   make(map[string]*Parameter),
		workers:  runtime.GOMAXPROCS(0),
		training: true,
	}
	for _, opt := range opts {
		opt(n)
	}

	shape := cloneShape(arch.Input)
	for i, spec := range arch.Layers {
		params := spec.parameters()
		if len(params) > 0 && spec.Name == "" {
			return nil, fmt.Errorf("layer %d (%s) has parameters but no name", i, spec.Kind)
		}
		for _, p := range params {
			if _, dup := n.byName[p.Name]; dup {
				return nil, fmt.Errorf("duplicate parameter %q", p.Name)
			}
			n.byName[p.Name] = p
			n.params = append(n.params, p)
		}
		l, err := newLayer(spec, params)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", spec.label(i), err)
		}
		next, err := l.outputShape(shape)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", spec.label(i), err)
		}
		count := 0
		for _, p := range params {
			count += ShapeSize(p.Shape)
		}
		n.layers = append(n.layers, l)
		n.info = append(n.info, LayerInfo{
			Name:        spec.label(i),
			Kind:        spec.Kind,
			OutputShape: next,
			Parameters:  count,
		})
		shape = next
	}
	n.output = shape
	return n, nil
}

// Bind copies every tensor of state onto the parameter with the same name.
// The match is strict: missing names, unexpected names and shape mismatches
// all fail with a *LoadError and leave the network unbound.
func (n *Network) Bind(state map[string]*Tensor) error {
	if !n.training {
		return ErrFrozen
	}
	for _, p := range n.params {
		t, ok := state[p.Name]
		if !ok || t == nil {
			return &LoadError{Param: p.Name, Reason: "missing from state dict"}
		}
		if !ShapeEqual(t.Shape, p.Shape) {
			return &LoadError{
				Param:  p.Name,
				Reason: fmt.Sprintf("shape %s, expected %s", FormatShape(t.Shape), FormatShape(p.Shape)),
			}
		}
		if len(t.Data) != ShapeSize(p.Shape) {
			return &LoadError{Param: p.Name, Reason: fmt.Sprintf("holds %d values for shape %s", len(t.Data), FormatShape(t.Shape))}
		}
	}
	var unexpected []string
	for name := range state {
		if _, ok := n.byName[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return &LoadError{Param: unexpected[0], Reason: "unexpected key in state dict"}
	}
	for _, p := range n.params {
		p.Value = state[p.Name].Clone()
	}
	n.bound = true
	return nil
}

// Eval switches the network to inference mode and freezes its parameters.
func (n *Network) Eval() {
	n.training = false
}

func (n *Network) Training() bool {
	return n.training
}

// Forward runs x, shaped [N, Input...], through every layer. It requires
// bound parameters and inference mode. No gradient state is recorded.
func (n *Network) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	if !n.bound {
		return nil, ErrUnbound
	}
	if n.training {
		return nil, ErrTraining
	}
	if len(x.Shape) != len(n.arch.Input)+1 || !ShapeEqual(x.Shape[1:], n.arch.Input) {
		return nil, fmt.Errorf("input shape %s does not match [N,%s]", FormatShape(x.Shape), FormatShape(n.arch.Input)[1:])
	}
	if len(x.Data) != ShapeSize(x.Shape) {
		return nil, fmt.Errorf("input holds %d values for shape %s", len(x.Data), FormatShape(x.Shape))
	}
	out := x
	for i, l := range n.layers {
		next, err := l.forward(ctx, out, n.workers)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", n.info[i].Name, err)
		}
		out = next
	}
	return out, nil
}

func (n *Network) Architecture() Architecture {
	return n.arch
}

func (n *Network) Layers() []LayerInfo {
	out := make([]LayerInfo, len(n.info))
	copy(out, n.info)
	return out
}

// OutputShape is the per-sample output shape.
func (n *Network) OutputShape() []int {
	return cloneShape(n.output)
}

func (n *Network) ParameterCount() int {
	total := 0
	for _, p := range n.params {
		total += ShapeSize(p.Shape)
	}
	return total
}
