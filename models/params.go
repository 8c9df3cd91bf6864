package models

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ParamSpec describes one learnable parameter of an architecture.
type ParamSpec struct {
	// Name is unique within the architecture.
	Name string
	// Shape of the parameter tensor.
	Shape []int
	// Bias parameters are initialized to zero, weights with Glorot normal.
	Bias bool
}

// ParamSet is an ordered collection of named float32 tensors.
type ParamSet struct {
	names  []string
	values map[string]*tensor.Dense
}

// NewParamSet creates an empty parameter set.
func NewParamSet() *ParamSet {
	return &ParamSet{values: make(map[string]*tensor.Dense)}
}

// InitParams creates freshly initialized parameters for a skeleton.
//
// Arguments:
//   - specs: The parameter specifications of the skeleton.
//
// Returns:
//   - *ParamSet: The initialized parameters, in the order of specs.
func InitParams(specs []ParamSpec) *ParamSet {
	ps := NewParamSet()
	for _, spec := range specs {
		var backing interface{}
		if spec.Bias {
			backing = G.Zeroes()(tensor.Float32, spec.Shape...)
		} else {
			backing = G.GlorotN(1.0)(tensor.Float32, spec.Shape...)
		}
		ps.Set(spec.Name, tensor.New(tensor.WithShape(spec.Shape...), tensor.WithBacking(backing)))
	}
	return ps
}

// Set stores a tensor under name, appending the name if it is new.
func (p *ParamSet) Set(name string, t *tensor.Dense) {
	if _, ok := p.values[name]; !ok {
		p.names = append(p.names, name)
	}
	p.values[name] = t
}

// Get returns the tensor stored under name.
func (p *ParamSet) Get(name string) (*tensor.Dense, bool) {
	t, ok := p.values[name]
	return t, ok
}

// Names returns parameter names in insertion order.
func (p *ParamSet) Names() []string {
	return append([]string(nil), p.names...)
}

// Len returns the number of parameters.
func (p *ParamSet) Len() int {
	return len(p.names)
}

// Clone deep-copies every tensor.
func (p *ParamSet) Clone() *ParamSet {
	out := NewParamSet()
	for _, name := range p.names {
		out.Set(name, cloneDense(p.values[name]))
	}
	return out
}

// Check verifies that the set holds exactly the parameters of specs with
// matching shapes.
func (p *ParamSet) Check(specs []ParamSpec) error {
	if len(specs) != len(p.names) {
		return fmt.Errorf("expected %d parameters, found %d", len(specs), len(p.names))
	}
	for _, spec := range specs {
		t, ok := p.values[spec.Name]
		if !ok {
			return fmt.Errorf("parameter %q is missing", spec.Name)
		}
		if !t.Shape().Eq(tensor.Shape(spec.Shape)) {
			return fmt.Errorf("parameter %q has shape %v, skeleton expects %v", spec.Name, t.Shape(), spec.Shape)
		}
		if t.Dtype() != tensor.Float32 {
			return fmt.Errorf("parameter %q has dtype %v, expected float32", spec.Name, t.Dtype())
		}
	}
	return nil
}

// Float32s returns the backing data of a parameter.
func (p *ParamSet) Float32s(name string) ([]float32, error) {
	t, ok := p.values[name]
	if !ok {
		return nil, errors.Errorf("parameter %q not found", name)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("parameter %q is not float32", name)
	}
	return data, nil
}

func cloneDense(t *tensor.Dense) *tensor.Dense {
	src := t.Data().([]float32)
	data := make([]float32, len(src))
	copy(data, src)
	return tensor.New(tensor.WithShape(t.Shape().Clone()...), tensor.WithBacking(data))
}
