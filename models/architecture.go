package models

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Architecture is a classifier skeleton: the parameter layout for a given
// number of classes and the graph that maps an image batch to logits.
type Architecture interface {
	// Name identifies the skeleton in checkpoints.
	Name() ArchitectureName
	// Input returns the expected image width and height.
	Input() (width, height int)
	// Params lists the learnable parameters for a head of size classes.
	Params(classes int) []ParamSpec
	// Logits adds the forward pass to x's graph. x has shape
	// [batch, 3, height, width]; the result has shape [batch, classes].
	Logits(x *G.Node, params map[string]*G.Node) (*G.Node, error)
}

// dense applies x·w + b where b has shape [1, out].
func dense(x, w, b *G.Node) (*G.Node, error) {
	xw, err := G.Mul(x, w)
	if err != nil {
		return nil, errors.Wrapf(err, "mul %s", w.Name())
	}
	out, err := G.BroadcastAdd(xw, b, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrapf(err, "bias %s", b.Name())
	}
	return out, nil
}

// globalAveragePool reduces [batch, channels, h, w] to [batch, channels].
func globalAveragePool(x *G.Node) (*G.Node, error) {
	s := x.Shape()
	if len(s) != 4 {
		return nil, errors.Errorf("expected a 4D feature map, got %v", s)
	}
	flat, err := G.Reshape(x, tensor.Shape{s[0], s[1], s[2] * s[3]})
	if err != nil {
		return nil, errors.Wrap(err, "reshape feature map")
	}
	return G.Mean(flat, 2)
}

func param(params map[string]*G.Node, name string) (*G.Node, error) {
	n, ok := params[name]
	if !ok {
		return nil, errors.Errorf("parameter %q not bound", name)
	}
	return n, nil
}
