package models

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// WindowNet is a small hierarchical convolutional classifier: a 4x4 window
// stem, two pooled stages and a global average pool in front of the head.
type WindowNet struct {
	Width    int
	Height   int
	Stem     int
	Channels [2]int
}

// NewWindowNet returns the WindowNet skeleton for the given input size.
func NewWindowNet(width, height int) (*WindowNet, error) {
	n := &WindowNet{Width: width, Height: height, Stem: 4, Channels: [2]int{16, 32}}
	// stem stride times two 2x2 pools
	factor := n.Stem * 4
	if width%factor != 0 || height%factor != 0 {
		return nil, fmt.Errorf("windownet needs input divisible by %d, got %dx%d", factor, width, height)
	}
	return n, nil
}

func (n *WindowNet) Name() ArchitectureName {
	return ArchitectureWindowNet
}

func (n *WindowNet) Input() (int, int) {
	return n.Width, n.Height
}

func (n *WindowNet) Params(classes int) []ParamSpec {
	c1, c2 := n.Channels[0], n.Channels[1]
	return []ParamSpec{
		{Name: "stem_w", Shape: []int{c1, 3, n.Stem, n.Stem}},
		{Name: "stage_w", Shape: []int{c2, c1, 3, 3}},
		{Name: "head_w", Shape: []int{c2, classes}},
		{Name: "head_b", Shape: []int{1, classes}, Bias: true},
	}
}

func (n *WindowNet) Logits(x *G.Node, params map[string]*G.Node) (*G.Node, error) {
	stemW, err := param(params, "stem_w")
	if err != nil {
		return nil, err
	}
	stageW, err := param(params, "stage_w")
	if err != nil {
		return nil, err
	}
	headW, err := param(params, "head_w")
	if err != nil {
		return nil, err
	}
	headB, err := param(params, "head_b")
	if err != nil {
		return nil, err
	}

	s := n.Stem
	out, err := G.Conv2d(x, stemW, tensor.Shape{s, s}, []int{0, 0}, []int{s, s}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "stem")
	}
	if out, err = G.Rectify(out); err != nil {
		return nil, err
	}
	if out, err = G.MaxPool2D(out, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2}); err != nil {
		return nil, errors.Wrap(err, "stem pool")
	}

	if out, err = G.Conv2d(out, stageW, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1}); err != nil {
		return nil, errors.Wrap(err, "stage")
	}
	if out, err = G.Rectify(out); err != nil {
		return nil, err
	}
	if out, err = G.MaxPool2D(out, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2}); err != nil {
		return nil, errors.Wrap(err, "stage pool")
	}

	pooled, err := globalAveragePool(out)
	if err != nil {
		return nil, errors.Wrap(err, "global pool")
	}

	return dense(pooled, headW, headB)
}
