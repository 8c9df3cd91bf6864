package models

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// PatchNet splits the image into non-overlapping square patches, embeds each
// patch linearly, averages the embeddings and classifies the result through a
// hidden layer.
type PatchNet struct {
	Width     int
	Height    int
	PatchSize int
	EmbedDim  int
	HiddenDim int
}

// NewPatchNet returns the PatchNet skeleton for the given input size.
func NewPatchNet(width, height int) (*PatchNet, error) {
	n := &PatchNet{Width: width, Height: height, PatchSize: 16, EmbedDim: 48, HiddenDim: 64}
	if width%n.PatchSize != 0 || height%n.PatchSize != 0 {
		return nil, fmt.Errorf("patchnet needs input divisible by %d, got %dx%d", n.PatchSize, width, height)
	}
	return n, nil
}

func (n *PatchNet) Name() ArchitectureName {
	return ArchitecturePatchNet
}

func (n *PatchNet) Input() (int, int) {
	return n.Width, n.Height
}

func (n *PatchNet) Params(classes int) []ParamSpec {
	return []ParamSpec{
		{Name: "patch_embed_w", Shape: []int{n.EmbedDim, 3, n.PatchSize, n.PatchSize}},
		{Name: "hidden_w", Shape: []int{n.EmbedDim, n.HiddenDim}},
		{Name: "hidden_b", Shape: []int{1, n.HiddenDim}, Bias: true},
		{Name: "head_w", Shape: []int{n.HiddenDim, classes}},
		{Name: "head_b", Shape: []int{1, classes}, Bias: true},
	}
}

func (n *PatchNet) Logits(x *G.Node, params map[string]*G.Node) (*G.Node, error) {
	embedW, err := param(params, "patch_embed_w")
	if err != nil {
		return nil, err
	}
	hiddenW, err := param(params, "hidden_w")
	if err != nil {
		return nil, err
	}
	hiddenB, err := param(params, "hidden_b")
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

	p := n.PatchSize
	patches, err := G.Conv2d(x, embedW, tensor.Shape{p, p}, []int{0, 0}, []int{p, p}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "patch embedding")
	}
	if patches, err = G.Rectify(patches); err != nil {
		return nil, err
	}

	pooled, err := globalAveragePool(patches)
	if err != nil {
		return nil, errors.Wrap(err, "patch pooling")
	}

	hidden, err := dense(pooled, hiddenW, hiddenB)
	if err != nil {
		return nil, err
	}
	if hidden, err = G.Rectify(hidden); err != nil {
		return nil, err
	}

	return dense(hidden, headW, headB)
}
