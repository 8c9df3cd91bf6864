package models

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Mode selects how a Network is compiled.
type Mode int

const (
	// ModeInference compiles the forward pass only. No gradients are
	// computed and parameters are never written.
	ModeInference Mode = iota
	// ModeTraining compiles the forward pass, a softmax cross-entropy cost,
	// its gradients and an Adam solver.
	ModeTraining
)

// logEpsilon keeps the cross-entropy finite when a probability underflows.
const logEpsilon = float32(1e-7)

// NetworkArgs are the arguments for building a Network.
type NetworkArgs struct {
	Arch    Architecture
	Classes int
	// Batch is the fixed number of images per run.
	Batch int
	// Params are copied into the graph; the caller keeps ownership.
	Params *ParamSet
	Mode   Mode
	// LearnRate is the Adam step size (training only).
	LearnRate float64
}

// Network is a compiled computation graph for one skeleton with a fixed
// batch size. A Network is not safe for concurrent use.
type Network struct {
	arch    Architecture
	classes int
	batch   int
	mode    Mode

	g      *G.ExprGraph
	input  *G.Node
	labels *G.Node
	logits *G.Node
	cost   *G.Node
	learn  G.Nodes

	logitsVal G.Value
	costVal   G.Value

	vm     G.VM
	solver G.Solver
}

// NewNetwork builds the graph for args.Arch and binds a private copy of args.Params.
//
// Arguments:
//   - args: The network arguments.
//
// Returns:
//   - *Network: The compiled network.
//   - error: An error if the parameters do not fit the skeleton or graph construction fails.
func NewNetwork(args NetworkArgs) (*Network, error) {
	if args.Arch == nil {
		return nil, errors.New("architecture not configured")
	}
	if args.Classes <= 0 {
		return nil, errors.Errorf("invalid class count %d", args.Classes)
	}
	if args.Batch <= 0 {
		return nil, errors.Errorf("invalid batch size %d", args.Batch)
	}
	specs := args.Arch.Params(args.Classes)
	if args.Params == nil {
		return nil, errors.New("parameters not provided")
	}
	if err := args.Params.Check(specs); err != nil {
		return nil, errors.Wrap(err, "parameters do not fit skeleton")
	}

	width, height := args.Arch.Input()
	n := &Network{
		arch:    args.Arch,
		classes: args.Classes,
		batch:   args.Batch,
		mode:    args.Mode,
		g:       G.NewGraph(),
	}

	n.input = G.NewTensor(n.g, tensor.Float32, 4, G.WithShape(args.Batch, 3, height, width), G.WithName("x"))

	bound := make(map[string]*G.Node, len(specs))
	local := args.Params.Clone()
	for _, spec := range specs {
		value, _ := local.Get(spec.Name)
		node := G.NewTensor(n.g, tensor.Float32, len(spec.Shape),
			G.WithShape(spec.Shape...), G.WithName(spec.Name), G.WithValue(value))
		bound[spec.Name] = node
		n.learn = append(n.learn, node)
	}

	logits, err := args.Arch.Logits(n.input, bound)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s", args.Arch.Name())
	}
	n.logits = logits
	G.Read(n.logits, &n.logitsVal)

	switch args.Mode {
	case ModeInference:
		n.vm = G.NewTapeMachine(n.g)
	case ModeTraining:
		if err := n.buildCost(); err != nil {
			return nil, err
		}
		if _, err := G.Grad(n.cost, n.learn...); err != nil {
			return nil, errors.Wrap(err, "gradients")
		}
		n.vm = G.NewTapeMachine(n.g, G.BindDualValues(n.learn...))
		n.solver = G.NewAdamSolver(G.WithLearnRate(args.LearnRate))
	default:
		return nil, errors.Errorf("unknown network mode %d", args.Mode)
	}

	return n, nil
}

// buildCost adds mean softmax cross-entropy against one-hot labels.
func (n *Network) buildCost() error {
	n.labels = G.NewMatrix(n.g, tensor.Float32, G.WithShape(n.batch, n.classes), G.WithName("y"))

	prob, err := G.SoftMax(n.logits, 1)
	if err != nil {
		return errors.Wrap(err, "softmax")
	}
	eps := G.NewConstant(logEpsilon)
	shifted, err := G.Add(prob, eps)
	if err != nil {
		return errors.Wrap(err, "epsilon")
	}
	logProb, err := G.Log(shifted)
	if err != nil {
		return errors.Wrap(err, "log")
	}
	picked, err := G.HadamardProd(logProb, n.labels)
	if err != nil {
		return errors.Wrap(err, "select labels")
	}
	perSample, err := G.Sum(picked, 1)
	if err != nil {
		return errors.Wrap(err, "sum classes")
	}
	mean, err := G.Mean(perSample)
	if err != nil {
		return errors.Wrap(err, "mean")
	}
	if n.cost, err = G.Neg(mean); err != nil {
		return errors.Wrap(err, "negate")
	}
	G.Read(n.cost, &n.costVal)
	return nil
}

// Batch returns the fixed batch size of the network.
func (n *Network) Batch() int {
	return n.batch
}

// Classes returns the size of the output layer.
func (n *Network) Classes() int {
	return n.classes
}

// Forward runs the graph on a [batch, 3, h, w] input and returns a copy of
// the logits, row-major [batch*classes].
func (n *Network) Forward(input *tensor.Dense) ([]float32, error) {
	if err := G.Let(n.input, input); err != nil {
		return nil, errors.Wrap(err, "bind input")
	}
	if n.labels != nil {
		// cost is part of the tape; feed neutral labels.
		if err := G.Let(n.labels, tensor.New(tensor.WithShape(n.batch, n.classes), tensor.Of(tensor.Float32))); err != nil {
			return nil, errors.Wrap(err, "bind labels")
		}
	}
	defer n.vm.Reset()

	if err := n.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "forward pass")
	}
	return n.readLogits()
}

// Train runs one optimization step on a batch with one-hot labels and
// returns the batch loss and the logits computed before the update.
func (n *Network) Train(input, labels *tensor.Dense) (float32, []float32, error) {
	if n.mode != ModeTraining {
		return 0, nil, errors.New("network was not compiled for training")
	}
	if err := G.Let(n.input, input); err != nil {
		return 0, nil, errors.Wrap(err, "bind input")
	}
	if err := G.Let(n.labels, labels); err != nil {
		return 0, nil, errors.Wrap(err, "bind labels")
	}
	defer n.vm.Reset()

	if err := n.vm.RunAll(); err != nil {
		return 0, nil, errors.Wrap(err, "training pass")
	}

	logits, err := n.readLogits()
	if err != nil {
		return 0, nil, err
	}
	loss, ok := n.costVal.Data().(float32)
	if !ok {
		return 0, nil, errors.Errorf("unexpected cost value %T", n.costVal.Data())
	}

	if err := n.solver.Step(G.NodesToValueGrads(n.learn)); err != nil {
		return 0, nil, errors.Wrap(err, "solver step")
	}
	return loss, logits, nil
}

// Snapshot copies the current parameter values out of the graph.
func (n *Network) Snapshot() (*ParamSet, error) {
	ps := NewParamSet()
	for _, node := range n.learn {
		dense, ok := node.Value().(*tensor.Dense)
		if !ok {
			return nil, errors.Errorf("parameter %s holds %T", node.Name(), node.Value())
		}
		ps.Set(node.Name(), cloneDense(dense))
	}
	return ps, nil
}

// Close releases the tape machine.
func (n *Network) Close() error {
	if n.vm == nil {
		return nil
	}
	err := n.vm.Close()
	n.vm = nil
	return err
}

func (n *Network) readLogits() ([]float32, error) {
	if n.logitsVal == nil {
		return nil, errors.New("logits were not produced")
	}
	data, ok := n.logitsVal.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("unexpected logits value %T", n.logitsVal.Data())
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}
