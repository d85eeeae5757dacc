// Package togomlx lowers ir models to GoMLX computation graphs, so they can be executed on any
// GoMLX backend.
package togomlx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/irgraph/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
)

// CallGraph builds the model m in the GoMLX graph g, feeding inputs to the model parameters in
// order, and returns one node per model result.
//
// Dynamic dimensions of the model are resolved from the concrete shapes of the inputs.
//
// As in GoMLX graph functions, it panics (throws exceptions) in case of errors.
func CallGraph(m *ir.Model, g *Graph, inputs []*Node) (outputs []*Node) {
	params := m.Parameters()
	if len(inputs) != len(params) {
		exceptions.Panicf("togomlx.CallGraph(): model %q takes %d inputs, %d given", m.Name(), len(params), len(inputs))
	}
	err := m.ValidateInputs(xslices.Map(inputs, func(n *Node) shapes.Shape { return n.Shape() })...)
	if err != nil {
		panic(err)
	}

	convertedOutputs := make(map[ir.Output]*Node)
	for ii, p := range params {
		convertedOutputs[p.AsOutput()] = inputs[ii]
	}

	// Convert all nodes in topological order.
	sortedNodes := m.Nodes()
	for ii, node := range sortedNodes {
		if _, isParam := node.Operation().(*ir.ParameterOp); isParam {
			continue
		}
		err := exceptions.TryCatch[error](func() { convertNode(g, node, convertedOutputs) })
		if err != nil {
			panic(errors.WithMessagef(err, "while converting node %s (%d out of %d) of model %q", node, ii, len(sortedNodes), m.Name()))
		}
	}

	// Pick the outputs.
	results := m.Results()
	outputs = make([]*Node, len(results))
	for ii, r := range results {
		outputs[ii] = convertedOutputs[r.AsOutput()]
	}
	return outputs
}

// convertNode converts a single ir node to GoMLX nodes, storing its converted outputs in
// convertedOutputs.
//
// It panics (throw exceptions) in case of errors.
func convertNode(g *Graph, node *ir.Node, convertedOutputs map[ir.Output]*Node) {
	inputs := xslices.Map(node.Inputs(), func(o ir.Output) *Node { return convertedOutputs[o] })
	var results []*Node
	if relaxed, ok := node.Operation().(*ir.TypeRelaxedOp); ok {
		// Inputs are converted to the types the wrapped operation expects, and outputs to the declared ones.
		for ii, input := range inputs {
			inputs[ii] = convertTo(input, relaxed.OriginType(ii, input.DType()))
		}
		results = convertOp(g, relaxed.Op, node, inputs)
		for ii, result := range results {
			if dtype := relaxed.OverriddenOutputType(ii); dtype != ir.DynamicType {
				results[ii] = convertTo(result, dtype)
			}
		}
	} else {
		results = convertOp(g, node.Operation(), node, inputs)
	}
	if len(results) != node.NumOutputs() {
		exceptions.Panicf("conversion of %s generated %d outputs, expected %d", node, len(results), node.NumOutputs())
	}
	for ii, result := range results {
		if klog.V(2).Enabled() {
			klog.Infof("converted %s output #%d: %s (declared %s)", node, ii, result.Shape(), node.Output(ii).Desc())
		}
		convertedOutputs[node.Output(ii)] = result
	}
}

// convertOp converts the operation op of node with the given converted inputs.
func convertOp(g *Graph, op ir.Operation, node *ir.Node, inputs []*Node) []*Node {
	var res *Node
	switch op := op.(type) {
	case *ir.ConstantOp:
		res = Const(g, op.Tensor())
	case *ir.ResultOp:
		res = inputs[0]
	case *ir.SubgraphOp:
		return CallGraph(op.Body, g, inputs)

	// Shape operations take their attributes from constants.
	case *ir.TransposeOp:
		res = convertTranspose(node, inputs[0])
	case *ir.ReshapeOp:
		res = convertReshape(node, op, inputs[0])
	case *ir.BroadcastOp:
		res = convertBroadcast(node, inputs[0])
	case *ir.SqueezeOp:
		res = convertSqueeze(node, inputs[0])
	case *ir.UnsqueezeOp:
		res = convertUnsqueeze(node, inputs[0])

	// Math operations.
	case *ir.MatMulOp:
		res = convertMatMul(op, inputs[0], inputs[1])
	case *ir.AddOp:
		res = convertBinaryOp(Add, commonType(op.Promotion, inputs[0], inputs[1]), inputs[0], inputs[1])
	case *ir.MultiplyOp:
		res = convertBinaryOp(Mul, commonType(op.Promotion, inputs[0], inputs[1]), inputs[0], inputs[1])
	case *ir.LessOp:
		res = convertBinaryOp(LessThan, commonType(op.Promotion, inputs[0], inputs[1]), inputs[0], inputs[1])
	case *ir.SelectOp:
		res = convertSelect(op, inputs)
	case *ir.SoftmaxOp:
		res = convertSoftmax(op, inputs[0])
	case *ir.ReluOp:
		res = convertRelu(inputs[0])
	case *ir.ConvertOp:
		res = convertTo(inputs[0], op.Destination)
	case *ir.FakeQuantizeOp:
		res = convertFakeQuantize(op, node, inputs)
	default:
		exceptions.Panicf("unsupported operation %s (%T) in node %s", op.Type(), op, node)
	}
	return []*Node{res}
}
