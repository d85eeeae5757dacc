package ir

// SubgraphOp wraps a body Model: its inputs are fed to the body parameters, in order, and its
// outputs are the body results.
type SubgraphOp struct {
	Body *Model
}

func (op *SubgraphOp) Type() string { return "Subgraph" }

func (op *SubgraphOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if op.Body == nil {
		return nil, constructionErrorf(op.Type(), "nil body")
	}
	params := op.Body.ParameterDescs()
	if len(inputs) != len(params) {
		return nil, structuralErrorf(op.Type(), "body %q has %d parameters, but %d external inputs were given",
			op.Body.name, len(params), len(inputs))
	}
	for ii, input := range inputs {
		param := params[ii]
		if _, ok := MergeElementTypes(input.ElementType, param.ElementType); !ok {
			return nil, typeErrorf(op.Type(), "external input #%d is %s, but body parameter #%d (%s) is %s",
				ii, input.TensorDesc, ii, op.Body.parameters[ii].FriendlyName(), param)
		}
		if !input.Shape.Refines(param.Shape) && !param.Shape.Refines(input.Shape) {
			return nil, shapeErrorf(op.Type(), "external input #%d is %s, but body parameter #%d (%s) is %s",
				ii, input.TensorDesc, ii, op.Body.parameters[ii].FriendlyName(), param)
		}
	}
	return op.Body.OutputDescs(), nil
}

// BuildSubgraph creates a Subgraph node in the graph of the external inputs that runs body.
//
// The body parameters must match the inputs in number and order, with equal element types and
// shapes where one refines the other. The outputs of the node are exactly the body results.
// The body must be built in its own graph.
func BuildSubgraph(inputs []Value, body *Model) (*Node, error) {
	op := &SubgraphOp{Body: body}
	if body == nil {
		return nil, constructionErrorf(op.Type(), "nil body")
	}
	if len(inputs) == 0 {
		return nil, constructionErrorf(op.Type(), "no external inputs given for body %q", body.name)
	}
	if first := inputs[0]; first != nil && first.AsOutput().node != nil && first.AsOutput().node.graph == body.graph {
		return nil, structuralErrorf(op.Type(), "body %q must be built in its own graph, not in the outer graph %q",
			body.name, body.graph.name)
	}
	return addNode(op, inputs...)
}

// SubgraphBody returns the body of a Subgraph node, or nil if n is not a Subgraph.
func SubgraphBody(n *Node) *Model {
	if op, ok := n.op.(*SubgraphOp); ok {
		return op.Body
	}
	return nil
}
