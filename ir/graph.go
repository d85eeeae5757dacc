package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Graph is the arena that owns nodes. Nodes are identified by their NodeID, their index in the arena.
//
// A Graph is not safe for concurrent mutation; independent graphs can be built concurrently.
type Graph struct {
	name      string
	nodes     []*Node
	promotion ElementTypePromotion
}

// NodeID is the stable index of a node in its Graph.
type NodeID int

// NewGraph creates an empty graph. The name is informational only.
func NewGraph(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes in the arena.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) *Node { return g.nodes[id] }

// Nodes returns all nodes of the arena, in creation order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, len(g.nodes))
	copy(nodes, g.nodes)
	return nodes
}

// AllowElementTypePromotion enables promotion of mismatched element types in elementwise
// operations created afterwards. It returns the graph, so calls can be chained.
func (g *Graph) AllowElementTypePromotion() *Graph {
	g.promotion.AllowPromotion = true
	return g
}

// WithElementTypePromotion sets the promotion configuration used by elementwise operations
// created afterwards.
func (g *Graph) WithElementTypePromotion(config ElementTypePromotion) *Graph {
	g.promotion = config
	return g
}

// TensorDesc is the element type and shape of an output.
type TensorDesc struct {
	ElementType ElementType
	Shape       PartialShape
}

// String implements fmt.Stringer, e.g. "f32[?,3]".
func (d TensorDesc) String() string {
	return ElementTypeName(d.ElementType) + d.Shape.String()
}

// InputDesc is what an operation sees of one of its inputs during inference.
type InputDesc struct {
	TensorDesc

	// Values holds the literal values of the input if it is produced by an integer Constant
	// of rank <= 1, and nil otherwise.
	Values []int
}

// Operation is the inference rule of one kind of node.
//
// Infer must be a pure function of the inputs and the operation's own parameters.
type Operation interface {
	// Type returns the operation name, e.g. "MatMul".
	Type() string

	// Infer validates the inputs and returns the descriptors of the outputs.
	Infer(inputs []InputDesc) ([]TensorDesc, error)
}

// Value is anything that can be used as an input to a node: an Output, or a *Node standing for its
// first output.
type Value interface {
	AsOutput() Output
}

// Output is one output of a node, identified by its owning node and index.
type Output struct {
	node  *Node
	index int
}

// RTInfo is the generic runtime metadata attached to an output.
// Writes are not validated: typed accessors (see Node.Layout) validate on read.
type RTInfo map[string]any

type outputSlot struct {
	desc   TensorDesc
	rtInfo RTInfo
}

// Node is an operation instance in a Graph. Its inputs are fixed at construction.
type Node struct {
	graph        *Graph
	id           NodeID
	op           Operation
	inputs       []Output
	outputs      []outputSlot
	friendlyName string
}

// AddNode validates the inputs with the operation's rule and adds the node to the graph.
//
// Nothing is added if it fails.
func (g *Graph) AddNode(op Operation, inputs ...Value) (*Node, error) {
	if op == nil {
		return nil, constructionErrorf("", "nil operation")
	}
	outputs := make([]Output, len(inputs))
	for ii, v := range inputs {
		if v == nil {
			return nil, constructionErrorf(op.Type(), "input #%d is nil", ii)
		}
		o := v.AsOutput()
		if o.node == nil {
			return nil, constructionErrorf(op.Type(), "input #%d is an invalid output", ii)
		}
		if o.node.graph != g {
			return nil, structuralErrorf(op.Type(), "input #%d (%s) belongs to graph %q, not to %q",
				ii, o, o.node.graph.name, g.name)
		}
		if o.index < 0 || o.index >= len(o.node.outputs) {
			return nil, constructionErrorf(op.Type(), "input #%d refers to output %d of %s, which has %d outputs",
				ii, o.index, o.node, len(o.node.outputs))
		}
		outputs[ii] = o
	}
	descs, err := op.Infer(inputDescs(outputs))
	if err != nil {
		return nil, err
	}
	node := &Node{
		graph:   g,
		id:      NodeID(len(g.nodes)),
		op:      op,
		inputs:  outputs,
		outputs: make([]outputSlot, len(descs)),
	}
	for ii, desc := range descs {
		node.outputs[ii].desc = desc
	}
	g.nodes = append(g.nodes, node)
	return node, nil
}

// inputDescs collects what the operation sees of each input.
func inputDescs(inputs []Output) []InputDesc {
	descs := make([]InputDesc, len(inputs))
	for ii, o := range inputs {
		descs[ii].TensorDesc = o.Desc()
		if c, ok := o.node.op.(*ConstantOp); ok {
			descs[ii].Values = c.intValues()
		}
	}
	return descs
}

// reinfer re-runs the inference of the node with the current input descriptors.
func (n *Node) reinfer() error {
	descs, err := n.op.Infer(inputDescs(n.inputs))
	if err != nil {
		return err
	}
	if len(descs) != len(n.outputs) {
		return structuralErrorf(n.op.Type(), "number of outputs of %s changed from %d to %d", n, len(n.outputs), len(descs))
	}
	for ii, desc := range descs {
		n.outputs[ii].desc = desc
	}
	return nil
}

// ID of the node in its graph.
func (n *Node) ID() NodeID { return n.id }

// Graph that owns the node.
func (n *Node) Graph() *Graph { return n.graph }

// Operation returns the node's operation.
func (n *Node) Operation() Operation { return n.op }

// Type is a shortcut to n.Operation().Type().
func (n *Node) Type() string { return n.op.Type() }

// NumInputs returns the number of inputs.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns the i-th input of the node.
func (n *Node) Input(i int) Output { return n.inputs[i] }

// Inputs returns a copy of the inputs of the node.
func (n *Node) Inputs() []Output {
	inputs := make([]Output, len(n.inputs))
	copy(inputs, n.inputs)
	return inputs
}

// NumOutputs returns the number of outputs.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// Output returns the i-th output of the node.
func (n *Node) Output(i int) Output { return Output{node: n, index: i} }

// Outputs returns all outputs of the node.
func (n *Node) Outputs() []Output {
	outputs := make([]Output, len(n.outputs))
	for ii := range outputs {
		outputs[ii] = n.Output(ii)
	}
	return outputs
}

// AsOutput implements Value: a node stands for its first output.
func (n *Node) AsOutput() Output { return n.Output(0) }

// FriendlyName returns the name set with SetFriendlyName, or "<Type>_<id>".
func (n *Node) FriendlyName() string {
	if n.friendlyName != "" {
		return n.friendlyName
	}
	return fmt.Sprintf("%s_%d", n.op.Type(), n.id)
}

// SetFriendlyName sets an informational name for the node.
func (n *Node) SetFriendlyName(name string) *Node {
	n.friendlyName = name
	return n
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("#%d:%s(%s)", n.id, n.op.Type(), n.FriendlyName())
}

// Consumers returns the nodes that use any output of n as input.
func (n *Node) Consumers() []*Node {
	var consumers []*Node
	for _, other := range n.graph.nodes {
		for _, input := range other.inputs {
			if input.node == n {
				consumers = append(consumers, other)
				break
			}
		}
	}
	return consumers
}

// AsOutput implements Value.
func (o Output) AsOutput() Output { return o }

// Node returns the node that produces the output.
func (o Output) Node() *Node { return o.node }

// Index of the output in its node.
func (o Output) Index() int { return o.index }

// Desc returns the element type and shape of the output.
func (o Output) Desc() TensorDesc { return o.node.outputs[o.index].desc }

// ElementType of the output.
func (o Output) ElementType() ElementType { return o.Desc().ElementType }

// PartialShape of the output.
func (o Output) PartialShape() PartialShape { return o.Desc().Shape }

// Shape returns the GoMLX static shape of the output, or an error if it is not static.
func (o Output) Shape() (shapes.Shape, error) {
	shape, err := o.PartialShape().ToShape(o.ElementType())
	if err != nil {
		return shapes.Shape{}, errors.WithMessagef(err, "output %s", o)
	}
	return shape, nil
}

// RTInfo returns the generic metadata map of the output. It is created on first use, and
// writes to it are not validated.
func (o Output) RTInfo() RTInfo {
	slot := &o.node.outputs[o.index]
	if slot.rtInfo == nil {
		slot.rtInfo = make(RTInfo)
	}
	return slot.rtInfo
}

// Consumers returns the nodes that use this output as an input. Consumers are derived from the
// graph arena and are never ownership.
func (o Output) Consumers() []*Node {
	var consumers []*Node
	for _, other := range o.node.graph.nodes {
		for _, input := range other.inputs {
			if input == o {
				consumers = append(consumers, other)
				break
			}
		}
	}
	return consumers
}

// String implements fmt.Stringer.
func (o Output) String() string {
	if o.node == nil {
		return "<nil output>"
	}
	var sb strings.Builder
	sb.WriteString(o.node.String())
	if len(o.node.outputs) > 1 {
		fmt.Fprintf(&sb, ".%d", o.index)
	}
	return sb.String()
}

// buildConsumerMap builds a map from each output to all nodes in nodes that consume it.
func buildConsumerMap(nodes []*Node) map[Output][]*Node {
	consumers := make(map[Output][]*Node)
	for _, node := range nodes {
		for _, input := range node.inputs {
			list := consumers[input]
			if len(list) > 0 && list[len(list)-1] == node {
				continue
			}
			consumers[input] = append(list, node)
		}
	}
	return consumers
}
