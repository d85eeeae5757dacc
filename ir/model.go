package ir

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// Model is an ordered list of Parameter nodes, an ordered list of Result nodes and the nodes
// reachable between them.
//
// Nodes can only use outputs that already exist when they are created, so a Model is acyclic
// by construction and the arena order of its nodes is a topological order.
type Model struct {
	name       string
	graph      *Graph
	parameters []*Node
	results    []*Node
	sorted     []*Node
}

// NewModel creates a model from its results and parameters, which must all belong to the same graph.
//
// Every Parameter reachable from the results must be listed in parameters, otherwise it is a
// StructuralError (a dangling reference). Listed parameters that are not used are allowed.
func NewModel(name string, results []*Node, parameters []*Node) (*Model, error) {
	if len(results) == 0 {
		return nil, structuralErrorf("Model", "model %q has no results", name)
	}
	for ii, r := range results {
		if r == nil {
			return nil, structuralErrorf("Model", "model %q: result #%d is nil", name, ii)
		}
	}
	g := results[0].graph
	for ii, r := range results {
		if _, ok := r.op.(*ResultOp); !ok {
			return nil, structuralErrorf("Model", "model %q: result #%d (%s) is not a Result", name, ii, r)
		}
		if r.graph != g {
			return nil, structuralErrorf("Model", "model %q: result #%d (%s) belongs to graph %q, not %q", name, ii, r, r.graph.name, g.name)
		}
	}
	listed := sets.Make[*Node]()
	for ii, p := range parameters {
		if p == nil {
			return nil, structuralErrorf("Model", "model %q: parameter #%d is nil", name, ii)
		}
		if _, ok := p.op.(*ParameterOp); !ok {
			return nil, structuralErrorf("Model", "model %q: parameter #%d (%s) is not a Parameter", name, ii, p)
		}
		if p.graph != g {
			return nil, structuralErrorf("Model", "model %q: parameter #%d (%s) belongs to graph %q, not %q", name, ii, p, p.graph.name, g.name)
		}
		if listed.Has(p) {
			return nil, structuralErrorf("Model", "model %q: parameter %s listed more than once", name, p)
		}
		listed.Insert(p)
	}

	m := &Model{
		name:       name,
		graph:      g,
		parameters: slices.Clone(parameters),
		results:    slices.Clone(results),
	}
	m.sorted = sortedNodes(results)
	for _, node := range m.sorted {
		if _, ok := node.op.(*ParameterOp); ok && !listed.Has(node) {
			return nil, structuralErrorf("Model", "model %q: %s is reachable from the results but is not one of the model parameters",
				name, node)
		}
	}
	return m, nil
}

// sortedNodes returns the nodes reachable from roots, in topological (arena) order.
func sortedNodes(roots []*Node) []*Node {
	visited := sets.Make[*Node]()
	stack := slices.Clone(roots)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited.Has(node) {
			continue
		}
		visited.Insert(node)
		for _, input := range node.inputs {
			if !visited.Has(input.node) {
				stack = append(stack, input.node)
			}
		}
	}
	sorted := make([]*Node, 0, len(visited))
	for node := range visited {
		sorted = append(sorted, node)
	}
	slices.SortFunc(sorted, func(a, b *Node) int { return int(a.id - b.id) })
	return sorted
}

// Name of the model, informational only.
func (m *Model) Name() string { return m.name }

// Graph owning the model's nodes.
func (m *Model) Graph() *Graph { return m.graph }

// Parameters returns the model inputs, in order.
func (m *Model) Parameters() []*Node { return slices.Clone(m.parameters) }

// Results returns the model outputs, in order.
func (m *Model) Results() []*Node { return slices.Clone(m.results) }

// Nodes returns all nodes of the model in topological order.
func (m *Model) Nodes() []*Node { return slices.Clone(m.sorted) }

// ConsumerMap maps each output used inside the model to the model nodes consuming it.
// Nodes of the graph that are not part of the model are ignored.
func (m *Model) ConsumerMap() map[Output][]*Node {
	return buildConsumerMap(m.sorted)
}

// ParameterIndex returns the position of p in the model parameters, or -1.
func (m *Model) ParameterIndex(p *Node) int {
	return slices.Index(m.parameters, p)
}

// ParameterDescs returns the declared element type and shape of each parameter.
func (m *Model) ParameterDescs() []TensorDesc {
	descs := make([]TensorDesc, len(m.parameters))
	for ii, p := range m.parameters {
		descs[ii] = p.Output(0).Desc()
	}
	return descs
}

// OutputDescs returns the element type and shape of each result.
func (m *Model) OutputDescs() []TensorDesc {
	descs := make([]TensorDesc, len(m.results))
	for ii, r := range m.results {
		descs[ii] = r.Output(0).Desc()
	}
	return descs
}

// ValidateInputs checks that concrete input shapes are valid for the model parameters: same
// element type (unless dynamic) and a shape that refines the declared one.
func (m *Model) ValidateInputs(inputsShapes ...shapes.Shape) error {
	if len(inputsShapes) != len(m.parameters) {
		return errors.Errorf("model %q takes %d inputs, %d given", m.name, len(m.parameters), len(inputsShapes))
	}
	for ii, shape := range inputsShapes {
		desc := m.parameters[ii].Output(0).Desc()
		if desc.ElementType != DynamicType && desc.ElementType != shape.DType {
			return errors.Errorf("model %q input #%d (%s): expected element type %s, got %s",
				m.name, ii, m.parameters[ii].FriendlyName(), ElementTypeName(desc.ElementType), ElementTypeName(shape.DType))
		}
		if !FromShape(shape).Refines(desc.Shape) {
			return errors.Errorf("model %q input #%d (%s): shape %v is not valid for declared shape %s",
				m.name, ii, m.parameters[ii].FriendlyName(), shape.Dimensions, desc.Shape)
		}
	}
	return nil
}

// RefineParameters re-declares the parameter shapes and re-runs inference over the graph.
//
// Each new shape must be compatible with the declared one, which becomes the merge of both.
// On failure every descriptor of the graph is left as it was.
func (m *Model) RefineParameters(newShapes ...PartialShape) error {
	if len(newShapes) != len(m.parameters) {
		return structuralErrorf("Model", "model %q has %d parameters, %d shapes given", m.name, len(m.parameters), len(newShapes))
	}
	merged := make([]PartialShape, len(newShapes))
	for ii, shape := range newShapes {
		op := m.parameters[ii].op.(*ParameterOp)
		var ok bool
		merged[ii], ok = op.desc.Shape.Merge(shape)
		if !ok {
			return shapeErrorf("Parameter", "model %q: shape %s is not compatible with declared shape %s of %s",
				m.name, shape, op.desc.Shape, m.parameters[ii])
		}
	}

	// Snapshot for rollback.
	g := m.graph
	saved := make([][]TensorDesc, len(g.nodes))
	for ii, node := range g.nodes {
		saved[ii] = make([]TensorDesc, len(node.outputs))
		for jj := range node.outputs {
			saved[ii][jj] = node.outputs[jj].desc
		}
	}
	savedParams := make([]TensorDesc, len(m.parameters))
	for ii, p := range m.parameters {
		op := p.op.(*ParameterOp)
		savedParams[ii] = op.desc
		op.desc.Shape = merged[ii]
	}

	// Arena order is topological.
	for _, node := range g.nodes {
		if err := node.reinfer(); err != nil {
			for ii, p := range m.parameters {
				p.op.(*ParameterOp).desc = savedParams[ii]
			}
			for ii, node := range g.nodes {
				for jj := range node.outputs {
					node.outputs[jj].desc = saved[ii][jj]
				}
			}
			return errors.WithMessagef(err, "model %q: refining parameters to %v", m.name, newShapes)
		}
	}
	return nil
}
