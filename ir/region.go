package ir

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// RegionOptions configure how a region of a graph is turned into a Subgraph body.
type RegionOptions struct {
	// Name of the body model. Defaults to "subgraph".
	Name string

	// HoistConstants moves Constants of the region that feed elementwise operations (Add, Multiply,
	// Less, Select) out of the body: they become extra body parameters, fed by the original
	// Constant in the outer graph. Other constants (shapes, axes, orders) stay in the body.
	HoistConstants bool
}

// regionPlan is a validated region: its external inputs (including hoisted constants), the outputs
// it replaces and the body model.
type regionPlan struct {
	nodes     []*Node
	externals []Output
	outputs   []Output
	body      *Model
}

// ExtractRegion validates a region of a graph and builds a Subgraph node equivalent to it, in the
// same graph. It returns the node and, for each of its outputs, the region output it replaces.
//
// The region must be closed: every input of a region node is either one of externalInputs or
// produced by another region node. It must also be connected and contain no Parameter or Result.
// Otherwise, it fails with a StructuralError.
//
// The region nodes are left untouched: callers build new Results (or a new Model) on the
// returned outputs.
func ExtractRegion(region []*Node, externalInputs []Value, opts RegionOptions) (*Node, []Output, error) {
	var consumers map[Output][]*Node
	if len(region) > 0 && region[0] != nil {
		consumers = buildConsumerMap(region[0].graph.nodes)
	}
	plan, err := planRegion(region, externalInputs, consumers, opts)
	if err != nil {
		return nil, nil, err
	}
	node, err := BuildSubgraph(outputsAsValues(plan.externals), plan.body)
	if err != nil {
		return nil, nil, err
	}
	return node, plan.outputs, nil
}

func outputsAsValues(outputs []Output) []Value {
	values := make([]Value, len(outputs))
	for ii, o := range outputs {
		values[ii] = o
	}
	return values
}

// planRegion checks the region is closed, connected and convex, decides its outputs and builds its body.
//
// consumers is used to find which region outputs are used outside the region.
func planRegion(region []*Node, externalInputs []Value, consumers map[Output][]*Node, opts RegionOptions) (*regionPlan, error) {
	const opName = "Subgraph"
	if len(region) == 0 {
		return nil, structuralErrorf(opName, "empty region")
	}
	g := region[0].graph
	inRegion := sets.Make[*Node](len(region))
	for _, node := range region {
		if node == nil {
			return nil, structuralErrorf(opName, "nil node in region")
		}
		if node.graph != g {
			return nil, structuralErrorf(opName, "region mixes nodes from graphs %q and %q", g.name, node.graph.name)
		}
		switch node.op.(type) {
		case *ParameterOp, *ResultOp:
			return nil, structuralErrorf(opName, "boundary node %s can't be part of a region", node)
		}
		inRegion.Insert(node)
	}

	externals := make([]Output, 0, len(externalInputs))
	isExternal := make(map[Output]bool, len(externalInputs))
	for ii, v := range externalInputs {
		if v == nil || v.AsOutput().node == nil {
			return nil, structuralErrorf(opName, "external input #%d is nil", ii)
		}
		o := v.AsOutput()
		if o.node.graph != g {
			return nil, structuralErrorf(opName, "external input #%d (%s) belongs to graph %q, not %q", ii, o, o.node.graph.name, g.name)
		}
		if inRegion.Has(o.node) {
			return nil, structuralErrorf(opName, "external input #%d (%s) is produced inside the region", ii, o)
		}
		if isExternal[o] {
			return nil, structuralErrorf(opName, "external input %s listed more than once", o)
		}
		isExternal[o] = true
		externals = append(externals, o)
	}

	// Closure: inputs are either external or produced inside the region.
	nodes := slices.Collect(maps.Keys(inRegion))
	slices.SortFunc(nodes, func(a, b *Node) int { return int(a.id - b.id) })
	for _, node := range nodes {
		for ii, input := range node.inputs {
			if !inRegion.Has(input.node) && !isExternal[input] {
				return nil, structuralErrorf(opName, "input #%d of %s (%s) is neither an external input nor produced inside the region",
					ii, node, input)
			}
		}
	}
	if err := checkConnected(nodes, inRegion); err != nil {
		return nil, err
	}
	if err := checkConvex(g, nodes, inRegion, externals); err != nil {
		return nil, err
	}

	if opts.HoistConstants {
		var hoisted []*Node
		for _, node := range nodes {
			if _, ok := node.op.(*ConstantOp); !ok {
				continue
			}
			if feedsElementwise(node, inRegion) {
				hoisted = append(hoisted, node)
			}
		}
		for _, c := range hoisted {
			delete(inRegion, c)
			externals = append(externals, c.Output(0))
			isExternal[c.Output(0)] = true
		}
		if len(hoisted) > 0 {
			nodes = slices.DeleteFunc(nodes, func(n *Node) bool { return slices.Contains(hoisted, n) })
		}
		if len(nodes) == 0 {
			return nil, structuralErrorf(opName, "region has only constants")
		}
	}

	// Outputs: region outputs consumed outside the region, in (node, index) order.
	var outputs []Output
	for _, node := range nodes {
		for ii := range node.outputs {
			o := node.Output(ii)
			for _, consumer := range consumers[o] {
				if !inRegion.Has(consumer) {
					outputs = append(outputs, o)
					break
				}
			}
		}
	}
	if len(outputs) == 0 {
		return nil, structuralErrorf(opName, "region has no output consumed outside of it")
	}

	body, err := buildBody(g, nodes, externals, outputs, opts)
	if err != nil {
		return nil, err
	}
	return &regionPlan{nodes: nodes, externals: externals, outputs: outputs, body: body}, nil
}

// checkConnected verifies the region is weakly connected through edges between region nodes.
func checkConnected(nodes []*Node, inRegion sets.Set[*Node]) error {
	parent := make(map[*Node]*Node, len(nodes))
	var find func(n *Node) *Node
	find = func(n *Node) *Node {
		if parent[n] == n {
			return n
		}
		root := find(parent[n])
		parent[n] = root
		return root
	}
	for _, node := range nodes {
		parent[node] = node
	}
	for _, node := range nodes {
		for _, input := range node.inputs {
			if inRegion.Has(input.node) {
				parent[find(node)] = find(input.node)
			}
		}
	}
	root := find(nodes[0])
	for _, node := range nodes[1:] {
		if find(node) != root {
			return structuralErrorf("Subgraph", "region is not connected: %s and %s are in disjoint parts", nodes[0], node)
		}
	}
	return nil
}

// checkConvex verifies that no external input depends on a region node: otherwise replacing the
// region by a single node would create a cycle.
func checkConvex(g *Graph, nodes []*Node, inRegion sets.Set[*Node], externals []Output) error {
	first, last := nodes[0].id, nodes[len(nodes)-1].id
	tainted := sets.Make[*Node]()
	for _, node := range g.nodes[first : last+1] {
		if inRegion.Has(node) {
			continue
		}
		for _, input := range node.inputs {
			if inRegion.Has(input.node) || tainted.Has(input.node) {
				tainted.Insert(node)
				break
			}
		}
	}
	for _, o := range externals {
		if tainted.Has(o.node) {
			return structuralErrorf("Subgraph", "external input %s depends on the region itself", o)
		}
	}
	return nil
}

// feedsElementwise returns whether every consumer of c inside the region is an elementwise op.
func feedsElementwise(c *Node, inRegion sets.Set[*Node]) bool {
	found := false
	for _, consumer := range c.Consumers() {
		if !inRegion.Has(consumer) {
			continue
		}
		op := consumer.op
		if relaxed, ok := op.(*TypeRelaxedOp); ok {
			op = relaxed.Op
		}
		switch op.(type) {
		case *AddOp, *MultiplyOp, *LessOp, *SelectOp:
			found = true
		default:
			return false
		}
	}
	return found
}

// buildBody clones the region into a new graph, with a Parameter per external input and a Result
// per output.
func buildBody(outer *Graph, nodes []*Node, externals, outputs []Output, opts RegionOptions) (*Model, error) {
	name := opts.Name
	if name == "" {
		name = "subgraph"
	}
	bg := NewGraph(fmt.Sprintf("%s/%s", outer.name, name)).WithElementTypePromotion(outer.promotion)
	mapped := make(map[Output]Output, len(externals)+len(nodes))
	params := make([]*Node, len(externals))
	for ii, o := range externals {
		desc := o.Desc()
		params[ii] = Parameter(bg, desc.ElementType, desc.Shape)
		params[ii].SetFriendlyName(o.node.FriendlyName())
		mapped[o] = params[ii].Output(0)
	}
	for _, node := range nodes {
		inputs := make([]Value, len(node.inputs))
		for ii, input := range node.inputs {
			inputs[ii] = mapped[input]
		}
		clone, err := cloneNode(bg, node, inputs)
		if err != nil {
			return nil, err
		}
		for ii := range node.outputs {
			mapped[node.Output(ii)] = clone.Output(ii)
		}
	}
	results := make([]*Node, len(outputs))
	for ii, o := range outputs {
		r, err := Result(mapped[o])
		if err != nil {
			return nil, err
		}
		results[ii] = r
	}
	return NewModel(name, results, params)
}

// cloneNode adds to g a node with the same operation as node, on the given inputs.
// The friendly name and output metadata are copied.
func cloneNode(g *Graph, node *Node, inputs []Value) (*Node, error) {
	op := node.op
	if p, ok := op.(*ParameterOp); ok {
		// Parameters can be re-declared, so they don't share their operation.
		op = &ParameterOp{desc: p.desc}
	}
	clone, err := g.AddNode(op, inputs...)
	if err != nil {
		return nil, err
	}
	clone.friendlyName = node.friendlyName
	for ii := range node.outputs {
		if node.outputs[ii].rtInfo != nil {
			clone.outputs[ii].rtInfo = maps.Clone(node.outputs[ii].rtInfo)
		}
	}
	return clone, nil
}
