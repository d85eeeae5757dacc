package ir

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
)

// Fusion names of the built-in detectors.
const (
	MHAFusionName         = "MHA"
	ElementwiseFusionName = "ElementwiseChain"
)

func init() {
	RegisterFusionDetector(DetectMHA)
	RegisterFusionDetector(DetectElementwiseChains)
}

// mhaMatcher accumulates the nodes of one multi-head attention match.
type mhaMatcher struct {
	consumers map[Output][]*Node
	nodes     []*Node
	inRegion  sets.Set[*Node]
}

func (mm *mhaMatcher) absorb(node *Node) {
	mm.nodes = append(mm.nodes, node)
	mm.inRegion.Insert(node)
}

// absorbable returns whether node can join the region because its only consumer is user.
func (mm *mhaMatcher) absorbable(node, user *Node) bool {
	if mm.inRegion.Has(node) || node.NumOutputs() != 1 {
		return false
	}
	return soleConsumer(mm.consumers, node.Output(0)) == user
}

// DetectMHA matches multi-head attention around each Softmax:
//
//	[Transpose|Multiply|Convert|FakeQuantize] → MatMul → [FakeQuantize|Multiply(const)] → (Add | Select) →
//	  [Reshape] → Softmax → [Reshape] → [FakeQuantize] → MatMul(·, [Transpose](V)) →
//	  [Transpose|FakeQuantize|Convert]
//
// The Select variant absorbs its condition: a Less, optionally followed by Convert and Broadcast.
func DetectMHA(m *Model, consumers map[Output][]*Node) []FusionCandidate {
	var candidates []FusionCandidate
	for _, node := range m.Nodes() {
		if node.Type() != "Softmax" {
			continue
		}
		mm := &mhaMatcher{consumers: consumers, inRegion: sets.Make[*Node]()}
		if output, ok := mm.match(node); ok {
			candidates = append(candidates, newRegionCandidate(MHAFusionName, 100, mm.nodes, []Output{output}, consumers))
		}
	}
	return candidates
}

// match tries to match the pattern around softmax. It returns the output of the matched region.
func (mm *mhaMatcher) match(softmax *Node) (Output, bool) {
	mm.absorb(softmax)

	// Upwards: scores computation.
	user := softmax
	current := softmax.Input(0).node
	if current.Type() == "Reshape" && mm.absorbable(current, user) {
		mm.absorb(current)
		user, current = current, current.Input(0).node
	}
	matmul0, ok := mm.matchScores(current, user)
	if !ok {
		return Output{}, false
	}
	mm.absorbOperands(matmul0)

	// Downwards: weighting of the values.
	last := softmax
	next := soleConsumer(mm.consumers, last.Output(0))
	for next != nil && (next.Type() == "Reshape" || next.Type() == "FakeQuantize") && next.Input(0) == last.Output(0) {
		mm.absorb(next)
		last = next
		next = soleConsumer(mm.consumers, last.Output(0))
	}
	if next == nil || next.Type() != "MatMul" || next.Input(0) != last.Output(0) {
		return Output{}, false
	}
	matmul1 := next
	mm.absorb(matmul1)
	mm.absorbOperandChain(matmul1.Input(1).node, matmul1)
	last = matmul1
	for {
		next = soleConsumer(mm.consumers, last.Output(0))
		if next == nil || !mhaTailOps.Has(next.Type()) || next.Input(0) != last.Output(0) {
			break
		}
		mm.absorb(next)
		last = next
	}
	return last.Output(0), true
}

// mhaTailOps may follow the second MatMul, in any order.
var mhaTailOps = sets.MakeWith("Transpose", "FakeQuantize", "Convert")

// matchScores matches the Add or Select (through an optional FakeQuantize) before the softmax and
// returns the first MatMul.
func (mm *mhaMatcher) matchScores(current, user *Node) (*Node, bool) {
	if !mm.absorbable(current, user) {
		return nil, false
	}
	switch current.Type() {
	case "Add":
		mm.absorb(current)
		return mm.matchMatMul0(current, current.Input(0).node, current.Input(1).node)

	case "Select":
		mm.absorb(current)
		mm.absorbCondition(current)
		onFalse := current.Input(2).node
		if onFalse.Type() == "Add" && mm.absorbable(onFalse, current) {
			mm.absorb(onFalse)
			return mm.matchMatMul0(onFalse, onFalse.Input(0).node, onFalse.Input(1).node)
		}
		return mm.matchMatMul0(current, onFalse, current.Input(1).node)
	}
	return nil, false
}

// matchMatMul0 finds the MatMul among the candidates feeding user, possibly through FakeQuantize
// or a Multiply by a constant.
func (mm *mhaMatcher) matchMatMul0(user *Node, candidates ...*Node) (*Node, bool) {
	for _, candidate := range candidates {
		if chain := mm.scoresChain(candidate, user); chain != nil {
			for _, node := range chain {
				mm.absorb(node)
			}
			return chain[0], true
		}
	}
	return nil, false
}

// scoresChain returns the nodes from the first MatMul up to node, or nil if node isn't computed
// from a MatMul by FakeQuantize and constant Multiply nodes only.
func (mm *mhaMatcher) scoresChain(node, user *Node) []*Node {
	if !mm.absorbable(node, user) {
		return nil
	}
	var inner []*Node
	switch node.Type() {
	case "MatMul":
		return []*Node{node}
	case "FakeQuantize":
		inner = mm.scoresChain(node.Input(0).node, node)
	case "Multiply":
		if operand := constantScaled(node); operand != nil {
			inner = mm.scoresChain(operand, node)
		}
	}
	if inner == nil {
		return nil
	}
	return append(inner, node)
}

// constantScaled returns the operand of a binary node whose other operand is a Constant, or nil.
func constantScaled(node *Node) *Node {
	lhs, rhs := node.Input(0).node, node.Input(1).node
	if _, ok := rhs.op.(*ConstantOp); ok {
		return lhs
	}
	if _, ok := lhs.op.(*ConstantOp); ok {
		return rhs
	}
	return nil
}

// absorbCondition absorbs the Broadcast, Convert and Less computing the condition of a Select.
func (mm *mhaMatcher) absorbCondition(sel *Node) {
	user := sel
	cond := sel.Input(0).node
	for _, opType := range []string{"Broadcast", "Convert", "Less"} {
		if cond.Type() != opType || !mm.absorbable(cond, user) {
			continue
		}
		mm.absorb(cond)
		user, cond = cond, cond.Input(0).node
	}
}

// absorbOperands absorbs the preprocessing of both MatMul operands.
func (mm *mhaMatcher) absorbOperands(matmul *Node) {
	for _, input := range matmul.Inputs() {
		mm.absorbOperandChain(input.node, matmul)
	}
}

// absorbOperandChain absorbs the chain of Transpose, Multiply, Convert and FakeQuantize nodes
// producing an operand of a MatMul.
func (mm *mhaMatcher) absorbOperandChain(node, user *Node) {
	for mm.absorbable(node, user) {
		var next *Node
		switch node.Type() {
		case "Transpose", "Convert", "FakeQuantize":
			next = node.Input(0).node
		case "Multiply":
			next = node.Input(0).node
			if _, isConst := next.op.(*ConstantOp); isConst {
				next = node.Input(1).node
			}
		default:
			return
		}
		mm.absorb(node)
		user, node = node, next
	}
}

// chainOps are the operations fused by DetectElementwiseChains.
var chainOps = sets.MakeWith("Relu", "Add", "Multiply", "Convert", "Reshape", "Squeeze", "Unsqueeze")

// DetectElementwiseChains matches maximal chains of elementwise and shape operations where each
// node is the only consumer of the previous one.
func DetectElementwiseChains(m *Model, consumers map[Output][]*Node) []FusionCandidate {
	var candidates []FusionCandidate
	visited := sets.Make[*Node]()
	for _, node := range m.Nodes() {
		if visited.Has(node) || !chainOps.Has(node.Type()) || node.NumOutputs() != 1 {
			continue
		}
		chain := []*Node{node}
		visited.Insert(node)
		last := node
		for {
			next := soleConsumer(consumers, last.Output(0))
			if next == nil || visited.Has(next) || !chainOps.Has(next.Type()) || next.NumOutputs() != 1 {
				break
			}
			chain = append(chain, next)
			visited.Insert(next)
			last = next
		}
		if len(chain) < 2 {
			continue
		}
		candidates = append(candidates, newRegionCandidate(ElementwiseFusionName, 10, chain, []Output{last.Output(0)}, consumers))
	}
	return candidates
}
