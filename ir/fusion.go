package ir

import (
	"fmt"
	"slices"
	"sort"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FusionCandidate represents a detected pattern: a region of a model that can be replaced by a
// single Subgraph node.
type FusionCandidate interface {
	// Name returns the fusion type name (e.g. "MHA"). It is also the name of the Subgraph body.
	Name() string
	// Score returns the priority of this fusion. Higher scores are preferred when fusions overlap.
	Score() float32
	// Nodes returns the nodes of the region, constants included.
	Nodes() []*Node
	// Outputs returns the region outputs the fusion exposes. Any other output of the region
	// consumed outside it invalidates the candidate.
	Outputs() []Output
	// ExternalInputs returns the outputs from outside the region that feed it.
	ExternalInputs() []Output
}

// FusionDetector scans a model and returns detected fusion candidates.
// consumers maps each output to the model nodes that use it.
type FusionDetector func(m *Model, consumers map[Output][]*Node) []FusionCandidate

var registeredDetectors []FusionDetector

// RegisterFusionDetector adds a fusion detector to the global registry, used by FusionPass
// unless it is configured with its own detectors.
func RegisterFusionDetector(d FusionDetector) {
	registeredDetectors = append(registeredDetectors, d)
}

// soleConsumer returns the single consumer of o, or nil if there are 0 or 2+ consumers.
func soleConsumer(consumers map[Output][]*Node, o Output) *Node {
	list := consumers[o]
	if len(list) == 1 {
		return list[0]
	}
	return nil
}

// regionCandidate is the FusionCandidate built by the detectors in this package.
type regionCandidate struct {
	name      string
	score     float32
	nodes     []*Node
	outputs   []Output
	externals []Output
}

func (c *regionCandidate) Name() string             { return c.name }
func (c *regionCandidate) Score() float32           { return c.score }
func (c *regionCandidate) Nodes() []*Node           { return c.nodes }
func (c *regionCandidate) Outputs() []Output        { return c.outputs }
func (c *regionCandidate) ExternalInputs() []Output { return c.externals }

// newRegionCandidate creates a candidate for the given nodes, computing its external inputs.
// Constants used only by the region are absorbed into it.
func newRegionCandidate(name string, score float32, nodes []*Node, outputs []Output, consumers map[Output][]*Node) *regionCandidate {
	inRegion := sets.MakeWith(nodes...)
	for _, node := range nodes {
		for _, input := range node.inputs {
			if inRegion.Has(input.node) {
				continue
			}
			if _, ok := input.node.op.(*ConstantOp); !ok {
				continue
			}
			exclusive := true
			for _, consumer := range consumers[input] {
				if !inRegion.Has(consumer) {
					exclusive = false
					break
				}
			}
			if exclusive {
				inRegion.Insert(input.node)
			}
		}
	}
	c := &regionCandidate{name: name, score: score, outputs: outputs}
	for node := range inRegion {
		c.nodes = append(c.nodes, node)
	}
	slices.SortFunc(c.nodes, func(a, b *Node) int { return int(a.id - b.id) })
	seen := sets.Make[Output]()
	for _, node := range c.nodes {
		for _, input := range node.inputs {
			if inRegion.Has(input.node) || seen.Has(input) {
				continue
			}
			seen.Insert(input)
			c.externals = append(c.externals, input)
		}
	}
	return c
}

// hasExternalConsumers checks whether any output of the candidate region, other than the ones it
// exposes, is consumed by a node outside the region.
func hasExternalConsumers(cand FusionCandidate, consumers map[Output][]*Node) bool {
	internalNodes := sets.MakeWith(cand.Nodes()...)
	exposed := sets.MakeWith(cand.Outputs()...)
	for _, node := range cand.Nodes() {
		if _, ok := node.op.(*ConstantOp); ok {
			continue
		}
		for _, o := range node.Outputs() {
			if exposed.Has(o) {
				continue
			}
			for _, consumer := range consumers[o] {
				if !internalNodes.Has(consumer) {
					return true
				}
			}
		}
	}
	return false
}

// FusionPass replaces the regions of a model matched by fusion detectors with Subgraph nodes.
//
// The rewritten model is built in a new graph: the original model is left untouched.
type FusionPass struct {
	minNodes       int
	hoistConstants bool
	detectors      []FusionDetector
}

// NewFusionPass creates a pass using the registered detectors, fusing regions of at least 2 nodes
// (constants are not counted).
func NewFusionPass() *FusionPass {
	return &FusionPass{minNodes: 2}
}

// WithMinNodes sets the minimum number of non-constant nodes a region must have to be fused.
func (p *FusionPass) WithMinNodes(n int) *FusionPass {
	p.minNodes = n
	return p
}

// WithHoistConstants configures whether constants feeding elementwise operations are kept out of
// the Subgraph bodies. See RegionOptions.HoistConstants.
func (p *FusionPass) WithHoistConstants(hoist bool) *FusionPass {
	p.hoistConstants = hoist
	return p
}

// WithDetectors replaces the registered detectors by the given ones.
func (p *FusionPass) WithDetectors(detectors ...FusionDetector) *FusionPass {
	p.detectors = detectors
	return p
}

// Run detects the fusions in the model and returns an equivalent model with each selected region
// replaced by a Subgraph node. If nothing is fused, the returned model is still a fresh copy.
func (p *FusionPass) Run(m *Model) (*Model, error) {
	consumers := m.ConsumerMap()
	detectors := p.detectors
	if detectors == nil {
		detectors = registeredDetectors
	}

	// Collect all candidates from all detectors.
	var allCandidates []FusionCandidate
	for _, detector := range detectors {
		allCandidates = append(allCandidates, detector(m, consumers)...)
	}

	// Sort by score descending for greedy selection.
	sort.SliceStable(allCandidates, func(i, j int) bool {
		return allCandidates[i].Score() > allCandidates[j].Score()
	})

	// Greedily select non-overlapping fusions.
	claimed := sets.Make[*Node]()
	owner := make(map[*Node]*fusionGroup)
	for _, cand := range allCandidates {
		if countNonConstant(cand.Nodes()) < p.minNodes {
			continue
		}
		overlap := false
		for _, node := range cand.Nodes() {
			if claimed.Has(node) {
				overlap = true
				break
			}
		}
		if overlap {
			klog.V(2).Infof("fusion %s overlaps a higher priority fusion, skipped", describeCandidate(cand))
			continue
		}
		if hasExternalConsumers(cand, consumers) {
			klog.V(1).Infof("fusion %s has internal outputs used elsewhere, skipped", describeCandidate(cand))
			continue
		}
		plan, err := planRegion(cand.Nodes(), outputsAsValues(cand.ExternalInputs()), consumers,
			RegionOptions{Name: cand.Name(), HoistConstants: p.hoistConstants})
		if err != nil {
			klog.Warningf("fusion %s rejected: %v", describeCandidate(cand), err)
			continue
		}
		group := &fusionGroup{name: cand.Name(), plan: plan}
		for _, node := range cand.Nodes() {
			claimed.Insert(node)
		}
		for _, node := range plan.nodes {
			owner[node] = group
		}
		klog.V(1).Infof("fusing %s: %d nodes, %d inputs, %d outputs", cand.Name(), len(plan.nodes), len(plan.externals), len(plan.outputs))
	}

	r := &fusionRewriter{
		graph:  NewGraph(m.graph.name).WithElementTypePromotion(m.graph.promotion),
		owner:  owner,
		mapped: make(map[Output]Output),
	}
	return r.rewrite(m)
}

func describeCandidate(cand FusionCandidate) string {
	outputs := cand.Outputs()
	if len(outputs) == 0 {
		return cand.Name()
	}
	return fmt.Sprintf("%s@%s", cand.Name(), outputs[0])
}

func countNonConstant(nodes []*Node) int {
	count := 0
	for _, node := range nodes {
		if _, ok := node.op.(*ConstantOp); !ok {
			count++
		}
	}
	return count
}

// fusionGroup is a selected candidate. It is emitted only once, when the first of its outputs is
// requested.
type fusionGroup struct {
	name    string
	plan    *regionPlan
	emitted bool
}

// fusionRewriter copies a model into a new graph, replacing fusion groups with Subgraph nodes.
type fusionRewriter struct {
	graph  *Graph
	owner  map[*Node]*fusionGroup
	mapped map[Output]Output
}

func (r *fusionRewriter) rewrite(m *Model) (*Model, error) {
	params := make([]*Node, len(m.parameters))
	for ii, p := range m.parameters {
		o, err := r.convert(p.Output(0))
		if err != nil {
			return nil, err
		}
		params[ii] = o.node
	}
	results := make([]*Node, len(m.results))
	for ii, result := range m.results {
		o, err := r.convert(result.Output(0))
		if err != nil {
			return nil, err
		}
		results[ii] = o.node
	}
	return NewModel(m.name, results, params)
}

// convert returns the output in the new graph equivalent to o, converting its dependencies first.
func (r *fusionRewriter) convert(o Output) (Output, error) {
	if converted, found := r.mapped[o]; found {
		return converted, nil
	}
	node := o.node
	if group := r.owner[node]; group != nil {
		if err := r.ensureFusionGroupConverted(group); err != nil {
			return Output{}, err
		}
		converted, found := r.mapped[o]
		if !found {
			return Output{}, errors.Errorf("fusion %s doesn't expose output %s", group.name, o)
		}
		return converted, nil
	}
	inputs := make([]Value, len(node.inputs))
	for ii, input := range node.inputs {
		converted, err := r.convert(input)
		if err != nil {
			return Output{}, err
		}
		inputs[ii] = converted
	}
	clone, err := cloneNode(r.graph, node, inputs)
	if err != nil {
		return Output{}, errors.WithMessagef(err, "while copying %s", node)
	}
	for ii := range node.outputs {
		r.mapped[node.Output(ii)] = clone.Output(ii)
	}
	return r.mapped[o], nil
}

// ensureFusionGroupConverted converts all external inputs of a fusion group, then emits its
// Subgraph node.
func (r *fusionRewriter) ensureFusionGroupConverted(group *fusionGroup) error {
	if group.emitted {
		return nil
	}
	group.emitted = true
	inputs := make([]Value, len(group.plan.externals))
	for ii, external := range group.plan.externals {
		converted, err := r.convert(external)
		if err != nil {
			return err
		}
		inputs[ii] = converted
	}
	sub, err := BuildSubgraph(inputs, group.plan.body)
	if err != nil {
		return errors.WithMessagef(err, "while emitting fusion %s", group.name)
	}
	sub.SetFriendlyName(group.name)
	for ii, o := range group.plan.outputs {
		r.mapped[o] = sub.Output(ii)
	}
	return nil
}
