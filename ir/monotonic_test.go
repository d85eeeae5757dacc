package ir

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshotDescs returns the output descriptors of every node of g.
func snapshotDescs(g *Graph) [][]TensorDesc {
	descs := make([][]TensorDesc, g.NumNodes())
	for ii, node := range g.Nodes() {
		for _, o := range node.Outputs() {
			descs[ii] = append(descs[ii], o.Desc())
		}
	}
	return descs
}

// TestInferenceMonotonic refines the input of each op from an unknown rank to a static shape, in
// steps, and checks that every inferred output refines the one inferred before.
func TestInferenceMonotonic(t *testing.T) {
	testCases := []struct {
		name  string
		build func(g *Graph, x *Node) *Node
		want  string // Output after the last refinement.
	}{
		{"Transpose", func(g *Graph, x *Node) *Node {
			return must.M1(Transpose(x, ints(g, 2, 0, 1)))
		}, "f32[4,2,3]"},
		{"Reshape", func(g *Graph, x *Node) *Node {
			return must.M1(Reshape(x, ints(g, 0, -1), true))
		}, "f32[2,12]"},
		{"Broadcast", func(g *Graph, x *Node) *Node {
			return must.M1(Broadcast(x, ints(g, 5, 1, 1, 1)))
		}, "f32[5,2,3,4]"},
		{"MatMul", func(g *Graph, x *Node) *Node {
			return must.M1(MatMul(x, Parameter(g, dtypes.Float32, StaticShape(4, 5)), false, false))
		}, "f32[2,3,5]"},
		{"Add", func(g *Graph, x *Node) *Node {
			return must.M1(Add(x, Parameter(g, dtypes.Float32, StaticShape(3, 1))))
		}, "f32[2,3,4]"},
		{"Multiply", func(g *Graph, x *Node) *Node {
			return must.M1(Multiply(x, must.M1(ConstantFromValue(g, []float32{2}))))
		}, "f32[2,3,4]"},
		{"Select", func(g *Graph, x *Node) *Node {
			zero := must.M1(ConstantFromValue(g, []float32{0}))
			return must.M1(Select(must.M1(Less(x, zero)), zero, x))
		}, "f32[2,3,4]"},
		{"Softmax", func(g *Graph, x *Node) *Node {
			return must.M1(Softmax(x, -1))
		}, "f32[2,3,4]"},
		{"FakeQuantize", func(g *Graph, x *Node) *Node {
			low := must.M1(ConstantFromValue(g, []float32{-1}))
			high := must.M1(ConstantFromValue(g, []float32{1}))
			return must.M1(FakeQuantize(x, low, high, low, high, 256, dtypes.Float16))
		}, "f16[2,3,4]"},
		{"Convert", func(g *Graph, x *Node) *Node {
			return must.M1(Convert(x, dtypes.Int32))
		}, "i32[2,3,4]"},
		{"Relu", func(g *Graph, x *Node) *Node {
			return must.M1(Relu(x))
		}, "f32[2,3,4]"},
		{"Unsqueeze", func(g *Graph, x *Node) *Node {
			return must.M1(Unsqueeze(x, ints(g, 0, -1)))
		}, "f32[1,2,3,4,1]"},
		{"Squeeze", func(g *Graph, x *Node) *Node {
			return must.M1(Squeeze(must.M1(Unsqueeze(x, ints(g, 1))), ints(g, 1)))
		}, "f32[2,3,4]"},
	}
	steps := []PartialShape{
		MakePartialShape(DynamicDim, 3, DynamicDim),
		MakePartialShape(2, DynamicDim, DynamicDim),
		StaticShape(2, 3, 4),
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGraph(tc.name)
			x := Parameter(g, dtypes.Float32, DynamicRankShape())
			r := must.M1(Result(tc.build(g, x)))
			m := must.M1(NewModel(tc.name, []*Node{r}, []*Node{x}))

			before := snapshotDescs(g)
			for _, step := range steps {
				require.NoError(t, m.RefineParameters(step))
				after := snapshotDescs(g)
				for ii := range after {
					for jj := range after[ii] {
						prev, next := before[ii][jj], after[ii][jj]
						node := g.Node(NodeID(ii))
						assert.Truef(t, next.Shape.Refines(prev.Shape),
							"%s output #%d: %s doesn't refine %s after refining input to %s", node, jj, next, prev, step)
						if prev.ElementType != DynamicType {
							assert.Equalf(t, prev.ElementType, next.ElementType, "%s output #%d", node, jj)
						}
					}
				}
				before = after
			}
			assert.Equal(t, tc.want, r.Output(0).Desc().String())
		})
	}
}
