package togomlx

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/irgraph/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
)

func newBackend(t *testing.T) backends.Backend {
	backend, err := simplego.New("")
	require.NoError(t, err)
	return backend
}

// unaryModel builds a model applying build to a single parameter of the given type and shape.
func unaryModel(dtype dtypes.DType, shape ir.PartialShape, build func(g *ir.Graph, x *ir.Node) *ir.Node) *ir.Model {
	g := ir.NewGraph("unary")
	x := ir.Parameter(g, dtype, shape)
	r := must.M1(ir.Result(build(g, x)))
	return must.M1(ir.NewModel("unary", []*ir.Node{r}, []*ir.Node{x}))
}

func ints(g *ir.Graph, values ...int64) *ir.Node {
	return must.M1(ir.ConstantFromValue(g, values))
}

func floats(g *ir.Graph, values ...float32) *ir.Node {
	return must.M1(ir.ConstantFromValue(g, values))
}

func TestShapeOps(t *testing.T) {
	backend := newBackend(t)
	graphtest.RunTestGraphFnWithBackend(t, "Transpose", backend, func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float32{{1, 2, 3}, {4, 5, 6}})
		m := unaryModel(dtypes.Float32, ir.StaticShape(2, 3), func(g *ir.Graph, x *ir.Node) *ir.Node {
			return must.M1(ir.Transpose(x, ints(g, 1, 0)))
		})
		reversed := unaryModel(dtypes.Float32, ir.StaticShape(2, 3), func(g *ir.Graph, x *ir.Node) *ir.Node {
			return must.M1(ir.Transpose(x, ints(g)))
		})
		inputs = []*Node{x}
		outputs = []*Node{CallGraph(m, g, inputs)[0], CallGraph(reversed, g, inputs)[0]}
		return
	}, []any{
		[][]float32{{1, 4}, {2, 5}, {3, 6}},
		[][]float32{{1, 4}, {2, 5}, {3, 6}},
	}, -1)

	graphtest.RunTestGraphFnWithBackend(t, "Reshape with dynamic batch", backend, func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][]float32{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}, {{9, 10}, {11, 12}}})
		m := unaryModel(dtypes.Float32, ir.MakePartialShape(ir.DynamicDim, 2, 2), func(g *ir.Graph, x *ir.Node) *ir.Node {
			return must.M1(ir.Reshape(x, ints(g, 0, -1), true))
		})
		inputs = []*Node{x}
		outputs = CallGraph(m, g, inputs)
		return
	}, []any{
		[][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}},
	}, -1)

	graphtest.RunTestGraphFnWithBackend(t, "Broadcast", backend, func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]int32{{1, 2}})
		m := unaryModel(dtypes.Int32, ir.StaticShape(1, 2), func(g *ir.Graph, x *ir.Node) *ir.Node {
			return must.M1(ir.Broadcast(x, ints(g, 2, 3, 2)))
		})
		inputs = []*Node{x}
		outputs = CallGraph(m, g, inputs)
		return
	}, []any{
		[][][]int32{{{1, 2}, {1, 2}, {1, 2}}, {{1, 2}, {1, 2}, {1, 2}}},
	}, -1)

	graphtest.RunTestGraphFnWithBackend(t, "Squeeze and Unsqueeze", backend, func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][]float32{{{1}, {2}}})
		squeezeAll := unaryModel(dtypes.Float32, ir.StaticShape(1, 2, 1), func(g *ir.Graph, x *ir.Node) *ir.Node {
			return must.M1(ir.Squeeze(x, nil))
		})
		squeezeLast := unaryModel(dtypes.Float32, ir.StaticShape(1, 2, 1), func(g *ir.Graph, x *ir.Node) *ir.Node {
			return must.M1(ir.Squeeze(x, ints(g, -1)))
		})
		unsqueeze := unaryModel(dtypes.Float32, ir.StaticShape(1, 2, 1), func(g *ir.Graph, x *ir.Node) *ir.Node {
			flat := must.M1(ir.Squeeze(x, nil))
			return must.M1(ir.Unsqueeze(flat, ints(g, -1, 0)))
		})
		inputs = []*Node{x}
		outputs = []*Node{
			CallGraph(squeezeAll, g, inputs)[0],
			CallGraph(squeezeLast, g, inputs)[0],
			CallGraph(unsqueeze, g, inputs)[0],
		}
		return
	}, []any{
		[]float32{1, 2},
		[][]float32{{1, 2}},
		[][][]float32{{{1}, {2}}},
	}, -1)
}

func TestMathOps(t *testing.T) {
	backend := newBackend(t)
	graphtest.RunTestGraphFnWithBackend(t, "MatMul", backend, func(g *Graph) (inputs, outputs []*Node) {
		a := Const(g, [][]float32{{1, 2}, {3, 4}})
		b := Const(g, [][]float32{{1, 0}, {1, 1}})
		build := func(transposeB bool) *ir.Model {
			ig := ir.NewGraph("matmul")
			pa := ir.Parameter(ig, dtypes.Float32, ir.StaticShape(2, 2))
			pb := ir.Parameter(ig, dtypes.Float32, ir.StaticShape(2, 2))
			r := must.M1(ir.Result(must.M1(ir.MatMul(pa, pb, false, transposeB))))
			return must.M1(ir.NewModel("matmul", []*ir.Node{r}, []*ir.Node{pa, pb}))
		}
		inputs = []*Node{a, b}
		outputs = []*Node{CallGraph(build(false), g, inputs)[0], CallGraph(build(true), g, inputs)[0]}
		return
	}, []any{
		[][]float32{{3, 2}, {7, 4}},
		[][]float32{{1, 3}, {3, 7}},
	}, -1)

	graphtest.RunTestGraphFnWithBackend(t, "Add, Multiply and Relu", backend, func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float32{{-1, 2}, {3, -4}})
		m := unaryModel(dtypes.Float32, ir.StaticShape(2, 2), func(g *ir.Graph, x *ir.Node) *ir.Node {
			y := must.M1(ir.Multiply(x, floats(g, 2)))
			y = must.M1(ir.Add(y, floats(g, 1, -1)))
			return must.M1(ir.Relu(y))
		})
		inputs = []*Node{x}
		outputs = CallGraph(m, g, inputs)
		return
	}, []any{
		[][]float32{{0, 3}, {7, 0}},
	}, -1)

	graphtest.RunTestGraphFnWithBackend(t, "Less, Convert and relaxed Select", backend, func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{-1, 2, 0.5, 3})
		m := unaryModel(dtypes.Float32, ir.StaticShape(4), func(g *ir.Graph, x *ir.Node) *ir.Node {
			cond := must.M1(ir.Less(x, floats(g, 1)))
			cond = must.M1(ir.Convert(cond, dtypes.Uint8))
			return must.M1(ir.TypeRelaxed(&ir.SelectOp{}, []ir.ElementType{dtypes.Bool}, nil, cond, floats(g, -10000), x))
		})
		inputs = []*Node{x}
		outputs = CallGraph(m, g, inputs)
		return
	}, []any{
		[]float32{-10000, 2, -10000, 3},
	}, -1)

	graphtest.RunTestGraphFnWithBackend(t, "Relaxed output type", backend, func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{0.5, 1.5})
		m := unaryModel(dtypes.Float32, ir.StaticShape(2), func(g *ir.Graph, x *ir.Node) *ir.Node {
			return must.M1(ir.TypeRelaxed(&ir.AddOp{}, nil, []ir.ElementType{dtypes.Float64}, x, x))
		})
		inputs = []*Node{x}
		outputs = CallGraph(m, g, inputs)
		return
	}, []any{
		[]float64{1, 3},
	}, -1)

	graphtest.RunTestGraphFnWithBackend(t, "Softmax", backend, func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float32{{0, float32(math.Log(3))}, {1, 1}})
		m := unaryModel(dtypes.Float32, ir.StaticShape(2, 2), func(g *ir.Graph, x *ir.Node) *ir.Node {
			return must.M1(ir.Softmax(x, -1))
		})
		inputs = []*Node{x}
		outputs = CallGraph(m, g, inputs)
		return
	}, []any{
		[][]float32{{0.25, 0.75}, {0.5, 0.5}},
	}, 1e-5)

	graphtest.RunTestGraphFnWithBackend(t, "FakeQuantize", backend, func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{-3, -0.4, 0.7, 3})
		m := unaryModel(dtypes.Float32, ir.StaticShape(4), func(g *ir.Graph, x *ir.Node) *ir.Node {
			low, high := floats(g, -2), floats(g, 2)
			return must.M1(ir.FakeQuantize(x, low, high, low, high, 5, ir.DynamicType))
		})
		inputs = []*Node{x}
		outputs = CallGraph(m, g, inputs)
		return
	}, []any{
		[]float32{-2, 0, 1, 2},
	}, 1e-5)
}

func TestCallGraphErrors(t *testing.T) {
	backend := newBackend(t)
	m := unaryModel(dtypes.Float32, ir.StaticShape(2), func(g *ir.Graph, x *ir.Node) *ir.Node {
		return must.M1(ir.Relu(x))
	})
	_, err := Execute(backend, m, tensors.FromValue([]float32{1, 2, 3}))
	require.Error(t, err)
	_, err = Execute(backend, m)
	require.Error(t, err)
	outputs, err := Execute(backend, m, tensors.FromValue([]float32{-1, 2}))
	require.NoError(t, err)
	require.Equal(t, []float32{0, 2}, must.M1(ToFloat32(outputs[0])))
}
