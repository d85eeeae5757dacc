package togomlx

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/irgraph/internal/testmodels"
	"github.com/gomlx/irgraph/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireSameOutputs executes all models with the same inputs and checks their outputs match the
// ones of the first model within delta.
func requireSameOutputs(t *testing.T, backend backends.Backend, inputs []*tensors.Tensor, delta float64, models ...*ir.Model) {
	t.Helper()
	var want [][]float32
	for ii, m := range models {
		outputs, err := Execute(backend, m, inputs...)
		require.NoErrorf(t, err, "executing model #%d (%s)", ii, m.Name())
		if ii == 0 {
			want = make([][]float32, len(outputs))
			for jj, output := range outputs {
				want[jj] = must.M1(ToFloat32(output))
			}
			continue
		}
		require.Len(t, outputs, len(want))
		for jj, output := range outputs {
			got := must.M1(ToFloat32(output))
			require.Len(t, got, len(want[jj]))
			for kk := range got {
				assert.InDeltaf(t, want[jj][kk], got[kk], delta,
					"model #%d (%s), output %d, index %d: want=%f, got=%f", ii, m.Name(), jj, kk, want[jj][kk], got[kk])
			}
		}
	}
}

func TestMHAFusionEquivalence(t *testing.T) {
	backend := newBackend(t)
	rng := rand.New(rand.NewPCG(42, 7))
	for _, variant := range testmodels.MHAVariants {
		for _, dynamicBatch := range []bool{false, true} {
			for _, withMul := range []bool{false, true} {
				name := fmt.Sprintf("%s/dynamic=%v/mul=%v", variant, dynamicBatch, withMul)
				t.Run(name, func(t *testing.T) {
					cfg := testmodels.DefaultMHAConfig()
					cfg.Variant = variant
					cfg.DynamicBatch = dynamicBatch
					cfg.WithMul = withMul
					original, reference := must.M2(testmodels.BuildMHA(cfg))
					fused := must.M1(ir.NewFusionPass().Run(original))
					hoisted := must.M1(ir.NewFusionPass().WithHoistConstants(true).Run(original))

					batches := []int{cfg.Batch}
					if dynamicBatch {
						// Dynamic models run with batch sizes other than the one they were built for.
						batches = append(batches, 1, 3)
					}
					for _, batch := range batches {
						inputs := must.M1(testmodels.RandomInputs(original, rng, batch))
						requireSameOutputs(t, backend, inputs, 1e-4, original, fused, hoisted, reference)
					}
				})
			}
		}
	}
}

func TestMHAFusionFloat16(t *testing.T) {
	backend := newBackend(t)
	rng := rand.New(rand.NewPCG(42, 16))
	cfg := testmodels.DefaultMHAConfig()
	cfg.DType = "f16"
	cfg.WithMul = true
	original, reference := must.M2(testmodels.BuildMHA(cfg))
	fused := must.M1(ir.NewFusionPass().WithHoistConstants(true).Run(original))
	require.Equal(t, dtypes.Float16, fused.OutputDescs()[0].ElementType)
	inputs := must.M1(testmodels.RandomInputs(original, rng, cfg.Batch))
	requireSameOutputs(t, backend, inputs, 1e-2, original, fused, reference)
}

func TestMHAInt8Fusion(t *testing.T) {
	backend := newBackend(t)
	rng := rand.New(rand.NewPCG(8, 8))
	cfg := testmodels.DefaultMHAConfig()
	cfg.Variant = testmodels.MHAInt8
	cfg.WithMul = true
	original, reference := must.M2(testmodels.BuildMHA(cfg))
	fused := must.M1(ir.NewFusionPass().WithHoistConstants(true).Run(original))
	require.Equal(t, dtypes.Float32, fused.OutputDescs()[0].ElementType)

	var body *ir.Model
	for _, node := range fused.Nodes() {
		if node.Type() == "Subgraph" {
			body = ir.SubgraphBody(node)
		}
	}
	require.NotNil(t, body)
	relaxed := make(map[string]int)
	quantizedTypes := make(map[dtypes.DType]int)
	for _, node := range body.Nodes() {
		if _, ok := node.Operation().(*ir.TypeRelaxedOp); ok {
			relaxed[node.Type()]++
		}
		if node.Type() == "FakeQuantize" {
			quantizedTypes[node.Output(0).ElementType()]++
		}
	}
	require.Equal(t, map[string]int{"MatMul": 2, "Add": 1, "Multiply": 1}, relaxed)
	require.Equal(t, map[dtypes.DType]int{dtypes.Int8: 5, dtypes.Uint8: 1}, quantizedTypes)

	inputs := must.M1(testmodels.RandomInputs(original, rng, cfg.Batch))
	requireSameOutputs(t, backend, inputs, 1e-4, original, fused, reference)

	// The output holds the dequantized i8 values.
	outputs := must.M1(Execute(backend, fused, inputs...))
	for _, v := range must.M1(ToFloat32(outputs[0])) {
		require.Equal(t, float32(math.Round(float64(v))), v)
		require.GreaterOrEqual(t, v, float32(-128))
		require.LessOrEqual(t, v, float32(127))
	}
}

func TestReshapeChainFusionEquivalence(t *testing.T) {
	backend := newBackend(t)
	rng := rand.New(rand.NewPCG(1, 2))
	for _, cfg := range []testmodels.ReshapeSqueezeConfig{
		{InputShape: []int{2, 1, 8}, Axes: []int{1}},
		{InputShape: []int{ir.DynamicDim, 1, 8}, Axes: []int{1}},
		{InputShape: []int{3, 4}, Axes: []int{0, -1}, Unsqueeze: true},
		{InputShape: []int{ir.DynamicDim, 4}, Axes: []int{1}, Unsqueeze: true},
	} {
		t.Run(fmt.Sprintf("%v/unsqueeze=%v", cfg.InputShape, cfg.Unsqueeze), func(t *testing.T) {
			original, reference := must.M2(testmodels.BuildReshapeSqueezeReshapeRelu(cfg))
			fused := must.M1(ir.NewFusionPass().Run(original))
			for _, batch := range []int{2, 5} {
				inputs := must.M1(testmodels.RandomInputs(original, rng, batch))
				requireSameOutputs(t, backend, inputs, 1e-6, original, fused, reference)
			}
		})
	}
}

// fakeQuantizeReference computes FakeQuantize for scalar bounds.
func fakeQuantizeReference(x, inLow, inHigh, outLow, outHigh float32, levels int) float32 {
	switch {
	case x <= math32.Min(inLow, inHigh):
		return outLow
	case x > math32.Max(inLow, inHigh):
		return outHigh
	}
	steps := float32(levels - 1)
	quantized := math32.Floor((x-inLow)/(inHigh-inLow)*steps + 0.5)
	return quantized/steps*(outHigh-outLow) + outLow
}

func TestFakeQuantizeValues(t *testing.T) {
	backend := newBackend(t)
	rng := rand.New(rand.NewPCG(3, 4))
	const levels = 16
	const inLow, inHigh, outLow, outHigh = -1.5, 1.5, -1, 1
	g := ir.NewGraph("fq")
	x := ir.Parameter(g, dtypes.Float32, ir.MakePartialShape(ir.DynamicDim))
	fq := must.M1(ir.FakeQuantize(x, floats(g, inLow), floats(g, inHigh), floats(g, outLow), floats(g, outHigh), levels, ir.DynamicType))
	m := must.M1(ir.NewModel("fq", []*ir.Node{must.M1(ir.Result(fq))}, []*ir.Node{x}))

	values := make([]float32, 200)
	for ii := range values {
		values[ii] = 4*rng.Float32() - 2
	}
	outputs, err := Execute(backend, m, tensors.FromValue(values))
	require.NoError(t, err)
	got := must.M1(ToFloat32(outputs[0]))
	for ii, v := range values {
		assert.InDeltaf(t, fakeQuantizeReference(v, inLow, inHigh, outLow, outHigh, levels), got[ii], 1e-5, "x=%f", v)
	}
}
