package testmodels

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/irgraph/ir"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ReshapeSqueezeConfig configures BuildReshapeSqueezeReshapeRelu.
type ReshapeSqueezeConfig struct {
	// InputShape of the model input. DynamicDim entries are allowed.
	InputShape []int

	// Axes squeezed, or inserted if Unsqueeze is set.
	Axes      []int
	Unsqueeze bool
}

// BuildReshapeSqueezeReshapeRelu builds Reshape → Squeeze (or Unsqueeze) → Reshape → Relu over a
// single f32 input, and its reference where the chain is a single Subgraph node.
//
// The first Reshape keeps the shape, copying dimensions with 0 entries. The second flattens all
// axes but the first.
func BuildReshapeSqueezeReshapeRelu(cfg ReshapeSqueezeConfig) (original, reference *ir.Model, err error) {
	shape := ir.MakePartialShape(cfg.InputShape...)
	chain := func(g *ir.Graph, x ir.Value) *ir.Node {
		pattern := slices.Clone(cfg.InputShape)
		for axis, dim := range pattern {
			if dim == ir.DynamicDim {
				pattern[axis] = 0
			}
		}
		y := must.M1(ir.Reshape(x, intsConstant(g, pattern...), true))
		if cfg.Unsqueeze {
			y = must.M1(ir.Unsqueeze(y, intsConstant(g, cfg.Axes...)))
		} else {
			y = must.M1(ir.Squeeze(y, intsConstant(g, cfg.Axes...)))
		}
		y = must.M1(ir.Reshape(y, intsConstant(g, 0, -1), true))
		return must.M1(ir.Relu(y))
	}

	err = exceptions.TryCatch[error](func() {
		g := ir.NewGraph("reshape_squeeze")
		x := ir.Parameter(g, dtypes.Float32, shape).SetFriendlyName("x")
		result := must.M1(ir.Result(chain(g, x)))
		original = must.M1(ir.NewModel("reshape_squeeze", []*ir.Node{result}, []*ir.Node{x}))

		g = ir.NewGraph("reshape_squeeze_reference")
		x = ir.Parameter(g, dtypes.Float32, shape).SetFriendlyName("x")
		bodyGraph := ir.NewGraph("reshape_squeeze_body")
		bodyX := ir.Parameter(bodyGraph, dtypes.Float32, shape).SetFriendlyName("x")
		bodyResult := must.M1(ir.Result(chain(bodyGraph, bodyX)))
		body := must.M1(ir.NewModel(ir.ElementwiseFusionName, []*ir.Node{bodyResult}, []*ir.Node{bodyX}))
		sub := must.M1(ir.BuildSubgraph([]ir.Value{x}, body))
		result = must.M1(ir.Result(sub))
		reference = must.M1(ir.NewModel("reshape_squeeze_reference", []*ir.Node{result}, []*ir.Node{x}))
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "building Reshape-Squeeze-Reshape-Relu model for %+v", cfg)
	}
	return
}
