package togomlx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/irgraph/ir"
	"github.com/pkg/errors"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
)

// Execute runs the model once on backend with the given inputs, one per model parameter, and
// returns one tensor per model result.
//
// The model is compiled for the concrete shapes of the inputs, so models with dynamic dimensions
// can be executed with any inputs their parameters accept.
func Execute(backend backends.Backend, m *ir.Model, inputs ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	if err = m.ValidateInputs(Shapes(inputs...)...); err != nil {
		return nil, err
	}
	ctx := context.New()
	var execErr error
	err = exceptions.TryCatch[error](func() {
		if len(inputs) == 0 {
			outputs, execErr = context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
				return CallGraph(m, g, nil)
			})
			return
		}
		args := xslices.Map(inputs, func(t *tensors.Tensor) any { return t })
		outputs, execErr = context.ExecOnceN(backend, ctx, func(ctx *context.Context, params []*Node) []*Node {
			return CallGraph(m, params[0].Graph(), params)
		}, args...)
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "executing model %q", m.Name())
	}
	return outputs, nil
}
