package testmodels

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/irgraph/ir"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// intsConstant creates a 1-D int64 constant.
func intsConstant(g *ir.Graph, values ...int) *ir.Node {
	return must.M1(ir.ConstantFromValue(g, xslices.Map(values, func(v int) int64 { return int64(v) })))
}

// floatConstant creates a constant shaped [1] of the given floating point type.
func floatConstant(g *ir.Graph, dtype ir.ElementType, value float64) *ir.Node {
	return must.M1(ir.Constant(g, must.M1(FloatTensor(dtype, []float64{value}, 1))))
}

// FloatTensor creates a tensor of a floating point dtype from float64 values.
func FloatTensor(dtype dtypes.DType, values []float64, dims ...int) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(xslices.Map(values, func(v float64) float32 { return float32(v) }), dims...), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(values, dims...), nil
	case dtypes.Float16:
		return tensors.FromFlatDataAndDimensions(xslices.Map(values, func(v float64) float16.Float16 {
			return float16.Fromfloat32(float32(v))
		}), dims...), nil
	}
	return nil, errors.Errorf("element type %s is not supported for test tensors", ir.ElementTypeName(dtype))
}

// RandomInputs creates random inputs in [-2, 2) for the parameters of m. Dynamic dimensions are
// set to dynamicDim.
func RandomInputs(m *ir.Model, rng *rand.Rand, dynamicDim int) ([]*tensors.Tensor, error) {
	descs := m.ParameterDescs()
	inputs := make([]*tensors.Tensor, len(descs))
	for ii, desc := range descs {
		if desc.Shape.IsDynamicRank() {
			return nil, errors.Errorf("input #%d of model %q has dynamic rank", ii, m.Name())
		}
		dims := desc.Shape.Dimensions()
		size := 1
		for axis, dim := range dims {
			if dim == ir.DynamicDim {
				dims[axis] = dynamicDim
			}
			size *= dims[axis]
		}
		values := make([]float64, size)
		for jj := range values {
			values[jj] = 4*rng.Float64() - 2
		}
		var err error
		inputs[ii], err = FloatTensor(desc.ElementType, values, dims...)
		if err != nil {
			return nil, errors.WithMessagef(err, "input #%d of model %q", ii, m.Name())
		}
	}
	return inputs, nil
}
