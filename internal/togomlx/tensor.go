package togomlx

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Shapes returns the shapes of the given tensors.
func Shapes(ts ...*tensors.Tensor) []shapes.Shape {
	return xslices.Map(ts, func(t *tensors.Tensor) shapes.Shape { return t.Shape() })
}

// ToFloat32 returns a copy of the flat data of a floating point tensor as float32, so results of
// different precisions can be compared.
func ToFloat32(t *tensors.Tensor) (values []float32, err error) {
	var convErr error
	err = t.ConstFlatData(func(flat any) {
		switch data := flat.(type) {
		case []float32:
			values = make([]float32, len(data))
			copy(values, data)
		case []float64:
			values = xslices.Map(data, func(v float64) float32 { return float32(v) })
		case []float16.Float16:
			values = xslices.Map(data, func(v float16.Float16) float32 { return v.Float32() })
		default:
			convErr = errors.Errorf("tensor %s is not floating point", t.Shape())
		}
	})
	if err == nil {
		err = convErr
	}
	if err != nil {
		return nil, err
	}
	return values, nil
}
