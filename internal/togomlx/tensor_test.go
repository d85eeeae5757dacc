package togomlx

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestToFloat32(t *testing.T) {
	values, err := ToFloat32(tensors.FromValue([]float64{1, -2.5}))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2.5}, values)

	values, err = ToFloat32(tensors.FromValue([]float16.Float16{float16.Fromfloat32(0.5)}))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, values)

	values, err = ToFloat32(tensors.FromValue([]int32{1, 2, 3}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not floating point")
	assert.Nil(t, values)
}
