package ir

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartialShape(t *testing.T) {
	static := StaticShape(2, 3)
	rank, known := static.Rank()
	require.True(t, known)
	assert.Equal(t, 2, rank)
	assert.True(t, static.IsStatic())
	size, known := static.Size()
	require.True(t, known)
	assert.Equal(t, 6, size)
	assert.Equal(t, "[2,3]", static.String())

	partial := MakePartialShape(DynamicDim, 3)
	assert.False(t, partial.IsStatic())
	assert.Equal(t, "[?,3]", partial.String())
	_, known = partial.Size()
	assert.False(t, known)

	// A known zero dimension makes the size known.
	size, known = MakePartialShape(DynamicDim, 0).Size()
	require.True(t, known)
	assert.Equal(t, 0, size)

	dyn := DynamicRankShape()
	assert.True(t, dyn.IsDynamicRank())
	_, known = dyn.Rank()
	assert.False(t, known)
	assert.Equal(t, "[...]", dyn.String())
	assert.Nil(t, dyn.Dimensions())

	assert.Equal(t, "[?,?,?]", DynamicShapeOfRank(3).String())
	assert.Equal(t, "[]", StaticShape().String())
	assert.True(t, FromShape(shapes.Make(dtypes.Float32, 4, 5)).Equal(StaticShape(4, 5)))
}

func TestPartialShapeRelations(t *testing.T) {
	a := MakePartialShape(DynamicDim, 3)
	b := StaticShape(5, 3)
	c := StaticShape(5, 4)
	dyn := DynamicRankShape()

	assert.True(t, a.Compatible(b))
	assert.False(t, b.Compatible(c))
	assert.False(t, a.Compatible(StaticShape(3)))
	assert.True(t, a.Compatible(dyn))

	// SameScheme: dynamic rank only matches dynamic rank.
	assert.True(t, a.SameScheme(b))
	assert.False(t, a.SameScheme(dyn))
	assert.True(t, dyn.SameScheme(DynamicRankShape()))
	assert.False(t, b.SameScheme(c))

	assert.True(t, b.Refines(a))
	assert.False(t, a.Refines(b))
	assert.True(t, a.Refines(dyn))
	assert.False(t, dyn.Refines(a))

	merged, ok := a.Merge(b)
	require.True(t, ok)
	assert.True(t, merged.Equal(b))
	merged, ok = dyn.Merge(a)
	require.True(t, ok)
	assert.True(t, merged.Equal(a))
	_, ok = b.Merge(c)
	assert.False(t, ok)

	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(MakePartialShape(DynamicDim, 3)))
	assert.False(t, dyn.Equal(a))
}

func TestPartialShapeToShape(t *testing.T) {
	s, err := StaticShape(2, 3).ToShape(dtypes.Float16)
	require.NoError(t, err)
	assert.True(t, s.Equal(shapes.Make(dtypes.Float16, 2, 3)))

	_, err = MakePartialShape(DynamicDim, 3).ToShape(dtypes.Float32)
	require.Error(t, err)
	_, err = StaticShape(2).ToShape(DynamicType)
	require.Error(t, err)
}

func TestBroadcastShapes(t *testing.T) {
	got, err := broadcastShapes("Add", StaticShape(2, 1, 4), StaticShape(3, 1))
	require.NoError(t, err)
	assert.Equal(t, "[2,3,4]", got.String())

	got, err = broadcastShapes("Add", MakePartialShape(DynamicDim, 4), StaticShape(1))
	require.NoError(t, err)
	assert.Equal(t, "[?,4]", got.String())

	got, err = broadcastShapes("Add", MakePartialShape(DynamicDim, 4), StaticShape(7, 4))
	require.NoError(t, err)
	assert.Equal(t, "[7,4]", got.String())

	got, err = broadcastShapes("Add", StaticShape(2), DynamicRankShape())
	require.NoError(t, err)
	assert.True(t, got.IsDynamicRank())

	_, err = broadcastShapes("Add", StaticShape(2, 3), StaticShape(4))
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "Add", shapeErr.Op)
}

func TestElementTypes(t *testing.T) {
	for _, name := range []string{"f32", "f16", "u8", "boolean", "i64"} {
		dt, err := ParseElementType(name)
		require.NoError(t, err)
		assert.Equal(t, name, ElementTypeName(dt))
	}
	dt, err := ParseElementType("Float32")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, dt)
	_, err = ParseElementType("f7")
	require.Error(t, err)

	merged, ok := MergeElementTypes(DynamicType, dtypes.Int32)
	require.True(t, ok)
	assert.Equal(t, dtypes.Int32, merged)
	_, ok = MergeElementTypes(dtypes.Float32, dtypes.Int32)
	assert.False(t, ok)

	_, err = ElementTypePromotion{}.CommonElementType(dtypes.Float32, dtypes.Float16)
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)

	promoted, err := ElementTypePromotion{AllowPromotion: true}.CommonElementType(dtypes.Float32, dtypes.Float16)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, promoted)
	promoted, err = ElementTypePromotion{AllowPromotion: true, PrioritizeFloat16: true}.CommonElementType(dtypes.Float32, dtypes.Float16)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, promoted)
	promoted, err = ElementTypePromotion{AllowPromotion: true}.CommonElementType(dtypes.Int32, dtypes.Int64)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int64, promoted)
}
