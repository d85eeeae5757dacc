package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// DynamicDim marks a dimension whose length is unknown.
const DynamicDim = -1

// PartialShape describes the dimensions of a tensor that may be only partially known:
//
//   - static: every dimension is known;
//   - partial: the rank is known, but some dimensions are DynamicDim;
//   - dynamic rank: not even the rank is known.
//
// PartialShape is an immutable value type: methods never modify the receiver.
type PartialShape struct {
	dims        []int
	dynamicRank bool
}

// StaticShape returns a fully known shape. Negative dimensions are treated as DynamicDim.
func StaticShape(dims ...int) PartialShape {
	return MakePartialShape(dims...)
}

// MakePartialShape returns a shape of known rank; dimensions < 0 are unknown.
func MakePartialShape(dims ...int) PartialShape {
	s := PartialShape{dims: make([]int, len(dims))}
	for ii, dim := range dims {
		if dim < 0 {
			dim = DynamicDim
		}
		s.dims[ii] = dim
	}
	return s
}

// DynamicRankShape returns a shape whose rank is unknown.
func DynamicRankShape() PartialShape {
	return PartialShape{dynamicRank: true}
}

// DynamicShapeOfRank returns a shape of the given rank with all dimensions unknown.
func DynamicShapeOfRank(rank int) PartialShape {
	s := PartialShape{dims: make([]int, rank)}
	for ii := range s.dims {
		s.dims[ii] = DynamicDim
	}
	return s
}

// FromShape converts a GoMLX static shape to a PartialShape (the dtype is dropped).
func FromShape(shape shapes.Shape) PartialShape {
	return StaticShape(shape.Dimensions...)
}

// Rank returns the rank and whether it is known.
func (s PartialShape) Rank() (int, bool) {
	if s.dynamicRank {
		return 0, false
	}
	return len(s.dims), true
}

// IsDynamicRank returns whether the rank is unknown.
func (s PartialShape) IsDynamicRank() bool { return s.dynamicRank }

// IsStatic returns whether the rank and every dimension are known.
func (s PartialShape) IsStatic() bool {
	if s.dynamicRank {
		return false
	}
	for _, dim := range s.dims {
		if dim == DynamicDim {
			return false
		}
	}
	return true
}

// Dim returns the dimension at axis, or DynamicDim if the rank is unknown.
// Negative axes count from the end.
func (s PartialShape) Dim(axis int) int {
	if s.dynamicRank {
		return DynamicDim
	}
	if axis < 0 {
		axis += len(s.dims)
	}
	return s.dims[axis]
}

// Dimensions returns a copy of the dimensions, nil if the rank is unknown.
func (s PartialShape) Dimensions() []int {
	if s.dynamicRank {
		return nil
	}
	dims := make([]int, len(s.dims))
	copy(dims, s.dims)
	return dims
}

// Size returns the number of elements and whether it is known.
// A known zero dimension makes the size known (0) even if other dimensions aren't.
func (s PartialShape) Size() (int, bool) {
	if s.dynamicRank {
		return 0, false
	}
	size, known := 1, true
	for _, dim := range s.dims {
		if dim == 0 {
			return 0, true
		}
		if dim == DynamicDim {
			known = false
			continue
		}
		size *= dim
	}
	if !known {
		return 0, false
	}
	return size, true
}

// Equal returns whether both shapes have the same form, including which dimensions are unknown.
func (s PartialShape) Equal(other PartialShape) bool {
	if s.dynamicRank || other.dynamicRank {
		return s.dynamicRank == other.dynamicRank
	}
	if len(s.dims) != len(other.dims) {
		return false
	}
	for ii, dim := range s.dims {
		if dim != other.dims[ii] {
			return false
		}
	}
	return true
}

// SameScheme returns whether s matches the scheme of other: both are dynamic rank, or both
// have the same rank and at every axis at least one side is unknown or both are equal.
// Unlike Compatible, a dynamic rank only matches another dynamic rank.
func (s PartialShape) SameScheme(other PartialShape) bool {
	if s.dynamicRank || other.dynamicRank {
		return s.dynamicRank == other.dynamicRank
	}
	return s.Compatible(other)
}

// Compatible returns whether s and other may describe the same concrete tensor: either rank is
// unknown, or ranks agree and at every axis one side is unknown or both are equal.
func (s PartialShape) Compatible(other PartialShape) bool {
	_, ok := s.Merge(other)
	return ok
}

// Refines returns whether s is at least as specific as other without contradicting it:
// every dimension known in other is known in s with the same value.
func (s PartialShape) Refines(other PartialShape) bool {
	if other.dynamicRank {
		return true
	}
	if s.dynamicRank || len(s.dims) != len(other.dims) {
		return false
	}
	for ii, dim := range other.dims {
		if dim != DynamicDim && s.dims[ii] != dim {
			return false
		}
	}
	return true
}

// Merge returns the most refined shape consistent with both s and other, and false if they
// contradict each other.
func (s PartialShape) Merge(other PartialShape) (PartialShape, bool) {
	if s.dynamicRank {
		return other, true
	}
	if other.dynamicRank {
		return s, true
	}
	if len(s.dims) != len(other.dims) {
		return PartialShape{}, false
	}
	merged := MakePartialShape(s.dims...)
	for ii, dim := range other.dims {
		switch {
		case dim == DynamicDim:
		case merged.dims[ii] == DynamicDim:
			merged.dims[ii] = dim
		case merged.dims[ii] != dim:
			return PartialShape{}, false
		}
	}
	return merged, true
}

// ToShape converts a static shape to a GoMLX shapes.Shape with the given dtype.
func (s PartialShape) ToShape(dtype ElementType) (shapes.Shape, error) {
	if !s.IsStatic() {
		return shapes.Shape{}, errors.Errorf("shape %s is not static", s)
	}
	if dtype == DynamicType {
		return shapes.Shape{}, errors.Errorf("shape %s has a dynamic element type", s)
	}
	return shapes.Make(dtype, s.dims...), nil
}

// String implements fmt.Stringer, e.g. "[?,3,4]", "[]" for scalars and "[...]" for dynamic rank.
func (s PartialShape) String() string {
	if s.dynamicRank {
		return "[...]"
	}
	parts := make([]string, len(s.dims))
	for ii, dim := range s.dims {
		if dim == DynamicDim {
			parts[ii] = "?"
		} else {
			parts[ii] = fmt.Sprintf("%d", dim)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// normalizeAxis converts a possibly negative axis to [0, rank). ok is false if out of range.
func normalizeAxis(axis, rank int) (int, bool) {
	if axis < -rank || axis >= rank {
		return 0, false
	}
	if axis < 0 {
		axis += rank
	}
	return axis, true
}

// broadcastDim merges two dimensions under numpy rules.
func broadcastDim(a, b int) (int, bool) {
	switch {
	case a == b:
		return a, true
	case a == 1:
		return b, true
	case b == 1:
		return a, true
	case a == DynamicDim:
		return b, true
	case b == DynamicDim:
		return a, true
	}
	return 0, false
}

// broadcastShapes implements numpy broadcasting: result rank is the max rank, dimensions
// are aligned from the trailing edge and a dimension of 1 (or a missing leading one) stretches.
func broadcastShapes(op string, shapesToBroadcast ...PartialShape) (PartialShape, error) {
	maxRank := 0
	for _, s := range shapesToBroadcast {
		if s.dynamicRank {
			return DynamicRankShape(), nil
		}
		maxRank = max(maxRank, len(s.dims))
	}
	out := make([]int, maxRank)
	for ii := range out {
		out[ii] = 1
	}
	for _, s := range shapesToBroadcast {
		offset := maxRank - len(s.dims)
		for ii, dim := range s.dims {
			merged, ok := broadcastDim(out[offset+ii], dim)
			if !ok {
				return PartialShape{}, shapeErrorf(op, "incompatible dimensions %d and %d at axis %d while broadcasting %v",
					out[offset+ii], dim, offset+ii, shapesToBroadcast)
			}
			out[offset+ii] = merged
		}
	}
	return MakePartialShape(out...), nil
}
