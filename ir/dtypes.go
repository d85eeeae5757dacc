package ir

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// ElementType is the scalar kind of a tensor. It is the GoMLX DType, with DynamicType standing
// for "not yet known".
type ElementType = dtypes.DType

// DynamicType is the unspecified element type: it merges with any other type.
const DynamicType = dtypes.InvalidDType

var elementTypeNames = map[ElementType]string{
	DynamicType:      "dynamic",
	dtypes.Bool:      "boolean",
	dtypes.Int8:      "i8",
	dtypes.Int16:     "i16",
	dtypes.Int32:     "i32",
	dtypes.Int64:     "i64",
	dtypes.Uint8:     "u8",
	dtypes.Uint16:    "u16",
	dtypes.Uint32:    "u32",
	dtypes.Uint64:    "u64",
	dtypes.Float16:   "f16",
	dtypes.BFloat16:  "bf16",
	dtypes.Float32:   "f32",
	dtypes.Float64:   "f64",
	dtypes.Complex64: "c64",
}

// ElementTypeName returns the short IR name of t ("f32", "i64", "boolean", "dynamic", ...).
func ElementTypeName(t ElementType) string {
	if name, found := elementTypeNames[t]; found {
		return name
	}
	return strings.ToLower(t.String())
}

// ParseElementType converts either a short IR name ("f32", "u8", "boolean") or a GoMLX
// dtype name ("Float32") to an ElementType.
func ParseElementType(name string) (ElementType, error) {
	for t, short := range elementTypeNames {
		if short == name {
			return t, nil
		}
	}
	for t := range elementTypeNames {
		if strings.EqualFold(t.String(), name) {
			return t, nil
		}
	}
	return DynamicType, errors.Errorf("unknown element type %q", name)
}

// MergeElementTypes returns the element type consistent with both a and b.
// DynamicType merges with anything; two different static types don't merge.
func MergeElementTypes(a, b ElementType) (ElementType, bool) {
	switch {
	case a == b:
		return a, true
	case a == DynamicType:
		return b, true
	case b == DynamicType:
		return a, true
	}
	return DynamicType, false
}

// ElementTypePromotion controls how element type mismatches of elementwise operations are
// handled.
type ElementTypePromotion struct {
	// AllowPromotion enables automatic promotion to the higher priority type. If false (default),
	// mismatches are a TypeError.
	AllowPromotion bool
	// PrioritizeFloat16 prefers Float16 over Float32 when promoting.
	// Only applies when AllowPromotion is true.
	PrioritizeFloat16 bool
}

// CommonElementType returns the type both operands of an elementwise operation are computed in,
// or a TypeError if they mismatch and promotion is not allowed.
func (config ElementTypePromotion) CommonElementType(lhs, rhs ElementType) (ElementType, error) {
	return config.commonElementType("", lhs, rhs)
}

// commonElementType returns the type both operands of an elementwise operation are computed in.
func (config ElementTypePromotion) commonElementType(op string, lhs, rhs ElementType) (ElementType, error) {
	if merged, ok := MergeElementTypes(lhs, rhs); ok {
		return merged, nil
	}
	if !config.AllowPromotion {
		return DynamicType, typeErrorf(op, "element type mismatch: %s vs %s (use Graph.AllowElementTypePromotion() to enable promotion)",
			ElementTypeName(lhs), ElementTypeName(rhs))
	}
	if config.PrioritizeFloat16 {
		if (lhs == dtypes.Float16 && rhs == dtypes.Float32) || (lhs == dtypes.Float32 && rhs == dtypes.Float16) {
			return dtypes.Float16, nil
		}
	}
	if typePriority(rhs) > typePriority(lhs) {
		return rhs, nil
	}
	return lhs, nil
}

// typePriority returns a priority value for element type promotion.
// Higher values are preferred in mixed-type operations.
func typePriority(dt ElementType) int {
	switch dt {
	case dtypes.Complex128:
		return 110
	case dtypes.Complex64:
		return 105
	case dtypes.Float64:
		return 100
	case dtypes.Float32:
		return 90
	case dtypes.Float16, dtypes.BFloat16:
		return 80
	case dtypes.Int64:
		return 70
	case dtypes.Int32:
		return 60
	case dtypes.Int16:
		return 50
	case dtypes.Int8:
		return 40
	case dtypes.Uint64:
		return 35
	case dtypes.Uint32:
		return 30
	case dtypes.Uint16:
		return 25
	case dtypes.Uint8:
		return 20
	case dtypes.Bool:
		return 10
	default:
		return 0
	}
}

// isIntegerType reports whether t can hold shape/axis values. Dynamic is accepted.
func isIntegerType(t ElementType) bool {
	return t == DynamicType || t.IsInt()
}
