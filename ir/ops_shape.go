package ir

import (
	"slices"
)

// checkShapeInput validates an input holding shape or axes values: integer type and rank <= 1.
func checkShapeInput(op, what string, input InputDesc) error {
	if !isIntegerType(input.ElementType) {
		return typeErrorf(op, "%s must be an integer tensor, got %s", what, input.TensorDesc)
	}
	if rank, known := input.Shape.Rank(); known && rank > 1 {
		return shapeErrorf(op, "%s must be a scalar or 1-D tensor, got shape %s", what, input.Shape)
	}
	return nil
}

// unknownValuesRank returns the number of values of a shape/axes input whose values aren't known,
// and whether it is known.
func unknownValuesRank(input InputDesc) (int, bool) {
	rank, known := input.Shape.Rank()
	if !known {
		return 0, false
	}
	if rank == 0 {
		return 1, true
	}
	n := input.Shape.Dim(0)
	return n, n != DynamicDim
}

// TransposeOp permutes the axes of its first input, following the order given by its second input.
type TransposeOp struct{}

func (op *TransposeOp) Type() string { return "Transpose" }

func (op *TransposeOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 2); err != nil {
		return nil, err
	}
	x, order := inputs[0], inputs[1]
	if err := checkShapeInput(op.Type(), "order", order); err != nil {
		return nil, err
	}
	out := TensorDesc{ElementType: x.ElementType}
	if order.Values == nil {
		// Not a compile-time known permutation.
		out.Shape = DynamicRankShape()
		return []TensorDesc{out}, nil
	}
	perm := order.Values
	rank, known := x.Shape.Rank()
	if !known {
		if len(perm) == 0 {
			out.Shape = DynamicRankShape()
		} else {
			out.Shape = DynamicShapeOfRank(len(perm))
		}
		return []TensorDesc{out}, nil
	}
	if len(perm) == 0 {
		// Empty order reverses the axes.
		perm = make([]int, rank)
		for ii := range perm {
			perm[ii] = rank - 1 - ii
		}
	}
	if len(perm) != rank {
		return nil, shapeErrorf(op.Type(), "order %v has %d axes, but input shape %s has rank %d", perm, len(perm), x.Shape, rank)
	}
	seen := make([]bool, rank)
	dims := make([]int, rank)
	for ii, axis := range perm {
		if axis < 0 || axis >= rank || seen[axis] {
			return nil, shapeErrorf(op.Type(), "order %v is not a permutation of the axes of rank %d", perm, rank)
		}
		seen[axis] = true
		dims[ii] = x.Shape.Dim(axis)
	}
	out.Shape = MakePartialShape(dims...)
	return []TensorDesc{out}, nil
}

// Transpose permutes the axes of x: output axis i is input axis order[i].
// If order is not produced by a Constant, the output shape has dynamic rank.
func Transpose(x, order Value) (*Node, error) {
	return addNode(&TransposeOp{}, x, order)
}

// ReshapeOp changes the shape of its first input to the pattern given by its second input.
type ReshapeOp struct {
	// SpecialZero makes a 0 in the pattern copy the corresponding input dimension.
	SpecialZero bool
}

func (op *ReshapeOp) Type() string { return "Reshape" }

func (op *ReshapeOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 2); err != nil {
		return nil, err
	}
	x, pattern := inputs[0], inputs[1]
	if err := checkShapeInput(op.Type(), "target shape", pattern); err != nil {
		return nil, err
	}
	out := TensorDesc{ElementType: x.ElementType}
	if pattern.Values == nil {
		if n, known := unknownValuesRank(pattern); known {
			out.Shape = DynamicShapeOfRank(n)
		} else {
			out.Shape = DynamicRankShape()
		}
		return []TensorDesc{out}, nil
	}
	shape, err := op.resolvePattern(x.Shape, pattern.Values)
	if err != nil {
		return nil, err
	}
	out.Shape = shape
	return []TensorDesc{out}, nil
}

// resolvePattern computes the output shape of the reshape of an input shaped inShape.
func (op *ReshapeOp) resolvePattern(inShape PartialShape, pattern []int) (PartialShape, error) {
	inRank, inRankKnown := inShape.Rank()
	dims := make([]int, len(pattern))
	inferAxis := -1
	for ii, value := range pattern {
		switch {
		case value == -1:
			if inferAxis >= 0 {
				return PartialShape{}, shapeErrorf(op.Type(), "pattern %v has more than one -1", pattern)
			}
			inferAxis = ii
			dims[ii] = DynamicDim
		case value < -1:
			return PartialShape{}, shapeErrorf(op.Type(), "pattern %v has invalid negative value %d at axis %d", pattern, value, ii)
		case value == 0 && op.SpecialZero:
			if !inRankKnown {
				dims[ii] = DynamicDim
				continue
			}
			if ii >= inRank {
				return PartialShape{}, shapeErrorf(op.Type(), "pattern %v copies axis %d (special_zero), but input shape %s has rank %d",
					pattern, ii, inShape, inRank)
			}
			dims[ii] = inShape.Dim(ii)
		default:
			dims[ii] = value
		}
	}

	inSize, inSizeKnown := inShape.Size()
	product, othersKnown := 1, true
	for ii, dim := range dims {
		if ii == inferAxis {
			continue
		}
		if dim == DynamicDim {
			othersKnown = false
			continue
		}
		product *= dim
	}
	if !inSizeKnown || !othersKnown {
		if inferAxis >= 0 && inRankKnown {
			if err := op.inferCopiedAxes(inShape, pattern, dims, inferAxis); err != nil {
				return PartialShape{}, err
			}
		}
		return MakePartialShape(dims...), nil
	}
	if inferAxis >= 0 {
		if product == 0 {
			return PartialShape{}, shapeErrorf(op.Type(), "cannot infer the -1 of pattern %v: other dimensions have zero elements", pattern)
		}
		if inSize%product != 0 {
			return PartialShape{}, shapeErrorf(op.Type(), "input shape %s (%d elements) is not divisible by %d for pattern %v",
				inShape, inSize, product, pattern)
		}
		dims[inferAxis] = inSize / product
	} else if product != inSize {
		return PartialShape{}, shapeErrorf(op.Type(), "input shape %s has %d elements, but pattern %v resolves to %v with %d elements",
			inShape, inSize, pattern, dims, product)
	}
	return MakePartialShape(dims...), nil
}

// inferCopiedAxes resolves the -1 of pattern when the only unknown dimensions of the input are
// copied by special_zero 0s, since those cancel out: [?,3,4] with [0,-1] is [?,12].
// Otherwise dims is left as it is.
func (op *ReshapeOp) inferCopiedAxes(inShape PartialShape, pattern, dims []int, inferAxis int) error {
	copied := func(axis int) bool { return op.SpecialZero && axis < len(pattern) && pattern[axis] == 0 }
	rest := 1
	for ii, dim := range inShape.dims {
		if copied(ii) {
			continue
		}
		if dim == DynamicDim {
			return nil
		}
		rest *= dim
	}
	explicit := 1
	for ii, value := range pattern {
		if ii != inferAxis && !copied(ii) {
			explicit *= value
		}
	}
	if explicit == 0 {
		return nil
	}
	if rest%explicit != 0 {
		return shapeErrorf(op.Type(), "input shape %s is not divisible by %d for pattern %v", inShape, explicit, pattern)
	}
	dims[inferAxis] = rest / explicit
	return nil
}

// ResolveReshape computes the concrete dimensions for reshaping an input of the given static
// dimensions with pattern. It is used when executing models with dynamic dimensions.
func ResolveReshape(inDims, pattern []int, specialZero bool) ([]int, error) {
	op := &ReshapeOp{SpecialZero: specialZero}
	shape, err := op.resolvePattern(StaticShape(inDims...), pattern)
	if err != nil {
		return nil, err
	}
	return shape.Dimensions(), nil
}

// Reshape changes the shape of x to pattern. A -1 entry is inferred from the number of elements,
// and with specialZero a 0 entry copies the corresponding input dimension.
func Reshape(x, pattern Value, specialZero bool) (*Node, error) {
	return addNode(&ReshapeOp{SpecialZero: specialZero}, x, pattern)
}

// BroadcastOp broadcasts its first input to the shape given by its second input using numpy rules.
type BroadcastOp struct{}

func (op *BroadcastOp) Type() string { return "Broadcast" }

func (op *BroadcastOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 2); err != nil {
		return nil, err
	}
	x, target := inputs[0], inputs[1]
	if err := checkShapeInput(op.Type(), "target shape", target); err != nil {
		return nil, err
	}
	out := TensorDesc{ElementType: x.ElementType}
	if target.Values == nil {
		n, nKnown := unknownValuesRank(target)
		rank, rankKnown := x.Shape.Rank()
		if nKnown && rankKnown {
			out.Shape = DynamicShapeOfRank(max(n, rank))
		} else {
			out.Shape = DynamicRankShape()
		}
		return []TensorDesc{out}, nil
	}
	for ii, dim := range target.Values {
		if dim < 0 {
			return nil, shapeErrorf(op.Type(), "target shape %v has negative dimension at axis %d", target.Values, ii)
		}
	}
	shape, err := broadcastShapes(op.Type(), x.Shape, StaticShape(target.Values...))
	if err != nil {
		return nil, err
	}
	out.Shape = shape
	return []TensorDesc{out}, nil
}

// Broadcast x to targetShape following numpy rules.
func Broadcast(x, targetShape Value) (*Node, error) {
	return addNode(&BroadcastOp{}, x, targetShape)
}

// SqueezeOp removes unit axes.
type SqueezeOp struct{}

func (op *SqueezeOp) Type() string { return "Squeeze" }

func (op *SqueezeOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if len(inputs) != 1 && len(inputs) != 2 {
		return nil, constructionErrorf(op.Type(), "expected 1 or 2 inputs, got %d", len(inputs))
	}
	x := inputs[0]
	out := TensorDesc{ElementType: x.ElementType}
	rank, rankKnown := x.Shape.Rank()

	if len(inputs) == 1 {
		if !rankKnown {
			out.Shape = DynamicRankShape()
			return []TensorDesc{out}, nil
		}
		dims := make([]int, 0, rank)
		for _, dim := range x.Shape.dims {
			if dim == DynamicDim {
				// Can't tell whether it will be squeezed.
				out.Shape = DynamicRankShape()
				return []TensorDesc{out}, nil
			}
			if dim != 1 {
				dims = append(dims, dim)
			}
		}
		out.Shape = MakePartialShape(dims...)
		return []TensorDesc{out}, nil
	}

	axes := inputs[1]
	if err := checkShapeInput(op.Type(), "axes", axes); err != nil {
		return nil, err
	}
	if !rankKnown {
		out.Shape = DynamicRankShape()
		return []TensorDesc{out}, nil
	}
	if axes.Values == nil {
		if n, known := unknownValuesRank(axes); known && n <= rank {
			out.Shape = DynamicShapeOfRank(rank - n)
		} else {
			out.Shape = DynamicRankShape()
		}
		return []TensorDesc{out}, nil
	}
	squeezed := make([]bool, rank)
	for _, axis := range axes.Values {
		normalized, ok := normalizeAxis(axis, rank)
		if !ok {
			return nil, shapeErrorf(op.Type(), "axis %d out of range for input shape %s", axis, x.Shape)
		}
		if dim := x.Shape.Dim(normalized); dim != 1 && dim != DynamicDim {
			return nil, shapeErrorf(op.Type(), "cannot squeeze axis %d of input shape %s: dimension is %d", axis, x.Shape, dim)
		}
		squeezed[normalized] = true
	}
	dims := make([]int, 0, rank)
	for ii, dim := range x.Shape.dims {
		if !squeezed[ii] {
			dims = append(dims, dim)
		}
	}
	out.Shape = MakePartialShape(dims...)
	return []TensorDesc{out}, nil
}

// Squeeze removes the given unit axes of x. If axes is nil, all known unit axes are removed.
func Squeeze(x, axes Value) (*Node, error) {
	if axes == nil {
		return addNode(&SqueezeOp{}, x)
	}
	return addNode(&SqueezeOp{}, x, axes)
}

// UnsqueezeOp inserts unit axes.
type UnsqueezeOp struct{}

func (op *UnsqueezeOp) Type() string { return "Unsqueeze" }

func (op *UnsqueezeOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 2); err != nil {
		return nil, err
	}
	x, axes := inputs[0], inputs[1]
	if err := checkShapeInput(op.Type(), "axes", axes); err != nil {
		return nil, err
	}
	out := TensorDesc{ElementType: x.ElementType}
	rank, rankKnown := x.Shape.Rank()
	if !rankKnown {
		out.Shape = DynamicRankShape()
		return []TensorDesc{out}, nil
	}
	if axes.Values == nil {
		if n, known := unknownValuesRank(axes); known {
			out.Shape = DynamicShapeOfRank(rank + n)
		} else {
			out.Shape = DynamicRankShape()
		}
		return []TensorDesc{out}, nil
	}
	outRank := rank + len(axes.Values)
	inserted := make([]bool, outRank)
	for _, axis := range axes.Values {
		normalized, ok := normalizeAxis(axis, outRank)
		if !ok {
			return nil, shapeErrorf(op.Type(), "axis %d out of range for output rank %d", axis, outRank)
		}
		if inserted[normalized] {
			return nil, shapeErrorf(op.Type(), "axes %v has repeated axis %d", axes.Values, normalized)
		}
		inserted[normalized] = true
	}
	dims := make([]int, 0, outRank)
	inDims := slices.Clone(x.Shape.dims)
	for ii := range outRank {
		if inserted[ii] {
			dims = append(dims, 1)
			continue
		}
		dims = append(dims, inDims[0])
		inDims = inDims[1:]
	}
	out.Shape = MakePartialShape(dims...)
	return []TensorDesc{out}, nil
}

// Unsqueeze inserts unit axes into x, at the given positions of the output.
func Unsqueeze(x, axes Value) (*Node, error) {
	return addNode(&UnsqueezeOp{}, x, axes)
}
