package ir

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// MatMulOp is a matrix multiplication with numpy batch broadcasting.
type MatMulOp struct {
	TransposeA, TransposeB bool
	Promotion              ElementTypePromotion
}

func (op *MatMulOp) Type() string { return "MatMul" }

func (op *MatMulOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	elementType, err := op.Promotion.commonElementType(op.Type(), a.ElementType, b.ElementType)
	if err != nil {
		return nil, err
	}
	out := TensorDesc{ElementType: elementType}
	if a.Shape.IsDynamicRank() || b.Shape.IsDynamicRank() {
		out.Shape = DynamicRankShape()
		return []TensorDesc{out}, nil
	}
	aDims, bDims := a.Shape.Dimensions(), b.Shape.Dimensions()
	if len(aDims) == 0 || len(bDims) == 0 {
		return nil, shapeErrorf(op.Type(), "operands must have rank >= 1, got %s and %s", a.Shape, b.Shape)
	}

	// 1-D operands are promoted to matrices, and the added axis is removed from the result.
	aIsVector, bIsVector := len(aDims) == 1, len(bDims) == 1
	if aIsVector {
		aDims = []int{1, aDims[0]}
	} else if op.TransposeA {
		aDims[len(aDims)-1], aDims[len(aDims)-2] = aDims[len(aDims)-2], aDims[len(aDims)-1]
	}
	if bIsVector {
		bDims = []int{bDims[0], 1}
	} else if op.TransposeB {
		bDims[len(bDims)-1], bDims[len(bDims)-2] = bDims[len(bDims)-2], bDims[len(bDims)-1]
	}

	k0, k1 := aDims[len(aDims)-1], bDims[len(bDims)-2]
	if k0 != DynamicDim && k1 != DynamicDim && k0 != k1 {
		return nil, shapeErrorf(op.Type(), "contraction dimensions don't match: %s x %s (transpose_a=%v, transpose_b=%v) contracts %d with %d",
			a.Shape, b.Shape, op.TransposeA, op.TransposeB, k0, k1)
	}
	batch, err := broadcastShapes(op.Type(), MakePartialShape(aDims[:len(aDims)-2]...), MakePartialShape(bDims[:len(bDims)-2]...))
	if err != nil {
		return nil, err
	}
	dims := batch.Dimensions()
	if !aIsVector {
		dims = append(dims, aDims[len(aDims)-2])
	}
	if !bIsVector {
		dims = append(dims, bDims[len(bDims)-1])
	}
	out.Shape = MakePartialShape(dims...)
	return []TensorDesc{out}, nil
}

// MatMul multiplies a by b, optionally transposing the last two axes of either operand first.
// Leading (batch) axes are broadcast.
func MatMul(a, b Value, transposeA, transposeB bool) (*Node, error) {
	return addNode(&MatMulOp{TransposeA: transposeA, TransposeB: transposeB, Promotion: promotionOf(a)}, a, b)
}

// inferBinaryElementwise checks the types and broadcasts the shapes of a binary elementwise operation.
// If outputType is not DynamicType, it is used as the output element type (for comparisons).
func inferBinaryElementwise(op string, promotion ElementTypePromotion, inputs []InputDesc, outputType ElementType) ([]TensorDesc, error) {
	if err := checkArity(op, inputs, 2); err != nil {
		return nil, err
	}
	elementType, err := promotion.commonElementType(op, inputs[0].ElementType, inputs[1].ElementType)
	if err != nil {
		return nil, err
	}
	if outputType != DynamicType {
		elementType = outputType
	}
	shape, err := broadcastShapes(op, inputs[0].Shape, inputs[1].Shape)
	if err != nil {
		return nil, err
	}
	return []TensorDesc{{ElementType: elementType, Shape: shape}}, nil
}

// AddOp is the elementwise sum with numpy broadcasting.
type AddOp struct{ Promotion ElementTypePromotion }

func (op *AddOp) Type() string { return "Add" }

func (op *AddOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	return inferBinaryElementwise(op.Type(), op.Promotion, inputs, DynamicType)
}

// Add returns a+b.
func Add(a, b Value) (*Node, error) {
	return addNode(&AddOp{Promotion: promotionOf(a)}, a, b)
}

// MultiplyOp is the elementwise product with numpy broadcasting.
type MultiplyOp struct{ Promotion ElementTypePromotion }

func (op *MultiplyOp) Type() string { return "Multiply" }

func (op *MultiplyOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	return inferBinaryElementwise(op.Type(), op.Promotion, inputs, DynamicType)
}

// Multiply returns a*b.
func Multiply(a, b Value) (*Node, error) {
	return addNode(&MultiplyOp{Promotion: promotionOf(a)}, a, b)
}

// LessOp is the elementwise a < b comparison, with boolean output.
type LessOp struct{ Promotion ElementTypePromotion }

func (op *LessOp) Type() string { return "Less" }

func (op *LessOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	return inferBinaryElementwise(op.Type(), op.Promotion, inputs, dtypes.Bool)
}

// Less returns a boolean tensor with a < b.
func Less(a, b Value) (*Node, error) {
	return addNode(&LessOp{Promotion: promotionOf(a)}, a, b)
}

// SelectOp picks elements from its second or third input depending on its boolean first input.
type SelectOp struct{ Promotion ElementTypePromotion }

func (op *SelectOp) Type() string { return "Select" }

func (op *SelectOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 3); err != nil {
		return nil, err
	}
	cond, a, b := inputs[0], inputs[1], inputs[2]
	if cond.ElementType != dtypes.Bool && cond.ElementType != DynamicType {
		return nil, typeErrorf(op.Type(), "condition must be boolean, got %s (use Convert or a TypeRelaxed Select)", cond.TensorDesc)
	}
	elementType, err := op.Promotion.commonElementType(op.Type(), a.ElementType, b.ElementType)
	if err != nil {
		return nil, err
	}
	shape, err := broadcastShapes(op.Type(), cond.Shape, a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	return []TensorDesc{{ElementType: elementType, Shape: shape}}, nil
}

// Select returns onTrue where cond is true and onFalse otherwise. All three are broadcast.
func Select(cond, onTrue, onFalse Value) (*Node, error) {
	return addNode(&SelectOp{Promotion: promotionOf(cond)}, cond, onTrue, onFalse)
}

// SoftmaxOp normalizes its input along Axis.
type SoftmaxOp struct {
	// Axis can be negative, counting from the end.
	Axis int
}

func (op *SoftmaxOp) Type() string { return "Softmax" }

func (op *SoftmaxOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	if x.ElementType != DynamicType && !x.ElementType.IsFloat() {
		return nil, typeErrorf(op.Type(), "input must be floating point, got %s", x.TensorDesc)
	}
	if rank, known := x.Shape.Rank(); known {
		if _, ok := normalizeAxis(op.Axis, rank); !ok {
			return nil, shapeErrorf(op.Type(), "axis %d out of range for input shape %s", op.Axis, x.Shape)
		}
	}
	return []TensorDesc{x.TensorDesc}, nil
}

// Softmax of x along axis.
func Softmax(x Value, axis int) (*Node, error) {
	return addNode(&SoftmaxOp{Axis: axis}, x)
}

// ReluOp is max(x, 0).
type ReluOp struct{}

func (op *ReluOp) Type() string { return "Relu" }

func (op *ReluOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 1); err != nil {
		return nil, err
	}
	return []TensorDesc{inputs[0].TensorDesc}, nil
}

// Relu returns max(x, 0).
func Relu(x Value) (*Node, error) {
	return addNode(&ReluOp{}, x)
}

// ConvertOp changes the element type of its input.
type ConvertOp struct {
	Destination ElementType
}

func (op *ConvertOp) Type() string { return "Convert" }

func (op *ConvertOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 1); err != nil {
		return nil, err
	}
	if op.Destination == DynamicType {
		return nil, constructionErrorf(op.Type(), "destination element type must be static")
	}
	return []TensorDesc{{ElementType: op.Destination, Shape: inputs[0].Shape}}, nil
}

// Convert x to the destination element type.
func Convert(x Value, destination ElementType) (*Node, error) {
	return addNode(&ConvertOp{Destination: destination}, x)
}

// promotionOf returns the element type promotion configuration of the graph of v.
func promotionOf(v Value) ElementTypePromotion {
	if v == nil {
		return ElementTypePromotion{}
	}
	o := v.AsOutput()
	if o.node == nil {
		return ElementTypePromotion{}
	}
	return o.node.graph.promotion
}
