package togomlx

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/irgraph/ir"
	"github.com/pkg/errors"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
)

// This file implements the conversion of the ir operations that don't have a direct corresponding GoMLX operator.

// gomlxBinaryOp is a GoMLX binary op. Used by convertBinaryOp.
type gomlxBinaryOp func(lhs, rhs *Node) *Node

// broadcastOperands applies numpy broadcasting to the operands: they are expanded to the left to
// the largest rank, and then broadcast to the largest dimension of each axis.
func broadcastOperands(operands ...*Node) []*Node {
	maxRank := xslices.Max(xslices.Map(operands, func(n *Node) int { return n.Rank() }))
	operands = xslices.Map(operands, func(n *Node) *Node {
		if n.Rank() == maxRank {
			return n
		}
		return ExpandLeftToRank(n, maxRank)
	})
	maxDims := make([]int, maxRank)
	for axis := range maxRank {
		maxDims[axis] = xslices.Max(xslices.Map(operands, func(n *Node) int { return n.Shape().Dim(axis) }))
	}
	return xslices.Map(operands, func(n *Node) *Node {
		if slices.Equal(n.Shape().Dimensions, maxDims) {
			return n
		}
		return BroadcastToDims(n, maxDims...)
	})
}

// convertBinaryOp converts the operands to dtype and applies numpy broadcasting before calling fn.
func convertBinaryOp(fn gomlxBinaryOp, dtype dtypes.DType, lhs, rhs *Node) *Node {
	operands := broadcastOperands(convertTo(lhs, dtype), convertTo(rhs, dtype))
	return fn(operands[0], operands[1])
}

// commonType returns the element type a binary operation is computed in. Operands of
// TypeRelaxed nodes were already converted to the types the operation expects.
func commonType(promotion ir.ElementTypePromotion, lhs, rhs *Node) dtypes.DType {
	dtype, err := promotion.CommonElementType(lhs.DType(), rhs.DType())
	if err != nil {
		panic(err)
	}
	return dtype
}

// convertTo converts x to dtype, if needed. Conversion to Bool compares to zero.
func convertTo(x *Node, dtype dtypes.DType) *Node {
	if dtype == ir.DynamicType || x.DType() == dtype {
		return x
	}
	if dtype == dtypes.Bool {
		return NotEqual(x, ZerosLike(x))
	}
	return ConvertDType(x, dtype)
}

// constantInts returns the values of the given constant input of node, or panics if it is not a
// constant.
func constantInts(node *ir.Node, inputIdx int, what string) []int {
	values, ok := ir.ConstantInts(node.Input(inputIdx))
	if !ok {
		exceptions.Panicf("%s of %s must be an integer constant, got %s", what, node, node.Input(inputIdx))
	}
	return values
}

// normalizeAxes converts negative axes to positive ones, for the given rank.
func normalizeAxes(axes []int, rank int) []int {
	return xslices.Map(axes, func(axis int) int {
		if axis < 0 {
			return axis + rank
		}
		return axis
	})
}

func convertTranspose(node *ir.Node, operand *Node) *Node {
	permutations := constantInts(node, 1, "order")
	if len(permutations) == 0 {
		// Reverse axes.
		permutations = make([]int, operand.Rank())
		for axis := range permutations {
			permutations[axis] = operand.Rank() - axis - 1
		}
	}
	if len(permutations) != operand.Rank() {
		exceptions.Panicf("Transpose(x=%s, order=%v) must have one permutation value per axis of x: %s", operand.Shape(), permutations, node)
	}
	return TransposeAllDims(operand, permutations...)
}

func convertReshape(node *ir.Node, op *ir.ReshapeOp, operand *Node) *Node {
	pattern := constantInts(node, 1, "pattern")
	dims, err := ir.ResolveReshape(operand.Shape().Dimensions, pattern, op.SpecialZero)
	if err != nil {
		panic(errors.WithMessagef(err, "while converting pattern %v for node %s", pattern, node))
	}
	return Reshape(operand, dims...)
}

func convertBroadcast(node *ir.Node, operand *Node) *Node {
	target := constantInts(node, 1, "target shape")
	rank := max(len(target), operand.Rank())
	if operand.Rank() < rank {
		operand = ExpandLeftToRank(operand, rank)
	}
	target = append(slices.Repeat([]int{1}, rank-len(target)), target...)
	dims := make([]int, rank)
	for axis := range rank {
		dim := operand.Shape().Dim(axis)
		switch {
		case dim == 1:
			dims[axis] = target[axis]
		case target[axis] == 1 || target[axis] == dim:
			dims[axis] = dim
		default:
			exceptions.Panicf("can't broadcast %s to %v in node %s", operand.Shape(), target, node)
		}
	}
	if slices.Equal(dims, operand.Shape().Dimensions) {
		return operand
	}
	return BroadcastToDims(operand, dims...)
}

func convertSqueeze(node *ir.Node, operand *Node) *Node {
	var axes []int
	if node.NumInputs() >= 2 {
		axes = normalizeAxes(constantInts(node, 1, "axes"), operand.Rank())
	} else {
		// If axes is not given, pick all axes that have dimension == 1.
		for axis, dim := range operand.Shape().Dimensions {
			if dim == 1 {
				axes = append(axes, axis)
			}
		}
	}
	if len(axes) == 0 {
		return operand
	}
	return Squeeze(operand, axes...)
}

func convertUnsqueeze(node *ir.Node, operand *Node) *Node {
	axes := constantInts(node, 1, "axes")
	axes = normalizeAxes(axes, operand.Rank()+len(axes))
	slices.Sort(axes)
	return ExpandAxes(operand, axes...)
}

func convertMatMul(op *ir.MatMulOp, lhs, rhs *Node) *Node {
	dtype := commonType(op.Promotion, lhs, rhs)
	lhs, rhs = convertTo(lhs, dtype), convertTo(rhs, dtype)
	if op.TransposeA && lhs.Rank() >= 2 {
		lhs = Transpose(lhs, lhs.Rank()-2, lhs.Rank()-1)
	}
	if op.TransposeB && rhs.Rank() >= 2 {
		rhs = Transpose(rhs, rhs.Rank()-2, rhs.Rank()-1)
	}
	return MatMul(lhs, rhs)
}

// convertSelect implements numpy broadcasting of the 3 operands before calling GoMLX Where.
func convertSelect(op *ir.SelectOp, inputs []*Node) *Node {
	dtype := commonType(op.Promotion, inputs[1], inputs[2])
	operands := broadcastOperands(convertTo(inputs[0], dtypes.Bool), convertTo(inputs[1], dtype), convertTo(inputs[2], dtype))
	cond, onTrue, onFalse := operands[0], operands[1], operands[2]
	return Where(cond, onTrue, onFalse)
}

func convertSoftmax(op *ir.SoftmaxOp, operand *Node) *Node {
	axis := op.Axis
	if axis < 0 {
		axis += operand.Rank()
	}
	return nn.Softmax(operand, axis)
}

func convertRelu(operand *Node) *Node {
	return activations.Relu(operand)
}

// convertFakeQuantize clamps x to the input range, rounds it to one of the levels and maps it to
// the output range:
//
//	x <= min(inLow, inHigh): outLow
//	x > max(inLow, inHigh): outHigh
//	otherwise: round((x - inLow) / (inHigh - inLow) * (levels-1)) / (levels-1) * (outHigh - outLow) + outLow
func convertFakeQuantize(op *ir.FakeQuantizeOp, node *ir.Node, inputs []*Node) *Node {
	x := inputs[0]
	dtype := x.DType()
	operands := broadcastOperands(xslices.Map(inputs, func(n *Node) *Node { return convertTo(n, dtype) })...)
	x, inLow, inHigh, outLow, outHigh := operands[0], operands[1], operands[2], operands[3], operands[4]
	levels := Scalar(x.Graph(), dtype, float64(op.Levels-1))
	quantized := Round(Mul(Div(Sub(x, inLow), Sub(inHigh, inLow)), levels))
	output := Add(Mul(Div(quantized, levels), Sub(outHigh, outLow)), outLow)
	output = Where(LessOrEqual(x, Min(inLow, inHigh)), outLow, output)
	output = Where(GreaterThan(x, Max(inLow, inHigh)), outHigh, output)
	return convertTo(output, node.Output(0).ElementType())
}
