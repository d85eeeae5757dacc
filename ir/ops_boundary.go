package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ParameterOp is a graph input. Its descriptor is declared, and may only be changed through
// Model.RefineParameters.
type ParameterOp struct {
	desc TensorDesc
}

func (op *ParameterOp) Type() string { return "Parameter" }

// Desc returns the declared element type and shape.
func (op *ParameterOp) Desc() TensorDesc { return op.desc }

func (op *ParameterOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 0); err != nil {
		return nil, err
	}
	return []TensorDesc{op.desc}, nil
}

// Parameter creates a graph input of the given element type and shape.
func Parameter(g *Graph, elementType ElementType, shape PartialShape) *Node {
	node, err := g.AddNode(&ParameterOp{desc: TensorDesc{ElementType: elementType, Shape: shape}})
	if err != nil {
		// Parameters have no inputs and no rule that can fail.
		panic(err)
	}
	return node
}

// ConstantOp embeds a literal tensor.
type ConstantOp struct {
	tensor *tensors.Tensor
	ints   []int
}

func (op *ConstantOp) Type() string { return "Constant" }

// Tensor returns the literal value.
func (op *ConstantOp) Tensor() *tensors.Tensor { return op.tensor }

func (op *ConstantOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 0); err != nil {
		return nil, err
	}
	return []TensorDesc{{ElementType: op.tensor.DType(), Shape: FromShape(op.tensor.Shape())}}, nil
}

// intValues returns the values of an integer constant of rank <= 1, or nil.
func (op *ConstantOp) intValues() []int {
	return op.ints
}

// ConstantInts returns the values of o if it is produced by an integer Constant of rank <= 1.
func ConstantInts(o Value) ([]int, bool) {
	if o == nil || o.AsOutput().node == nil {
		return nil, false
	}
	c, ok := o.AsOutput().node.op.(*ConstantOp)
	if !ok || c.ints == nil {
		return nil, false
	}
	return slices.Clone(c.ints), true
}

// Constant creates a node holding the literal tensor t.
func Constant(g *Graph, t *tensors.Tensor) (*Node, error) {
	if t == nil {
		return nil, constructionErrorf("Constant", "nil tensor")
	}
	op := &ConstantOp{tensor: t}
	if t.DType().IsInt() && t.Rank() <= 1 {
		ints, err := tensorToInts(t)
		if err != nil {
			return nil, &ConstructionError{Op: op.Type(), err: err}
		}
		op.ints = ints
	}
	return g.AddNode(op)
}

// ConstantFromValue creates a constant from a Go scalar or (multi-dimensional) slice, e.g.
// []int64{0, 2, 1, 3}.
func ConstantFromValue(g *Graph, value any) (*Node, error) {
	var t *tensors.Tensor
	err := exceptions.TryCatch[error](func() { t = tensors.FromAnyValue(value) })
	if err != nil {
		return nil, &ConstructionError{Op: "Constant", err: errors.WithMessagef(err, "converting %T to a tensor", value)}
	}
	return Constant(g, t)
}

// tensorToInts converts the flat data of an integer tensor to []int.
func tensorToInts(t *tensors.Tensor) ([]int, error) {
	var ints []int
	err := t.ConstFlatData(func(flat any) {
		switch data := flat.(type) {
		case []int64:
			ints = convertInts(data)
		case []int32:
			ints = convertInts(data)
		case []int16:
			ints = convertInts(data)
		case []int8:
			ints = convertInts(data)
		case []uint8:
			ints = convertInts(data)
		case []uint16:
			ints = convertInts(data)
		case []uint32:
			ints = convertInts(data)
		case []uint64:
			ints = convertInts(data)
		}
	})
	if err != nil {
		return nil, err
	}
	if ints == nil {
		ints = []int{}
	}
	return ints, nil
}

func convertInts[T int64 | int32 | int16 | int8 | uint8 | uint16 | uint32 | uint64](data []T) []int {
	ints := make([]int, len(data))
	for ii, v := range data {
		ints[ii] = int(v)
	}
	return ints
}

// ResultOp marks a graph output. Its output is identical to its single input, and carries the
// optional layout metadata (see Node.SetLayout).
type ResultOp struct{}

func (op *ResultOp) Type() string { return "Result" }

func (op *ResultOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 1); err != nil {
		return nil, err
	}
	return []TensorDesc{inputs[0].TensorDesc}, nil
}

// Result creates a graph output for x.
func Result(x Value) (*Node, error) {
	return addNode(&ResultOp{}, x)
}

// checkArity returns a ConstructionError if the number of inputs is not n.
func checkArity(op string, inputs []InputDesc, n int) error {
	if len(inputs) != n {
		return constructionErrorf(op, "expected %d inputs, got %d", n, len(inputs))
	}
	return nil
}

// addNode adds a node to the graph of the first input.
func addNode(op Operation, inputs ...Value) (*Node, error) {
	if len(inputs) == 0 || inputs[0] == nil || inputs[0].AsOutput().node == nil {
		return nil, constructionErrorf(op.Type(), "missing first input")
	}
	return inputs[0].AsOutput().node.graph.AddNode(op, inputs...)
}
