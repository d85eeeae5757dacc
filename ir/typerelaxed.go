package ir

// TypeRelaxedOp decorates an operation so it reports different input/output element types than
// its default rule. It is used to compose mixed-precision chains, e.g. a Select whose condition
// arrives as u8.
//
// InputTypes[i], if not DynamicType, replaces the element type of input i seen by the wrapped rule.
// OutputTypes[i], if not DynamicType, replaces the element type of output i it produces.
// When executed, inputs are converted to the declared input types and outputs to the declared
// output types.
type TypeRelaxedOp struct {
	Op          Operation
	InputTypes  []ElementType
	OutputTypes []ElementType
}

// Type returns the type of the wrapped operation.
func (op *TypeRelaxedOp) Type() string {
	if op.Op == nil {
		return "TypeRelaxed"
	}
	return op.Op.Type()
}

func (op *TypeRelaxedOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if op.Op == nil {
		return nil, constructionErrorf("TypeRelaxed", "nil wrapped operation")
	}
	if len(op.InputTypes) > len(inputs) {
		return nil, constructionErrorf(op.Type(), "%d input types declared for %d inputs", len(op.InputTypes), len(inputs))
	}
	relaxed := make([]InputDesc, len(inputs))
	copy(relaxed, inputs)
	for ii, t := range op.InputTypes {
		if t != DynamicType {
			relaxed[ii].ElementType = t
		}
	}
	outputs, err := op.Op.Infer(relaxed)
	if err != nil {
		return nil, err
	}
	if len(op.OutputTypes) > len(outputs) {
		return nil, constructionErrorf(op.Type(), "%d output types declared for %d outputs", len(op.OutputTypes), len(outputs))
	}
	for ii, t := range op.OutputTypes {
		if t != DynamicType {
			outputs[ii].ElementType = t
		}
	}
	return outputs, nil
}

// OriginType returns the element type the wrapped rule sees for input i.
func (op *TypeRelaxedOp) OriginType(i int, actual ElementType) ElementType {
	if i < len(op.InputTypes) && op.InputTypes[i] != DynamicType {
		return op.InputTypes[i]
	}
	return actual
}

// OverriddenOutputType returns the declared type of output i, or DynamicType if not overridden.
func (op *TypeRelaxedOp) OverriddenOutputType(i int) ElementType {
	if i < len(op.OutputTypes) {
		return op.OutputTypes[i]
	}
	return DynamicType
}

// TypeRelaxed adds a node running op with the declared input and output element types.
// Either list may be shorter than the number of inputs/outputs, and DynamicType entries keep the
// default.
func TypeRelaxed(op Operation, inputTypes, outputTypes []ElementType, inputs ...Value) (*Node, error) {
	return addNode(&TypeRelaxedOp{Op: op, InputTypes: inputTypes, OutputTypes: outputTypes}, inputs...)
}
