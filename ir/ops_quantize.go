package ir

// FakeQuantizeOp clamps its input to [inputLow, inputHigh], quantizes it to Levels evenly spaced
// values and maps them to [outputLow, outputHigh].
//
// Inputs: x, inputLow, inputHigh, outputLow, outputHigh. Bounds are either scalar-like (one element)
// or per-channel, with the length of the ChannelAxis dimension of x.
type FakeQuantizeOp struct {
	Levels int

	// OutputType is the element type of the output. DynamicType keeps the input type.
	OutputType ElementType

	// ChannelAxis is the axis of x per-channel bounds refer to.
	ChannelAxis int
}

func (op *FakeQuantizeOp) Type() string { return "FakeQuantize" }

var fakeQuantizeInputNames = []string{"x", "input_low", "input_high", "output_low", "output_high"}

func (op *FakeQuantizeOp) Infer(inputs []InputDesc) ([]TensorDesc, error) {
	if err := checkArity(op.Type(), inputs, 5); err != nil {
		return nil, err
	}
	if op.Levels < 2 {
		return nil, constructionErrorf(op.Type(), "levels must be >= 2, got %d", op.Levels)
	}
	x := inputs[0]
	if x.ElementType != DynamicType && !x.ElementType.IsFloat() {
		return nil, typeErrorf(op.Type(), "input must be floating point, got %s", x.TensorDesc)
	}
	xRank, xRankKnown := x.Shape.Rank()
	channelAxis := op.ChannelAxis
	if xRankKnown && xRank > 0 {
		var ok bool
		channelAxis, ok = normalizeAxis(op.ChannelAxis, xRank)
		if !ok {
			return nil, shapeErrorf(op.Type(), "channel axis %d out of range for input shape %s", op.ChannelAxis, x.Shape)
		}
	}
	for ii := 1; ii < 5; ii++ {
		bound := inputs[ii]
		if _, ok := MergeElementTypes(x.ElementType, bound.ElementType); !ok {
			return nil, typeErrorf(op.Type(), "%s has element type %s, but x is %s",
				fakeQuantizeInputNames[ii], ElementTypeName(bound.ElementType), ElementTypeName(x.ElementType))
		}
		if err := op.checkBound(fakeQuantizeInputNames[ii], bound.Shape, x.Shape, channelAxis); err != nil {
			return nil, err
		}
	}
	out := TensorDesc{ElementType: op.OutputType, Shape: x.Shape}
	if out.ElementType == DynamicType {
		out.ElementType = x.ElementType
	}
	return []TensorDesc{out}, nil
}

// checkBound verifies a bound is scalar-like, or has a single non-unit axis aligned with the
// channel axis of x and of the same length.
func (op *FakeQuantizeOp) checkBound(name string, bound, x PartialShape, channelAxis int) error {
	boundRank, known := bound.Rank()
	if !known {
		return nil
	}
	xRank, xRankKnown := x.Rank()
	if xRankKnown && boundRank > xRank {
		return shapeErrorf(op.Type(), "%s shape %s has rank larger than input shape %s", name, bound, x)
	}
	for ii, dim := range bound.dims {
		if dim == 1 || dim == DynamicDim {
			continue
		}
		if !xRankKnown {
			continue
		}
		axis := xRank - boundRank + ii
		if axis != channelAxis {
			return shapeErrorf(op.Type(), "%s shape %s must be scalar-like or per-channel on axis %d of input shape %s",
				name, bound, channelAxis, x)
		}
		if channelDim := x.Dim(channelAxis); channelDim != DynamicDim && channelDim != dim {
			return shapeErrorf(op.Type(), "%s has %d values, but the channel axis %d of input shape %s has %d",
				name, dim, channelAxis, x, channelDim)
		}
	}
	return nil
}

// FakeQuantize creates a FakeQuantize node with the channel axis 1.
// If outputType is DynamicType, the output keeps the element type of x.
func FakeQuantize(x, inputLow, inputHigh, outputLow, outputHigh Value, levels int, outputType ElementType) (*Node, error) {
	op := &FakeQuantizeOp{Levels: levels, OutputType: outputType, ChannelAxis: 1}
	return addNode(op, x, inputLow, inputHigh, outputLow, outputHigh)
}
