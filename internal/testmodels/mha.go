// Package testmodels builds the model families used to test and benchmark the fusion of ir models.
//
// Each builder returns the original model and a reference model, where the fusible region was
// wrapped in a Subgraph by hand.
package testmodels

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/irgraph/ir"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// MHAVariant selects the flavor of multi-head attention built by BuildMHA.
type MHAVariant string

const (
	// MHAPlain is Transpose → MatMul → Add → Reshape → Softmax → Reshape → MatMul → Transpose.
	MHAPlain MHAVariant = "plain"

	// MHATransposedB uses the transpose_b attribute of the first MatMul instead of a transposed key.
	MHATransposedB MHAVariant = "transposed-b"

	// MHASelect masks the scores with a TypeRelaxed Select, whose condition is computed with Less
	// and arrives as u8.
	MHASelect MHAVariant = "select"

	// MHAFakeQuantize quantizes the query, the scores and the output.
	MHAFakeQuantize MHAVariant = "fake-quantize"

	// MHAInt8 quantizes the inputs, scores and output to i8 and the attention weights to u8. Both
	// MatMuls and the Add are TypeRelaxed, computing in the model element type on quantized values.
	// The output is converted back to the model element type.
	MHAInt8 MHAVariant = "int8"

	// MHAMulAdd scales the scores with a constant before adding the mask.
	MHAMulAdd MHAVariant = "mul-add"

	// MHANoTranspose takes the query and value already shaped [Batch, Heads, SeqLen, HeadDim] and the
	// key shaped [Batch, Heads, HeadDim, SeqLen], and leaves the output in the same layout.
	MHANoTranspose MHAVariant = "no-transpose"
)

// MHAVariants lists all variants.
var MHAVariants = []MHAVariant{MHAPlain, MHATransposedB, MHASelect, MHAFakeQuantize, MHAInt8, MHAMulAdd, MHANoTranspose}

// MHAConfig configures BuildMHA. Inputs are shaped [Batch, SeqLen, Heads, HeadDim], except for
// MHANoTranspose.
type MHAConfig struct {
	Batch   int `mapstructure:"batch"`
	Heads   int `mapstructure:"heads"`
	SeqLen  int `mapstructure:"seq"`
	HeadDim int `mapstructure:"dim"`

	// DynamicBatch declares the batch dimension as unknown.
	DynamicBatch bool `mapstructure:"dynamic_batch"`

	// WithMul scales the query with a constant before the first MatMul.
	WithMul bool `mapstructure:"with_mul"`

	Variant MHAVariant `mapstructure:"variant"`

	// DType is the name of the element type, e.g. "f32" or "f16".
	DType string `mapstructure:"dtype"`
}

// DefaultMHAConfig returns a small plain MHA configuration.
func DefaultMHAConfig() MHAConfig {
	return MHAConfig{Batch: 2, Heads: 2, SeqLen: 4, HeadDim: 8, Variant: MHAPlain, DType: "f32"}
}

// mhaInputs are the values the attention is computed from. Optional ones are nil.
type mhaInputs struct {
	q, k, mask, v ir.Value
	scale         ir.Value
	less0, less1  ir.Value
}

type mhaBuilder struct {
	cfg   MHAConfig
	dtype ir.ElementType
}

// BuildMHA builds the multi-head attention model for cfg, and its hand-fused reference, where
// the whole attention is a single Subgraph node.
func BuildMHA(cfg MHAConfig) (original, reference *ir.Model, err error) {
	dtype, err := ir.ParseElementType(cfg.DType)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Variant == "" {
		cfg.Variant = MHAPlain
	}
	b := &mhaBuilder{cfg: cfg, dtype: dtype}
	err = exceptions.TryCatch[error](func() {
		original = b.original()
		reference = b.reference()
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "building MHA model for %+v", cfg)
	}
	return
}

func (b *mhaBuilder) batchDim() int {
	if b.cfg.DynamicBatch {
		return ir.DynamicDim
	}
	return b.cfg.Batch
}

// parameters creates the model inputs, in order.
func (b *mhaBuilder) parameters(g *ir.Graph) ([]*ir.Node, mhaInputs) {
	cfg := b.cfg
	batch := b.batchDim()
	tokens := ir.MakePartialShape(batch, cfg.SeqLen, cfg.Heads, cfg.HeadDim)
	keys := tokens
	if cfg.Variant == MHANoTranspose {
		tokens = ir.MakePartialShape(batch, cfg.Heads, cfg.SeqLen, cfg.HeadDim)
		keys = ir.MakePartialShape(batch, cfg.Heads, cfg.HeadDim, cfg.SeqLen)
	}
	scores := ir.MakePartialShape(batch, cfg.Heads, cfg.SeqLen, cfg.SeqLen)
	var in mhaInputs
	q := ir.Parameter(g, b.dtype, tokens).SetFriendlyName("q")
	k := ir.Parameter(g, b.dtype, keys).SetFriendlyName("k")
	mask := ir.Parameter(g, b.dtype, scores).SetFriendlyName("mask")
	params := []*ir.Node{q, k, mask}
	in.q, in.k, in.mask = q, k, mask
	if cfg.Variant == MHASelect {
		less0 := ir.Parameter(g, b.dtype, scores).SetFriendlyName("less0")
		less1 := ir.Parameter(g, b.dtype, ir.StaticShape(1)).SetFriendlyName("less1")
		params = append(params, less0, less1)
		in.less0, in.less1 = less0, less1
	}
	v := ir.Parameter(g, b.dtype, tokens).SetFriendlyName("v")
	in.v = v
	params = append(params, v)
	return params, in
}

func (b *mhaBuilder) scale() float64 {
	return 1 / math.Sqrt(float64(b.cfg.HeadDim))
}

func (b *mhaBuilder) original() *ir.Model {
	g := ir.NewGraph("mha")
	params, in := b.parameters(g)
	if b.cfg.WithMul {
		in.scale = floatConstant(g, b.dtype, b.scale())
	}
	result := must.M1(ir.Result(b.attention(g, in)))
	return must.M1(ir.NewModel("mha", []*ir.Node{result}, params))
}

func (b *mhaBuilder) reference() *ir.Model {
	g := ir.NewGraph("mha_reference")
	params, _ := b.parameters(g)
	externals := make([]ir.Value, 0, len(params)+1)
	for _, p := range params {
		externals = append(externals, p)
	}

	bodyGraph := ir.NewGraph("mha_body")
	bodyParams, bodyIn := b.parameters(bodyGraph)
	if b.cfg.WithMul {
		// The scale constant stays in the outer graph and is fed to the body.
		scaleParam := ir.Parameter(bodyGraph, b.dtype, ir.StaticShape(1)).SetFriendlyName("scale")
		bodyParams = append(bodyParams, scaleParam)
		bodyIn.scale = scaleParam
		externals = append(externals, floatConstant(g, b.dtype, b.scale()))
	}
	bodyResult := must.M1(ir.Result(b.attention(bodyGraph, bodyIn)))
	body := must.M1(ir.NewModel(ir.MHAFusionName, []*ir.Node{bodyResult}, bodyParams))

	sub := must.M1(ir.BuildSubgraph(externals, body))
	result := must.M1(ir.Result(sub))
	return must.M1(ir.NewModel("mha_reference", []*ir.Node{result}, params))
}

// attention builds the attention pattern in g over the given inputs.
func (b *mhaBuilder) attention(g *ir.Graph, in mhaInputs) *ir.Node {
	cfg := b.cfg
	batch := b.batchDim()
	fakeQuantize := cfg.Variant == MHAFakeQuantize
	quantized := cfg.Variant == MHAInt8
	transpose := func(x ir.Value, order ...int) ir.Value {
		if cfg.Variant == MHANoTranspose {
			return x
		}
		return must.M1(ir.Transpose(x, intsConstant(g, order...)))
	}

	q := in.q
	if quantized {
		q = b.quantizeSigned(g, q, 2)
	}
	q = transpose(q, 0, 2, 1, 3)
	if fakeQuantize {
		q = b.fakeQuantize(g, q)
	}
	if in.scale != nil {
		if quantized {
			q = must.M1(ir.TypeRelaxed(&ir.MultiplyOp{}, []ir.ElementType{b.dtype, b.dtype}, []ir.ElementType{b.dtype},
				q, in.scale))
		} else {
			q = must.M1(ir.Multiply(q, in.scale))
		}
	}
	k := in.k
	if quantized {
		k = b.quantizeSigned(g, k, 2)
	}
	var scores ir.Value
	if cfg.Variant == MHATransposedB {
		scores = b.matMul(q, transpose(k, 0, 2, 1, 3), true)
	} else {
		scores = b.matMul(q, transpose(k, 0, 2, 3, 1), false)
	}
	switch {
	case fakeQuantize:
		scores = b.fakeQuantize(g, scores)
	case quantized:
		scores = b.quantizeSigned(g, scores, 1<<16)
	case cfg.Variant == MHAMulAdd:
		scores = must.M1(ir.Multiply(scores, floatConstant(g, b.dtype, 0.5)))
	}
	if quantized {
		scores = must.M1(ir.TypeRelaxed(&ir.AddOp{}, []ir.ElementType{b.dtype, b.dtype}, []ir.ElementType{b.dtype},
			scores, in.mask))
	} else {
		scores = must.M1(ir.Add(scores, in.mask))
	}

	if cfg.Variant == MHASelect {
		cond := must.M1(ir.Less(in.less0, in.less1))
		cond = must.M1(ir.Convert(cond, dtypes.Uint8))
		if !cfg.DynamicBatch {
			cond = must.M1(ir.Broadcast(cond, intsConstant(g, cfg.Batch, cfg.Heads, cfg.SeqLen, cfg.SeqLen)))
		}
		fill := floatConstant(g, b.dtype, -10000)
		scores = must.M1(ir.TypeRelaxed(&ir.SelectOp{},
			[]ir.ElementType{dtypes.Bool, b.dtype, b.dtype}, []ir.ElementType{b.dtype},
			cond, fill, scores))
	}

	var flatPattern, scoresPattern *ir.Node
	if cfg.DynamicBatch {
		flatPattern = intsConstant(g, -1, cfg.SeqLen)
		scoresPattern = intsConstant(g, batch, cfg.Heads, cfg.SeqLen, cfg.SeqLen)
	} else {
		flatPattern = intsConstant(g, cfg.Batch*cfg.Heads*cfg.SeqLen, -1)
		scoresPattern = intsConstant(g, cfg.Batch, cfg.Heads, cfg.SeqLen, cfg.SeqLen)
	}
	var weights ir.Value = must.M1(ir.Reshape(scores, flatPattern, true))
	weights = must.M1(ir.Softmax(weights, 1))
	weights = must.M1(ir.Reshape(weights, scoresPattern, true))
	if quantized {
		low, high := floatConstant(g, b.dtype, 0), floatConstant(g, b.dtype, 0.25)
		weights = must.M1(ir.FakeQuantize(weights, low, high, low, floatConstant(g, b.dtype, 255), 256, dtypes.Uint8))
	}

	v := in.v
	if quantized {
		v = b.quantizeSigned(g, v, 2)
	}
	output := b.matMul(weights, transpose(v, 0, 2, 1, 3), false)
	if quantized {
		output = b.quantizeSigned(g, output, 1<<16)
	}
	output = transpose(output, 0, 2, 1, 3)
	if fakeQuantize {
		output = b.fakeQuantize(g, output)
	}
	if quantized {
		output = must.M1(ir.Convert(output, b.dtype))
	}
	return output.AsOutput().Node()
}

// matMul multiplies a and b, in the model element type when the int8 variant feeds it quantized
// values.
func (b *mhaBuilder) matMul(lhs, rhs ir.Value, transposeB bool) ir.Value {
	if b.cfg.Variant == MHAInt8 {
		return must.M1(ir.TypeRelaxed(&ir.MatMulOp{TransposeB: transposeB},
			[]ir.ElementType{b.dtype, b.dtype}, []ir.ElementType{b.dtype}, lhs, rhs))
	}
	return must.M1(ir.MatMul(lhs, rhs, false, transposeB))
}

// fakeQuantize quantizes x to 256 levels in [-2, 2].
func (b *mhaBuilder) fakeQuantize(g *ir.Graph, x ir.Value) ir.Value {
	low, high := floatConstant(g, b.dtype, -2), floatConstant(g, b.dtype, 2)
	return must.M1(ir.FakeQuantize(x, low, high, low, high, 256, ir.DynamicType))
}

// quantizeSigned quantizes x in [-limit, limit] to i8.
func (b *mhaBuilder) quantizeSigned(g *ir.Graph, x ir.Value, limit float64) ir.Value {
	low, high := floatConstant(g, b.dtype, -limit), floatConstant(g, b.dtype, limit)
	outLow, outHigh := floatConstant(g, b.dtype, -128), floatConstant(g, b.dtype, 127)
	return must.M1(ir.FakeQuantize(x, low, high, outLow, outHigh, 256, dtypes.Int8))
}
