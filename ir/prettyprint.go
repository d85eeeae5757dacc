package ir

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// String implements fmt.Stringer, and pretty prints the model: its summary followed by one line
// per node in topological order. Subgraph bodies are printed indented under their node.
func (m *Model) String() string {
	var buf bytes.Buffer
	m.prettyPrint(&buf, "")
	return buf.String()
}

func (m *Model) prettyPrint(buf *bytes.Buffer, indent string) {
	// w writes lines to the buffer with the current indentation.
	w := func(format string, args ...any) {
		buf.WriteString(indent)
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Model %q:\n", m.name)
	w("\t# nodes:\t%d\n", len(m.sorted))
	opTypesSet := sets.Make[string]()
	for _, node := range m.sorted {
		opTypesSet.Insert(node.Type())
	}
	w("\tOp types:\t%#v\n", slices.Sorted(maps.Keys(opTypesSet)))
	w("\tInputs:\t%s\n", strings.Join(xslices.Map(m.ParameterDescs(), TensorDesc.String), ", "))
	w("\tOutputs:\t%s\n", strings.Join(xslices.Map(m.OutputDescs(), TensorDesc.String), ", "))
	for _, node := range m.sorted {
		inputs := xslices.Map(node.inputs, func(o Output) string { return o.String() })
		outputs := xslices.Map(node.Outputs(), func(o Output) string { return o.Desc().String() })
		w("\t%s(%s) -> %s\n", node, strings.Join(inputs, ", "), strings.Join(outputs, ", "))
		if body := SubgraphBody(node); body != nil {
			body.prettyPrint(buf, indent+"\t\t")
		}
	}
}
