package ir

import (
	"strings"

	"github.com/pkg/errors"
)

// LayoutKey is the RTInfo key under which Result outputs store their Layout.
const LayoutKey = "LayoutAttribute"

// Layout names the axes of a tensor, e.g. "NCHW", "N?C", "N...C" or "[batch,seq,hidden]".
//
// The zero value is the empty layout.
type Layout struct {
	names []string
	// ellipsis is the index in names where "..." (any number of axes) appears, or -1.
	ellipsis int
}

// ParseLayout parses a layout. Two forms are accepted:
//
//   - letters, one per axis: "NCHW"; "?" marks an unnamed axis and "..." any number of axes;
//   - comma-separated names in brackets: "[N,C,H,W]", where "?" and "..." are also accepted.
//
// The empty string is the empty layout.
func ParseLayout(s string) (Layout, error) {
	l := Layout{ellipsis: -1}
	s = strings.TrimSpace(s)
	if s == "" {
		return Layout{}, nil
	}
	var names []string
	if strings.HasPrefix(s, "[") {
		if !strings.HasSuffix(s, "]") {
			return Layout{}, errors.Errorf("layout %q: missing closing bracket", s)
		}
		inner := strings.TrimSpace(s[1 : len(s)-1])
		if inner != "" {
			for _, name := range strings.Split(inner, ",") {
				names = append(names, strings.TrimSpace(name))
			}
		}
	} else {
		for ii := 0; ii < len(s); ii++ {
			if strings.HasPrefix(s[ii:], "...") {
				names = append(names, "...")
				ii += 2
				continue
			}
			c := s[ii]
			if c != '?' && !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') {
				return Layout{}, errors.Errorf("layout %q: invalid character %q at position %d", s, c, ii)
			}
			names = append(names, string(c))
		}
	}
	seen := make(map[string]bool, len(names))
	for ii, name := range names {
		switch {
		case name == "":
			return Layout{}, errors.Errorf("layout %q: empty axis name at position %d", s, ii)
		case name == "...":
			if l.ellipsis >= 0 {
				return Layout{}, errors.Errorf("layout %q: more than one \"...\"", s)
			}
			l.ellipsis = ii
		case name == "?":
		default:
			key := strings.ToUpper(name)
			if seen[key] {
				return Layout{}, errors.Errorf("layout %q: repeated axis name %q", s, name)
			}
			seen[key] = true
		}
	}
	l.names = names
	return l, nil
}

// IsEmpty returns whether the layout names no axes.
func (l Layout) IsEmpty() bool { return len(l.names) == 0 }

// Rank returns the number of axes the layout describes, and false if it contains "..." (or is empty).
func (l Layout) Rank() (int, bool) {
	if l.IsEmpty() || l.ellipsis >= 0 {
		return 0, false
	}
	return len(l.names), true
}

// MinRank returns the minimum number of axes of a tensor with this layout.
func (l Layout) MinRank() int {
	if l.IsEmpty() {
		return 0
	}
	if l.ellipsis >= 0 {
		return len(l.names) - 1
	}
	return len(l.names)
}

// HasName returns whether the layout has an axis with the given name (case-insensitive).
func (l Layout) HasName(name string) bool {
	_, found := l.AxisOf(name)
	return found
}

// AxisOf returns the axis of the given name. Axes after a "..." are returned as negative values,
// counting from the end.
func (l Layout) AxisOf(name string) (int, bool) {
	for ii, n := range l.names {
		if n == "..." || n == "?" || !strings.EqualFold(n, name) {
			continue
		}
		if l.ellipsis >= 0 && ii > l.ellipsis {
			return ii - len(l.names), true
		}
		return ii, true
	}
	return 0, false
}

// Equal compares two layouts by their canonical form.
func (l Layout) Equal(other Layout) bool { return l.String() == other.String() }

// String returns the canonical form: letters if every name is a single letter (or "?"/"..."),
// the bracketed form otherwise.
func (l Layout) String() string {
	if l.IsEmpty() {
		return ""
	}
	compact := true
	for _, name := range l.names {
		if len(name) != 1 && name != "..." {
			compact = false
			break
		}
	}
	if compact {
		return strings.Join(l.names, "")
	}
	return "[" + strings.Join(l.names, ",") + "]"
}

// checkRank verifies the layout is consistent with a shape of statically known rank.
func (l Layout) checkRank(op string, shape PartialShape) error {
	rank, known := shape.Rank()
	if !known || l.IsEmpty() {
		return nil
	}
	if layoutRank, exact := l.Rank(); exact && layoutRank != rank {
		return shapeErrorf(op, "layout %s has %d axes, but the output shape %s has rank %d", l, layoutRank, shape, rank)
	}
	if rank < l.MinRank() {
		return shapeErrorf(op, "layout %s needs at least %d axes, but the output shape %s has rank %d", l, l.MinRank(), shape, rank)
	}
	return nil
}

// SetLayout sets the layout of a Result's output. Setting the empty string removes the layout
// from the output's RTInfo.
//
// It fails with a TypeError if layout is malformed, with a ShapeError if it is inconsistent
// with the output rank, and with a ConstructionError if n is not a Result.
func (n *Node) SetLayout(layout string) error {
	if _, ok := n.op.(*ResultOp); !ok {
		return constructionErrorf(n.Type(), "only Result nodes carry a layout, %s is not a Result", n)
	}
	l, err := ParseLayout(layout)
	if err != nil {
		return &TypeError{Op: n.Type(), err: err}
	}
	output := n.Output(0)
	if l.IsEmpty() {
		delete(output.RTInfo(), LayoutKey)
		return nil
	}
	if err := l.checkRank(n.Type(), output.PartialShape()); err != nil {
		return err
	}
	output.RTInfo()[LayoutKey] = l
	return nil
}

// Layout returns the layout of a Result's output, or the empty layout if none is set.
//
// The RTInfo map can be written directly, so its value is validated here: a value that is not a
// Layout is a TypeError, and a Layout inconsistent with the output rank is a ShapeError.
func (n *Node) Layout() (Layout, error) {
	if _, ok := n.op.(*ResultOp); !ok {
		return Layout{}, constructionErrorf(n.Type(), "only Result nodes carry a layout, %s is not a Result", n)
	}
	output := n.Output(0)
	value, found := output.RTInfo()[LayoutKey]
	if !found {
		return Layout{}, nil
	}
	var l Layout
	switch v := value.(type) {
	case Layout:
		l = v
	case *Layout:
		if v == nil {
			return Layout{}, typeErrorf(n.Type(), "%s holds a nil *Layout in %q", n, LayoutKey)
		}
		l = *v
	default:
		return Layout{}, typeErrorf(n.Type(), "%s holds a %T (%v) in %q, expected a Layout", n, value, value, LayoutKey)
	}
	if err := l.checkRank(n.Type(), output.PartialShape()); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// HasLayout returns whether the output of n has a layout entry in its RTInfo, valid or not.
func (n *Node) HasLayout() bool {
	if len(n.outputs) == 0 || n.outputs[0].rtInfo == nil {
		return false
	}
	_, found := n.outputs[0].rtInfo[LayoutKey]
	return found
}
