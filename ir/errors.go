package ir

import (
	"fmt"

	"github.com/pkg/errors"
)

// ShapeError is returned when an operation's inputs violate a shape rule: rank or dimension
// mismatch, invalid axis or malformed reshape pattern.
type ShapeError struct {
	// Op is the type of the operation that failed, e.g. "Reshape".
	Op  string
	err error
}

// TypeError is returned for element type mismatches on operations without an overriding
// wrapper, and for invalid values read from a metadata slot.
type TypeError struct {
	Op  string
	err error
}

// StructuralError is returned when the graph structure is invalid: cycles, dangling references
// inside a fusion region or mismatched parameter/input counts.
type StructuralError struct {
	Op  string
	err error
}

// ConstructionError is returned for wrong input arity or invalid operation attributes.
type ConstructionError struct {
	Op  string
	err error
}

func (e *ShapeError) Error() string        { return formatError("shape", e.Op, e.err) }
func (e *ShapeError) Unwrap() error        { return e.err }
func (e *TypeError) Error() string         { return formatError("type", e.Op, e.err) }
func (e *TypeError) Unwrap() error         { return e.err }
func (e *StructuralError) Error() string   { return formatError("structural", e.Op, e.err) }
func (e *StructuralError) Unwrap() error   { return e.err }
func (e *ConstructionError) Error() string { return formatError("construction", e.Op, e.err) }
func (e *ConstructionError) Unwrap() error { return e.err }

func formatError(kind, op string, err error) string {
	if op == "" {
		return fmt.Sprintf("%s error: %v", kind, err)
	}
	return fmt.Sprintf("%s error in %s: %v", kind, op, err)
}

func shapeErrorf(op, format string, args ...any) error {
	return &ShapeError{Op: op, err: errors.Errorf(format, args...)}
}

func typeErrorf(op, format string, args ...any) error {
	return &TypeError{Op: op, err: errors.Errorf(format, args...)}
}

func structuralErrorf(op, format string, args ...any) error {
	return &StructuralError{Op: op, err: errors.Errorf(format, args...)}
}

func constructionErrorf(op, format string, args ...any) error {
	return &ConstructionError{Op: op, err: errors.Errorf(format, args...)}
}
