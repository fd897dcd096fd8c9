package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeConflict marks a document whose shape cannot be reconciled
	// with the existing schema.
	ErrShapeConflict = errors.New("shape conflict")
	// ErrTypeWiden marks a failure to widen a column in the database.
	ErrTypeWiden = errors.New("type widen failure")
)

// ShapeError locates a shape conflict inside a document.
type ShapeError struct {
	Doc    int
	Path   string
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("document %d: %s at %s: %s", e.Doc, ErrShapeConflict, e.Path, e.Reason)
}

func (e *ShapeError) Unwrap() error { return ErrShapeConflict }

// Widening records a column whose type had to be joined with an
// incompatible value. Stored values are coerced to the new type.
type Widening struct {
	Doc    int
	Path   string
	Table  string
	Column string
	From   ColumnType
	To     ColumnType
}

func (w Widening) String() string {
	return fmt.Sprintf("document %d: %s.%s widened %s->%s at %s", w.Doc, w.Table, w.Column, w.From, w.To, w.Path)
}
