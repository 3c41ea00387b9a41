package ml

import (
	"errors"
	"fmt"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// ShapeError is raised by backend operations whose operands cannot be combined
type ShapeError struct {
	Op     string
	Shapes [][]int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s %v", e.Op, ErrShapeMismatch, e.Shapes)
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// Catch recovers a *ShapeError panic into err. It must be deferred directly:
//
//	defer ml.Catch(&err)
//
// Any other panic is re-raised.
func Catch(err *error) {
	if r := recover(); r != nil {
		var se *ShapeError
		if e, ok := r.(error); ok && errors.As(e, &se) {
			*err = se
			return
		}

		panic(r)
	}
}
