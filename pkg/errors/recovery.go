package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic converts a recovered panic value into a fatal *Error. The stack is kept
// in Details for logs; ToErrorResponse drops it.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	cause := fmt.Errorf("panic: %v", r)
	if err, ok := r.(error); ok {
		cause = fmt.Errorf("panic: %w", err)
	}

	return ErrInternal.
		WithCause(cause).
		WithDetail("panic", true).
		WithDetail("panic_type", fmt.Sprintf("%T", r)).
		WithDetail("stack_trace", string(debug.Stack())).
		AsFatal()
}
