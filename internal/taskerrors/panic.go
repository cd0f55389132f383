package taskerrors

import "fmt"

// PanicError is returned in place of an error when a task panics during an increment.
type PanicError struct {
	value      any
	stacktrace string
}

var _ error = (*PanicError)(nil)

// NewPanicError wraps a recovered panic value. The stack of the caller is captured, so call it
// from the deferred function that recovered the panic.
func NewPanicError(v any) *PanicError {
	return &PanicError{
		value:      v,
		stacktrace: stack(1),
	}
}

func (pe *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", pe.value)
}

func (pe *PanicError) Value() any {
	return pe.value
}

func (pe *PanicError) Stack() string {
	return pe.stacktrace
}

// Unwrap returns the panic value if it was an error.
func (pe *PanicError) Unwrap() error {
	if err, ok := pe.value.(error); ok {
		return err
	}

	return nil
}
