package taskerrors

import goerrors "github.com/go-errors/errors"

// stack returns the current stack, skipping the caller of stack and skip further frames.
func stack(skip int) string {
	goerr := goerrors.Wrap("stack", skip+1)
	return string(goerr.Stack())
}
