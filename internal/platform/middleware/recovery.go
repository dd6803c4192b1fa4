package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
)

// PanicError is a handler panic caught by Recovery. ErrorHandler answers it
// with a plain 500 envelope and logs the stack.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Recovery converts a handler panic into a *PanicError. http.ErrAbortHandler
// is re-raised so net/http can drop the connection.
func Recovery() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}()
			return next(c)
		}
	}
}
