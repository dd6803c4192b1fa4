package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/workflow"
)

// Envelope is the response body shape of every API endpoint.
type Envelope struct {
	Success bool              `json:"success"`
	Data    interface{}       `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// OK writes a success envelope.
func OK(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

// StatusOf maps an error from the domain layer to an HTTP status.
func StatusOf(err error) int {
	var he *echo.HTTPError
	var re *workflow.RemoteError
	switch {
	case errors.As(err, &he):
		return he.Code
	case workflow.IsValidation(err):
		return http.StatusBadRequest
	case workflow.IsDenial(err):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case workflow.IsInvalidTransition(err), errors.Is(err, workflow.ErrTransitionInFlight):
		return http.StatusConflict
	case errors.As(err, &re) && re.Status >= 400:
		return re.Status
	}
	return http.StatusInternalServerError
}

// ErrorHandler renders errors as failure envelopes. Validation errors carry
// their per-field messages; 5xx details are logged, not returned.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := StatusOf(err)
		body := Envelope{Success: false}

		var he *echo.HTTPError
		var ve *workflow.ValidationError
		switch {
		case errors.As(err, &ve):
			body.Error = "validation failed"
			body.Fields = ve.Fields
		case errors.As(err, &he):
			body.Error = fmt.Sprint(he.Message)
		case status >= 500:
			rid, _ := c.Get("request_id").(string)
			evt := logger.Error().Err(err).Str("request_id", rid)
			var pe *PanicError
			if errors.As(err, &pe) {
				evt = evt.Str("stack", string(pe.Stack))
			}
			evt.Msg("unhandled error")
			body.Error = http.StatusText(status)
		default:
			body.Error = err.Error()
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
