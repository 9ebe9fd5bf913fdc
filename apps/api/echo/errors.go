package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/remote"
)

var (
	errUnauthorized = echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing api key")
	errHttpNotFound = echo.NewHTTPError(http.StatusNotFound, "not found")
)

// statusOf maps a remote failure class onto its HTTP status.
func statusOf(class remote.FailureClass) int {
	switch class {
	case remote.NotFound:
		return http.StatusNotFound
	case remote.Conflict:
		return http.StatusConflict
	case remote.Permanent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// Every error body is a remote.Error, so clients can classify failures.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		body := &remote.Error{}

		var (
			rErr *remote.Error
			vErr *core.ValidationError
			hErr *echo.HTTPError
		)
		switch {
		case errors.As(err, &rErr):
			body = rErr
			code = rErr.Code
			if code == 0 {
				code = statusOf(rErr.Class)
			}
		case errors.As(err, &vErr):
			code = http.StatusUnprocessableEntity
			body.Message = vErr.Error()
			body.Fields = vErr.Fields
		case errors.As(err, &hErr):
			if herr, ok := hErr.Internal.(*echo.HTTPError); ok {
				hErr = herr
			}
			code = hErr.Code
			if msg, ok := hErr.Message.(string); ok {
				body.Message = msg
			} else {
				body.Message = http.StatusText(code)
			}
		default: // any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			body.Message = msg

			if logger != nil {
				logger.Error(msg, errors.Wrap(err, msg), core.LogFields{
					"method": ctx.Request().Method, "path": ctx.Path(), "school": ctx.Param("school"),
				})
			}

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug && code >= http.StatusInternalServerError {
			body.Message = err.Error()
		}
		body.Code = code

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, body)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
