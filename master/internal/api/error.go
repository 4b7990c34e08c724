// Package api holds the echo plumbing shared by the manager's HTTP handlers.
package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

var (
	// ErrInvalid is the inner error for errors that convert to a 400.
	ErrInvalid = errors.New("bad request")
	// ErrNotFound is the inner error for errors that convert to a 404.
	ErrNotFound = errors.New("not found")
	// ErrConflict is the inner error for errors that convert to a 409.
	ErrConflict = errors.New("conflict")
)

// AsValidationError returns an error that wraps ErrInvalid, so that errors.Is can identify it.
func AsValidationError(msg string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalid, msg, args...)
}

// AsErrNotFound returns an error that wraps ErrNotFound, so that errors.Is can identify it.
func AsErrNotFound(msg string, args ...interface{}) error {
	return errors.Wrapf(ErrNotFound, msg, args...)
}

// Classify wraps err with the api error matching the first target it is, so that it converts to
// the right status code. It returns err unchanged when none match.
func Classify(err error, inner error, targets ...error) error {
	for _, target := range targets {
		if errors.Is(err, target) {
			return &classified{inner: inner, err: err}
		}
	}
	return err
}

type classified struct {
	inner error
	err   error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Is(target error) bool { return target == c.inner }

func (c *classified) Unwrap() error { return c.err }

// StatusCode returns the HTTP status an error converts to.
func StatusCode(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// JSONErrorHandler sends a JSON response with a single "message" key containing the error message.
func JSONErrorHandler(err error, c echo.Context) {
	code := StatusCode(err)
	var msg interface{} = err
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = he.Message
	}
	if code >= 500 {
		c.Logger().Error(err)
	}
	if !c.Response().Committed {
		// For the HEAD method, the server MUST NOT return a message-body in the response.
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, map[string]interface{}{"message": fmt.Sprint(msg)})
		}
		if err != nil {
			c.Logger().Error(err)
		}
	}
}

// Route adapts a handler returning a value to echo. A nil value answers 204.
func Route(h func(c echo.Context) (interface{}, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		v, err := h(c)
		switch {
		case err != nil:
			return err
		case v == nil:
			return c.NoContent(http.StatusNoContent)
		default:
			return c.JSON(http.StatusOK, v)
		}
	}
}
