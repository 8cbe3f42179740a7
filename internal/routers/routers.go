// Package routers
package routers

import (
	"errors"
	"net/http"

	"xfinite-ocr/internal/ctx"
	"xfinite-ocr/internal/shared"
)

// writeRequestError maps the handler error taxonomy onto HTTP responses.
// Anything outside the taxonomy collapses to a 500 without leaking internals.
func writeRequestError(c *ctx.Context, err error) error {
	c.LogValues.AddError(err)

	var qerr *shared.QuotaExceededError
	if errors.As(err, &qerr) {
		return c.JSON(qerr.StatusCode(), shared.APIError{
			Message: qerr.Error(),
			Object:  "error",
			Type:    "QuotaExceeded",
			Code:    qerr.StatusCode(),
		})
	}

	var rerr *shared.RequestError
	if errors.As(err, &rerr) {
		return c.JSON(rerr.StatusCode, shared.APIError{
			Message: rerr.Err.Error(),
			Object:  "error",
			Type:    http.StatusText(rerr.StatusCode),
			Code:    rerr.StatusCode,
		})
	}

	return c.JSON(http.StatusInternalServerError, shared.APIError{
		Message: "internal server error",
		Object:  "error",
		Type:    "InternalServerError",
		Code:    http.StatusInternalServerError,
	})
}
