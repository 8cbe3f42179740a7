package shared

import (
	"errors"
	"fmt"
)

// RequestError is used when we want a specific error message and StatusCode.
// sane defaults are listed below. For routes that need custom error messages,
// a request error can be generated and a handler expects the router to return
// the exact message inside the request error msg
//
// Error codes should be bubbled where the RequestError msg is expected to be
// returned to the user. If the user should see a generic error message but
// the error chain should include more detail for logging purposes, then a generic
// error should be added that provides context
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

func (r *RequestError) Unwrap() error {
	return r.Err
}

var (
	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401}
	ErrUnauthorized  = &RequestError{Err: errors.New("unauthorized"), StatusCode: 401}

	ErrInvalidRequest   = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrUnsupportedModel = &RequestError{Err: errors.New("unsupported model variant"), StatusCode: 400}

	ErrFileNotFound  = &RequestError{Err: errors.New("input file not found"), StatusCode: 404}
	ErrEmptyDocument = &RequestError{Err: errors.New("document has no pages"), StatusCode: 422}

	ErrServerStartupTimeout = &RequestError{Err: errors.New("inference server did not become ready"), StatusCode: 503}
	ErrServerNotReady       = &RequestError{Err: errors.New("inference server is not ready"), StatusCode: 503}

	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}
	ErrBadRequest          = &RequestError{Err: errors.New("bad request"), StatusCode: 400}
	ErrNotFound            = &RequestError{Err: errors.New("not found"), StatusCode: 404}
)

// QuotaExceededError carries how many pages the identity could still consume
// today. Admission recomputes remaining from the ledger, callers only format it.
type QuotaExceededError struct {
	Remaining int64
	Requested int64
}

func (q *QuotaExceededError) Error() string {
	return fmt.Sprintf(
		"daily limit reached. You have %d pages remaining today. Requested: %d pages",
		q.Remaining, q.Requested,
	)
}

// StatusCode keeps QuotaExceededError usable where RequestError semantics are
// expected by the routers.
func (q *QuotaExceededError) StatusCode() int { return 429 }
