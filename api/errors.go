package api

import (
	"errors"
	"fmt"
)

// ErrUnauthorized matches any StatusError carrying an HTTP 401 or 403, so
// callers can detect credential problems with errors.Is without inspecting
// status codes themselves.
var ErrUnauthorized = errors.New("api: unauthorized")

// StatusError is a non-2xx response from the backend. Body holds a bounded
// prefix of the response body for diagnostics.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: %s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("api: %s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// Is reports credential failures as ErrUnauthorized.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && (e.Code == 401 || e.Code == 403)
}
