package llm

import (
	"errors"
	"fmt"
)

// BackendError is returned by backend adapters for any transport or backend-side failure
type BackendError struct {
	Backend    string // Backend name, e.g. "tgi"
	Op         string // "stream" or "generate"
	StatusCode int    // HTTP status when known, zero otherwise
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Backend, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsBackendError reports whether err carries a BackendError
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
