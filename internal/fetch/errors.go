package fetch

import (
	"errors"
	"fmt"
)

// NetworkError wraps transport-level failures: connection errors,
// timeouts and non-404 HTTP status codes. These are retryable.
type NetworkError struct {
	URL    string
	Status int // 0 when the request never reached the server
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NotFoundError reports a file the server no longer serves. It is not
// retried within a cycle; the listing on the next cycle decides whether
// the file reappears.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("fetch %s: not found", e.URL)
}

// PartialWriteError reports a download whose byte count does not match
// the length the server announced. The partial file is already removed
// when this is returned.
type PartialWriteError struct {
	URL      string
	Expected int64
	Written  int64
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("fetch %s: wrote %d of %d bytes", e.URL, e.Written, e.Expected)
}

// IsNotFound reports whether err is a NotFoundError anywhere in its
// chain.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
