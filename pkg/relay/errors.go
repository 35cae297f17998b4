package relay

import (
	"errors"
	"fmt"
)

// ErrResponseTooLarge is returned when a successful upstream reply exceeds the
// forwarder's size limit. It is not retried.
var ErrResponseTooLarge = errors.New("upstream response too large")

// StatusError is an upstream response with an error status code.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// ClientError reports a 4xx status. Those are never retried.
func (e *StatusError) ClientError() bool {
	return e.Status >= 400 && e.Status < 500
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("relay failed after %s: %v", Attempts(e.Attempts), e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Attempts formats an attempt count for messages: "1 attempt", "3 attempts".
func Attempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}
