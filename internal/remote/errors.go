package remote

import "fmt"

// UnavailableError signals a transport-level failure (connection refused,
// timeout, unreadable body). Retryable from the caller's point of view.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("agent server unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// RejectedError signals that the agent server answered with a non-success
// status. Not retryable without caller intervention.
type RejectedError struct {
	Op     string
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("agent server rejected request: %s: status %d: %s", e.Op, e.Status, e.Body)
}
