package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrGatewayUnavailable is transient: network failures and 5xx responses.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected is permanent for the attempt: 4xx responses.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
)

// Error carries the provider response for a failed gateway call.
type Error struct {
	Operation  string
	StatusCode int
	Body       string
	Kind       error
	Cause      error
}

func (e *Error) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v: %v", e.Operation, e.Kind, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %v: status %d: %s", e.Operation, e.Kind, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s: %v", e.Operation, e.Kind)
	}
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// ProviderBody returns the provider error body attached to err, if any.
func ProviderBody(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Body
	}
	return ""
}
