package service

import (
	"errors"
	"fmt"

	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

var (
	ErrAmountMismatch        = errors.New("charge amount does not match payment amount")
	ErrConflictingTransition = errors.New("conflicting payment transition")
	ErrInvalidState          = errors.New("payment is not in a chargeable state")
	ErrInvalidRequest        = errors.New("invalid checkout request")
)

// TransitionConflictError reports a requested transition that would
// override a different terminal status.
type TransitionConflictError struct {
	PaymentID string
	From      models.PaymentStatus
	To        models.PaymentStatus
}

func (e *TransitionConflictError) Error() string {
	return fmt.Sprintf("payment %s: cannot move from %s to %s", e.PaymentID, e.From, e.To)
}

func (e *TransitionConflictError) Unwrap() error { return ErrConflictingTransition }
