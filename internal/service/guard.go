package service

import (
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

type Decision int

const (
	// DecisionProceed means the mutation should be attempted.
	DecisionProceed Decision = iota
	// DecisionNoOp means the requested effect already happened.
	DecisionNoOp
	// DecisionConflict means a different terminal status is already stored.
	DecisionConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionProceed:
		return "proceed"
	case DecisionNoOp:
		return "noop"
	default:
		return "conflict"
	}
}

// IdempotencyGuard decides whether a status mutation may run given the
// status read inside the same transaction. It never writes; the write that
// follows a DecisionProceed is a compare-and-set from that same status.
type IdempotencyGuard struct{}

func (IdempotencyGuard) Evaluate(current, target models.PaymentStatus) Decision {
	if !current.Terminal() {
		return DecisionProceed
	}
	if current == target {
		return DecisionNoOp
	}
	switch target {
	case models.PaymentExpired:
		// A sweeper that lost the race has nothing left to do.
		return DecisionNoOp
	case models.PaymentFailed:
		if current == models.PaymentExpired {
			return DecisionNoOp
		}
	case models.PaymentPending, models.PaymentCreated:
		return DecisionNoOp
	}
	return DecisionConflict
}

// Check evaluates p against target and turns a conflict into a logged
// *TransitionConflictError.
func (g IdempotencyGuard) Check(p *models.Payment, target models.PaymentStatus) (Decision, error) {
	decision := g.Evaluate(p.Status, target)
	if decision == DecisionConflict {
		telemetry.Logger.Warn("Conflicting payment transition requires reconciliation",
			zap.String("payment_id", p.ID),
			zap.String("current_status", string(p.Status)),
			zap.String("requested_status", string(target)),
		)
		return decision, &TransitionConflictError{PaymentID: p.ID, From: p.Status, To: target}
	}
	return decision, nil
}
