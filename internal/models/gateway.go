package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ChargeStatus is the gateway's own status vocabulary for a charge.
type ChargeStatus string

const (
	ChargeApproved    ChargeStatus = "approved"
	ChargeAuthorized  ChargeStatus = "authorized"
	ChargePending     ChargeStatus = "pending"
	ChargeInProcess   ChargeStatus = "in_process"
	ChargeInMediation ChargeStatus = "in_mediation"
	ChargeRejected    ChargeStatus = "rejected"
	ChargeCancelled   ChargeStatus = "cancelled"
	ChargeRefunded    ChargeStatus = "refunded"
	ChargeChargedBack ChargeStatus = "charged_back"
)

// ChargeOutcome collapses a ChargeStatus into what the confirmation
// state machine cares about.
type ChargeOutcome int

const (
	OutcomeFailed ChargeOutcome = iota
	OutcomeApproved
	OutcomePending
)

func (s ChargeStatus) Outcome() ChargeOutcome {
	switch s {
	case ChargeApproved:
		return OutcomeApproved
	case ChargeAuthorized, ChargePending, ChargeInProcess, ChargeInMediation:
		return OutcomePending
	}
	return OutcomeFailed
}

// ChargeResult is the authoritative view of a charge as reported by an
// authenticated gateway call.
type ChargeResult struct {
	ProviderChargeID  string          `json:"provider_charge_id"`
	Status            ChargeStatus    `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ExternalReference string          `json:"external_reference"`
	Raw               json.RawMessage `json:"-"`
}

type Preference struct {
	PreferenceID       string `json:"preference_id"`
	RedirectURL        string `json:"redirect_url"`
	SandboxRedirectURL string `json:"sandbox_redirect_url,omitempty"`
}

type Identification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type PayerInfo struct {
	Email          string          `json:"email" binding:"required,email"`
	Identification *Identification `json:"identification,omitempty"`
}

type ChargeRequest struct {
	Token           string
	PaymentMethodID string
	IssuerID        string
	Installments    int
	Payer           PayerInfo
	IdempotencyKey  string
}

// DirectChargeRequest is the checkout client's card submission.
type DirectChargeRequest struct {
	OrderID         string    `json:"orderId" binding:"required"`
	Token           string    `json:"token" binding:"required"`
	PaymentMethodID string    `json:"paymentMethodId" binding:"required"`
	IssuerID        string    `json:"issuerId,omitempty"`
	Installments    int       `json:"installments" binding:"min=1"`
	Payer           PayerInfo `json:"payer" binding:"required"`
}

type DirectChargeResponse struct {
	Success          bool   `json:"success"`
	Status           string `json:"status"`
	StatusDetail     string `json:"statusDetail,omitempty"`
	ProviderChargeID string `json:"providerChargeId,omitempty"`
	OrderID          string `json:"orderId"`
}

type PreferenceResponse struct {
	Success            bool   `json:"success"`
	Status             string `json:"status,omitempty"`
	PreferenceID       string `json:"preferenceId,omitempty"`
	RedirectURL        string `json:"redirectURL,omitempty"`
	SandboxRedirectURL string `json:"sandboxRedirectURL,omitempty"`
}

// CallbackNotification is the gateway's asynchronous notification body.
// Only the ids are read from it.
type CallbackNotification struct {
	ID     json.Number `json:"id"`
	Type   string      `json:"type"`
	Action string      `json:"action,omitempty"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

type GatewayEventSource string

const (
	SourceCallback     GatewayEventSource = "callback"
	SourceDirectCharge GatewayEventSource = "direct_charge"
	SourceFetch        GatewayEventSource = "fetch"
)

// GatewayEvent is an append-only audit record of a raw gateway payload.
type GatewayEvent struct {
	ID         string             `json:"id"`
	Source     GatewayEventSource `json:"source"`
	Topic      string             `json:"topic"`
	ProviderID string             `json:"provider_id,omitempty"`
	PaymentID  string             `json:"payment_id,omitempty"`
	Payload    json.RawMessage    `json:"payload"`
	Error      string             `json:"error,omitempty"`
	ReceivedAt time.Time          `json:"received_at"`
}

type ReconciliationItem struct {
	GatewayEventID string    `json:"gateway_event_id"`
	ProviderID     string    `json:"provider_id,omitempty"`
	PaymentID      string    `json:"payment_id,omitempty"`
	Error          string    `json:"error"`
	QueuedAt       time.Time `json:"queued_at"`
}
