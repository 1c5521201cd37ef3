package gateway

// statusDetailMessages maps gateway status_detail codes to messages that are
// safe to show to the payer.
var statusDetailMessages = map[string]string{
	"accredited":                           "Payment approved.",
	"pending_contingency":                  "The payment is being processed.",
	"pending_review_manual":                "The payment is under review.",
	"pending_waiting_payment":              "Waiting for the payment to be completed.",
	"pending_waiting_transfer":             "Waiting for the bank transfer.",
	"cc_rejected_bad_filled_card_number":   "Check the card number.",
	"cc_rejected_bad_filled_date":          "Check the expiration date.",
	"cc_rejected_bad_filled_other":         "Check the card details.",
	"cc_rejected_bad_filled_security_code": "Check the card security code.",
	"cc_rejected_blacklist":                "The payment could not be processed.",
	"cc_rejected_call_for_authorize":       "You must authorize this payment with your card issuer.",
	"cc_rejected_card_disabled":            "The card is not active. Call your card issuer to activate it.",
	"cc_rejected_card_error":               "The payment could not be processed.",
	"cc_rejected_duplicated_payment":       "You already made a payment for this amount. Use another card or payment method if you need to pay again.",
	"cc_rejected_high_risk":                "The payment was declined. Choose another payment method.",
	"cc_rejected_insufficient_amount":      "The card has insufficient funds.",
	"cc_rejected_invalid_installments":     "The card does not accept that number of installments.",
	"cc_rejected_max_attempts":             "You reached the limit of allowed attempts. Choose another card or payment method.",
	"cc_rejected_other_reason":             "The card issuer declined the payment.",
	"cc_amount_rate_limit_exceeded":        "The payment method limit was exceeded.",
	"rejected_by_bank":                     "The bank declined the payment.",
	"rejected_insufficient_data":           "The payment is missing required information.",
	"expired":                              "The payment expired.",
	"by_collector":                         "The payment was cancelled by the merchant.",
	"by_payer":                             "The payment was cancelled.",
}

// DescribeStatusDetail translates a status_detail code. Unknown codes are
// returned verbatim.
func DescribeStatusDetail(code string) string {
	if msg, ok := statusDetailMessages[code]; ok {
		return msg
	}
	return code
}
