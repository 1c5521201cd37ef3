package service

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

// AmountEpsilon is the largest difference tolerated between a charge and
// the payment's amount snapshot.
var AmountEpsilon = decimal.New(1, -2)

var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "ISK": true, "JPY": true,
	"KMF": true, "KRW": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

var threeDecimalCurrencies = map[string]bool{
	"BHD": true, "IQD": true, "JOD": true, "KWD": true, "LYD": true, "OMR": true, "TND": true,
}

// MinorUnits returns the number of decimal places of currency.
func MinorUnits(currency string) int32 {
	currency = strings.ToUpper(currency)
	switch {
	case zeroDecimalCurrencies[currency]:
		return 0
	case threeDecimalCurrencies[currency]:
		return 3
	}
	return 2
}

func amountMatches(p *models.Payment, charge models.ChargeResult) bool {
	if charge.Currency != "" && !strings.EqualFold(charge.Currency, p.Currency) {
		return false
	}
	return charge.Amount.Sub(p.Amount).Abs().LessThanOrEqual(AmountEpsilon)
}
