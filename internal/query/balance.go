package query

import (
	"FCashLedger/internal/portfolio"

	"github.com/shopspring/decimal"
)

const (
	amountExp = -8 // InternalPrecision
	rateExp   = -9 // RatePrecision
)

// BalanceResponse is one currency balance. Amounts are decimal strings in
// token units.
type BalanceResponse struct {
	CurrencyID   uint16 `json:"currency_id"`
	CashBalance  string `json:"cash_balance"`
	TokenBalance string `json:"token_balance"`
	LastSequence int64  `json:"last_sequence"`
}

// FormatAmount renders an internal-precision amount, e.g. 150000000 -> "1.5".
func FormatAmount(v int64) string {
	return decimal.New(v, amountExp).String()
}

// FormatRate renders a rate-precision value as an annual percentage,
// e.g. 50000000 -> "5".
func FormatRate(v int64) string {
	return decimal.New(v, rateExp).Shift(2).String()
}

// assetTypeName labels a portfolio asset type.
func assetTypeName(assetType uint8) string {
	if assetType == portfolio.FCashAssetType {
		return "fcash"
	}
	if portfolio.IsLiquidityToken(assetType) {
		return "liquidity_token"
	}
	return "unknown"
}
