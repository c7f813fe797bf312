package market

import (
	"FCashLedger/internal/datetime"
	"FCashLedger/internal/errs"
	"fmt"
)

// MaxCurrencyID is the largest currency id that may be listed.
const MaxCurrencyID = 16383

var (
	ErrInvalidCurrency = errs.New(errs.InvalidInput, "market: currency id out of range or not listed")
	ErrInvalidParams   = errs.New(errs.InvalidInput, "market: invalid cash group parameters")
)

// CashGroupParameters are the per-currency settings shared by all of the
// currency's markets.
type CashGroupParameters struct {
	CurrencyID     uint16
	MaxMarketIndex int
	// Seconds after a trade during which the oracle reports the last implied rate.
	RateOracleTimeWindow int64
	// Annualized fee, rate precision.
	TotalFee int64
	// Percent of the fee sent to the reserve.
	ReserveFeeShare int64
	// Whole-number scalar per market index (index 1 at position 0).
	RateScalars []int64
	// Seconds an asset rate observation stays valid.
	MaxAssetRateAge int64
	// Basis points withheld by the token on deposits.
	DepositTransferFeeBPS int64
}

// ParamsSource looks up cash group parameters by currency.
type ParamsSource interface {
	CashGroup(currencyID uint16) (CashGroupParameters, bool)
}

func ValidateCurrencyID(currencyID uint16) error {
	if currencyID == 0 || currencyID > MaxCurrencyID {
		return fmt.Errorf("%w: %d", ErrInvalidCurrency, currencyID)
	}
	return nil
}

func (p CashGroupParameters) Validate() error {
	if err := ValidateCurrencyID(p.CurrencyID); err != nil {
		return err
	}
	if p.MaxMarketIndex < 1 || p.MaxMarketIndex > datetime.MaxTradedMarketIndex {
		return fmt.Errorf("%w: max market index %d", ErrInvalidParams, p.MaxMarketIndex)
	}
	if len(p.RateScalars) < p.MaxMarketIndex {
		return fmt.Errorf("%w: %d rate scalars for %d markets", ErrInvalidParams, len(p.RateScalars), p.MaxMarketIndex)
	}
	for i, s := range p.RateScalars[:p.MaxMarketIndex] {
		if s <= 0 {
			return fmt.Errorf("%w: rate scalar %d must be positive", ErrInvalidParams, i+1)
		}
	}
	if p.RateOracleTimeWindow <= 0 {
		return fmt.Errorf("%w: rate oracle time window must be positive", ErrInvalidParams)
	}
	if p.TotalFee < 0 {
		return fmt.Errorf("%w: negative fee", ErrInvalidParams)
	}
	if p.ReserveFeeShare < 0 || p.ReserveFeeShare > 100 {
		return fmt.Errorf("%w: reserve fee share %d not a percentage", ErrInvalidParams, p.ReserveFeeShare)
	}
	if p.MaxAssetRateAge <= 0 {
		return fmt.Errorf("%w: max asset rate age must be positive", ErrInvalidParams)
	}
	if p.DepositTransferFeeBPS < 0 || p.DepositTransferFeeBPS >= 10_000 {
		return fmt.Errorf("%w: deposit transfer fee %d bps", ErrInvalidParams, p.DepositTransferFeeBPS)
	}
	return nil
}
