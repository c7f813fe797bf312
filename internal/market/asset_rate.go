package market

import (
	"FCashLedger/internal/errs"
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/store"
	"fmt"
)

var (
	ErrStaleRate      = errs.New(errs.External, "market: asset rate missing or stale")
	ErrInvalidRate    = errs.New(errs.InvalidInput, "market: asset rate must be positive")
	ErrOutOfOrderRate = errs.New(errs.InvalidInput, "market: asset rate observation older than stored")
)

// AssetRate converts between asset cash and underlying:
// underlying = assetCash * Rate / Decimals.
type AssetRate struct {
	Rate     int64 `json:"rate"`
	Decimals int64 `json:"decimals"`
}

func (ar AssetRate) Validate() error {
	if ar.Rate <= 0 || ar.Decimals <= 0 {
		return fmt.Errorf("%w: rate=%d decimals=%d", ErrInvalidRate, ar.Rate, ar.Decimals)
	}
	return nil
}

func (ar AssetRate) ToUnderlying(assetCash int64) (int64, error) {
	return fpmath.MulDiv(assetCash, ar.Rate, ar.Decimals, fpmath.RoundDown)
}

func (ar AssetRate) FromUnderlying(underlying int64) (int64, error) {
	return fpmath.MulDiv(underlying, ar.Decimals, ar.Rate, fpmath.RoundDown)
}

// SpotRateOracle supplies the current asset rate for a currency and fails
// when the feed is stale or missing.
type SpotRateOracle interface {
	SpotRate(currencyID uint16, now int64) (AssetRate, error)
}

// RateObservation is the stored result of the latest AssetRateUpdated command.
type RateObservation struct {
	AssetRate
	Timestamp int64 `json:"timestamp"`
}

// StoredRateOracle serves spot rates recorded in the keyed store.
type StoredRateOracle struct {
	rw     store.ReadWriter
	params ParamsSource
}

func NewStoredRateOracle(rw store.ReadWriter, params ParamsSource) *StoredRateOracle {
	return &StoredRateOracle{rw: rw, params: params}
}

func (o *StoredRateOracle) SpotRate(currencyID uint16, now int64) (AssetRate, error) {
	p, ok := o.params.CashGroup(currencyID)
	if !ok {
		return AssetRate{}, fmt.Errorf("%w: %d", ErrInvalidCurrency, currencyID)
	}

	var obs RateObservation
	found, err := store.GetJSON(o.rw, store.AssetRateKey(currencyID), &obs)
	if err != nil {
		return AssetRate{}, err
	}
	if !found {
		return AssetRate{}, fmt.Errorf("%w: no observation for currency %d", ErrStaleRate, currencyID)
	}
	if now-obs.Timestamp > p.MaxAssetRateAge {
		return AssetRate{}, fmt.Errorf("%w: currency %d observed at %d, now %d", ErrStaleRate, currencyID, obs.Timestamp, now)
	}
	return obs.AssetRate, nil
}

// Record stores a new observation. Observations must not move backwards in time.
func (o *StoredRateOracle) Record(currencyID uint16, rate AssetRate, timestamp int64) error {
	if err := rate.Validate(); err != nil {
		return err
	}
	if _, ok := o.params.CashGroup(currencyID); !ok {
		return fmt.Errorf("%w: %d", ErrInvalidCurrency, currencyID)
	}

	var prev RateObservation
	found, err := store.GetJSON(o.rw, store.AssetRateKey(currencyID), &prev)
	if err != nil {
		return err
	}
	if found && timestamp < prev.Timestamp {
		return fmt.Errorf("%w: %d < %d", ErrOutOfOrderRate, timestamp, prev.Timestamp)
	}

	return store.PutJSON(o.rw, store.AssetRateKey(currencyID), RateObservation{
		AssetRate: rate,
		Timestamp: timestamp,
	})
}
