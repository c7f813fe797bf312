// Package settlement converts matured positions into cash at a rate frozen
// once per (currency, maturity).
package settlement

import (
	"FCashLedger/internal/errs"
	"FCashLedger/internal/market"
	"FCashLedger/internal/store"
	"encoding/json"
	"fmt"
)

var ErrNotMatured = errs.New(errs.InvalidInput, "settlement: maturity has not passed")

// RateStore is a reader that can buffer the first-writer-wins freeze.
type RateStore interface {
	store.Reader
	PutIfAbsent(key, value []byte) (stored []byte, inserted bool, err error)
}

// SettlementRate is the asset rate frozen for one (currency, maturity).
type SettlementRate struct {
	Rate      int64 `json:"rate"`
	Decimals  int64 `json:"decimals"`
	Timestamp int64 `json:"timestamp"`
}

func (sr SettlementRate) AssetRate() market.AssetRate {
	return market.AssetRate{Rate: sr.Rate, Decimals: sr.Decimals}
}

// GetSettlementRate returns the frozen rate, freezing the current spot rate
// if this is the first access after maturity. The freeze is part of the
// caller's transaction and is dropped with it on rejection.
func GetSettlementRate(rs RateStore, oracle market.SpotRateOracle, currencyID uint16, maturity, blockTime int64) (SettlementRate, bool, error) {
	if sr, found, err := loadFrozen(rs, currencyID, maturity); err != nil || found {
		return sr, false, err
	}
	if maturity > blockTime {
		return SettlementRate{}, false, fmt.Errorf("%w: %d > %d", ErrNotMatured, maturity, blockTime)
	}

	spot, err := oracle.SpotRate(currencyID, blockTime)
	if err != nil {
		return SettlementRate{}, false, err
	}
	candidate := SettlementRate{Rate: spot.Rate, Decimals: spot.Decimals, Timestamp: blockTime}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return SettlementRate{}, false, err
	}

	stored, inserted, err := rs.PutIfAbsent(store.SettlementRateKey(currencyID, maturity), raw)
	if err != nil {
		return SettlementRate{}, false, err
	}
	if inserted {
		return candidate, true, nil
	}
	var winner SettlementRate
	if err := json.Unmarshal(stored, &winner); err != nil {
		return SettlementRate{}, false, fmt.Errorf("settlement: decode rate: %w", err)
	}
	return winner, false, nil
}

// SettlementRateView returns the frozen rate or, if none exists yet, the
// rate that would be frozen now, without writing.
func SettlementRateView(r store.Reader, oracle market.SpotRateOracle, currencyID uint16, maturity, blockTime int64) (SettlementRate, error) {
	if sr, found, err := loadFrozen(r, currencyID, maturity); err != nil || found {
		return sr, err
	}
	if maturity > blockTime {
		return SettlementRate{}, fmt.Errorf("%w: %d > %d", ErrNotMatured, maturity, blockTime)
	}
	spot, err := oracle.SpotRate(currencyID, blockTime)
	if err != nil {
		return SettlementRate{}, err
	}
	return SettlementRate{Rate: spot.Rate, Decimals: spot.Decimals, Timestamp: blockTime}, nil
}

func loadFrozen(r store.Reader, currencyID uint16, maturity int64) (SettlementRate, bool, error) {
	var sr SettlementRate
	found, err := store.GetJSON(r, store.SettlementRateKey(currencyID, maturity), &sr)
	if err != nil {
		return SettlementRate{}, false, err
	}
	if found && sr.Timestamp == 0 {
		return SettlementRate{}, false, fmt.Errorf("settlement: rate for %d/%d stored without timestamp", currencyID, maturity)
	}
	return sr, found, nil
}
