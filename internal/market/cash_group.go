package market

import (
	"FCashLedger/internal/datetime"
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/store"
	"fmt"
)

// CashGroup binds a currency's parameters to the asset rate observed for the
// current transaction.
type CashGroup struct {
	CashGroupParameters
	AssetRate AssetRate
}

// BuildCashGroup loads parameters and the current spot rate. It fails when
// the currency is not listed or its rate is stale.
func BuildCashGroup(params ParamsSource, oracle SpotRateOracle, currencyID uint16, now int64) (*CashGroup, error) {
	if err := ValidateCurrencyID(currencyID); err != nil {
		return nil, err
	}
	p, ok := params.CashGroup(currencyID)
	if !ok {
		return nil, fmt.Errorf("%w: %d has no cash group", ErrInvalidCurrency, currencyID)
	}
	rate, err := oracle.SpotRate(currencyID, now)
	if err != nil {
		return nil, err
	}
	return &CashGroup{CashGroupParameters: p, AssetRate: rate}, nil
}

// RateScalar returns the scalar for a market index at ttm. Scalars scale
// with Year / ttm so the curve keeps its shape in rate terms as a market ages.
func (cg *CashGroup) RateScalar(marketIndex int, timeToMaturity int64) (int64, error) {
	if marketIndex < 1 || marketIndex > cg.MaxMarketIndex || marketIndex > len(cg.RateScalars) {
		return 0, fmt.Errorf("%w: %d", datetime.ErrInvalidMarketIndex, marketIndex)
	}
	if timeToMaturity <= 0 {
		return 0, ErrZeroTimeToMaturity
	}
	base, err := fpmath.Mul(cg.RateScalars[marketIndex-1], fpmath.RatePrecision)
	if err != nil {
		return 0, err
	}
	scalar, err := fpmath.MulDiv(base, datetime.Year, timeToMaturity, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	if scalar <= 0 {
		return 0, ErrInvalidRateScalar
	}
	return scalar, nil
}

// MarketAt loads the market for a listed index at time now.
func (cg *CashGroup) MarketAt(r store.Reader, marketIndex int, now int64) (*Market, error) {
	if marketIndex < 1 || marketIndex > cg.MaxMarketIndex {
		return nil, fmt.Errorf("%w: %d", datetime.ErrInvalidMarketIndex, marketIndex)
	}
	maturity, err := datetime.MarketMaturity(now, marketIndex)
	if err != nil {
		return nil, err
	}
	m, found, err := LoadMarket(r, cg.CurrencyID, maturity)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: currency %d maturity %d", ErrMarketNotFound, cg.CurrencyID, maturity)
	}
	return m, nil
}

// OracleRateAt returns the oracle rate for any valid maturity up to the
// last listed market. Uninitialized markets are skipped: the rate is read
// from the market at maturity, interpolated linearly between the nearest
// initialized markets around it, or held flat beyond the first or last one.
func (cg *CashGroup) OracleRateAt(r store.Reader, maturity, now int64) (int64, error) {
	type observation struct {
		maturity int64
		rate     int64
	}
	var (
		below, above *observation
		lastListed   int64
	)
	for idx := 1; idx <= cg.MaxMarketIndex; idx++ {
		listed, err := datetime.MarketMaturity(now, idx)
		if err != nil {
			return 0, err
		}
		lastListed = listed
		m, found, err := LoadMarket(r, cg.CurrencyID, listed)
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}
		rate, err := m.ObservedOracleRate(now, cg.RateOracleTimeWindow)
		if err != nil {
			return 0, err
		}
		obs := &observation{maturity: listed, rate: rate}
		if listed <= maturity {
			below = obs
		} else if above == nil {
			above = obs
		}
	}
	if maturity > lastListed {
		return 0, fmt.Errorf("%w: maturity %d beyond last market", datetime.ErrInvalidMarketIndex, maturity)
	}

	switch {
	case below != nil && below.maturity == maturity:
		return below.rate, nil
	case below != nil && above != nil:
		return interpolate(below.maturity, below.rate, above.maturity, above.rate, maturity)
	case below != nil:
		return below.rate, nil
	case above != nil:
		return above.rate, nil
	}
	return 0, fmt.Errorf("%w: no initialized market for currency %d", ErrMarketNotFound, cg.CurrencyID)
}

func interpolate(shortMaturity, shortRate, longMaturity, longRate, maturity int64) (int64, error) {
	delta, err := fpmath.MulDiv(longRate-shortRate, maturity-shortMaturity, longMaturity-shortMaturity, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return fpmath.Add(shortRate, delta)
}
