package market

import (
	"FCashLedger/internal/datetime"
	fpmath "FCashLedger/internal/math"
	"fmt"
)

// ExchangeRateFromImpliedRate returns e^(rate * ttm / Year).
func ExchangeRateFromImpliedRate(impliedRate, timeToMaturity int64) (int64, error) {
	exponent, err := fpmath.MulDiv(impliedRate, timeToMaturity, datetime.Year, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return fpmath.Exp(exponent)
}

// annualize converts an exchange rate into the implied rate over ttm.
func annualize(exchangeRate, timeToMaturity int64) (int64, error) {
	lnRate, err := fpmath.Ln(exchangeRate)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(lnRate, datetime.Year, timeToMaturity, fpmath.RoundDown)
}

// discountScalar divides the rate scalar by the exchange rate at the last
// implied rate. A proportion move then shifts the implied rate by
// ln-odds / rateScalars[i] to first order whatever the time to maturity.
func discountScalar(rateScalar, lastImpliedRate, timeToMaturity int64) (int64, error) {
	exchangeRate, err := ExchangeRateFromImpliedRate(lastImpliedRate, timeToMaturity)
	if err != nil {
		return 0, err
	}
	scalar, err := fpmath.MulDiv(rateScalar, fpmath.RatePrecision, exchangeRate, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	if scalar <= 0 {
		return 0, ErrInvalidRateScalar
	}
	return scalar, nil
}

// logProportion returns ln(p / (1 - p)) for p in rate precision.
func logProportion(proportion int64) (int64, error) {
	if proportion <= 0 || proportion >= fpmath.RatePrecision {
		return 0, fmt.Errorf("%w: %d", ErrProportionOutOfRange, proportion)
	}
	odds, err := fpmath.MulDiv(proportion, fpmath.RatePrecision, fpmath.RatePrecision-proportion, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return fpmath.Ln(odds)
}

// rateAnchor places the curve so that the current proportion prices at the
// last implied rate for the given time to maturity.
func rateAnchor(totalFCash, totalCashUnderlying, lastImpliedRate, rateScalar, timeToMaturity int64) (int64, error) {
	exchangeRate, err := ExchangeRateFromImpliedRate(lastImpliedRate, timeToMaturity)
	if err != nil {
		return 0, err
	}
	total, err := fpmath.Add(totalFCash, totalCashUnderlying)
	if err != nil {
		return 0, err
	}
	if total <= 0 {
		return 0, ErrMarketNotInitialized
	}
	proportion, err := fpmath.DivInRatePrecision(totalFCash, total)
	if err != nil {
		return 0, err
	}
	lnProportion, err := logProportion(proportion)
	if err != nil {
		return 0, err
	}
	offset, err := fpmath.DivInRatePrecision(lnProportion, rateScalar)
	if err != nil {
		return 0, err
	}
	return fpmath.Sub(exchangeRate, offset)
}

// exchangeRate prices fCashToAccount against the pool. The proportion uses the
// fCash left in the pool after the trade over the pre-trade pool size.
func exchangeRate(totalFCash, totalCashUnderlying, rateScalar, anchor, fCashToAccount int64) (int64, error) {
	numerator, err := fpmath.SubNoNeg(totalFCash, fCashToAccount)
	if err != nil {
		return 0, fmt.Errorf("%w: lending %d exceeds pool fCash %d", ErrProportionOutOfRange, fCashToAccount, totalFCash)
	}
	total, err := fpmath.Add(totalFCash, totalCashUnderlying)
	if err != nil {
		return 0, err
	}
	if total <= 0 {
		return 0, ErrMarketNotInitialized
	}
	proportion, err := fpmath.DivInRatePrecision(numerator, total)
	if err != nil {
		return 0, err
	}
	if proportion > MaxMarketProportion {
		return 0, fmt.Errorf("%w: proportion %d above max %d", ErrProportionOutOfRange, proportion, MaxMarketProportion)
	}

	lnProportion, err := logProportion(proportion)
	if err != nil {
		return 0, err
	}
	scaled, err := fpmath.DivInRatePrecision(lnProportion, rateScalar)
	if err != nil {
		return 0, err
	}
	rate, err := fpmath.Add(scaled, anchor)
	if err != nil {
		return 0, err
	}
	if rate < fpmath.RatePrecision {
		return 0, fmt.Errorf("%w: %d", ErrExchangeRateBelowOne, rate)
	}
	return rate, nil
}

// impliedRate annualizes the pool's exchange rate at zero trade size.
func impliedRate(totalFCash, totalCashUnderlying, rateScalar, anchor, timeToMaturity int64) (int64, error) {
	rate, err := exchangeRate(totalFCash, totalCashUnderlying, rateScalar, anchor, 0)
	if err != nil {
		return 0, err
	}
	return annualize(rate, timeToMaturity)
}

// netCashAmountsUnderlying converts a pre-fee exchange rate into the cash an
// account receives (negative when lending) and the fee taken from it, both
// in underlying.
func netCashAmountsUnderlying(preFeeExchangeRate, fCashToAccount, totalFee, timeToMaturity int64) (cashToAccount, fee int64, err error) {
	preFeeCash, err := fpmath.MulDiv(fCashToAccount, fpmath.RatePrecision, preFeeExchangeRate, fpmath.RoundDown)
	if err != nil {
		return 0, 0, err
	}
	preFeeCash = -preFeeCash

	feeRate, err := ExchangeRateFromImpliedRate(totalFee, timeToMaturity)
	if err != nil {
		return 0, 0, err
	}

	if fCashToAccount > 0 {
		// Lenders receive a lower rate, never one below zero.
		postFeeExchangeRate, err := fpmath.MulDiv(preFeeExchangeRate, fpmath.RatePrecision, feeRate, fpmath.RoundDown)
		if err != nil {
			return 0, 0, err
		}
		if postFeeExchangeRate < fpmath.RatePrecision {
			return 0, 0, fmt.Errorf("%w: post fee exchange rate %d", ErrExchangeRateBelowOne, postFeeExchangeRate)
		}
		fee, err = fpmath.MulDiv(preFeeCash, fpmath.RatePrecision-feeRate, fpmath.RatePrecision, fpmath.RoundDown)
		if err != nil {
			return 0, 0, err
		}
	} else {
		fee, err = fpmath.MulDiv(preFeeCash, fpmath.RatePrecision-feeRate, feeRate, fpmath.RoundDown)
		if err != nil {
			return 0, 0, err
		}
		fee = -fee
	}

	cashToAccount, err = fpmath.Sub(preFeeCash, fee)
	if err != nil {
		return 0, 0, err
	}
	return cashToAccount, fee, nil
}
