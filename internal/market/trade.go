package market

import (
	"FCashLedger/internal/errs"
	fpmath "FCashLedger/internal/math"
	"fmt"
)

var (
	ErrSlippage      = errs.New(errs.InvalidInput, "market: implied rate outside slippage limit")
	ErrTradeTooLarge = errs.New(errs.InvalidInput, "market: trade moves the rate past the per-trade limit")
)

// MaxTradeRateImpact bounds the distance between a trade's executed rate and
// the market's last implied rate. Within it the executed rate for a fixed
// trade drifts by less than a basis point over a quarter of time to maturity.
const MaxTradeRateImpact = 250 * fpmath.BasisPoint

// TradeResult is what a trade moved. All cash amounts are asset cash.
type TradeResult struct {
	FCashToAccount     int64 `json:"fcash_to_account"`
	AssetCashToAccount int64 `json:"asset_cash_to_account"`
	AssetCashToReserve int64 `json:"asset_cash_to_reserve"`
	// Annualized rate of the pre-fee exchange rate the trade executed at.
	TradeImpliedRate  int64 `json:"trade_implied_rate"`
	ImpliedRateBefore int64 `json:"implied_rate_before"`
	ImpliedRateAfter  int64 `json:"implied_rate_after"`
}

// ExecuteTrade prices fCashToAccount (positive to lend, negative to borrow)
// against the pool and updates it in place. The market is left untouched on
// error.
func (m *Market) ExecuteTrade(cg *CashGroup, marketIndex int, timeToMaturity, fCashToAccount, now int64) (TradeResult, error) {
	if fCashToAccount == 0 {
		return TradeResult{}, ErrZeroTrade
	}
	if timeToMaturity <= 0 {
		return TradeResult{}, ErrZeroTimeToMaturity
	}
	if m.TotalLiquidity <= 0 || m.TotalFCash <= 0 || m.TotalAssetCash <= 0 {
		return TradeResult{}, ErrMarketNotInitialized
	}

	rateScalar, err := cg.RateScalar(marketIndex, timeToMaturity)
	if err != nil {
		return TradeResult{}, err
	}
	rateScalar, err = discountScalar(rateScalar, m.LastImpliedRate, timeToMaturity)
	if err != nil {
		return TradeResult{}, err
	}

	cashUnderlying, err := cg.AssetRate.ToUnderlying(m.TotalAssetCash)
	if err != nil {
		return TradeResult{}, err
	}

	anchor, err := rateAnchor(m.TotalFCash, cashUnderlying, m.LastImpliedRate, rateScalar, timeToMaturity)
	if err != nil {
		return TradeResult{}, err
	}
	preFeeExchangeRate, err := exchangeRate(m.TotalFCash, cashUnderlying, rateScalar, anchor, fCashToAccount)
	if err != nil {
		return TradeResult{}, err
	}
	tradeRate, err := annualize(preFeeExchangeRate, timeToMaturity)
	if err != nil {
		return TradeResult{}, err
	}
	impact, err := fpmath.Sub(tradeRate, m.LastImpliedRate)
	if err != nil {
		return TradeResult{}, err
	}
	if impact > MaxTradeRateImpact || impact < -MaxTradeRateImpact {
		return TradeResult{}, fmt.Errorf("%w: executed at %d against %d", ErrTradeTooLarge, tradeRate, m.LastImpliedRate)
	}
	cashToAccount, fee, err := netCashAmountsUnderlying(preFeeExchangeRate, fCashToAccount, cg.TotalFee, timeToMaturity)
	if err != nil {
		return TradeResult{}, err
	}
	if fee < 0 {
		panic(fmt.Sprintf("FATAL: negative trade fee %d for fCash %d", fee, fCashToAccount))
	}
	cashToReserve, err := fpmath.MulDiv(fee, cg.ReserveFeeShare, fpmath.PercentageDecimals, fpmath.RoundDown)
	if err != nil {
		return TradeResult{}, err
	}

	assetCashToAccount, err := cg.AssetRate.FromUnderlying(cashToAccount)
	if err != nil {
		return TradeResult{}, err
	}
	assetCashToReserve, err := cg.AssetRate.FromUnderlying(cashToReserve)
	if err != nil {
		return TradeResult{}, err
	}

	// Cash must flow against fCash.
	if (fCashToAccount > 0 && assetCashToAccount >= 0) || (fCashToAccount < 0 && assetCashToAccount <= 0) {
		return TradeResult{}, fmt.Errorf("%w: fCash %d moves %d asset cash", ErrTradeTooSmall, fCashToAccount, assetCashToAccount)
	}

	netAssetCashToMarket, err := fpmath.Sum(assetCashToAccount, assetCashToReserve)
	if err != nil {
		return TradeResult{}, err
	}
	netAssetCashToMarket = -netAssetCashToMarket

	newTotalAssetCash, err := fpmath.Add(m.TotalAssetCash, netAssetCashToMarket)
	if err != nil {
		return TradeResult{}, err
	}
	newTotalFCash, err := fpmath.Sub(m.TotalFCash, fCashToAccount)
	if err != nil {
		return TradeResult{}, err
	}
	if newTotalAssetCash <= 0 || newTotalFCash <= 0 {
		return TradeResult{}, fmt.Errorf("%w: trade drains pool (fcash=%d cash=%d)", ErrProportionOutOfRange, newTotalFCash, newTotalAssetCash)
	}

	newCashUnderlying, err := cg.AssetRate.ToUnderlying(newTotalAssetCash)
	if err != nil {
		return TradeResult{}, err
	}
	newImpliedRate, err := impliedRate(newTotalFCash, newCashUnderlying, rateScalar, anchor, timeToMaturity)
	if err != nil {
		return TradeResult{}, err
	}

	if fCashToAccount > 0 && newImpliedRate >= m.LastImpliedRate {
		return TradeResult{}, fmt.Errorf("%w: lending left implied rate at %d (was %d)", ErrTradeTooSmall, newImpliedRate, m.LastImpliedRate)
	}
	if fCashToAccount < 0 && newImpliedRate <= m.LastImpliedRate {
		return TradeResult{}, fmt.Errorf("%w: borrowing left implied rate at %d (was %d)", ErrTradeTooSmall, newImpliedRate, m.LastImpliedRate)
	}

	result := TradeResult{
		FCashToAccount:     fCashToAccount,
		AssetCashToAccount: assetCashToAccount,
		AssetCashToReserve: assetCashToReserve,
		TradeImpliedRate:   tradeRate,
		ImpliedRateBefore:  m.LastImpliedRate,
		ImpliedRateAfter:   newImpliedRate,
	}

	oracleRate, err := m.ObservedOracleRate(now, cg.RateOracleTimeWindow)
	if err != nil {
		return TradeResult{}, err
	}

	m.OracleRate = oracleRate
	m.LastImpliedRate = newImpliedRate
	m.PreviousTradeTime = now
	m.TotalFCash = newTotalFCash
	m.TotalAssetCash = newTotalAssetCash

	return result, nil
}

// CheckRateLimit enforces a caller-supplied slippage bound. Lenders pass a
// minimum implied rate, borrowers a maximum. Zero disables the check.
func CheckRateLimit(fCashToAccount, impliedRate, limit int64) error {
	if limit == 0 {
		return nil
	}
	if fCashToAccount > 0 && impliedRate < limit {
		return fmt.Errorf("%w: lend rate %d below minimum %d", ErrSlippage, impliedRate, limit)
	}
	if fCashToAccount < 0 && impliedRate > limit {
		return fmt.Errorf("%w: borrow rate %d above maximum %d", ErrSlippage, impliedRate, limit)
	}
	return nil
}

// ObservedOracleRate is the oracle reading at now. Within the window after
// the last trade it is the last implied rate; after that it decays toward the
// stored oracle rate with weight window/elapsed.
func (m *Market) ObservedOracleRate(now, window int64) (int64, error) {
	elapsed := now - m.PreviousTradeTime
	if m.PreviousTradeTime == 0 || elapsed <= window {
		return m.LastImpliedRate, nil
	}

	weight, err := fpmath.MulDiv(window, fpmath.RatePrecision, elapsed, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	fromImplied, err := fpmath.MulInRatePrecision(m.LastImpliedRate, weight)
	if err != nil {
		return 0, err
	}
	fromOracle, err := fpmath.MulInRatePrecision(m.OracleRate, fpmath.RatePrecision-weight)
	if err != nil {
		return 0, err
	}
	return fpmath.Add(fromImplied, fromOracle)
}

// NewMarket seeds a market at maturity with the first provider's liquidity.
// Liquidity tokens are minted one for one with the asset cash supplied.
func NewMarket(currencyID uint16, maturity, fCash, assetCash, impliedRate, now int64) (*Market, error) {
	if fCash <= 0 || assetCash <= 0 {
		return nil, fmt.Errorf("%w: fcash=%d cash=%d", ErrInvalidAmount, fCash, assetCash)
	}
	if impliedRate <= 0 {
		return nil, fmt.Errorf("%w: implied rate %d", ErrInvalidAmount, impliedRate)
	}
	if maturity <= now {
		return nil, fmt.Errorf("%w: maturity %d not after %d", ErrZeroTimeToMaturity, maturity, now)
	}
	return &Market{
		CurrencyID:        currencyID,
		Maturity:          maturity,
		TotalFCash:        fCash,
		TotalAssetCash:    assetCash,
		TotalLiquidity:    assetCash,
		LastImpliedRate:   impliedRate,
		OracleRate:        impliedRate,
		PreviousTradeTime: now,
	}, nil
}
