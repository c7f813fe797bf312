package market

import (
	"FCashLedger/internal/errs"
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/store"
	"fmt"
)

var (
	ErrZeroTrade             = errs.New(errs.InvalidInput, "market: zero fCash trade")
	ErrZeroTimeToMaturity    = errs.New(errs.InvalidInput, "market: zero time to maturity")
	ErrInvalidRateScalar     = errs.New(errs.InvalidInput, "market: rate scalar must be positive")
	ErrInvalidAmount         = errs.New(errs.InvalidInput, "market: amount must be positive")
	ErrProportionOutOfRange  = errs.New(errs.Capacity, "market: proportion outside valid range")
	ErrExchangeRateBelowOne  = errs.New(errs.Capacity, "market: exchange rate below one")
	ErrTradeTooSmall         = errs.New(errs.InvalidInput, "market: trade too small to move cash or rate")
	ErrInsufficientLiquidity = errs.New(errs.InsufficientFunds, "market: insufficient liquidity")
	ErrMarketNotFound        = errs.New(errs.InvalidInput, "market: not found")
	ErrMarketNotInitialized  = errs.New(errs.InvalidInput, "market: no liquidity")
	ErrMarketExists          = errs.New(errs.StaleState, "market: already initialized")
)

// MaxMarketProportion caps fCash / (fCash + cash) so borrowing cannot push
// rates arbitrarily high.
var MaxMarketProportion = fpmath.RatePrecision * 99 / 100

// Market is the liquidity pool for one (currency, maturity).
type Market struct {
	CurrencyID        uint16 `json:"currency_id"`
	Maturity          int64  `json:"maturity"`
	TotalFCash        int64  `json:"total_fcash"`
	TotalAssetCash    int64  `json:"total_asset_cash"`
	TotalLiquidity    int64  `json:"total_liquidity"`
	LastImpliedRate   int64  `json:"last_implied_rate"`
	OracleRate        int64  `json:"oracle_rate"`
	PreviousTradeTime int64  `json:"previous_trade_time"`
}

// LoadMarket reads the market at (currency, maturity).
func LoadMarket(r store.Reader, currencyID uint16, maturity int64) (*Market, bool, error) {
	var m Market
	found, err := store.GetJSON(r, store.MarketKey(currencyID, maturity), &m)
	if err != nil || !found {
		return nil, found, err
	}
	return &m, true, nil
}

// Store writes the market back. Reserves must stay positive while there is
// liquidity outstanding.
func (m *Market) Store(w store.Writer) error {
	if m.TotalLiquidity < 0 || m.TotalFCash < 0 || m.TotalAssetCash < 0 {
		return fmt.Errorf("%w: market %d/%d reserves fcash=%d cash=%d liquidity=%d",
			ErrProportionOutOfRange, m.CurrencyID, m.Maturity, m.TotalFCash, m.TotalAssetCash, m.TotalLiquidity)
	}
	if m.TotalLiquidity > 0 && (m.TotalFCash == 0 || m.TotalAssetCash == 0) {
		return fmt.Errorf("%w: market %d/%d drained one side", ErrProportionOutOfRange, m.CurrencyID, m.Maturity)
	}
	return store.PutJSON(w, store.MarketKey(m.CurrencyID, m.Maturity), m)
}

// AddLiquidity deposits asset cash pro rata to both reserves. It returns
// the minted liquidity tokens and the fCash the provider now owes (negative).
func (m *Market) AddLiquidity(assetCash int64) (liquidityTokens, fCash int64, err error) {
	if assetCash <= 0 {
		return 0, 0, fmt.Errorf("%w: asset cash %d", ErrInvalidAmount, assetCash)
	}
	if m.TotalLiquidity <= 0 || m.TotalAssetCash <= 0 {
		return 0, 0, ErrMarketNotInitialized
	}

	liquidityTokens, err = fpmath.ProRata(m.TotalLiquidity, assetCash, m.TotalAssetCash)
	if err != nil {
		return 0, 0, err
	}
	fCashAdded, err := fpmath.ProRata(m.TotalFCash, assetCash, m.TotalAssetCash)
	if err != nil {
		return 0, 0, err
	}
	if liquidityTokens == 0 {
		return 0, 0, fmt.Errorf("%w: %d asset cash mints no tokens", ErrTradeTooSmall, assetCash)
	}

	totalLiquidity, err := fpmath.Add(m.TotalLiquidity, liquidityTokens)
	if err != nil {
		return 0, 0, err
	}
	totalFCash, err := fpmath.Add(m.TotalFCash, fCashAdded)
	if err != nil {
		return 0, 0, err
	}
	totalAssetCash, err := fpmath.Add(m.TotalAssetCash, assetCash)
	if err != nil {
		return 0, 0, err
	}

	m.TotalLiquidity = totalLiquidity
	m.TotalFCash = totalFCash
	m.TotalAssetCash = totalAssetCash

	return liquidityTokens, -fCashAdded, nil
}

// RemoveLiquidity burns tokens for their pro-rata share of both reserves.
func (m *Market) RemoveLiquidity(tokens int64) (assetCash, fCash int64, err error) {
	if tokens <= 0 {
		return 0, 0, fmt.Errorf("%w: tokens %d", ErrInvalidAmount, tokens)
	}
	if tokens > m.TotalLiquidity {
		return 0, 0, fmt.Errorf("%w: redeeming %d of %d tokens", ErrInsufficientLiquidity, tokens, m.TotalLiquidity)
	}

	assetCash, fCash, err = m.claim(tokens)
	if err != nil {
		return 0, 0, err
	}

	m.TotalLiquidity -= tokens
	m.TotalAssetCash -= assetCash
	m.TotalFCash -= fCash
	return assetCash, fCash, nil
}

// ClaimShare computes the reserves owed to tokens without mutating the market.
func (m *Market) ClaimShare(tokens int64) (assetCash, fCash int64, err error) {
	if tokens < 0 {
		return 0, 0, fmt.Errorf("%w: tokens %d", ErrInvalidAmount, tokens)
	}
	if tokens > m.TotalLiquidity {
		return 0, 0, fmt.Errorf("%w: claim of %d tokens exceeds supply %d", fpmath.ErrOverflow, tokens, m.TotalLiquidity)
	}
	return m.claim(tokens)
}

func (m *Market) claim(tokens int64) (assetCash, fCash int64, err error) {
	if tokens == m.TotalLiquidity {
		return m.TotalAssetCash, m.TotalFCash, nil
	}
	assetCash, err = fpmath.ProRata(m.TotalAssetCash, tokens, m.TotalLiquidity)
	if err != nil {
		return 0, 0, err
	}
	fCash, err = fpmath.ProRata(m.TotalFCash, tokens, m.TotalLiquidity)
	if err != nil {
		return 0, 0, err
	}
	return assetCash, fCash, nil
}

// Proportion returns fCash / (fCash + underlying cash) in rate precision.
func (m *Market) Proportion(ar AssetRate) (int64, error) {
	cash, err := ar.ToUnderlying(m.TotalAssetCash)
	if err != nil {
		return 0, err
	}
	total, err := fpmath.Add(m.TotalFCash, cash)
	if err != nil {
		return 0, err
	}
	if total <= 0 {
		return 0, ErrMarketNotInitialized
	}
	return fpmath.DivInRatePrecision(m.TotalFCash, total)
}
