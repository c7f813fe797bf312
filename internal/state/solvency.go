package state

import (
	"FCashLedger/internal/account"
	"FCashLedger/internal/datetime"
	"FCashLedger/internal/errs"
	"FCashLedger/internal/market"
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/portfolio"
	"FCashLedger/internal/store"
	"fmt"

	"github.com/google/uuid"
)

var ErrInsolvent = errs.New(errs.External, "solvency: account net value negative")

// CurrencyValue is an account's net position in one currency, in underlying.
type CurrencyValue struct {
	CurrencyID     uint16
	CashUnderlying int64
	FCashPV        int64
	LiquidityValue int64
	Net            int64
}

// SolvencyChecker values accounts currency by currency: cash at the spot
// rate, fCash discounted at the oracle rate, liquidity tokens as their claim.
type SolvencyChecker struct {
	params market.ParamsSource
	oracle market.SpotRateOracle
}

func NewSolvencyChecker(params market.ParamsSource, oracle market.SpotRateOracle) *SolvencyChecker {
	return &SolvencyChecker{params: params, oracle: oracle}
}

// Evaluate returns the value of every currency the account is active in.
func (sc *SolvencyChecker) Evaluate(r store.Reader, accountID uuid.UUID, ac *account.AccountContext, now int64) ([]CurrencyValue, error) {
	assets, err := accountAssets(r, accountID, ac)
	if err != nil {
		return nil, err
	}

	values := make([]CurrencyValue, 0, len(ac.Currencies()))
	for _, currencyID := range ac.Currencies() {
		cg, err := market.BuildCashGroup(sc.params, sc.oracle, currencyID, now)
		if err != nil {
			return nil, err
		}
		v := CurrencyValue{CurrencyID: currencyID}

		bs, err := account.LoadBalanceState(r, accountID, currencyID)
		if err != nil {
			return nil, err
		}
		if v.CashUnderlying, err = cg.AssetRate.ToUnderlying(bs.StoredCashBalance); err != nil {
			return nil, err
		}

		for _, a := range assets {
			if a.CurrencyID != currencyID {
				continue
			}
			if a.AssetType == portfolio.FCashAssetType {
				pv, err := presentValue(r, cg, a.Notional, a.Maturity, now)
				if err != nil {
					return nil, err
				}
				if v.FCashPV, err = fpmath.Add(v.FCashPV, pv); err != nil {
					return nil, err
				}
				continue
			}
			lv, err := liquidityValue(r, cg, a, now)
			if err != nil {
				return nil, err
			}
			if v.LiquidityValue, err = fpmath.Add(v.LiquidityValue, lv); err != nil {
				return nil, err
			}
		}

		if v.Net, err = fpmath.Sum(v.CashUnderlying, v.FCashPV, v.LiquidityValue); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// CheckSolvent fails when any currency nets negative. A passing account
// with no negative cash has its cash debt flag cleared.
func (sc *SolvencyChecker) CheckSolvent(r store.Reader, accountID uuid.UUID, ac *account.AccountContext, now int64) error {
	values, err := sc.Evaluate(r, accountID, ac, now)
	if err != nil {
		return err
	}
	negativeCash := false
	for _, v := range values {
		if v.Net < 0 {
			return fmt.Errorf("%w: currency %d net %d", ErrInsolvent, v.CurrencyID, v.Net)
		}
		if v.CashUnderlying < 0 {
			negativeCash = true
		}
	}
	if !negativeCash {
		ac.HasDebt &^= account.HasCashDebt
	}
	return nil
}

func accountAssets(r store.Reader, accountID uuid.UUID, ac *account.AccountContext) ([]portfolio.PortfolioAsset, error) {
	if ac.IsBitmapEnabled() {
		bm, err := portfolio.LoadBitmapAssets(r, accountID, ac.BitmapCurrencyID, ac.NextSettleTime)
		if err != nil {
			return nil, err
		}
		return bm.Assets(r)
	}
	ps, err := portfolio.BuildPortfolioState(r, accountID, ac.AssetArrayLength)
	if err != nil {
		return nil, err
	}
	return ps.ActiveAssets(), nil
}

// presentValue discounts notional at the oracle rate for its maturity.
func presentValue(r store.Reader, cg *market.CashGroup, notional, maturity, now int64) (int64, error) {
	if maturity <= now || notional == 0 {
		return notional, nil
	}
	rate, err := cg.OracleRateAt(r, maturity, now)
	if err != nil {
		return 0, err
	}
	discount, err := market.ExchangeRateFromImpliedRate(rate, maturity-now)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(notional, fpmath.RatePrecision, discount, fpmath.RoundDown)
}

func liquidityValue(r store.Reader, cg *market.CashGroup, a portfolio.PortfolioAsset, now int64) (int64, error) {
	idx := portfolio.MarketIndex(a.AssetType)
	if idx < 1 || idx > datetime.MaxTradedMarketIndex {
		return 0, fmt.Errorf("%w: asset type %d", portfolio.ErrInvalidAssetType, a.AssetType)
	}
	m, found, err := market.LoadMarket(r, a.CurrencyID, a.Maturity)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %d/%d", market.ErrMarketNotFound, a.CurrencyID, a.Maturity)
	}
	cash, fCash, err := m.ClaimShare(a.Notional)
	if err != nil {
		return 0, err
	}
	cashUnderlying, err := cg.AssetRate.ToUnderlying(cash)
	if err != nil {
		return 0, err
	}
	pv, err := presentValue(r, cg, fCash, a.Maturity, now)
	if err != nil {
		return 0, err
	}
	return fpmath.Add(cashUnderlying, pv)
}
