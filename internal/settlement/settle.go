package settlement

import (
	"FCashLedger/internal/account"
	"FCashLedger/internal/datetime"
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/market"
	"FCashLedger/internal/portfolio"
	"FCashLedger/internal/store"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// SettleAmount is the asset cash credited (or debited) to a currency.
type SettleAmount struct {
	CurrencyID    uint16
	NetCashChange int64
}

// SettledAsset records one position removed by settlement.
type SettledAsset struct {
	Asset     portfolio.PortfolioAsset
	AssetCash int64
	Rate      SettlementRate
	// Pool share claimed by a liquidity token.
	ClaimedCash  int64
	ClaimedFCash int64
}

// Result is the outcome of settling one account.
type Result struct {
	Amounts     []SettleAmount
	Assets      []SettledAsset
	RatesFrozen int
}

// Store is the transactional view settlement writes through.
type Store interface {
	RateStore
	store.Writer
}

type rateSource func(currencyID uint16, maturity int64) (SettlementRate, error)

// settleAsset values a matured asset. Liquidity tokens claim their pool
// share; the stateful variant also takes the share out of the market.
func settleAsset(rw store.ReadWriter, rate rateSource, a portfolio.PortfolioAsset, stateful bool) (SettledAsset, error) {
	sr, err := rate(a.CurrencyID, a.Maturity)
	if err != nil {
		return SettledAsset{}, err
	}
	ar := sr.AssetRate()
	out := SettledAsset{Asset: a, Rate: sr}

	if a.AssetType == portfolio.FCashAssetType {
		out.AssetCash, err = ar.FromUnderlying(a.Notional)
		return out, err
	}

	m, found, err := market.LoadMarket(rw, a.CurrencyID, a.Maturity)
	if err != nil {
		return SettledAsset{}, err
	}
	if !found {
		return SettledAsset{}, fmt.Errorf("%w: liquidity token for %d/%d", market.ErrMarketNotFound, a.CurrencyID, a.Maturity)
	}

	cash, fCash, err := m.ClaimShare(a.Notional)
	if err != nil {
		return SettledAsset{}, err
	}
	if stateful {
		if _, _, err := m.RemoveLiquidity(a.Notional); err != nil {
			return SettledAsset{}, err
		}
		if err := m.Store(rw); err != nil {
			return SettledAsset{}, err
		}
	}

	fCashCash, err := ar.FromUnderlying(fCash)
	if err != nil {
		return SettledAsset{}, err
	}
	out.ClaimedCash = cash
	out.ClaimedFCash = fCash
	out.AssetCash, err = fpmath.Add(cash, fCashCash)
	return out, err
}

// SettlePortfolio settles every stored asset maturing at or before blockTime
// and marks it for deletion.
func SettlePortfolio(rw Store, ps *portfolio.PortfolioState, oracle market.SpotRateOracle, blockTime int64) (Result, error) {
	var res Result
	rate := func(currencyID uint16, maturity int64) (SettlementRate, error) {
		sr, frozen, err := GetSettlementRate(rw, oracle, currencyID, maturity, blockTime)
		if frozen {
			res.RatesFrozen++
		}
		return sr, err
	}

	for _, i := range ps.CalculateSortedIndex() {
		a := ps.StoredAssets[i]
		if a.StorageState == portfolio.Delete || a.Maturity > blockTime {
			continue
		}
		settled, err := settleAsset(rw, rate, a, true)
		if err != nil {
			return Result{}, err
		}
		if err := ps.DeleteAsset(i); err != nil {
			return Result{}, err
		}
		res.Assets = append(res.Assets, settled)
	}

	amounts, err := sumByCurrency(res.Assets)
	res.Amounts = amounts
	return res, err
}

// SettlePortfolioView computes what SettlePortfolio would produce without
// writing anything.
func SettlePortfolioView(r store.Reader, ps *portfolio.PortfolioState, oracle market.SpotRateOracle, blockTime int64) (Result, error) {
	var res Result
	rate := func(currencyID uint16, maturity int64) (SettlementRate, error) {
		return SettlementRateView(r, oracle, currencyID, maturity, blockTime)
	}
	for _, i := range ps.CalculateSortedIndex() {
		a := ps.StoredAssets[i]
		if a.StorageState == portfolio.Delete || a.Maturity > blockTime {
			continue
		}
		settled, err := settleAsset(readOnlyRW{r}, rate, a, false)
		if err != nil {
			return Result{}, err
		}
		res.Assets = append(res.Assets, settled)
	}
	amounts, err := sumByCurrency(res.Assets)
	res.Amounts = amounts
	return res, err
}

// readOnlyRW satisfies store.ReadWriter for view paths; writes are refused.
type readOnlyRW struct{ store.Reader }

func (readOnlyRW) Put(key, _ []byte) error {
	return fmt.Errorf("settlement: write to %s in view", key)
}

func (readOnlyRW) Delete(key []byte) error {
	return fmt.Errorf("settlement: delete of %s in view", key)
}

// SettleBitmap settles bitmap fCash maturing at or before blockTime and
// moves the cursor to the start of blockTime's day.
func SettleBitmap(rw Store, bm *portfolio.BitmapAssets, oracle market.SpotRateOracle, blockTime int64) (Result, error) {
	var res Result
	rate := func(currencyID uint16, maturity int64) (SettlementRate, error) {
		sr, frozen, err := GetSettlementRate(rw, oracle, currencyID, maturity, blockTime)
		if frozen {
			res.RatesFrozen++
		}
		return sr, err
	}

	assets, err := bm.Assets(rw)
	if err != nil {
		return Result{}, err
	}
	for _, a := range assets {
		if a.Maturity > blockTime {
			break
		}
		settled, err := settleAsset(rw, rate, a, true)
		if err != nil {
			return Result{}, err
		}
		if _, err := bm.Remove(rw, a.Maturity); err != nil {
			return Result{}, err
		}
		res.Assets = append(res.Assets, settled)
	}
	if err := bm.Remap(blockTime); err != nil {
		return Result{}, err
	}

	amounts, err := sumByCurrency(res.Assets)
	res.Amounts = amounts
	return res, err
}

// SettleBitmapView is the read-only counterpart of SettleBitmap.
func SettleBitmapView(r store.Reader, bm *portfolio.BitmapAssets, oracle market.SpotRateOracle, blockTime int64) (Result, error) {
	var res Result
	rate := func(currencyID uint16, maturity int64) (SettlementRate, error) {
		return SettlementRateView(r, oracle, currencyID, maturity, blockTime)
	}
	assets, err := bm.Assets(r)
	if err != nil {
		return Result{}, err
	}
	for _, a := range assets {
		if a.Maturity > blockTime {
			break
		}
		settled, err := settleAsset(readOnlyRW{r}, rate, a, false)
		if err != nil {
			return Result{}, err
		}
		res.Assets = append(res.Assets, settled)
	}
	amounts, err := sumByCurrency(res.Assets)
	res.Amounts = amounts
	return res, err
}

func sumByCurrency(assets []SettledAsset) ([]SettleAmount, error) {
	totals := make(map[uint16]int64)
	for _, s := range assets {
		sum, err := fpmath.Add(totals[s.Asset.CurrencyID], s.AssetCash)
		if err != nil {
			return nil, err
		}
		totals[s.Asset.CurrencyID] = sum
	}
	out := make([]SettleAmount, 0, len(totals))
	for c, v := range totals {
		out = append(out, SettleAmount{CurrencyID: c, NetCashChange: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrencyID < out[j].CurrencyID })
	return out, nil
}

// SettleAccount settles the account if its cursor has passed, credits the
// settled cash to balances and stores the portfolio. Settling twice at the
// same block time is a no-op.
func SettleAccount(rw Store, accountID uuid.UUID, ac *account.AccountContext, oracle market.SpotRateOracle, transfer account.TokenTransfer, blockTime int64) (Result, error) {
	if !ac.MustSettleAssets(blockTime) {
		return Result{}, nil
	}

	var res Result
	if ac.IsBitmapEnabled() {
		bm, err := portfolio.LoadBitmapAssets(rw, accountID, ac.BitmapCurrencyID, ac.NextSettleTime)
		if err != nil {
			return Result{}, err
		}
		res, err = SettleBitmap(rw, bm, oracle, blockTime)
		if err != nil {
			return Result{}, err
		}
		if err := ac.StoreBitmap(rw, bm); err != nil {
			return Result{}, err
		}
		ac.NextSettleTime = datetime.TimeUTC0(blockTime)
	} else {
		ps, err := portfolio.BuildPortfolioState(rw, accountID, ac.AssetArrayLength)
		if err != nil {
			return Result{}, err
		}
		res, err = SettlePortfolio(rw, ps, oracle, blockTime)
		if err != nil {
			return Result{}, err
		}
		if err := ac.StorePortfolio(rw, accountID, ps); err != nil {
			return Result{}, err
		}
	}

	for _, amt := range res.Amounts {
		bs, err := account.LoadBalanceState(rw, accountID, amt.CurrencyID)
		if err != nil {
			return Result{}, err
		}
		bs.NetCashChange = amt.NetCashChange
		if _, err := bs.Finalize(rw, accountID, ac, transfer, false); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// PreviewAccount reports what SettleAccount would settle at blockTime.
func PreviewAccount(r store.Reader, accountID uuid.UUID, ac *account.AccountContext, oracle market.SpotRateOracle, blockTime int64) (Result, error) {
	if !ac.MustSettleAssets(blockTime) {
		return Result{}, nil
	}
	if ac.IsBitmapEnabled() {
		bm, err := portfolio.LoadBitmapAssets(r, accountID, ac.BitmapCurrencyID, ac.NextSettleTime)
		if err != nil {
			return Result{}, err
		}
		return SettleBitmapView(r, bm, oracle, blockTime)
	}
	ps, err := portfolio.BuildPortfolioState(r, accountID, ac.AssetArrayLength)
	if err != nil {
		return Result{}, err
	}
	return SettlePortfolioView(r, ps, oracle, blockTime)
}
