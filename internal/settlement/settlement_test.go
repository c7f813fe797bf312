package settlement_test

import (
	"FCashLedger/internal/account"
	"FCashLedger/internal/datetime"
	"FCashLedger/internal/market"
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/portfolio"
	"FCashLedger/internal/settlement"
	"FCashLedger/internal/store"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedOracle struct {
	rate market.AssetRate
	err  error
}

func (o fixedOracle) SpotRate(uint16, int64) (market.AssetRate, error) {
	return o.rate, o.err
}

type noTransfer struct{}

func (noTransfer) Transfer(store.ReadWriter, uuid.UUID, uint16, int64) (int64, error) {
	return 0, errors.New("unexpected transfer")
}

const (
	m1        = 200 * datetime.Quarter
	m2        = 201 * datetime.Quarter
	blockTime = m1 + 3*datetime.Day + 17
)

// Underlying is worth twice the asset cash.
var halfOracle = fixedOracle{rate: market.AssetRate{Rate: 2 * fpmath.RatePrecision, Decimals: fpmath.RatePrecision}}

// ============================================================================
// Test: settlement rate freeze
// ============================================================================

func TestSettlementRate_FirstCommitWins(t *testing.T) {
	kv := store.NewMemStore()

	const workers = 16
	results := make([]settlement.SettlementRate, workers)
	commitErrs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := store.Begin(kv)
			defer tx.Discard()
			oracle := fixedOracle{rate: market.AssetRate{Rate: int64(1_000 + i), Decimals: 1_000}}
			sr, frozen, err := settlement.GetSettlementRate(tx, oracle, 1, m1, blockTime)
			if !assert.NoError(t, err, "worker %d", i) {
				return
			}
			assert.True(t, frozen, "every tx freezes in its own buffer")
			results[i] = sr
			commitErrs[i] = tx.Commit()
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range commitErrs {
		if err == nil {
			assert.Equal(t, -1, winner, "only one freeze may commit")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, store.ErrKeyExists)
	}
	require.NotEqual(t, -1, winner)

	// A later read with a different spot rate still sees the frozen value.
	later := fixedOracle{rate: market.AssetRate{Rate: 9_999, Decimals: 1_000}}
	sr, frozen, err := settlement.GetSettlementRate(store.Begin(kv), later, 1, m1, blockTime+datetime.Year)
	require.NoError(t, err)
	assert.False(t, frozen)
	assert.Equal(t, results[winner], sr)
}

func TestSettlementRate_DiscardDropsFreeze(t *testing.T) {
	kv := store.NewMemStore()

	tx := store.Begin(kv)
	_, frozen, err := settlement.GetSettlementRate(tx, halfOracle, 1, m1, blockTime)
	require.NoError(t, err)
	assert.True(t, frozen)
	assert.Len(t, tx.Writes(), 1, "the freeze is a buffered write")
	tx.Discard()

	ok, err := kv.Has(store.SettlementRateKey(1, m1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSettlementRate_Errors(t *testing.T) {
	kv := store.NewMemStore()
	tx := store.Begin(kv)
	_, _, err := settlement.GetSettlementRate(tx, halfOracle, 1, m2, blockTime)
	assert.ErrorIs(t, err, settlement.ErrNotMatured)

	stale := fixedOracle{err: market.ErrStaleRate}
	_, _, err = settlement.GetSettlementRate(tx, stale, 1, m1, blockTime)
	assert.ErrorIs(t, err, market.ErrStaleRate)
	assert.Empty(t, tx.Writes(), "failed freeze must not write")
}

// ============================================================================
// Test: array portfolio settlement
// ============================================================================

func setupAccount(t *testing.T, kv store.KV) (uuid.UUID, *account.AccountContext) {
	t.Helper()
	id := uuid.New()
	ac := &account.AccountContext{}

	m, err := market.NewMarket(1, m1, 1_000, 2_000, 50_000_000, m1-datetime.Quarter)
	require.NoError(t, err)
	require.NoError(t, m.Store(kv))

	ps, err := portfolio.BuildPortfolioState(kv, id, 0)
	require.NoError(t, err)
	for _, a := range []struct {
		maturity int64
		typ      uint8
		notional int64
	}{
		{m1, portfolio.FCashAssetType, 1_000},
		{m2, portfolio.FCashAssetType, -500},
		{m1, portfolio.LiquidityTokenType(1), 100},
	} {
		require.NoError(t, ps.AddAsset(1, a.maturity, a.typ, a.notional))
	}
	require.NoError(t, ac.StorePortfolio(kv, id, ps))
	return id, ac
}

// settle runs SettleAccount in its own transaction and commits it.
func settle(t *testing.T, kv store.KV, id uuid.UUID, ac *account.AccountContext, blockTime int64) settlement.Result {
	t.Helper()
	tx := store.Begin(kv)
	res, err := settlement.SettleAccount(tx, id, ac, halfOracle, noTransfer{}, blockTime)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return res
}

func TestSettleAccount_Portfolio(t *testing.T) {
	kv := store.NewMemStore()
	id, ac := setupAccount(t, kv)

	require.True(t, ac.MustSettleAssets(blockTime), "account should need settlement")

	preview, err := settlement.PreviewAccount(kv, id, ac, halfOracle, blockTime)
	require.NoError(t, err)
	ok, err := kv.Has(store.SettlementRateKey(1, m1))
	require.NoError(t, err)
	assert.False(t, ok, "preview must not freeze the rate")

	res := settle(t, kv, id, ac, blockTime)

	// fCash 1000 -> 500; token claims 100 cash + 50 fCash -> 125.
	require.Len(t, res.Amounts, 1)
	assert.Equal(t, int64(625), res.Amounts[0].NetCashChange)
	assert.Equal(t, res.Amounts, preview.Amounts, "preview matches settlement")
	assert.Equal(t, 1, res.RatesFrozen)

	ok, err = kv.Has(store.SettlementRateKey(1, m1))
	require.NoError(t, err)
	assert.True(t, ok, "commit persists the freeze")

	bs, err := account.LoadBalanceState(kv, id, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(625), bs.StoredCashBalance)
	assert.Equal(t, 1, ac.AssetArrayLength)
	assert.Equal(t, int64(m2), ac.NextSettleTime)

	m, _, err := market.LoadMarket(kv, 1, m1)
	require.NoError(t, err)
	assert.Equal(t, int64(1_900), m.TotalLiquidity)
	assert.Equal(t, int64(1_900), m.TotalAssetCash)
	assert.Equal(t, int64(950), m.TotalFCash)

	// Second run at the same time has nothing to do.
	again := settle(t, kv, id, ac, blockTime)
	assert.Empty(t, again.Amounts)
	assert.Empty(t, again.Assets)
	bs, err = account.LoadBalanceState(kv, id, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(625), bs.StoredCashBalance)
}

func TestSettleAccount_FinalMaturityClearsAssetDebt(t *testing.T) {
	kv := store.NewMemStore()
	id, ac := setupAccount(t, kv)

	settle(t, kv, id, ac, blockTime)
	settle(t, kv, id, ac, m2+datetime.Day)

	bs, err := account.LoadBalanceState(kv, id, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(375), bs.StoredCashBalance)
	assert.Zero(t, ac.AssetArrayLength)
	assert.Zero(t, ac.NextSettleTime)
	assert.Zero(t, ac.HasDebt&account.HasAssetDebt, "asset debt should be cleared")
}

// ============================================================================
// Test: bitmap settlement
// ============================================================================

func TestSettleAccount_Bitmap(t *testing.T) {
	kv := store.NewMemStore()
	id := uuid.New()
	ac := &account.AccountContext{}
	start := m1 - 30*datetime.Day
	require.NoError(t, ac.EnableBitmapCurrency(1, start))

	bm, err := portfolio.LoadBitmapAssets(kv, id, 1, ac.NextSettleTime)
	require.NoError(t, err)
	require.NoError(t, bm.AddFCash(kv, m1, 800))
	later := m1 + 60*datetime.Day
	require.NoError(t, bm.AddFCash(kv, later, -300))
	require.NoError(t, ac.StoreBitmap(kv, bm))

	preview, err := settlement.PreviewAccount(kv, id, ac, halfOracle, blockTime)
	require.NoError(t, err)
	res := settle(t, kv, id, ac, blockTime)
	require.Len(t, res.Amounts, 1)
	assert.Equal(t, int64(400), res.Amounts[0].NetCashChange)
	assert.Equal(t, res.Amounts, preview.Amounts)
	assert.Equal(t, datetime.TimeUTC0(blockTime), ac.NextSettleTime)

	bm, err = portfolio.LoadBitmapAssets(kv, id, 1, ac.NextSettleTime)
	require.NoError(t, err)
	assets, err := bm.Assets(kv)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, later, assets[0].Maturity)
	assert.Equal(t, int64(-300), assets[0].Notional)
	assert.False(t, ac.MustSettleAssets(blockTime), "bitmap account should be settled")
}
