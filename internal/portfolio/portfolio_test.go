package portfolio_test

import (
	"FCashLedger/internal/datetime"
	"FCashLedger/internal/portfolio"
	"FCashLedger/internal/store"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	maturity1 = 100 * datetime.Quarter
	maturity2 = 101 * datetime.Quarter
	lt1       = portfolio.MinLiquidityTokenType
)

func mustStore(t *testing.T, kv store.ReadWriter, account uuid.UUID, ps *portfolio.PortfolioState) portfolio.StoreResult {
	t.Helper()
	res, err := ps.StoreAssets(kv, account)
	require.NoError(t, err)
	return res
}

func mustBuild(t *testing.T, kv store.Reader, account uuid.UUID, length int) *portfolio.PortfolioState {
	t.Helper()
	ps, err := portfolio.BuildPortfolioState(kv, account, length)
	require.NoError(t, err)
	return ps
}

func assertUnique(t *testing.T, assets []portfolio.PortfolioAsset) {
	t.Helper()
	type key struct {
		c uint16
		m int64
		a uint8
	}
	seen := map[key]bool{}
	for _, a := range assets {
		k := key{a.CurrencyID, a.Maturity, a.AssetType}
		assert.False(t, seen[k], "duplicate asset %+v", k)
		seen[k] = true
	}
}

// ============================================================================
// Test: array portfolio round trip
// ============================================================================

func TestPortfolio_RoundTrip(t *testing.T) {
	kv := store.NewMemStore()
	account := uuid.New()

	ps := mustBuild(t, kv, account, 0)
	for _, a := range []struct {
		cur      uint16
		maturity int64
		typ      uint8
		notional int64
	}{
		{2, maturity1, portfolio.FCashAssetType, 500},
		{1, maturity2, portfolio.FCashAssetType, -300},
		{1, maturity1, lt1, 1_000},
		{2, maturity1, portfolio.FCashAssetType, 250}, // merges with the first
	} {
		require.NoError(t, ps.AddAsset(a.cur, a.maturity, a.typ, a.notional))
	}

	res := mustStore(t, kv, account, ps)
	require.Equal(t, 3, res.Length)
	assert.True(t, res.HasDebt, "negative fCash is debt")
	assert.Equal(t, int64(maturity1), res.NextSettleTime)
	assert.Equal(t, []uint16{1, 2}, res.Currencies)

	ps = mustBuild(t, kv, account, res.Length)
	assets := ps.ActiveAssets()
	assertUnique(t, assets)
	require.Len(t, assets, 3)

	want := []portfolio.PortfolioAsset{
		{CurrencyID: 1, Maturity: maturity1, AssetType: lt1, Notional: 1_000},
		{CurrencyID: 1, Maturity: maturity2, AssetType: portfolio.FCashAssetType, Notional: -300},
		{CurrencyID: 2, Maturity: maturity1, AssetType: portfolio.FCashAssetType, Notional: 750},
	}
	for i, w := range want {
		got := assets[i]
		assert.Equal(t, w.CurrencyID, got.CurrencyID, "asset %d", i)
		assert.Equal(t, w.Maturity, got.Maturity, "asset %d", i)
		assert.Equal(t, w.AssetType, got.AssetType, "asset %d", i)
		assert.Equal(t, w.Notional, got.Notional, "asset %d", i)
	}
}

func TestPortfolio_DeleteCompactsBySwap(t *testing.T) {
	kv := store.NewMemStore()
	account := uuid.New()

	ps := mustBuild(t, kv, account, 0)
	for i := int64(0); i < 4; i++ {
		require.NoError(t, ps.AddAsset(1, maturity1+i*datetime.Day, portfolio.FCashAssetType, 100+i))
	}
	res := mustStore(t, kv, account, ps)

	ps = mustBuild(t, kv, account, res.Length)
	// Drop slot 1 by settlement and slot 3 by netting to zero.
	require.NoError(t, ps.DeleteAsset(1))
	require.NoError(t, ps.AddAsset(1, maturity1+3*datetime.Day, portfolio.FCashAssetType, -103))
	require.NoError(t, ps.AddAsset(3, maturity2, portfolio.FCashAssetType, 7))
	res = mustStore(t, kv, account, ps)
	require.Equal(t, 3, res.Length)

	ok, err := kv.Has(store.PortfolioSlotKey(account, 3))
	require.NoError(t, err)
	assert.False(t, ok, "slot 3 should have been truncated")

	ps = mustBuild(t, kv, account, res.Length)
	var notionals []int64
	for _, a := range ps.StoredAssets {
		notionals = append(notionals, a.Notional)
	}
	assert.ElementsMatch(t, []int64{100, 102, 7}, notionals)
	// Slot 0 was untouched and keeps its position.
	assert.Equal(t, int64(100), ps.StoredAssets[0].Notional)
}

func TestPortfolio_AddAssetErrors(t *testing.T) {
	kv := store.NewMemStore()
	account := uuid.New()

	ps := mustBuild(t, kv, account, 0)
	require.NoError(t, ps.AddAsset(1, maturity1, lt1, 100))
	res := mustStore(t, kv, account, ps)
	ps = mustBuild(t, kv, account, res.Length)

	assert.ErrorIs(t, ps.AddAsset(1, maturity1, lt1, -101), portfolio.ErrNegativeLiquidity, "negative merge")
	assert.ErrorIs(t, ps.AddAsset(1, maturity2, lt1, -1), portfolio.ErrNegativeLiquidity, "negative new token")
	assert.ErrorIs(t, ps.AddAsset(1, maturity1, 9, 1), portfolio.ErrInvalidAssetType, "bad type")

	require.NoError(t, ps.DeleteAsset(0))
	assert.ErrorIs(t, ps.AddAsset(1, maturity1, lt1, 5), portfolio.ErrStaleIndex, "merge into deleted")
	assert.ErrorIs(t, ps.DeleteAsset(0), portfolio.ErrStaleIndex, "double delete")
}

// A token minted through the six month market is the three month market's
// token one quarter later. It must still merge on redemption.
func TestPortfolio_LiquidityTokenFollowsQuarterRoll(t *testing.T) {
	kv := store.NewMemStore()
	account := uuid.New()
	sixMonth := portfolio.LiquidityTokenType(2)
	threeMonth := portfolio.LiquidityTokenType(1)

	ps := mustBuild(t, kv, account, 0)
	require.NoError(t, ps.AddAsset(1, maturity2, sixMonth, 1_000))
	require.NoError(t, ps.AddAsset(1, maturity2, portfolio.FCashAssetType, -1_000))
	res := mustStore(t, kv, account, ps)
	require.Equal(t, 2, res.Length)

	ps = mustBuild(t, kv, account, res.Length)
	require.NoError(t, ps.AddAsset(1, maturity2, threeMonth, -400))
	res = mustStore(t, kv, account, ps)
	require.Equal(t, 2, res.Length, "redemption merged into the stored token")

	ps = mustBuild(t, kv, account, res.Length)
	assets := ps.ActiveAssets()
	assertUnique(t, assets)
	var token *portfolio.PortfolioAsset
	for i := range assets {
		if portfolio.IsLiquidityToken(assets[i].AssetType) {
			token = &assets[i]
		}
	}
	require.NotNil(t, token)
	assert.Equal(t, threeMonth, token.AssetType, "token carries its current index")
	assert.Equal(t, int64(600), token.Notional)
	assert.Equal(t, 1, portfolio.MarketIndex(token.AssetType))

	// Redeeming the rest clears the slot.
	require.NoError(t, ps.AddAsset(1, maturity2, threeMonth, -600))
	res = mustStore(t, kv, account, ps)
	assert.Equal(t, 1, res.Length)

	ps = mustBuild(t, kv, account, res.Length)
	assert.ErrorIs(t, ps.AddAsset(1, maturity2, sixMonth, -1), portfolio.ErrNegativeLiquidity, "no token left to redeem")
}

func TestPortfolio_Full(t *testing.T) {
	kv := store.NewMemStore()
	account := uuid.New()

	ps := mustBuild(t, kv, account, 0)
	for i := int64(0); i <= portfolio.MaxPortfolioAssets; i++ {
		require.NoError(t, ps.AddAsset(1, maturity1+i*datetime.Day, portfolio.FCashAssetType, 1))
	}
	_, err := ps.StoreAssets(kv, account)
	assert.ErrorIs(t, err, portfolio.ErrPortfolioFull)
}

func TestPortfolio_CalculateSortedIndex(t *testing.T) {
	ps := &portfolio.PortfolioState{
		StoredAssets: []portfolio.PortfolioAsset{
			{CurrencyID: 2, Maturity: maturity1, AssetType: portfolio.FCashAssetType},
			{CurrencyID: 1, Maturity: maturity2, AssetType: portfolio.FCashAssetType},
			{CurrencyID: 1, Maturity: maturity1, AssetType: lt1},
			{CurrencyID: 1, Maturity: maturity1, AssetType: portfolio.FCashAssetType},
		},
	}
	assert.Equal(t, []int{3, 2, 1, 0}, ps.CalculateSortedIndex())
}

// ============================================================================
// Test: bitmap portfolio
// ============================================================================

func TestBitmap_AddRemapStore(t *testing.T) {
	kv := store.NewMemStore()
	account := uuid.New()
	cursor := int64(1000 * datetime.Quarter)

	bm, err := portfolio.LoadBitmapAssets(kv, account, 1, cursor)
	require.NoError(t, err)
	near := cursor + 10*datetime.Day
	far := cursor + 120*datetime.Day // week chunk, week aligned

	require.NoError(t, bm.AddFCash(kv, far, -400))
	require.NoError(t, bm.AddFCash(kv, near, 250))
	assert.ErrorIs(t, bm.AddFCash(kv, cursor+121*datetime.Day, 1), portfolio.ErrInvalidBitmapMaturity, "unaligned week maturity")

	assets, err := bm.Assets(kv)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, near, assets[0].Maturity)
	assert.Equal(t, far, assets[1].Maturity)

	debt, err := bm.HasDebt(kv)
	require.NoError(t, err)
	assert.True(t, debt)
	require.NoError(t, bm.Store(kv))

	bm, err = portfolio.LoadBitmapAssets(kv, account, 1, cursor)
	require.NoError(t, err)
	assert.ErrorIs(t, bm.Remap(cursor+30*datetime.Day), portfolio.ErrCorruptPortfolio, "remap past unsettled maturity")

	notional, err := bm.Remove(kv, near)
	require.NoError(t, err)
	assert.Equal(t, int64(250), notional)
	require.NoError(t, bm.Remap(cursor+30*datetime.Day))

	assets, err = bm.Assets(kv)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, far, assets[0].Maturity)
	assert.Equal(t, int64(-400), assets[0].Notional)

	// Netting to zero clears the bit and the record.
	require.NoError(t, bm.AddFCash(kv, far, 400))
	assert.True(t, bm.IsEmpty())
	require.NoError(t, bm.Store(kv))

	ok, err := kv.Has(store.BitmapKey(account, 1))
	require.NoError(t, err)
	assert.False(t, ok, "empty bitmap should not be stored")
}
