package account_test

import (
	"FCashLedger/internal/account"
	"FCashLedger/internal/datetime"
	"FCashLedger/internal/portfolio"
	"FCashLedger/internal/store"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feeTransfer keeps 1% of deposits and passes withdrawals through.
type feeTransfer struct {
	calls []int64
	err   error
}

func (f *feeTransfer) Transfer(_ store.ReadWriter, _ uuid.UUID, _ uint16, amount int64) (int64, error) {
	f.calls = append(f.calls, amount)
	if f.err != nil {
		return 0, f.err
	}
	if amount > 0 {
		return amount - amount/100, nil
	}
	return amount, nil
}

func ids(ac *account.AccountContext) []uint16 {
	out := make([]uint16, 0, len(ac.ActiveCurrencies))
	for _, c := range ac.ActiveCurrencies {
		out = append(out, c.CurrencyID)
	}
	return out
}

// ============================================================================
// Test: active currencies
// ============================================================================

func TestSetActiveCurrency_SortedAndDeduplicated(t *testing.T) {
	ac := &account.AccountContext{}

	for _, c := range []uint16{5, 2, 9, 2, 7} {
		require.NoError(t, ac.SetActiveCurrency(c, true, account.ActiveInBalances))
	}
	require.Equal(t, []uint16{2, 5, 7, 9}, ids(ac))

	// Removing one flag keeps the entry while another flag remains.
	require.NoError(t, ac.SetActiveCurrency(5, true, account.ActiveInPortfolio))
	require.NoError(t, ac.SetActiveCurrency(5, false, account.ActiveInBalances))
	assert.True(t, ac.IsActiveCurrency(5))
	assert.Equal(t, account.ActiveInPortfolio, ac.Flags(5))

	require.NoError(t, ac.SetActiveCurrency(5, false, account.ActiveInPortfolio))
	assert.False(t, ac.IsActiveCurrency(5), "currency 5 should be inactive")
	assert.Equal(t, []uint16{2, 7, 9}, ids(ac))
}

func TestSetActiveCurrency_Capacity(t *testing.T) {
	ac := &account.AccountContext{}
	for c := uint16(1); c <= account.MaxActiveCurrencies; c++ {
		require.NoError(t, ac.SetActiveCurrency(c, true, account.ActiveInBalances))
	}
	assert.ErrorIs(t, ac.SetActiveCurrency(100, true, account.ActiveInBalances), account.ErrTooManyCurrencies)
	// Re-activating an existing one is not an insert.
	assert.NoError(t, ac.SetActiveCurrency(3, true, account.ActiveInPortfolio), "existing currency")
	assert.Error(t, ac.SetActiveCurrency(0, true, account.ActiveInBalances), "currency 0")
}

func TestBitmapCurrency_ExcludedFromList(t *testing.T) {
	ac := &account.AccountContext{}
	require.NoError(t, ac.EnableBitmapCurrency(4, 1000*datetime.Day+5))
	assert.Equal(t, 1000*datetime.Day, ac.NextSettleTime, "cursor")

	require.NoError(t, ac.SetActiveCurrency(4, true, account.ActiveInBalances))
	assert.Empty(t, ac.ActiveCurrencies, "bitmap currency listed")
	assert.True(t, ac.IsActiveCurrency(4), "bitmap currency should be active")
	assert.ErrorIs(t, ac.EnableBitmapCurrency(5, 0), account.ErrBitmapNotAllowed, "second bitmap currency")
}

func TestEnableBitmapCurrency_Requirements(t *testing.T) {
	ac := &account.AccountContext{AssetArrayLength: 1}
	assert.ErrorIs(t, ac.EnableBitmapCurrency(1, 0), account.ErrBitmapNotAllowed, "with assets")

	ac = &account.AccountContext{}
	require.NoError(t, ac.SetActiveCurrency(1, true, account.ActiveInBalances))
	assert.ErrorIs(t, ac.EnableBitmapCurrency(1, 0), account.ErrBitmapNotAllowed, "with balance")
}

func TestMustSettleAssets(t *testing.T) {
	ac := &account.AccountContext{}
	assert.False(t, ac.MustSettleAssets(1_000_000), "empty account should not settle")
	ac.NextSettleTime = 1_000
	assert.False(t, ac.MustSettleAssets(1_000), "settle time equal to block time should not settle")
	assert.True(t, ac.MustSettleAssets(1_001))

	bitmap := &account.AccountContext{BitmapCurrencyID: 1, NextSettleTime: 10 * datetime.Day}
	assert.False(t, bitmap.MustSettleAssets(10*datetime.Day+500), "same day should not settle")
	assert.True(t, bitmap.MustSettleAssets(11*datetime.Day), "next day should settle")
}

func TestStorePortfolio_UpdatesHeader(t *testing.T) {
	kv := store.NewMemStore()
	id := uuid.New()
	ac := &account.AccountContext{}

	ps, err := portfolio.BuildPortfolioState(kv, id, 0)
	require.NoError(t, err)
	require.NoError(t, ps.AddAsset(3, 100*datetime.Quarter, portfolio.FCashAssetType, -10))
	require.NoError(t, ps.AddAsset(1, 101*datetime.Quarter, portfolio.FCashAssetType, 10))
	require.NoError(t, ac.StorePortfolio(kv, id, ps))

	assert.Equal(t, 2, ac.AssetArrayLength)
	assert.Equal(t, 100*datetime.Quarter, ac.NextSettleTime)
	assert.NotZero(t, ac.HasDebt&account.HasAssetDebt, "expected asset debt")
	assert.Equal(t, account.ActiveInPortfolio, ac.Flags(1))
	assert.Equal(t, account.ActiveInPortfolio, ac.Flags(3))

	ps, err = portfolio.BuildPortfolioState(kv, id, ac.AssetArrayLength)
	require.NoError(t, err)
	require.NoError(t, ps.AddAsset(3, 100*datetime.Quarter, portfolio.FCashAssetType, 10))
	require.NoError(t, ac.StorePortfolio(kv, id, ps))
	assert.Zero(t, ac.HasDebt&account.HasAssetDebt, "asset debt should clear")
	assert.False(t, ac.IsActiveCurrency(3), "currency 3 should no longer be active")

	require.NoError(t, ac.SetAccountContext(kv, id))
	loaded, err := account.GetAccountContext(kv, id)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.AssetArrayLength)
	assert.Len(t, loaded.ActiveCurrencies, 1)
}

// ============================================================================
// Test: finalize
// ============================================================================

func TestFinalize_DepositCreditsNetAmount(t *testing.T) {
	kv := store.NewMemStore()
	id := uuid.New()
	ac := &account.AccountContext{}
	tr := &feeTransfer{}

	bs, err := account.LoadBalanceState(kv, id, 1)
	require.NoError(t, err)
	bs.NetCashTransfer = 10_000
	got, err := bs.Finalize(kv, id, ac, tr, false)
	require.NoError(t, err)
	assert.Equal(t, int64(9_900), got, "transferred")

	bs, err = account.LoadBalanceState(kv, id, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9_900), bs.StoredCashBalance)
	assert.Equal(t, account.ActiveInBalances, ac.Flags(1))
}

func TestFinalize_CannotWithdrawNegative(t *testing.T) {
	kv := store.NewMemStore()
	id := uuid.New()
	ac := &account.AccountContext{}
	tr := &feeTransfer{}

	bs := &account.BalanceState{CurrencyID: 1, StoredCashBalance: 500, NetCashChange: -100, NetCashTransfer: -401}
	_, err := bs.Finalize(kv, id, ac, tr, false)
	require.ErrorIs(t, err, account.ErrWithdrawNegative)
	assert.Empty(t, tr.calls, "transfer should not be called")

	bs = &account.BalanceState{CurrencyID: 1, StoredTokenBalance: 5, NetTokenTransfer: -6}
	_, err = bs.Finalize(kv, id, ac, tr, false)
	assert.ErrorIs(t, err, account.ErrWithdrawNegative, "tokens")
}

func TestFinalize_WithdrawEntireBalance(t *testing.T) {
	kv := store.NewMemStore()
	id := uuid.New()
	ac := &account.AccountContext{}
	require.NoError(t, ac.SetActiveCurrency(1, true, account.ActiveInBalances))
	tr := &feeTransfer{}

	bs := &account.BalanceState{CurrencyID: 1, StoredCashBalance: 700, NetCashChange: 50}
	got, err := bs.Finalize(kv, id, ac, tr, true)
	require.NoError(t, err)
	assert.Equal(t, int64(-750), got, "transferred")
	assert.False(t, ac.IsActiveCurrency(1), "zero balance should deactivate the currency")

	ok, err := kv.Has(store.BalanceKey(id, 1))
	require.NoError(t, err)
	assert.False(t, ok, "zero balance should be deleted")
}

func TestFinalize_NegativeCashSetsStickyDebt(t *testing.T) {
	kv := store.NewMemStore()
	id := uuid.New()
	ac := &account.AccountContext{}
	tr := &feeTransfer{}

	bs := &account.BalanceState{CurrencyID: 2, NetCashChange: -300}
	_, err := bs.Finalize(kv, id, ac, tr, false)
	require.NoError(t, err)
	require.NotZero(t, ac.HasDebt&account.HasCashDebt, "expected cash debt")

	bs.NetCashChange = 500
	_, err = bs.Finalize(kv, id, ac, tr, false)
	require.NoError(t, err)
	assert.NotZero(t, ac.HasDebt&account.HasCashDebt, "cash debt flag must stay set")

	balances, err := account.LoadBalances(kv, id)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, uint16(2), balances[0].CurrencyID)
	assert.Equal(t, int64(200), balances[0].StoredCashBalance)
}

func TestFinalize_TransferFailurePropagates(t *testing.T) {
	kv := store.NewMemStore()
	id := uuid.New()
	boom := errors.New("wallet unavailable")
	tr := &feeTransfer{err: boom}

	bs := &account.BalanceState{CurrencyID: 1, NetCashTransfer: 10}
	_, err := bs.Finalize(kv, id, &account.AccountContext{}, tr, false)
	assert.ErrorIs(t, err, boom)
}
