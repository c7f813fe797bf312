package ledger_test

import (
	"FCashLedger/internal/ledger"
	"FCashLedger/internal/portfolio"
	"FCashLedger/internal/settlement"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maturity = 200 * 90 * 86_400

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	path := ledger.UserFCash(userID, 1, maturity).AccountPath()
	assert.Equal(t, "user:550e8400-e29b-41d4-a716-446655440000:fcash:fcash:1@1555200000", path)
}

func TestAccountKey_SystemPath(t *testing.T) {
	assert.Equal(t, "system:reserve:cash:2", ledger.Reserve(2).AccountPath())
	assert.Equal(t, "system:market_cash:1555200000:cash:2", ledger.MarketCash(2, maturity).AccountPath())
	assert.EqualValues(t, maturity, ledger.MarketCash(2, maturity).Maturity(), "market account carries its maturity")
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(uuid.Nil, ledger.SubTypeTransferFee, ledger.CashAsset(1))
	assert.Equal(t, "external:transfer_fee:cash:1", key.AccountPath())
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_MoveFlipsNegative(t *testing.T) {
	user := ledger.UserCash(uuid.New(), 1)
	pool := ledger.MarketCash(1, maturity)

	b := ledger.NewBatch("ref-1", 7, 100)
	b.Move(user, pool, -250, ledger.JournalTypeTrade)
	b.Move(user, pool, 0, ledger.JournalTypeTrade)

	require.Len(t, b.Journals, 1)
	j := b.Journals[0]
	assert.Equal(t, pool, j.DebitAccount, "negative move flips")
	assert.Equal(t, user, j.CreditAccount, "negative move flips")
	assert.EqualValues(t, 250, j.Amount)
	assert.NoError(t, b.Validate())
}

func TestBatch_DeterministicIDs(t *testing.T) {
	a := ledger.NewBatch("cmd-42", 1, 1)
	b := ledger.NewBatch("cmd-42", 1, 1)
	acct := ledger.UserCash(uuid.New(), 1)
	a.Move(acct, ledger.Reserve(1), 5, ledger.JournalTypeDeposit)
	b.Move(acct, ledger.Reserve(1), 5, ledger.JournalTypeDeposit)

	assert.Equal(t, a.BatchID, b.BatchID, "replaying the same command regenerates the same ids")
	assert.Equal(t, a.Journals[0].JournalID, b.Journals[0].JournalID)
	assert.NotEqual(t, a.BatchID, ledger.NewBatch("cmd-43", 1, 1).BatchID, "different commands must not share a batch id")
}

func TestBatchValidate_Failures(t *testing.T) {
	user := ledger.UserCash(uuid.New(), 1)
	other := ledger.UserCash(uuid.New(), 1)
	fCash := ledger.UserFCash(uuid.New(), 1, maturity)

	tests := []struct {
		name   string
		mutate func(j *ledger.Journal)
	}{
		{"zero amount", func(j *ledger.Journal) { j.Amount = 0 }},
		{"negative amount", func(j *ledger.Journal) { j.Amount = -100 }},
		{"self transfer", func(j *ledger.Journal) { j.CreditAccount = j.DebitAccount }},
		{"mismatched batch", func(j *ledger.Journal) { j.BatchID = uuid.New() }},
		{"mixed assets", func(j *ledger.Journal) { j.CreditAccount = fCash }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ledger.NewBatch("x", 1, 1)
			b.Move(user, other, 100, ledger.JournalTypeDeposit)
			tt.mutate(&b.Journals[0])
			assert.Error(t, b.Validate())
		})
	}

	assert.Error(t, ledger.NewBatch("x", 1, 1).Validate(), "empty batch")
}

// ============================================================================
// Test: JournalGenerator + BalanceTracker
// ============================================================================

func TestGenerator_DepositTradeWithdraw(t *testing.T) {
	jg := ledger.NewJournalGenerator()
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	userID := uuid.New()

	apply := func(b *ledger.Batch, err error) {
		t.Helper()
		require.NoError(t, err)
		require.NoError(t, bt.ApplyBatch(b))
	}

	apply(jg.GenerateWalletFunded("f", 1, 10, userID, 1, 10_000))
	apply(jg.GenerateDeposit("d", 2, 11, userID, 1, 10_000, 9_900))
	apply(jg.GenerateLiquidity("init", 3, 12, uuid.New(), ledger.LiquidityAmounts{
		CurrencyID: 1, Maturity: maturity, AssetCash: 50_000, FCash: 50_000, Tokens: 50_000,
	}, ledger.JournalTypeMarketInit))
	// Lend 1000 fCash for 980 cash, 3 of it to the reserve.
	apply(jg.GenerateTrade("t", 4, 13, userID, ledger.TradeAmounts{
		CurrencyID: 1, Maturity: maturity, FCashToAccount: 1_000, CashToAccount: -980, CashToReserve: 3,
	}))
	apply(jg.GenerateWithdrawal("w", 5, 14, userID, 1, 920))

	assert.Equal(t, int64(8_000), bt.GetUserCash(userID, 1), "user cash")
	assert.Equal(t, int64(1_000), bt.GetUserFCash(userID, 1, maturity), "user fCash")
	assert.NoError(t, v.ValidateMarket(1, maturity, 49_000, 50_977, 50_000))
	assert.NoError(t, v.ValidateReserve(1, 3))
	assert.NoError(t, v.ValidateUserCash(userID, 1, 8_000))
	assert.NoError(t, v.ValidateGlobalBalance(), "ledger stays zero-sum")
}

func TestGenerator_Settlement(t *testing.T) {
	jg := ledger.NewJournalGenerator()
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	lp := uuid.New()

	b, err := jg.GenerateLiquidity("init", 1, 1, lp, ledger.LiquidityAmounts{
		CurrencyID: 1, Maturity: maturity, AssetCash: 2_000, FCash: 1_000, Tokens: 2_000,
	}, ledger.JournalTypeMarketInit)
	require.NoError(t, err)
	require.NoError(t, bt.ApplyBatch(b))

	// The LP settles all tokens (claim 2000 cash + 1000 fCash) and its own
	// -1000 fCash at a rate of two underlying per asset cash.
	settled := []settlement.SettledAsset{
		{
			Asset:     portfolio.PortfolioAsset{CurrencyID: 1, Maturity: maturity, AssetType: portfolio.FCashAssetType, Notional: -1_000},
			AssetCash: -500,
		},
		{
			Asset:        portfolio.PortfolioAsset{CurrencyID: 1, Maturity: maturity, AssetType: portfolio.LiquidityTokenType(1), Notional: 2_000},
			AssetCash:    2_500,
			ClaimedCash:  2_000,
			ClaimedFCash: 1_000,
		},
	}
	b, err = jg.GenerateSettlement("settle", 2, 2, lp, settled)
	require.NoError(t, err)
	require.NoError(t, bt.ApplyBatch(b))

	assert.Zero(t, bt.GetUserCash(lp, 1), "LP paid 2000 and settled 2000")
	assert.Zero(t, bt.GetUserFCash(lp, 1, maturity), "settled fCash is flat")
	assert.Zero(t, bt.GetUserLiquidity(lp, 1, maturity), "settled tokens are flat")
	assert.NoError(t, v.ValidateMarket(1, maturity, 0, 0, 0))
	assert.NoError(t, v.ValidateGlobalBalance())

	empty, err := jg.GenerateSettlement("none", 3, 3, lp, nil)
	require.NoError(t, err)
	assert.Nil(t, empty, "nothing settled")
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	b := ledger.NewBatch("s", 1, 1)
	b.Move(ledger.UserCash(userID, 1), ledger.Wallet(userID, 1), 999, ledger.JournalTypeDeposit)
	require.NoError(t, bt.ApplyBatch(b))

	snap := bt.Snapshot()
	require.Len(t, snap, 2)
	snap[0].Balance = 0

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())
	assert.Equal(t, int64(999), restored.GetUserCash(userID, 1), "restore reproduces balances")
	assert.Equal(t, int64(999), bt.GetUserCash(userID, 1), "snapshot mutation leaves the tracker alone")
}
