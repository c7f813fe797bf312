package ingestion_test

import (
	"FCashLedger/internal/errs"
	"FCashLedger/internal/event"
	"FCashLedger/internal/ingestion"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFromJSON(t *testing.T, subject string, v interface{}) ingestion.RawEvent {
	t.Helper()
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      mustJSON(t, v),
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// ============================================================================
// Subject routing
// ============================================================================

func TestCommandTypeFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		ok      bool
	}{
		{"fcash.commands.TradeFCash", "TradeFCash", true},
		{"fcash.commands.DepositCash.1", "DepositCash", true},
		{"fcash.commands.", "", false},
		{"fcash.results.TradeFCash", "", false},
		{"perp.trades.BTC", "", false},
	}
	for _, tt := range tests {
		got, ok := ingestion.CommandTypeFromSubject(tt.subject)
		assert.Equal(t, tt.want, got, tt.subject)
		assert.Equal(t, tt.ok, ok, tt.subject)
	}
}

func TestCommandSubject_RoundTrip(t *testing.T) {
	for et := event.EventTypeWalletFunded; et <= event.EventTypeAssetRateUpdated; et++ {
		name, ok := ingestion.CommandTypeFromSubject(ingestion.CommandSubject(et))
		assert.True(t, ok, "%s", et)
		assert.Equal(t, et, event.ParseEventType(name), "%s", et)
	}
}

// ============================================================================
// Parsing
// ============================================================================

func TestParseTradeFCash(t *testing.T) {
	cmdID, acct := uuid.New(), uuid.New()
	payload := map[string]interface{}{
		"command_id":   cmdID.String(),
		"sequence":     int64(42),
		"block_time":   int64(1_700_000_000),
		"account":      acct.String(),
		"currency_id":  1,
		"market_index": 2,
		"fcash":        int64(-100_000_000),
		"rate_limit":   int64(80_000_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "fcash.commands.TradeFCash.1", payload))
	require.NoError(t, err)

	tf, ok := evt.(*event.TradeFCash)
	require.True(t, ok, "got %T", evt)
	assert.Equal(t, acct, tf.Account)
	assert.Equal(t, 2, tf.MarketIndex)
	assert.Equal(t, int64(-100_000_000), tf.FCash)
	assert.Equal(t, int64(80_000_000), tf.RateLimit)
	assert.Equal(t, cmdID.String(), tf.IdempotencyKey())
	assert.Equal(t, int64(42), tf.SourceSequence())
	assert.Equal(t, int64(1_700_000_000), tf.BlockTime())
}

func TestParseWithdrawEntire(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":      uuid.NewString(),
		"block_time":      int64(1_700_000_000),
		"account":         uuid.NewString(),
		"currency_id":     2,
		"withdraw_entire": true,
	}
	evt, err := ingestion.ParseCommand("WithdrawCash", mustJSON(t, payload))
	require.NoError(t, err)

	w, ok := evt.(*event.WithdrawCash)
	require.True(t, ok, "got %T", evt)
	assert.True(t, w.WithdrawEntire)
	assert.Zero(t, w.Amount)
}

func TestParseAssetRateNeedsNoAccount(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":  uuid.NewString(),
		"block_time":  int64(1_700_000_000),
		"currency_id": 1,
		"rate":        int64(1_000_000_000),
		"decimals":    int64(1_000_000_000),
	}
	_, err := ingestion.ParseCommand("AssetRateUpdated", mustJSON(t, payload))
	assert.NoError(t, err)
}

func TestParseSettleAccountNeedsNoCurrency(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": uuid.NewString(),
		"block_time": int64(1_700_000_000),
		"account":    uuid.NewString(),
	}
	_, err := ingestion.ParseCommand("SettleAccount", mustJSON(t, payload))
	assert.NoError(t, err)
}

// ============================================================================
// Validation
// ============================================================================

func TestParseRejectsInvalid(t *testing.T) {
	base := func() map[string]interface{} {
		return map[string]interface{}{
			"command_id":   uuid.NewString(),
			"block_time":   int64(1_700_000_000),
			"account":      uuid.NewString(),
			"currency_id":  1,
			"market_index": 1,
			"asset_cash":   int64(100),
		}
	}

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
		want   error
	}{
		{"missing command id", func(p map[string]interface{}) { delete(p, "command_id") }, ingestion.ErrMissingCommandID},
		{"missing block time", func(p map[string]interface{}) { delete(p, "block_time") }, ingestion.ErrMissingBlockTime},
		{"missing account", func(p map[string]interface{}) { delete(p, "account") }, ingestion.ErrMissingAccount},
		{"missing currency", func(p map[string]interface{}) { p["currency_id"] = 0 }, ingestion.ErrMissingCurrency},
		{"zero market index", func(p map[string]interface{}) { p["market_index"] = 0 }, ingestion.ErrBadMarketIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			_, err := ingestion.ParseCommand("AddLiquidity", mustJSON(t, p))
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, errs.InvalidInput, errs.ClassOf(err))
		})
	}
}

func TestParseUnknownSubject(t *testing.T) {
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, "fcash.commands.OpenPosition", map[string]interface{}{}))
	assert.ErrorIs(t, err, ingestion.ErrUnknownCommand)
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := ingestion.ParseCommand("DepositCash", []byte(`{"amount": "lots"`))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.ClassOf(err))
}
