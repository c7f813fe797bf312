package persistence_test

import (
	"FCashLedger/internal/core"
	"FCashLedger/internal/datetime"
	"FCashLedger/internal/event"
	"FCashLedger/internal/market"
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/persistence"
	"FCashLedger/internal/state"
	"FCashLedger/internal/store"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	blockTime = 300*datetime.Quarter + datetime.Day
	unit      = fpmath.InternalPrecision
	usd       = uint16(1)
)

// ============================================================================
// Helpers
// ============================================================================

func newCore(t *testing.T, persistCh chan core.CoreOutput) *core.DeterministicCore {
	t.Helper()
	params, err := state.NewParamsRegistry([]market.CashGroupParameters{{
		CurrencyID:            usd,
		MaxMarketIndex:        2,
		RateOracleTimeWindow:  1200,
		TotalFee:              3_000_000,
		ReserveFeeShare:       30,
		RateScalars:           []int64{20, 20},
		MaxAssetRateAge:       3600,
		DepositTransferFeeBPS: 10,
	}})
	require.NoError(t, err)
	return core.NewDeterministicCore(core.Config{
		Store:         store.NewMemStore(),
		Params:        params,
		DedupCapacity: 100,
		PersistChan:   persistCh,
	})
}

// runOutputs drives a fresh core and returns everything it emitted.
func runOutputs(t *testing.T) ([]core.CoreOutput, [32]byte) {
	t.Helper()
	ch := make(chan core.CoreOutput, 100)
	c := newCore(t, ch)

	acct := uuid.New()
	cmds := []event.Event{
		&event.AssetRateUpdated{
			Header:   event.Header{CommandID: uuid.New(), Sequence: 0, Time: blockTime},
			Currency: usd,
			Rate:     fpmath.RatePrecision,
			Decimals: fpmath.RatePrecision,
		},
		&event.WalletFunded{
			Header:  event.Header{CommandID: uuid.New(), Sequence: 0, Time: blockTime},
			Account: acct, Currency: usd, Amount: 500 * unit,
		},
		&event.DepositCash{
			Header:  event.Header{CommandID: uuid.New(), Sequence: 1, Time: blockTime},
			Account: acct, Currency: usd, Amount: 400 * unit,
		},
		// rejected: only 100 left in the wallet
		&event.DepositCash{
			Header:  event.Header{CommandID: uuid.New(), Sequence: 2, Time: blockTime},
			Account: acct, Currency: usd, Amount: 400 * unit,
		},
		&event.WithdrawCash{
			Header:  event.Header{CommandID: uuid.New(), Sequence: 3, Time: blockTime},
			Account: acct, Currency: usd, Amount: 100 * unit,
		},
	}
	for _, cmd := range cmds {
		_, err := c.ProcessEvent(cmd)
		require.NoError(t, err)
	}
	close(ch)

	var outputs []core.CoreOutput
	for out := range ch {
		outputs = append(outputs, out)
	}
	return outputs, c.GetStateHash()
}

// runCommands is runOutputs as event log rows.
func runCommands(t *testing.T) ([]persistence.EventRow, [32]byte) {
	t.Helper()
	outputs, hash := runOutputs(t)
	rows := make([]persistence.EventRow, 0, len(outputs))
	for _, out := range outputs {
		row, _ := persistence.RowsFromOutput(out)
		rows = append(rows, row)
	}
	return rows, hash
}

type sliceSource struct {
	rows []persistence.EventRow
}

func (s *sliceSource) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range s.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

// ============================================================================
// Test: Row conversion
// ============================================================================

func TestRowsFromOutput_AppliedAndRejected(t *testing.T) {
	ch := make(chan core.CoreOutput, 10)
	c := newCore(t, ch)
	acct := uuid.New()

	_, err := c.ProcessEvent(&event.WalletFunded{
		Header:  event.Header{CommandID: uuid.New(), Sequence: 0, Time: blockTime},
		Account: acct, Currency: usd, Amount: 10 * unit,
	})
	require.NoError(t, err)
	_, err = c.ProcessEvent(&event.WithdrawCash{
		Header:  event.Header{CommandID: uuid.New(), Sequence: 1, Time: blockTime},
		Account: acct, Currency: usd, Amount: 5 * unit,
	})
	require.NoError(t, err)

	funded, fundedJournals := persistence.RowsFromOutput(<-ch)
	assert.Equal(t, int64(0), funded.Sequence)
	assert.Equal(t, "WalletFunded", funded.EventType)
	assert.Equal(t, usd, funded.CurrencyID)
	assert.False(t, funded.RejectClass.Valid)
	assert.Len(t, funded.StateHash, 32)
	require.NotEmpty(t, fundedJournals)
	for _, j := range fundedJournals {
		assert.Equal(t, funded.Sequence, j.Sequence)
		assert.Positive(t, j.Amount)
		assert.NotEqual(t, j.DebitAccount, j.CreditAccount)
	}

	decoded, err := event.Decode(event.ParseEventType(funded.EventType), funded.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(10*unit), decoded.(*event.WalletFunded).Amount)

	withdraw, journals := persistence.RowsFromOutput(<-ch)
	assert.True(t, withdraw.RejectClass.Valid)
	assert.Equal(t, "insufficient_funds", withdraw.RejectClass.String)
	assert.Equal(t, funded.StateHash, withdraw.StateHash, "rejection keeps the chain tip")
	assert.Empty(t, journals)
}

// ============================================================================
// Test: Replay
// ============================================================================

func TestReplay_ReproducesStateHash(t *testing.T) {
	rows, want := runCommands(t)
	require.Len(t, rows, 5)

	replayCore := newCore(t, make(chan core.CoreOutput, 100))
	r := persistence.NewReplayer(&sliceSource{rows: rows}, replayCore, nil)

	n, err := r.ReplayFrom(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, want, replayCore.GetStateHash())
	assert.Equal(t, int64(5), replayCore.GetSequence())
}

func TestReplay_FromSnapshot(t *testing.T) {
	rows, want := runCommands(t)

	// Build the snapshot at sequence 2 by replaying the prefix.
	prefixCore := newCore(t, make(chan core.CoreOutput, 100))
	_, err := persistence.NewReplayer(&sliceSource{rows: rows[:3]}, prefixCore, nil).ReplayFrom(context.Background(), 0)
	require.NoError(t, err)
	snap, err := prefixCore.CreateSnapshotState()
	require.NoError(t, err)
	require.Equal(t, int64(2), snap.Sequence)

	restored := newCore(t, make(chan core.CoreOutput, 100))
	require.NoError(t, restored.RestoreFromSnapshot(snap))
	n, err := persistence.NewReplayer(&sliceSource{rows: rows}, restored, nil).ReplayFrom(context.Background(), snap.Sequence+1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, want, restored.GetStateHash())
}

func TestReplay_DivergenceDetected(t *testing.T) {
	rows, _ := runCommands(t)
	rows[2].StateHash = make([]byte, 32)

	c := newCore(t, make(chan core.CoreOutput, 100))
	n, err := persistence.NewReplayer(&sliceSource{rows: rows}, c, nil).ReplayFrom(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash diverged")
	assert.Equal(t, 2, n)
}

func TestReplay_GapDetected(t *testing.T) {
	rows, _ := runCommands(t)
	rows = append(rows[:1], rows[2:]...)

	c := newCore(t, make(chan core.CoreOutput, 100))
	_, err := persistence.NewReplayer(&sliceSource{rows: rows}, c, nil).ReplayFrom(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay gap")
}
