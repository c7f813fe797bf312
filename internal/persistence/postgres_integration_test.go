package persistence_test

import (
	"FCashLedger/internal/core"
	"FCashLedger/internal/persistence"
	"FCashLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgres_WorkerSnapshotReplay(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outputs, want := runOutputs(t)

	// Persist through the worker; OnFlushed sees every output in order.
	ch := make(chan core.CoreOutput, len(outputs))
	for _, out := range outputs {
		ch <- out
	}
	close(ch)
	worker := persistence.NewPersistenceWorker(db, ch, 2, 50*time.Millisecond, nil)
	var flushed []int64
	worker.OnFlushed(func(outs []core.CoreOutput) {
		for _, o := range outs {
			flushed = append(flushed, o.Envelope.Sequence)
		}
	})
	require.NoError(t, worker.Run(ctx))
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, flushed)

	rows := make([]persistence.EventRow, 0, len(outputs))
	journals := 0
	for _, out := range outputs {
		row, js := persistence.RowsFromOutput(out)
		rows = append(rows, row)
		journals += len(js)
	}
	writer := persistence.NewEventLogWriter(db)
	require.NoError(t, writer.WriteEventBatch(ctx, db, rows), "rewrite is a no-op")

	var journalCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.journals`).Scan(&journalCount))
	assert.Equal(t, journals, journalCount)

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest)

	loaded, err := sm.LoadEventsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, loaded, len(rows))
	for i := range rows {
		assert.Equal(t, rows[i].Sequence, loaded[i].Sequence)
		assert.Equal(t, rows[i].StateHash, loaded[i].StateHash)
		assert.Equal(t, rows[i].RejectClass, loaded[i].RejectClass)
	}

	// ============================================================================
	// Tier-2 dedup
	// ============================================================================

	dedup := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := dedup.IsDuplicate(rows[1].EventType, rows[1].IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = dedup.IsDuplicate(rows[1].EventType, "unknown")
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := dedup.RecentKeys(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{
		rows[3].EventType + ":" + rows[3].IdempotencyKey,
		rows[4].EventType + ":" + rows[4].IdempotencyKey,
	}, keys)

	// ============================================================================
	// Snapshot + replay from Postgres
	// ============================================================================

	replayed := newCore(t, make(chan core.CoreOutput, 100))
	_, err = persistence.NewReplayer(sm, replayed, nil).ReplayFrom(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, want, replayed.GetStateHash())

	snap, err := replayed.CreateSnapshotState()
	require.NoError(t, err)
	size, err := sm.SaveSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Positive(t, size)

	none, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "unverified snapshots are not loaded")

	require.NoError(t, sm.MarkVerified(ctx, snap.Sequence))
	got, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.Sequence, got.Sequence)
	assert.Equal(t, snap.StateHash, got.StateHash)
	assert.Len(t, got.Store, len(snap.Store))

	pruned, err := sm.PruneSnapshots(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}
