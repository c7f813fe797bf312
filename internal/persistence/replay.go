package persistence

import (
	"FCashLedger/internal/core"
	"FCashLedger/internal/event"
	"FCashLedger/internal/observability"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// eventSource is the slice of SnapshotManager replay reads from.
type eventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error)
}

// Replayer re-executes logged commands through the core and checks that
// every one lands on the sequence and state hash the log recorded.
type Replayer struct {
	source  eventSource
	core    *core.DeterministicCore
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewReplayer(source eventSource, c *core.DeterministicCore, metrics *observability.Metrics) *Replayer {
	return &Replayer{
		source:  source,
		core:    c,
		metrics: metrics,
		logger:  observability.NewLogger("replay"),
	}
}

// ReplayFrom replays every logged command from fromSequence to the end of
// the log and returns how many were replayed. Any divergence is fatal: the
// core state no longer matches the log and must not accept new commands.
func (r *Replayer) ReplayFrom(ctx context.Context, fromSequence int64) (int, error) {
	start := time.Now()
	replayed := 0
	next := fromSequence

	for {
		rows, err := r.source.LoadEventsFrom(ctx, next, replayPageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", next, err)
		}
		for _, row := range rows {
			if err := r.replayOne(row); err != nil {
				return replayed, err
			}
			replayed++
			next = row.Sequence + 1
		}
		if len(rows) < replayPageSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
	}

	if r.metrics != nil {
		r.metrics.ReplayEventsTotal.Add(float64(replayed))
		r.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	r.logger.Info().
		Int64("from", fromSequence).
		Int("replayed", replayed).
		Dur("took", time.Since(start)).
		Msg("replay complete")
	return replayed, nil
}

func (r *Replayer) replayOne(row EventRow) error {
	if got := r.core.GetSequence(); got != row.Sequence {
		return fmt.Errorf("replay gap: core at sequence %d, log has %d", got, row.Sequence)
	}

	et := event.ParseEventType(row.EventType)
	evt, err := event.Decode(et, row.Payload)
	if err != nil {
		return fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}

	res, err := r.core.ProcessEvent(evt)
	if err != nil {
		return fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}
	if res.Status == core.StatusDuplicate {
		return fmt.Errorf("sequence %d: replayed command %s reported as duplicate", row.Sequence, row.IdempotencyKey)
	}

	rejected := res.Status == core.StatusRejected
	if rejected != row.RejectClass.Valid {
		return fmt.Errorf("sequence %d: replay status %s does not match log", row.Sequence, res.Status)
	}

	hash := r.core.GetStateHash()
	if !bytes.Equal(hash[:], row.StateHash) {
		return fmt.Errorf("sequence %d: state hash diverged (got %x, log %x)", row.Sequence, hash, row.StateHash)
	}
	return nil
}
