package projection

import (
	"FCashLedger/internal/core"
	"FCashLedger/internal/observability"
	"FCashLedger/internal/store"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const watermarkID = "main"

// ProjectionWorker updates the projection tables from processed commands.
// The projection channel is non-blocking with drop; a skipped sequence marks
// the worker for a rebuild from the core's store.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
	gap     atomic.Bool
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
		lastSeq:   -1,
	}
}

// LastSequence is the last sequence this worker applied, or -1.
func (pw *ProjectionWorker) LastSequence() int64 {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.lastSeq
}

// NeedsRebuild reports whether an output was dropped since the last rebuild.
func (pw *ProjectionWorker) NeedsRebuild() bool {
	return pw.gap.Load()
}

// Rebuild replaces the state projections with r as of sequence. The caller
// must keep r still for the duration, which in practice means calling from
// the core goroutine. Outputs at or below sequence that are still queued
// only contribute their trade rows afterwards.
func (pw *ProjectionWorker) Rebuild(ctx context.Context, r store.Reader, sequence int64) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if err := Rebuild(ctx, pw.db, r, sequence); err != nil {
		return err
	}
	pw.lastSeq = sequence
	pw.gap.Store(false)
	return nil
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and can be rebuilt.
				pw.gap.Store(true)
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	u, err := BuildUpdate(output)
	if err != nil {
		return err
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()

	if u.Sequence <= pw.lastSeq {
		// Already covered by a rebuild; trade history is append-only.
		if u.Trade != nil {
			return insertTrade(ctx, pw.db, u.Trade)
		}
		return nil
	}
	if pw.lastSeq >= 0 && u.Sequence > pw.lastSeq+1 {
		pw.gap.Store(true)
		pw.logger.Warn().Int64("last", pw.lastSeq).Int64("sequence", u.Sequence).Msg("projection skipped sequences")
	}
	if err := Apply(ctx, pw.db, u); err != nil {
		return err
	}
	pw.lastSeq = u.Sequence
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
	}
	return nil
}

// Apply writes u and advances the watermark in one transaction.
func Apply(ctx context.Context, db *sql.DB, u Update) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyUpdate(ctx, tx, u); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, u.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

func applyUpdate(ctx context.Context, tx *sql.Tx, u Update) error {
	for _, b := range u.Balances {
		if err := upsertBalance(ctx, tx, u.Sequence, b); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	for _, a := range u.Assets {
		if err := upsertAsset(ctx, tx, u.Sequence, a); err != nil {
			return fmt.Errorf("asset projection: %w", err)
		}
	}
	for _, m := range u.Markets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.markets
				(currency_id, maturity, total_fcash, total_asset_cash, total_liquidity,
				 last_implied_rate, oracle_rate, previous_trade_time, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (currency_id, maturity) DO UPDATE SET
				total_fcash = $3, total_asset_cash = $4, total_liquidity = $5,
				last_implied_rate = $6, oracle_rate = $7, previous_trade_time = $8, last_sequence = $9
		`, int32(m.CurrencyID), m.Maturity, m.TotalFCash, m.TotalAssetCash, m.TotalLiquidity,
			m.LastImpliedRate, m.OracleRate, m.PreviousTradeTime, u.Sequence); err != nil {
			return fmt.Errorf("market projection: %w", err)
		}
	}
	if u.Trade != nil {
		return insertTrade(ctx, tx, u.Trade)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTrade(ctx context.Context, ex execer, t *TradeRow) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.trades
			(sequence, account_id, currency_id, maturity, fcash, asset_cash, reserve_fee, implied_rate, block_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, t.Sequence, t.AccountID, int32(t.CurrencyID), t.Maturity, t.FCash, t.AssetCash,
		t.ReserveFee, t.ImpliedRate, t.BlockTime); err != nil {
		return fmt.Errorf("trade projection: %w", err)
	}
	return nil
}

func upsertBalance(ctx context.Context, tx *sql.Tx, seq int64, b BalanceRow) error {
	if b.Deleted {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.balances WHERE account_id = $1 AND currency_id = $2
		`, b.AccountID, int32(b.CurrencyID))
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_id, currency_id, cash_balance, token_balance, last_sequence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, currency_id)
		DO UPDATE SET cash_balance = $3, token_balance = $4, last_sequence = $5
	`, b.AccountID, int32(b.CurrencyID), b.CashBalance, b.TokenBalance, seq)
	return err
}

func upsertAsset(ctx context.Context, tx *sql.Tx, seq int64, a AssetRow) error {
	if a.Deleted {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.portfolio_assets WHERE account_id = $1 AND storage_key = $2
		`, a.AccountID, a.StorageKey)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.portfolio_assets
			(account_id, storage_key, currency_id, maturity, asset_type, notional, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, storage_key) DO UPDATE SET
			currency_id = $3, maturity = $4, asset_type = $5, notional = $6, last_sequence = $7
	`, a.AccountID, a.StorageKey, int32(a.CurrencyID), a.Maturity, int16(a.AssetType), a.Notional, seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkID, seq)
	if err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// Watermark returns the last sequence applied to the projections, or -1
// when nothing has been projected yet.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, watermarkID).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

// Rebuild replaces the state projections with the contents of r as of
// sequence. Trade history is append-only and kept.
func Rebuild(ctx context.Context, db *sql.DB, r store.Reader, sequence int64) error {
	u, err := UpdateFromStore(r, sequence)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.portfolio_assets`,
		`TRUNCATE projections.markets`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	if err := applyUpdate(ctx, tx, u); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, sequence); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger := observability.NewLogger("projection")
	logger.Info().
		Int64("sequence", sequence).
		Int("balances", len(u.Balances)).
		Int("assets", len(u.Assets)).
		Int("markets", len(u.Markets)).
		Msg("projection rebuild complete")
	return nil
}
