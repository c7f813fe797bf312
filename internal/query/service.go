package query

import (
	"FCashLedger/internal/errs"
	"FCashLedger/internal/observability"
	"FCashLedger/internal/portfolio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

var ErrNotFound = errs.New(errs.InvalidInput, "query: not found")

// QueryService provides read-only access to the projection tables and the
// event log. Every read reports as_of_sequence, the projection watermark.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// observe records one request against endpoint. Call it deferred with the
// named error of the query method.
func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if *err != nil {
		qs.metrics.QueryErrors.WithLabelValues(endpoint, errs.ClassOf(*err).String()).Inc()
	}
}

// GetAccount returns an account's balances and portfolio assets.
func (qs *QueryService) GetAccount(ctx context.Context, accountID uuid.UUID) (_ *AccountResponse, err error) {
	defer qs.observe("get_account", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	resp := &AccountResponse{
		AccountID:    accountID,
		Balances:     []BalanceResponse{},
		Assets:       []AssetResponse{},
		AsOfSequence: asOfSeq,
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT currency_id, cash_balance, token_balance, last_sequence
		FROM projections.balances
		WHERE account_id = $1
		ORDER BY currency_id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			b            BalanceResponse
			currency     int32
			cash, tokens int64
		)
		if err := rows.Scan(&currency, &cash, &tokens, &b.LastSequence); err != nil {
			return nil, err
		}
		b.CurrencyID = uint16(currency)
		b.CashBalance = FormatAmount(cash)
		b.TokenBalance = FormatAmount(tokens)
		resp.Balances = append(resp.Balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	assetRows, err := qs.db.QueryContext(ctx, `
		SELECT currency_id, maturity, asset_type, notional
		FROM projections.portfolio_assets
		WHERE account_id = $1
		ORDER BY currency_id, maturity, asset_type
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer assetRows.Close()
	for assetRows.Next() {
		var (
			a         AssetResponse
			currency  int32
			assetType int16
			notional  int64
		)
		if err := assetRows.Scan(&currency, &a.Maturity, &assetType, &notional); err != nil {
			return nil, err
		}
		a.CurrencyID = uint16(currency)
		a.AssetType = assetTypeName(uint8(assetType))
		if portfolio.IsLiquidityToken(uint8(assetType)) {
			a.LiquidityMarket = portfolio.MarketIndex(uint8(assetType))
		}
		a.Notional = FormatAmount(notional)
		resp.Assets = append(resp.Assets, a)
	}
	if err := assetRows.Err(); err != nil {
		return nil, err
	}

	if len(resp.Balances) == 0 && len(resp.Assets) == 0 {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	return resp, nil
}

// GetMarkets returns the markets of a currency ordered by maturity.
func (qs *QueryService) GetMarkets(ctx context.Context, currencyID uint16) (_ []MarketResponse, err error) {
	defer qs.observe("get_markets", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT maturity, total_fcash, total_asset_cash, total_liquidity,
		       last_implied_rate, oracle_rate, previous_trade_time
		FROM projections.markets
		WHERE currency_id = $1
		ORDER BY maturity
	`, int32(currencyID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	markets := []MarketResponse{}
	for rows.Next() {
		var (
			m                   MarketResponse
			fCash, cash, liq    int64
			lastImplied, oracle int64
		)
		if err := rows.Scan(&m.Maturity, &fCash, &cash, &liq, &lastImplied, &oracle, &m.PreviousTradeTime); err != nil {
			return nil, err
		}
		m.CurrencyID = currencyID
		m.TotalFCash = FormatAmount(fCash)
		m.TotalAssetCash = FormatAmount(cash)
		m.TotalLiquidity = FormatAmount(liq)
		m.LastImpliedRate = FormatRate(lastImplied)
		m.OracleRate = FormatRate(oracle)
		m.AsOfSequence = asOfSeq
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// GetTradeHistory returns an account's trades, newest first. Pass the
// smallest sequence of the previous page as beforeSequence to page back.
func (qs *QueryService) GetTradeHistory(
	ctx context.Context,
	accountID uuid.UUID,
	limit int,
	beforeSequence *int64,
) (_ []TradeResponse, err error) {
	defer qs.observe("get_trade_history", time.Now(), &err)

	query := `
		SELECT sequence, currency_id, maturity, fcash, asset_cash, reserve_fee, implied_rate, block_time
		FROM projections.trades
		WHERE account_id = $1
	`
	args := []any{accountID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []TradeResponse{}
	for rows.Next() {
		var (
			tr                     TradeResponse
			currency               int32
			fCash, cash, fee, rate int64
		)
		if err := rows.Scan(&tr.Sequence, &currency, &tr.Maturity, &fCash, &cash, &fee, &rate, &tr.BlockTime); err != nil {
			return nil, err
		}
		tr.CurrencyID = uint16(currency)
		tr.Side = tradeSide(fCash)
		tr.FCash = FormatAmount(fCash)
		tr.AssetCash = FormatAmount(cash)
		tr.ReserveFee = FormatAmount(fee)
		tr.ImpliedRate = FormatRate(rate)
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

// GetJournalHistory returns journal entries touching the account or its
// wallet, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	accountID uuid.UUID,
	limit int,
	beforeSequence *int64,
) (_ []JournalHistoryEntry, err error) {
	defer qs.observe("get_journal_history", time.Now(), &err)

	userPrefix := fmt.Sprintf("user:%s:%%", accountID)
	walletPrefix := fmt.Sprintf("external:wallet:%s:%%", accountID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		       currency_id, unit, maturity, amount, journal_type, block_time
		FROM event_log.journals
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1
		    OR debit_account LIKE $2 OR credit_account LIKE $2)
	`
	args := []any{userPrefix, walletPrefix}
	argIdx := 3

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var (
			e        JournalHistoryEntry
			currency int32
			unit     int16
			amount   int64
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &currency, &unit, &e.Maturity,
			&amount, &e.JournalType, &e.BlockTime,
		); err != nil {
			return nil, err
		}
		e.CurrencyID = uint16(currency)
		e.Unit = uint8(unit)
		e.Amount = FormatAmount(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks that the event log forms an unbroken hash chain and
// that projected cash balances match the cash the journals moved to users,
// up to the projection watermark.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (_ *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	report := &IntegrityReport{}
	if err := qs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.events`).Scan(&report.CheckedEvents); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0
		  AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	// User cash paths end in ":cash:cash:<currency>".
	cashRows, err := qs.db.QueryContext(ctx, `
		WITH journal_cash AS (
			SELECT currency_id, SUM(delta) AS total FROM (
				SELECT currency_id, amount AS delta FROM event_log.journals
				WHERE unit = 0 AND credit_account LIKE 'user:%:cash:cash:%' AND sequence <= $1
				UNION ALL
				SELECT currency_id, -amount FROM event_log.journals
				WHERE unit = 0 AND debit_account LIKE 'user:%:cash:cash:%' AND sequence <= $1
			) moves
			GROUP BY currency_id
		), projected_cash AS (
			SELECT currency_id, SUM(cash_balance) AS total
			FROM projections.balances
			GROUP BY currency_id
		)
		SELECT COALESCE(j.currency_id, p.currency_id),
		       COALESCE(p.total, 0) - COALESCE(j.total, 0)
		FROM journal_cash j
		FULL OUTER JOIN projected_cash p ON p.currency_id = j.currency_id
		WHERE COALESCE(p.total, 0) != COALESCE(j.total, 0)
	`, watermark)
	if err != nil {
		return nil, err
	}
	defer cashRows.Close()
	for cashRows.Next() {
		var (
			currency  int32
			imbalance int64
		)
		if err := cashRows.Scan(&currency, &imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			CurrencyID: uint16(currency),
			Imbalance:  imbalance,
		})
	}
	if err := cashRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func tradeSide(fCash int64) string {
	if fCash > 0 {
		return "lend"
	}
	return "borrow"
}
