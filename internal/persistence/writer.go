package persistence

import (
	"FCashLedger/internal/core"
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERT. Writes are idempotent so a retried batch is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	CurrencyID     uint16
	BlockTime      int64
	SourceSequence int64
	Payload        []byte // JSON-encoded command, stored as jsonb
	RejectClass    sql.NullString
	StateHash      []byte
	PrevHash       []byte
}

// JournalRow represents a row in event_log.journals
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	CurrencyID    uint16
	Unit          uint8
	Maturity      int64
	Amount        int64
	JournalType   int32
	BlockTime     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts one core output into its event log rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		CurrencyID:     env.CurrencyID,
		BlockTime:      env.BlockTime,
		SourceSequence: env.SourceSequence,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
	}
	if env.RejectClass != "" {
		row.RejectClass = sql.NullString{String: env.RejectClass, Valid: true}
	}

	if out.Batch == nil {
		return row, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			CurrencyID:    j.Asset.CurrencyID,
			Unit:          uint8(j.Asset.Unit),
			Maturity:      j.Asset.Maturity,
			Amount:        j.Amount,
			JournalType:   int32(j.JournalType),
			BlockTime:     j.Timestamp,
		})
	}
	return row, journals
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, currency_id, block_time, source_sequence,
		 payload, reject_class, state_hash, prev_hash)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, int32(e.CurrencyID), e.BlockTime, e.SourceSequence,
			string(e.Payload), e.RejectClass, e.StateHash, e.PrevHash,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journals.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 12
	query := `INSERT INTO event_log.journals
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		 currency_id, unit, maturity, amount, journal_type, block_time)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount, j.CreditAccount,
			int32(j.CurrencyID), int16(j.Unit), j.Maturity, j.Amount, j.JournalType, j.BlockTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
