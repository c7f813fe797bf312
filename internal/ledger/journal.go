package ledger

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletFunding JournalType = iota
	JournalTypeDeposit
	JournalTypeTransferFee
	JournalTypeWithdrawal
	JournalTypeTrade
	JournalTypeTradeFee
	JournalTypeLiquidityAdd
	JournalTypeLiquidityRemove
	JournalTypeMarketInit
	JournalTypeSettlement
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeWalletFunding:
		return "wallet_funding"
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeTransferFee:
		return "transfer_fee"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeTrade:
		return "trade"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeLiquidityAdd:
		return "liquidity_add"
	case JournalTypeLiquidityRemove:
		return "liquidity_remove"
	case JournalTypeMarketInit:
		return "market_init"
	case JournalTypeSettlement:
		return "settlement"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Derived from the batch and position
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Asset         Asset       // Asset being transferred
	Amount        int64       // Always positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Block time
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// batchNamespace scopes the deterministic batch ids so replay regenerates them.
var batchNamespace = uuid.MustParse("6f1e9a52-3c0b-4d6e-9a57-1b8f0c2d4e73")

// NewBatch starts an empty batch for one command.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(batchNamespace, []byte(eventRef)),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Move appends a transfer of amount from `from` to `to`. A negative amount
// moves the other way; zero adds nothing.
func (b *Batch) Move(to, from AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	if amount < 0 {
		to, from, amount = from, to, -amount
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte(strconv.Itoa(len(b.Journals)))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		Asset:         to.Asset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Merge appends every entry of o, renumbered under this batch.
func (b *Batch) Merge(o *Batch) {
	if o == nil {
		return
	}
	for _, j := range o.Journals {
		b.Move(j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType)
	}
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount of one asset between two accounts holding that asset, so debits
// equal credits per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s moves %s between %s and %s",
				j.JournalID, j.Asset, j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath())
		}
	}

	return nil
}
