package event

import (
	"github.com/google/uuid"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeWalletFunded
	EventTypeDepositCash
	EventTypeWithdrawCash
	EventTypeTradeFCash
	EventTypeAddLiquidity
	EventTypeRemoveLiquidity
	EventTypeSettleAccount
	EventTypeEnableBitmapCurrency
	EventTypeInitializeMarket
	EventTypeAssetRateUpdated
)

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Currency context (0 for commands without one)
	CurrencyID uint16

	// Versioned block time in unix seconds (NOT wall-clock)
	BlockTime int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// Empty when the command committed; error class otherwise
	RejectClass string

	// SHA-256 of the committed writes chained to PrevHash
	StateHash [32]byte

	PrevHash [32]byte
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// CurrencyID returns the currency context (0 if none)
	CurrencyID() uint16

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// BlockTime is the deterministic time the command executes at
	BlockTime() int64
}

// Header carries the fields every command shares.
type Header struct {
	CommandID uuid.UUID `json:"command_id"`
	Sequence  int64     `json:"sequence"`
	Time      int64     `json:"block_time"`
}

func (h *Header) IdempotencyKey() string {
	return h.CommandID.String()
}

func (h *Header) SourceSequence() int64 {
	return h.Sequence
}

func (h *Header) BlockTime() int64 {
	return h.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeWalletFunded:
		return "WalletFunded"
	case EventTypeDepositCash:
		return "DepositCash"
	case EventTypeWithdrawCash:
		return "WithdrawCash"
	case EventTypeTradeFCash:
		return "TradeFCash"
	case EventTypeAddLiquidity:
		return "AddLiquidity"
	case EventTypeRemoveLiquidity:
		return "RemoveLiquidity"
	case EventTypeSettleAccount:
		return "SettleAccount"
	case EventTypeEnableBitmapCurrency:
		return "EnableBitmapCurrency"
	case EventTypeInitializeMarket:
		return "InitializeMarket"
	case EventTypeAssetRateUpdated:
		return "AssetRateUpdated"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String. Unknown names map to EventTypeUnknown.
func ParseEventType(name string) EventType {
	for et := EventTypeWalletFunded; et <= EventTypeAssetRateUpdated; et++ {
		if et.String() == name {
			return et
		}
	}
	return EventTypeUnknown
}
