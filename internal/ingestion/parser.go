package ingestion

import (
	"FCashLedger/internal/errs"
	"FCashLedger/internal/event"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CommandSubjectPrefix is the subject namespace for inbound commands. The
// token after the prefix names the command type, e.g. fcash.commands.TradeFCash.
// Further tokens (typically the currency id) are free for partitioning.
const CommandSubjectPrefix = "fcash.commands."

var (
	ErrUnknownCommand   = errs.New(errs.InvalidInput, "unknown command type")
	ErrMissingCommandID = errs.New(errs.InvalidInput, "command_id is required")
	ErrMissingAccount   = errs.New(errs.InvalidInput, "account is required")
	ErrMissingCurrency  = errs.New(errs.InvalidInput, "currency_id is required")
	ErrMissingBlockTime = errs.New(errs.InvalidInput, "block_time is required")
	ErrBadMarketIndex   = errs.New(errs.InvalidInput, "market_index must be positive")
)

// CommandSubject returns the subject commands of type et are published on.
func CommandSubject(et event.EventType) string {
	return CommandSubjectPrefix + et.String()
}

// CommandTypeFromSubject extracts the command type name from a subject.
func CommandTypeFromSubject(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok || rest == "" {
		return "", false
	}
	name, _, _ := strings.Cut(rest, ".")
	return name, true
}

// ParseRawEvent converts a raw NATS message into a typed command. The type
// comes from the subject, the payload is the command's JSON encoding.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	name, ok := CommandTypeFromSubject(raw.Subject)
	if !ok {
		return nil, fmt.Errorf("subject %q: %w", raw.Subject, ErrUnknownCommand)
	}
	return ParseCommand(name, raw.Data)
}

// ParseCommand decodes and validates a command given its type name.
func ParseCommand(typeName string, data []byte) (event.Event, error) {
	et := event.ParseEventType(typeName)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("%q: %w", typeName, ErrUnknownCommand)
	}
	evt, err := event.Decode(et, data)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err)
	}
	if err := validate(evt); err != nil {
		return nil, fmt.Errorf("%s: %w", typeName, err)
	}
	return evt, nil
}

// validate checks the fields without which a command cannot be sequenced at
// all. Amount and state checks are left to the core so the rejection lands
// in the log.
func validate(evt event.Event) error {
	var (
		account  uuid.UUID
		needsAcc = true
		hasIndex bool
		index    int
	)
	switch e := evt.(type) {
	case *event.WalletFunded:
		account = e.Account
	case *event.DepositCash:
		account = e.Account
	case *event.WithdrawCash:
		account = e.Account
	case *event.TradeFCash:
		account, index, hasIndex = e.Account, e.MarketIndex, true
	case *event.AddLiquidity:
		account, index, hasIndex = e.Account, e.MarketIndex, true
	case *event.RemoveLiquidity:
		account, index, hasIndex = e.Account, e.MarketIndex, true
	case *event.SettleAccount:
		account = e.Account
	case *event.EnableBitmapCurrency:
		account = e.Account
	case *event.InitializeMarket:
		account, index, hasIndex = e.Account, e.MarketIndex, true
	case *event.AssetRateUpdated:
		needsAcc = false
	}

	if evt.IdempotencyKey() == uuid.Nil.String() {
		return ErrMissingCommandID
	}
	if evt.BlockTime() <= 0 {
		return ErrMissingBlockTime
	}
	if needsAcc && account == uuid.Nil {
		return ErrMissingAccount
	}
	if _, ok := evt.(*event.SettleAccount); !ok && evt.CurrencyID() == 0 {
		return ErrMissingCurrency
	}
	if hasIndex && index <= 0 {
		return ErrBadMarketIndex
	}
	return nil
}
