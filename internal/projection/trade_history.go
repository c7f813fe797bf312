package projection

import (
	"FCashLedger/internal/core"
	"FCashLedger/internal/event"
	"fmt"

	"github.com/google/uuid"
)

// TradeRow is one executed trade as recorded in projections.trades.
// FCash and AssetCash are signed from the account's side.
type TradeRow struct {
	Sequence    int64
	AccountID   uuid.UUID
	CurrencyID  uint16
	Maturity    int64
	FCash       int64
	AssetCash   int64
	ReserveFee  int64
	ImpliedRate int64
	BlockTime   int64
}

// tradeFromOutput returns the trade an applied TradeFCash produced, or nil.
func tradeFromOutput(out core.CoreOutput) (*TradeRow, error) {
	env := out.Envelope
	if env.EventType != event.EventTypeTradeFCash || env.RejectClass != "" {
		return nil, nil
	}
	if out.Result == nil || out.Result.Trade == nil {
		return nil, nil
	}
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return nil, err
	}
	trade, ok := evt.(*event.TradeFCash)
	if !ok {
		return nil, fmt.Errorf("sequence %d: payload is %T", env.Sequence, evt)
	}
	r := out.Result.Trade
	return &TradeRow{
		Sequence:    env.Sequence,
		AccountID:   trade.Account,
		CurrencyID:  trade.Currency,
		Maturity:    out.Result.Maturity,
		FCash:       r.FCashToAccount,
		AssetCash:   r.AssetCashToAccount,
		ReserveFee:  r.AssetCashToReserve,
		ImpliedRate: r.ImpliedRateAfter,
		BlockTime:   env.BlockTime,
	}, nil
}
