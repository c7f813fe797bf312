package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command of the given type.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeWalletFunded:
		return &WalletFunded{}, nil
	case EventTypeDepositCash:
		return &DepositCash{}, nil
	case EventTypeWithdrawCash:
		return &WithdrawCash{}, nil
	case EventTypeTradeFCash:
		return &TradeFCash{}, nil
	case EventTypeAddLiquidity:
		return &AddLiquidity{}, nil
	case EventTypeRemoveLiquidity:
		return &RemoveLiquidity{}, nil
	case EventTypeSettleAccount:
		return &SettleAccount{}, nil
	case EventTypeEnableBitmapCurrency:
		return &EnableBitmapCurrency{}, nil
	case EventTypeInitializeMarket:
		return &InitializeMarket{}, nil
	case EventTypeAssetRateUpdated:
		return &AssetRateUpdated{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Decode unmarshals a JSON payload into the command for et.
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}

// Encode is the payload format stored in the event log.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
