package event

import "github.com/google/uuid"

// SettleAccount settles every asset of the account that matured before the
// block time.
type SettleAccount struct {
	Header
	Account uuid.UUID `json:"account"`
}

func (s *SettleAccount) EventType() EventType {
	return EventTypeSettleAccount
}

func (s *SettleAccount) CurrencyID() uint16 {
	return 0
}

// EnableBitmapCurrency switches the account to bitmap storage for Currency.
type EnableBitmapCurrency struct {
	Header
	Account  uuid.UUID `json:"account"`
	Currency uint16    `json:"currency_id"`
}

func (e *EnableBitmapCurrency) EventType() EventType {
	return EventTypeEnableBitmapCurrency
}

func (e *EnableBitmapCurrency) CurrencyID() uint16 {
	return e.Currency
}
