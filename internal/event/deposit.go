package event

import "github.com/google/uuid"

// WalletFunded credits an external wallet as observed by the chain watcher.
type WalletFunded struct {
	Header
	Account  uuid.UUID `json:"account"`
	Currency uint16    `json:"currency_id"`
	Amount   int64     `json:"amount"`
}

func (w *WalletFunded) EventType() EventType {
	return EventTypeWalletFunded
}

func (w *WalletFunded) CurrencyID() uint16 {
	return w.Currency
}

// DepositCash moves asset cash from the wallet into the account balance.
type DepositCash struct {
	Header
	Account  uuid.UUID `json:"account"`
	Currency uint16    `json:"currency_id"`
	Amount   int64     `json:"amount"`
}

func (d *DepositCash) EventType() EventType {
	return EventTypeDepositCash
}

func (d *DepositCash) CurrencyID() uint16 {
	return d.Currency
}
