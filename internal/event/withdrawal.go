package event

import "github.com/google/uuid"

// WithdrawCash moves asset cash back to the wallet. With WithdrawEntire set
// and Amount zero, everything the account holds in the currency is withdrawn.
type WithdrawCash struct {
	Header
	Account        uuid.UUID `json:"account"`
	Currency       uint16    `json:"currency_id"`
	Amount         int64     `json:"amount"`
	WithdrawEntire bool      `json:"withdraw_entire"`
}

func (w *WithdrawCash) EventType() EventType {
	return EventTypeWithdrawCash
}

func (w *WithdrawCash) CurrencyID() uint16 {
	return w.Currency
}
