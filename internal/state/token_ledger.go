package state

import (
	"FCashLedger/internal/errs"
	"FCashLedger/internal/market"
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/store"
	"fmt"

	"github.com/google/uuid"
)

var ErrInsufficientWallet = errs.New(errs.InsufficientFunds, "token ledger: insufficient wallet balance")

// TokenLedger models the external token: each account's wallet balance per
// currency lives in the keyed store so transfers commit with the command
// that caused them. Deposits lose DepositTransferFeeBPS to the token.
type TokenLedger struct {
	params market.ParamsSource
}

func NewTokenLedger(params market.ParamsSource) *TokenLedger {
	return &TokenLedger{params: params}
}

func (l *TokenLedger) WalletBalance(r store.Reader, account uuid.UUID, currencyID uint16) (int64, error) {
	var bal int64
	_, err := store.GetJSON(r, store.WalletKey(account, currencyID), &bal)
	return bal, err
}

// Fund credits an external wallet, as observed on chain.
func (l *TokenLedger) Fund(rw store.ReadWriter, account uuid.UUID, currencyID uint16, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: fund amount %d", market.ErrInvalidAmount, amount)
	}
	bal, err := l.WalletBalance(rw, account, currencyID)
	if err != nil {
		return err
	}
	next, err := fpmath.Add(bal, amount)
	if err != nil {
		return err
	}
	return store.PutJSON(rw, store.WalletKey(account, currencyID), next)
}

// DepositFee is what the token keeps out of a deposit of amount.
func (l *TokenLedger) DepositFee(currencyID uint16, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	p, ok := l.params.CashGroup(currencyID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", market.ErrInvalidCurrency, currencyID)
	}
	return fpmath.MulDiv(amount, p.DepositTransferFeeBPS, 10_000, fpmath.RoundUp)
}

// Transfer moves amount from the wallet into the ledger (positive) or back
// out (negative). Deposits return the amount net of the transfer fee.
func (l *TokenLedger) Transfer(rw store.ReadWriter, account uuid.UUID, currencyID uint16, amount int64) (int64, error) {
	if amount == 0 {
		return 0, nil
	}
	bal, err := l.WalletBalance(rw, account, currencyID)
	if err != nil {
		return 0, err
	}

	next, err := fpmath.Sub(bal, amount)
	if err != nil {
		return 0, err
	}
	if next < 0 {
		return 0, fmt.Errorf("%w: wallet %d, transfer %d", ErrInsufficientWallet, bal, amount)
	}

	actual := amount
	if amount > 0 {
		fee, err := l.DepositFee(currencyID, amount)
		if err != nil {
			return 0, err
		}
		actual = amount - fee
	}

	key := store.WalletKey(account, currencyID)
	if next == 0 {
		err = rw.Delete(key)
	} else {
		err = store.PutJSON(rw, key, next)
	}
	return actual, err
}

func (l *TokenLedger) ReserveBalance(r store.Reader, currencyID uint16) (int64, error) {
	var bal int64
	_, err := store.GetJSON(r, store.ReserveKey(currencyID), &bal)
	return bal, err
}

// CreditReserve adds trading fees to the protocol reserve.
func (l *TokenLedger) CreditReserve(rw store.ReadWriter, currencyID uint16, amount int64) error {
	if amount < 0 {
		panic(fmt.Sprintf("FATAL: negative reserve credit %d for currency %d", amount, currencyID))
	}
	if amount == 0 {
		return nil
	}
	bal, err := l.ReserveBalance(rw, currencyID)
	if err != nil {
		return err
	}
	next, err := fpmath.Add(bal, amount)
	if err != nil {
		return err
	}
	return store.PutJSON(rw, store.ReserveKey(currencyID), next)
}
