package account

import (
	"FCashLedger/internal/errs"
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/store"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

var ErrWithdrawNegative = errs.New(errs.InsufficientFunds, "account: cannot withdraw negative")

// TokenTransfer moves asset cash between the ledger and the account's
// external wallet. Deposits may net less than requested; withdrawals move
// exactly the requested amount or fail.
type TokenTransfer interface {
	Transfer(rw store.ReadWriter, account uuid.UUID, currencyID uint16, amount int64) (actual int64, err error)
}

// StoredBalance is the persisted form of a balance under store.BalanceKey.
type StoredBalance struct {
	CashBalance  int64 `json:"cash_balance"`
	TokenBalance int64 `json:"token_balance"`
}

// BalanceState is one currency's balance for the duration of a command.
// Net fields accumulate until Finalize writes the result.
type BalanceState struct {
	CurrencyID         uint16
	StoredCashBalance  int64
	StoredTokenBalance int64
	NetCashChange      int64
	NetCashTransfer    int64
	NetTokenTransfer   int64
}

func LoadBalanceState(r store.Reader, account uuid.UUID, currencyID uint16) (*BalanceState, error) {
	var sb StoredBalance
	if _, err := store.GetJSON(r, store.BalanceKey(account, currencyID), &sb); err != nil {
		return nil, err
	}
	return &BalanceState{
		CurrencyID:         currencyID,
		StoredCashBalance:  sb.CashBalance,
		StoredTokenBalance: sb.TokenBalance,
	}, nil
}

// LoadBalances returns every stored balance of the account in currency order.
func LoadBalances(r store.Reader, account uuid.UUID) ([]BalanceState, error) {
	prefix := store.BalancePrefix(account)
	var out []BalanceState
	err := r.Iterate(prefix, func(key, value []byte) error {
		id, err := strconv.ParseUint(string(bytes.TrimPrefix(key, prefix)), 10, 16)
		if err != nil {
			return fmt.Errorf("account: balance key %s: %w", key, err)
		}
		var sb StoredBalance
		if err := json.Unmarshal(value, &sb); err != nil {
			return fmt.Errorf("account: decode balance %s: %w", key, err)
		}
		out = append(out, BalanceState{
			CurrencyID:         uint16(id),
			StoredCashBalance:  sb.CashBalance,
			StoredTokenBalance: sb.TokenBalance,
		})
		return nil
	})
	return out, err
}

// CashBalance is the cash held once pending changes settle.
func (bs *BalanceState) CashBalance() (int64, error) {
	return fpmath.Sum(bs.StoredCashBalance, bs.NetCashChange, bs.NetCashTransfer)
}

// Finalize applies the accumulated changes, performs the external transfer
// and writes the balance. It returns the amount actually transferred.
func (bs *BalanceState) Finalize(rw store.ReadWriter, account uuid.UUID, ac *AccountContext, transfer TokenTransfer, withdrawEntireCashBalance bool) (int64, error) {
	if withdrawEntireCashBalance {
		total, err := fpmath.Add(bs.StoredCashBalance, bs.NetCashChange)
		if err != nil {
			return 0, err
		}
		if total > 0 {
			bs.NetCashTransfer = -total
		} else {
			bs.NetCashTransfer = 0
		}
	}

	if bs.NetCashTransfer < 0 {
		remaining, err := fpmath.Sum(bs.StoredCashBalance, bs.NetCashChange, bs.NetCashTransfer)
		if err != nil {
			return 0, err
		}
		if remaining < 0 {
			return 0, fmt.Errorf("%w: cash %d + change %d, transfer %d",
				ErrWithdrawNegative, bs.StoredCashBalance, bs.NetCashChange, bs.NetCashTransfer)
		}
	}

	if bs.NetCashTransfer != 0 {
		actual, err := transfer.Transfer(rw, account, bs.CurrencyID, bs.NetCashTransfer)
		if err != nil {
			return 0, err
		}
		bs.NetCashTransfer = actual
	}

	if bs.NetTokenTransfer < 0 && bs.StoredTokenBalance < -bs.NetTokenTransfer {
		return 0, fmt.Errorf("%w: tokens %d, transfer %d", ErrWithdrawNegative, bs.StoredTokenBalance, bs.NetTokenTransfer)
	}

	cash, err := bs.CashBalance()
	if err != nil {
		return 0, err
	}
	tokens, err := fpmath.Add(bs.StoredTokenBalance, bs.NetTokenTransfer)
	if err != nil {
		return 0, err
	}

	key := store.BalanceKey(account, bs.CurrencyID)
	if cash == 0 && tokens == 0 {
		err = rw.Delete(key)
	} else {
		err = store.PutJSON(rw, key, StoredBalance{CashBalance: cash, TokenBalance: tokens})
	}
	if err != nil {
		return 0, err
	}

	if err := ac.SetActiveCurrency(bs.CurrencyID, cash != 0 || tokens != 0, ActiveInBalances); err != nil {
		return 0, err
	}
	if cash < 0 {
		ac.HasDebt |= HasCashDebt
	}

	transferred := bs.NetCashTransfer
	bs.StoredCashBalance = cash
	bs.StoredTokenBalance = tokens
	bs.NetCashChange = 0
	bs.NetCashTransfer = 0
	bs.NetTokenTransfer = 0
	return transferred, nil
}
