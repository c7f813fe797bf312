// Package account holds per-account state: the context record with its
// settlement cursor and currency flags, and per-currency balances.
package account

import (
	"FCashLedger/internal/datetime"
	"FCashLedger/internal/errs"
	"FCashLedger/internal/market"
	"FCashLedger/internal/portfolio"
	"FCashLedger/internal/store"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// MaxActiveCurrencies bounds the explicit active currency list.
const MaxActiveCurrencies = 9

var (
	ErrTooManyCurrencies = errs.New(errs.Capacity, "account: too many active currencies")
	ErrBitmapNotAllowed  = errs.New(errs.InvalidInput, "account: cannot enable bitmap currency")
	ErrBitmapCurrency    = errs.New(errs.InvalidInput, "account: currency not tradable for bitmap account")
)

type CurrencyFlags uint8

const (
	ActiveInPortfolio CurrencyFlags = 1 << iota
	ActiveInBalances
)

type DebtFlags uint8

const (
	HasAssetDebt DebtFlags = 1 << iota
	// HasCashDebt is sticky until a solvency check sees no negative cash.
	HasCashDebt
)

type ActiveCurrency struct {
	CurrencyID uint16        `json:"currency_id"`
	Flags      CurrencyFlags `json:"flags"`
}

// AccountContext is the per-account header read at the start of every
// command and written back at the end.
type AccountContext struct {
	NextSettleTime   int64            `json:"next_settle_time"`
	HasDebt          DebtFlags        `json:"has_debt"`
	AssetArrayLength int              `json:"asset_array_length"`
	BitmapCurrencyID uint16           `json:"bitmap_currency_id"`
	ActiveCurrencies []ActiveCurrency `json:"active_currencies"`
}

// GetAccountContext loads the context, returning an empty one for a new account.
func GetAccountContext(r store.Reader, account uuid.UUID) (*AccountContext, error) {
	ac := &AccountContext{}
	if _, err := store.GetJSON(r, store.AccountContextKey(account), ac); err != nil {
		return nil, err
	}
	return ac, nil
}

func (ac *AccountContext) SetAccountContext(w store.Writer, account uuid.UUID) error {
	return store.PutJSON(w, store.AccountContextKey(account), ac)
}

func (ac *AccountContext) IsBitmapEnabled() bool {
	return ac.BitmapCurrencyID != 0
}

// IsActiveCurrency reports whether the currency is the bitmap currency or
// carries any active flag.
func (ac *AccountContext) IsActiveCurrency(currencyID uint16) bool {
	if currencyID == ac.BitmapCurrencyID && currencyID != 0 {
		return true
	}
	i, ok := ac.find(currencyID)
	return ok && ac.ActiveCurrencies[i].Flags != 0
}

// Flags returns the active flags for a currency.
func (ac *AccountContext) Flags(currencyID uint16) CurrencyFlags {
	if i, ok := ac.find(currencyID); ok {
		return ac.ActiveCurrencies[i].Flags
	}
	return 0
}

func (ac *AccountContext) find(currencyID uint16) (int, bool) {
	i := sort.Search(len(ac.ActiveCurrencies), func(i int) bool {
		return ac.ActiveCurrencies[i].CurrencyID >= currencyID
	})
	return i, i < len(ac.ActiveCurrencies) && ac.ActiveCurrencies[i].CurrencyID == currencyID
}

// SetActiveCurrency turns flags on or off for a currency, keeping the list
// sorted and without duplicates. The bitmap currency is never listed.
func (ac *AccountContext) SetActiveCurrency(currencyID uint16, isActive bool, flags CurrencyFlags) error {
	if err := market.ValidateCurrencyID(currencyID); err != nil {
		return err
	}
	if currencyID == ac.BitmapCurrencyID {
		return nil
	}

	i, ok := ac.find(currencyID)
	if ok {
		if isActive {
			ac.ActiveCurrencies[i].Flags |= flags
			return nil
		}
		ac.ActiveCurrencies[i].Flags &^= flags
		if ac.ActiveCurrencies[i].Flags == 0 {
			ac.ActiveCurrencies = append(ac.ActiveCurrencies[:i], ac.ActiveCurrencies[i+1:]...)
		}
		return nil
	}

	if !isActive {
		return nil
	}
	if len(ac.ActiveCurrencies) >= MaxActiveCurrencies {
		return fmt.Errorf("%w: max %d", ErrTooManyCurrencies, MaxActiveCurrencies)
	}
	ac.ActiveCurrencies = append(ac.ActiveCurrencies, ActiveCurrency{})
	copy(ac.ActiveCurrencies[i+1:], ac.ActiveCurrencies[i:])
	ac.ActiveCurrencies[i] = ActiveCurrency{CurrencyID: currencyID, Flags: flags}
	return nil
}

// EnableBitmapCurrency switches the account to bitmap storage for one
// currency. The asset array must be empty and the currency must hold no balance.
func (ac *AccountContext) EnableBitmapCurrency(currencyID uint16, now int64) error {
	if err := market.ValidateCurrencyID(currencyID); err != nil {
		return err
	}
	if ac.IsBitmapEnabled() {
		return fmt.Errorf("%w: bitmap currency already %d", ErrBitmapNotAllowed, ac.BitmapCurrencyID)
	}
	if ac.AssetArrayLength != 0 {
		return fmt.Errorf("%w: %d assets in portfolio", ErrBitmapNotAllowed, ac.AssetArrayLength)
	}
	if ac.Flags(currencyID) != 0 {
		return fmt.Errorf("%w: currency %d has balances", ErrBitmapNotAllowed, currencyID)
	}
	ac.BitmapCurrencyID = currencyID
	ac.NextSettleTime = datetime.TimeUTC0(now)
	return nil
}

// MustSettleAssets reports whether the account has assets that matured
// before blockTime.
func (ac *AccountContext) MustSettleAssets(blockTime int64) bool {
	if ac.IsBitmapEnabled() {
		return ac.NextSettleTime < datetime.TimeUTC0(blockTime)
	}
	return ac.NextSettleTime != 0 && ac.NextSettleTime < blockTime
}

// StorePortfolio writes the asset array and refreshes the header fields
// derived from it.
func (ac *AccountContext) StorePortfolio(w store.Writer, account uuid.UUID, ps *portfolio.PortfolioState) error {
	res, err := ps.StoreAssets(w, account)
	if err != nil {
		return err
	}

	ac.AssetArrayLength = res.Length
	ac.NextSettleTime = res.NextSettleTime
	if res.HasDebt {
		ac.HasDebt |= HasAssetDebt
	} else {
		ac.HasDebt &^= HasAssetDebt
	}

	inPortfolio := make(map[uint16]bool, len(res.Currencies))
	for _, c := range res.Currencies {
		inPortfolio[c] = true
	}
	for _, c := range ac.currencyIDs() {
		if !inPortfolio[c] {
			if err := ac.SetActiveCurrency(c, false, ActiveInPortfolio); err != nil {
				return err
			}
		}
	}
	for _, c := range res.Currencies {
		if err := ac.SetActiveCurrency(c, true, ActiveInPortfolio); err != nil {
			return err
		}
	}
	return nil
}

// StoreBitmap writes the bitmap and refreshes the asset debt flag.
func (ac *AccountContext) StoreBitmap(rw store.ReadWriter, bm *portfolio.BitmapAssets) error {
	if err := bm.Store(rw); err != nil {
		return err
	}
	debt, err := bm.HasDebt(rw)
	if err != nil {
		return err
	}
	if debt {
		ac.HasDebt |= HasAssetDebt
	} else {
		ac.HasDebt &^= HasAssetDebt
	}
	return nil
}

func (ac *AccountContext) currencyIDs() []uint16 {
	out := make([]uint16, len(ac.ActiveCurrencies))
	for i, c := range ac.ActiveCurrencies {
		out[i] = c.CurrencyID
	}
	return out
}

// Currencies returns every currency the account is active in, bitmap
// currency included, ascending.
func (ac *AccountContext) Currencies() []uint16 {
	out := ac.currencyIDs()
	if ac.IsBitmapEnabled() {
		out = append(out, ac.BitmapCurrencyID)
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	}
	return out
}
