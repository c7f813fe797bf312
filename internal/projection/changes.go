package projection

import (
	"FCashLedger/internal/account"
	"FCashLedger/internal/core"
	"FCashLedger/internal/market"
	"FCashLedger/internal/portfolio"
	"FCashLedger/internal/store"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// BalanceRow mirrors one row of projections.balances.
type BalanceRow struct {
	AccountID    uuid.UUID
	CurrencyID   uint16
	CashBalance  int64
	TokenBalance int64
	Deleted      bool
}

// AssetRow mirrors one row of projections.portfolio_assets. StorageKey is
// the store key the asset lives under, so array slots and bitmap fCash share
// one table.
type AssetRow struct {
	AccountID  uuid.UUID
	StorageKey string
	CurrencyID uint16
	Maturity   int64
	AssetType  uint8
	Notional   int64
	Deleted    bool
}

// Update is everything one sequenced command changes in the read model.
type Update struct {
	Sequence int64
	Balances []BalanceRow
	Assets   []AssetRow
	Markets  []market.Market
	Trade    *TradeRow
}

// Empty reports whether the update touches no projection table.
func (u *Update) Empty() bool {
	return len(u.Balances) == 0 && len(u.Assets) == 0 && len(u.Markets) == 0 && u.Trade == nil
}

// BuildUpdate derives the projection rows from a core output. Keys the read
// model does not mirror (wallets, bitmaps, rates, reserves) are skipped.
func BuildUpdate(out core.CoreOutput) (Update, error) {
	u := Update{Sequence: out.Envelope.Sequence}
	for _, op := range out.Writes {
		if err := u.addWrite(op.Key, op.Value); err != nil {
			return u, fmt.Errorf("key %q: %w", op.Key, err)
		}
	}
	trade, err := tradeFromOutput(out)
	if err != nil {
		return u, err
	}
	u.Trade = trade
	return u, nil
}

// addWrite folds a single store write into u. A nil value is a delete.
func (u *Update) addWrite(key, value []byte) error {
	info, err := store.ParseKey(key)
	if errors.Is(err, store.ErrUnknownKey) {
		return nil
	}
	if err != nil {
		return err
	}

	switch info.Prefix {
	case store.PrefixBalance:
		row := BalanceRow{AccountID: info.Account, CurrencyID: info.CurrencyID, Deleted: value == nil}
		if value != nil {
			var sb account.StoredBalance
			if err := json.Unmarshal(value, &sb); err != nil {
				return err
			}
			row.CashBalance = sb.CashBalance
			row.TokenBalance = sb.TokenBalance
		}
		u.Balances = append(u.Balances, row)

	case store.PrefixPortfolio:
		row := AssetRow{AccountID: info.Account, StorageKey: string(key), Deleted: value == nil}
		if value != nil {
			var a portfolio.PortfolioAsset
			if err := json.Unmarshal(value, &a); err != nil {
				return err
			}
			row.CurrencyID = a.CurrencyID
			row.Maturity = a.Maturity
			row.AssetType = a.AssetType
			row.Notional = a.Notional
		}
		u.Assets = append(u.Assets, row)

	case store.PrefixIfCash:
		row := AssetRow{
			AccountID:  info.Account,
			StorageKey: string(key),
			CurrencyID: info.CurrencyID,
			Maturity:   info.Maturity,
			AssetType:  portfolio.FCashAssetType,
			Deleted:    value == nil,
		}
		if value != nil {
			if err := json.Unmarshal(value, &row.Notional); err != nil {
				return err
			}
			row.Deleted = row.Notional == 0
		}
		u.Assets = append(u.Assets, row)

	case store.PrefixMarket:
		if value == nil {
			return nil
		}
		var m market.Market
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		u.Markets = append(u.Markets, m)
	}
	return nil
}

// UpdateFromStore builds the full read model held in r as of sequence.
func UpdateFromStore(r store.Reader, sequence int64) (Update, error) {
	u := Update{Sequence: sequence}
	for _, prefix := range []string{store.PrefixBalance, store.PrefixPortfolio, store.PrefixIfCash, store.PrefixMarket} {
		err := r.Iterate([]byte(prefix), func(key, value []byte) error {
			return u.addWrite(key, value)
		})
		if err != nil {
			return u, fmt.Errorf("scan %s: %w", prefix, err)
		}
	}
	return u, nil
}
