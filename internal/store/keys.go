package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var ErrUnknownKey = errors.New("store: unrecognized key")

// Key prefixes. Numeric components are zero padded so that byte order
// matches numeric order during iteration.
const (
	PrefixMarket         = "market/"
	PrefixSettlementRate = "settlement_rate/"
	PrefixAssetRate      = "asset_rate/"
	PrefixAccount        = "account/"
	PrefixPortfolio      = "portfolio/"
	PrefixBalance        = "balance/"
	PrefixBitmap         = "bitmap/"
	PrefixIfCash         = "ifcash/"
	PrefixWallet         = "wallet/"
	PrefixReserve        = "reserve/"
)

func MarketKey(currencyID uint16, maturity int64) []byte {
	return []byte(fmt.Sprintf("%s%05d/%012d", PrefixMarket, currencyID, maturity))
}

func MarketPrefix(currencyID uint16) []byte {
	return []byte(fmt.Sprintf("%s%05d/", PrefixMarket, currencyID))
}

func SettlementRateKey(currencyID uint16, maturity int64) []byte {
	return []byte(fmt.Sprintf("%s%05d/%012d", PrefixSettlementRate, currencyID, maturity))
}

func AssetRateKey(currencyID uint16) []byte {
	return []byte(fmt.Sprintf("%s%05d", PrefixAssetRate, currencyID))
}

func AccountContextKey(account uuid.UUID) []byte {
	return []byte(PrefixAccount + account.String())
}

func PortfolioSlotKey(account uuid.UUID, slot int) []byte {
	return []byte(fmt.Sprintf("%s%s/%02d", PrefixPortfolio, account, slot))
}

func BalanceKey(account uuid.UUID, currencyID uint16) []byte {
	return []byte(fmt.Sprintf("%s%s/%05d", PrefixBalance, account, currencyID))
}

func BalancePrefix(account uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%s/", PrefixBalance, account))
}

func BitmapKey(account uuid.UUID, currencyID uint16) []byte {
	return []byte(fmt.Sprintf("%s%s/%05d", PrefixBitmap, account, currencyID))
}

func IfCashKey(account uuid.UUID, currencyID uint16, maturity int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%05d/%012d", PrefixIfCash, account, currencyID, maturity))
}

func WalletKey(account uuid.UUID, currencyID uint16) []byte {
	return []byte(fmt.Sprintf("%s%s/%05d", PrefixWallet, account, currencyID))
}

func ReserveKey(currencyID uint16) []byte {
	return []byte(fmt.Sprintf("%s%05d", PrefixReserve, currencyID))
}

// KeyInfo is a decoded key. Only the components the prefix carries are set.
type KeyInfo struct {
	Prefix     string
	Account    uuid.UUID
	CurrencyID uint16
	Maturity   int64
	Slot       int
}

var keyPrefixes = []string{
	PrefixMarket, PrefixSettlementRate, PrefixAssetRate, PrefixAccount, PrefixPortfolio,
	PrefixBalance, PrefixBitmap, PrefixIfCash, PrefixWallet, PrefixReserve,
}

// ParseKey is the inverse of the key builders above.
func ParseKey(key []byte) (KeyInfo, error) {
	s := string(key)
	var info KeyInfo
	for _, p := range keyPrefixes {
		if strings.HasPrefix(s, p) {
			info.Prefix = p
			break
		}
	}
	if info.Prefix == "" {
		return info, fmt.Errorf("%w: %q", ErrUnknownKey, s)
	}
	parts := strings.Split(strings.TrimPrefix(s, info.Prefix), "/")

	var err error
	switch info.Prefix {
	case PrefixMarket, PrefixSettlementRate:
		err = parseParts(parts, &info, partCurrency, partMaturity)
	case PrefixAssetRate, PrefixReserve:
		err = parseParts(parts, &info, partCurrency)
	case PrefixAccount:
		err = parseParts(parts, &info, partAccount)
	case PrefixPortfolio:
		err = parseParts(parts, &info, partAccount, partSlot)
	case PrefixBalance, PrefixBitmap, PrefixWallet:
		err = parseParts(parts, &info, partAccount, partCurrency)
	case PrefixIfCash:
		err = parseParts(parts, &info, partAccount, partCurrency, partMaturity)
	}
	if err != nil {
		return KeyInfo{}, fmt.Errorf("%w: %q: %v", ErrUnknownKey, s, err)
	}
	return info, nil
}

type keyPart int

const (
	partAccount keyPart = iota
	partCurrency
	partMaturity
	partSlot
)

func parseParts(parts []string, info *KeyInfo, want ...keyPart) error {
	if len(parts) != len(want) {
		return fmt.Errorf("got %d components, want %d", len(parts), len(want))
	}
	for i, kind := range want {
		var err error
		switch kind {
		case partAccount:
			info.Account, err = uuid.Parse(parts[i])
		case partCurrency:
			var v uint64
			v, err = strconv.ParseUint(parts[i], 10, 16)
			info.CurrencyID = uint16(v)
		case partMaturity:
			info.Maturity, err = strconv.ParseInt(parts[i], 10, 64)
		case partSlot:
			info.Slot, err = strconv.Atoi(parts[i])
		}
		if err != nil {
			return err
		}
	}
	return nil
}
