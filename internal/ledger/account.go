package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCash AccountSubType = iota
	SubTypeFCash
	SubTypeLiquidity

	// System sub-types, keyed by market maturity where one applies
	SubTypeMarketCash
	SubTypeMarketFCash
	SubTypeMarketLiquidity
	SubTypeReserve
	SubTypeSettlement

	// External sub-types
	SubTypeWallet
	SubTypeChain
	SubTypeTransferFee
)

// Unit is what an amount is denominated in.
type Unit uint8

const (
	UnitCash Unit = iota
	UnitFCash
	UnitLiquidity
)

func (u Unit) String() string {
	switch u {
	case UnitCash:
		return "cash"
	case UnitFCash:
		return "fcash"
	case UnitLiquidity:
		return "liquidity"
	default:
		return "unknown"
	}
}

// Asset identifies a fungible balance. fCash and liquidity tokens are only
// fungible within one maturity; cash carries Maturity 0.
type Asset struct {
	CurrencyID uint16 `json:"currency_id"`
	Unit       Unit   `json:"unit"`
	Maturity   int64  `json:"maturity"`
}

func CashAsset(currencyID uint16) Asset {
	return Asset{CurrencyID: currencyID, Unit: UnitCash}
}

func FCashAsset(currencyID uint16, maturity int64) Asset {
	return Asset{CurrencyID: currencyID, Unit: UnitFCash, Maturity: maturity}
}

func LiquidityAsset(currencyID uint16, maturity int64) Asset {
	return Asset{CurrencyID: currencyID, Unit: UnitLiquidity, Maturity: maturity}
}

func (a Asset) String() string {
	if a.Unit == UnitCash {
		return fmt.Sprintf("%s:%d", a.Unit, a.CurrencyID)
	}
	return fmt.Sprintf("%s:%d@%d", a.Unit, a.CurrencyID, a.Maturity)
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope   `json:"scope"`
	EntityID [16]byte       `json:"entity_id"` // UUID for users and wallets, maturity for markets
	SubType  AccountSubType `json:"sub_type"`
	Asset    Asset          `json:"asset"`
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		Asset:    asset,
	}
}

// NewSystemAccountKey creates a key for system accounts. Market accounts
// pass the market maturity, protocol-wide accounts pass 0.
func NewSystemAccountKey(subType AccountSubType, maturity int64, asset Asset) AccountKey {
	var entityID [16]byte
	binary.BigEndian.PutUint64(entityID[8:], uint64(maturity))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		Asset:    asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts.
// Wallets belong to a user; other external accounts use uuid.Nil.
func NewExternalAccountKey(owner uuid.UUID, subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:    AccountScopeExternal,
		EntityID: owner,
		SubType:  subType,
		Asset:    asset,
	}
}

func UserCash(userID uuid.UUID, currencyID uint16) AccountKey {
	return NewUserAccountKey(userID, SubTypeCash, CashAsset(currencyID))
}

func UserFCash(userID uuid.UUID, currencyID uint16, maturity int64) AccountKey {
	return NewUserAccountKey(userID, SubTypeFCash, FCashAsset(currencyID, maturity))
}

func UserLiquidity(userID uuid.UUID, currencyID uint16, maturity int64) AccountKey {
	return NewUserAccountKey(userID, SubTypeLiquidity, LiquidityAsset(currencyID, maturity))
}

func MarketCash(currencyID uint16, maturity int64) AccountKey {
	return NewSystemAccountKey(SubTypeMarketCash, maturity, CashAsset(currencyID))
}

func MarketFCash(currencyID uint16, maturity int64) AccountKey {
	return NewSystemAccountKey(SubTypeMarketFCash, maturity, FCashAsset(currencyID, maturity))
}

func MarketLiquidity(currencyID uint16, maturity int64) AccountKey {
	return NewSystemAccountKey(SubTypeMarketLiquidity, maturity, LiquidityAsset(currencyID, maturity))
}

func Reserve(currencyID uint16) AccountKey {
	return NewSystemAccountKey(SubTypeReserve, 0, CashAsset(currencyID))
}

// SettlementAccount absorbs matured fCash and pays out the cash it settles to.
func SettlementAccount(asset Asset) AccountKey {
	return NewSystemAccountKey(SubTypeSettlement, asset.Maturity, asset)
}

func Wallet(userID uuid.UUID, currencyID uint16) AccountKey {
	return NewExternalAccountKey(userID, SubTypeWallet, CashAsset(currencyID))
}

// Maturity decodes the maturity of a system account.
func (k AccountKey) Maturity() int64 {
	return int64(binary.BigEndian.Uint64(k.EntityID[8:]))
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), k.Asset)
	case AccountScopeSystem:
		if m := k.Maturity(); m != 0 {
			return fmt.Sprintf("system:%s:%d:%s", k.subTypeName(), m, k.Asset)
		}
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		if owner := uuid.UUID(k.EntityID); owner != uuid.Nil {
			return fmt.Sprintf("external:%s:%s:%s", k.subTypeName(), owner.String(), k.Asset)
		}
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCash:
		return "cash"
	case SubTypeFCash:
		return "fcash"
	case SubTypeLiquidity:
		return "liquidity"
	case SubTypeMarketCash:
		return "market_cash"
	case SubTypeMarketFCash:
		return "market_fcash"
	case SubTypeMarketLiquidity:
		return "market_liquidity"
	case SubTypeReserve:
		return "reserve"
	case SubTypeSettlement:
		return "settlement"
	case SubTypeWallet:
		return "wallet"
	case SubTypeChain:
		return "chain"
	case SubTypeTransferFee:
		return "transfer_fee"
	default:
		return "unknown"
	}
}
