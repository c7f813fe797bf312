// Package portfolio holds an account's positions: an explicit array of up
// to MaxPortfolioAssets entries, or a bitmap of fCash maturities in a single
// currency.
package portfolio

import (
	"FCashLedger/internal/errs"
	"fmt"
)

const (
	FCashAssetType        uint8 = 1
	MinLiquidityTokenType uint8 = 2
	MaxLiquidityTokenType uint8 = 8
)

// MaxPortfolioAssets bounds the stored array.
const MaxPortfolioAssets = 16

var (
	ErrInvalidAssetType     = errs.New(errs.InvalidInput, "portfolio: invalid asset type")
	ErrNegativeLiquidity    = errs.New(errs.InsufficientFunds, "portfolio: negative liquidity token notional")
	ErrStaleIndex           = errs.New(errs.StaleState, "portfolio: asset already marked for deletion")
	ErrPortfolioFull        = errs.New(errs.Capacity, "portfolio: too many assets")
	ErrCorruptPortfolio     = errs.New(errs.Capacity, "portfolio: stored array does not match its length")
	ErrBitmapLiquidityToken = errs.New(errs.InvalidInput, "portfolio: bitmap accounts cannot hold liquidity tokens")
)

type StorageState uint8

const (
	NoChange StorageState = iota
	Update
	Delete
)

func (s StorageState) String() string {
	switch s {
	case NoChange:
		return "NO_CHANGE"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// PortfolioAsset is one position. StorageSlot and StorageState only exist in
// memory while a transaction is open.
type PortfolioAsset struct {
	CurrencyID uint16 `json:"currency_id"`
	Maturity   int64  `json:"maturity"`
	AssetType  uint8  `json:"asset_type"`
	Notional   int64  `json:"notional"`

	StorageSlot  int          `json:"-"`
	StorageState StorageState `json:"-"`
}

func IsLiquidityToken(assetType uint8) bool {
	return assetType >= MinLiquidityTokenType && assetType <= MaxLiquidityTokenType
}

// LiquidityTokenType is the asset type for a market index. The index of a
// maturity falls as quarters roll, so a token's asset type only records the
// index it was last added or redeemed through.
func LiquidityTokenType(marketIndex int) uint8 {
	return uint8(marketIndex) + 1
}

// MarketIndex is the market a liquidity token asset type belongs to.
func MarketIndex(assetType uint8) int {
	return int(assetType) - 1
}

func validateAssetType(assetType uint8) error {
	if assetType != FCashAssetType && !IsLiquidityToken(assetType) {
		return fmt.Errorf("%w: %d", ErrInvalidAssetType, assetType)
	}
	return nil
}

// matches identifies fCash by (currency, maturity) and liquidity tokens by
// (currency, maturity) regardless of the index in their type.
func (a PortfolioAsset) matches(currencyID uint16, maturity int64, assetType uint8) bool {
	if a.CurrencyID != currencyID || a.Maturity != maturity {
		return false
	}
	if IsLiquidityToken(a.AssetType) && IsLiquidityToken(assetType) {
		return true
	}
	return a.AssetType == assetType
}

func less(a, b PortfolioAsset) bool {
	if a.CurrencyID != b.CurrencyID {
		return a.CurrencyID < b.CurrencyID
	}
	if a.Maturity != b.Maturity {
		return a.Maturity < b.Maturity
	}
	return a.AssetType < b.AssetType
}
