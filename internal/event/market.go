package event

import "github.com/google/uuid"

// InitializeMarket seeds the market at MarketIndex for the current quarter.
// The seeding account pays AssetCash from its balance and receives the
// liquidity tokens together with the negative fCash the pool holds.
type InitializeMarket struct {
	Header
	Account     uuid.UUID `json:"account"`
	Currency    uint16    `json:"currency_id"`
	MarketIndex int       `json:"market_index"`
	FCash       int64     `json:"fcash"`
	AssetCash   int64     `json:"asset_cash"`
	ImpliedRate int64     `json:"implied_rate"`
}

func (i *InitializeMarket) EventType() EventType {
	return EventTypeInitializeMarket
}

func (i *InitializeMarket) CurrencyID() uint16 {
	return i.Currency
}

// AssetRateUpdated records a spot exchange rate observation for a currency.
type AssetRateUpdated struct {
	Header
	Currency uint16 `json:"currency_id"`
	Rate     int64  `json:"rate"`
	Decimals int64  `json:"decimals"`
}

func (a *AssetRateUpdated) EventType() EventType {
	return EventTypeAssetRateUpdated
}

func (a *AssetRateUpdated) CurrencyID() uint16 {
	return a.Currency
}
