package event

import "github.com/google/uuid"

// TradeFCash lends (positive FCash) or borrows (negative FCash) against the
// market at MarketIndex. A non-zero RateLimit is a minimum implied rate for
// lenders and a maximum for borrowers.
type TradeFCash struct {
	Header
	Account     uuid.UUID `json:"account"`
	Currency    uint16    `json:"currency_id"`
	MarketIndex int       `json:"market_index"`
	FCash       int64     `json:"fcash"`
	RateLimit   int64     `json:"rate_limit"`
}

func (t *TradeFCash) EventType() EventType {
	return EventTypeTradeFCash
}

func (t *TradeFCash) CurrencyID() uint16 {
	return t.Currency
}

// AddLiquidity deposits asset cash from the account balance into a market
// in exchange for liquidity tokens.
type AddLiquidity struct {
	Header
	Account     uuid.UUID `json:"account"`
	Currency    uint16    `json:"currency_id"`
	MarketIndex int       `json:"market_index"`
	AssetCash   int64     `json:"asset_cash"`
}

func (a *AddLiquidity) EventType() EventType {
	return EventTypeAddLiquidity
}

func (a *AddLiquidity) CurrencyID() uint16 {
	return a.Currency
}

// RemoveLiquidity redeems liquidity tokens for their share of the pool.
type RemoveLiquidity struct {
	Header
	Account     uuid.UUID `json:"account"`
	Currency    uint16    `json:"currency_id"`
	MarketIndex int       `json:"market_index"`
	Tokens      int64     `json:"tokens"`
}

func (r *RemoveLiquidity) EventType() EventType {
	return EventTypeRemoveLiquidity
}

func (r *RemoveLiquidity) CurrencyID() uint16 {
	return r.Currency
}
