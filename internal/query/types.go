package query

import "github.com/google/uuid"

// AccountResponse is an account's balances and assets as of a projected sequence.
type AccountResponse struct {
	AccountID    uuid.UUID         `json:"account_id"`
	Balances     []BalanceResponse `json:"balances"`
	Assets       []AssetResponse   `json:"assets"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// AssetResponse is one portfolio or bitmap position. Notional is a decimal
// string; LiquidityMarket is set for liquidity tokens only.
type AssetResponse struct {
	CurrencyID      uint16 `json:"currency_id"`
	Maturity        int64  `json:"maturity"`
	AssetType       string `json:"asset_type"`
	LiquidityMarket int    `json:"liquidity_market,omitempty"`
	Notional        string `json:"notional"`
}

// MarketResponse is a market's pool state with amounts and rates as decimals.
type MarketResponse struct {
	CurrencyID        uint16 `json:"currency_id"`
	Maturity          int64  `json:"maturity"`
	TotalFCash        string `json:"total_fcash"`
	TotalAssetCash    string `json:"total_asset_cash"`
	TotalLiquidity    string `json:"total_liquidity"`
	LastImpliedRate   string `json:"last_implied_rate"`
	OracleRate        string `json:"oracle_rate"`
	PreviousTradeTime int64  `json:"previous_trade_time"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// TradeResponse is one executed trade from the account's side.
type TradeResponse struct {
	Sequence    int64  `json:"sequence"`
	CurrencyID  uint16 `json:"currency_id"`
	Maturity    int64  `json:"maturity"`
	Side        string `json:"side"`
	FCash       string `json:"fcash"`
	AssetCash   string `json:"asset_cash"`
	ReserveFee  string `json:"reserve_fee"`
	ImpliedRate string `json:"implied_rate"`
	BlockTime   int64  `json:"block_time"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	CurrencyID    uint16 `json:"currency_id"`
	Unit          uint8  `json:"unit"`
	Maturity      int64  `json:"maturity,omitempty"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	BlockTime     int64  `json:"block_time"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	CheckedEvents    int64             `json:"checked_events"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is a journal asset whose debits and credits do not net to zero.
type UnbalancedAsset struct {
	CurrencyID uint16 `json:"currency_id"`
	Unit       uint8  `json:"unit"`
	Maturity   int64  `json:"maturity"`
	Imbalance  int64  `json:"imbalance"`
}
