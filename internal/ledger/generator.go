package ledger

import (
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/portfolio"
	"FCashLedger/internal/settlement"
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from applied commands.
// Each Generate call receives the amounts the command actually produced, so
// the journal mirrors stored state.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// GenerateWalletFunded moves funds: external:chain -> external:wallet
func (jg *JournalGenerator) GenerateWalletFunded(ref string, seq, ts int64, userID uuid.UUID, currencyID uint16, amount int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("wallet funding must be positive: %d", amount)
	}
	b := NewBatch(ref, seq, ts)
	b.Move(Wallet(userID, currencyID), NewExternalAccountKey(uuid.Nil, SubTypeChain, CashAsset(currencyID)), amount, JournalTypeWalletFunding)
	return b, nil
}

// GenerateDeposit moves funds: external:wallet -> user:cash, with the part
// the token withheld going to external:transfer_fee.
func (jg *JournalGenerator) GenerateDeposit(ref string, seq, ts int64, userID uuid.UUID, currencyID uint16, requested, received int64) (*Batch, error) {
	if received <= 0 || received > requested {
		return nil, fmt.Errorf("deposit received %d of %d", received, requested)
	}
	wallet := Wallet(userID, currencyID)
	b := NewBatch(ref, seq, ts)
	b.Move(UserCash(userID, currencyID), wallet, received, JournalTypeDeposit)
	b.Move(NewExternalAccountKey(uuid.Nil, SubTypeTransferFee, CashAsset(currencyID)), wallet, requested-received, JournalTypeTransferFee)
	return b, nil
}

// GenerateWithdrawal moves funds: user:cash -> external:wallet
func (jg *JournalGenerator) GenerateWithdrawal(ref string, seq, ts int64, userID uuid.UUID, currencyID uint16, amount int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal must be positive: %d", amount)
	}
	b := NewBatch(ref, seq, ts)
	b.Move(Wallet(userID, currencyID), UserCash(userID, currencyID), amount, JournalTypeWithdrawal)
	return b, nil
}

// TradeAmounts are the signed deltas of one executed trade, seen from the account.
type TradeAmounts struct {
	CurrencyID     uint16
	Maturity       int64
	FCashToAccount int64
	CashToAccount  int64
	CashToReserve  int64
}

// GenerateTrade journals a trade: fCash between account and market, cash
// between account and market, and the reserve fee out of the market.
func (jg *JournalGenerator) GenerateTrade(ref string, seq, ts int64, userID uuid.UUID, t TradeAmounts) (*Batch, error) {
	if t.FCashToAccount == 0 {
		return nil, fmt.Errorf("trade with zero fCash")
	}
	if t.CashToReserve < 0 {
		return nil, fmt.Errorf("negative reserve fee %d", t.CashToReserve)
	}
	b := NewBatch(ref, seq, ts)
	b.Move(UserFCash(userID, t.CurrencyID, t.Maturity), MarketFCash(t.CurrencyID, t.Maturity), t.FCashToAccount, JournalTypeTrade)
	b.Move(UserCash(userID, t.CurrencyID), MarketCash(t.CurrencyID, t.Maturity), t.CashToAccount, JournalTypeTrade)
	b.Move(Reserve(t.CurrencyID), MarketCash(t.CurrencyID, t.Maturity), t.CashToReserve, JournalTypeTradeFee)
	return b, nil
}

// LiquidityAmounts are the deltas of a liquidity change, seen from the market:
// cash and fCash entering the pool and tokens issued.
type LiquidityAmounts struct {
	CurrencyID uint16
	Maturity   int64
	AssetCash  int64
	FCash      int64
	Tokens     int64
}

// GenerateLiquidity journals an add (positive amounts) or a removal
// (negative amounts). Market initialization uses the same legs.
func (jg *JournalGenerator) GenerateLiquidity(ref string, seq, ts int64, userID uuid.UUID, l LiquidityAmounts, jt JournalType) (*Batch, error) {
	if l.Tokens == 0 {
		return nil, fmt.Errorf("liquidity change with zero tokens")
	}
	b := NewBatch(ref, seq, ts)
	b.Move(MarketCash(l.CurrencyID, l.Maturity), UserCash(userID, l.CurrencyID), l.AssetCash, jt)
	b.Move(MarketFCash(l.CurrencyID, l.Maturity), UserFCash(userID, l.CurrencyID, l.Maturity), l.FCash, jt)
	b.Move(UserLiquidity(userID, l.CurrencyID, l.Maturity), MarketLiquidity(l.CurrencyID, l.Maturity), l.Tokens, jt)
	return b, nil
}

// GenerateSettlement journals matured assets. fCash is handed to the
// settlement account in exchange for cash; liquidity tokens first claim
// their pool share, whose fCash part settles the same way.
func (jg *JournalGenerator) GenerateSettlement(ref string, seq, ts int64, userID uuid.UUID, assets []settlement.SettledAsset) (*Batch, error) {
	b := NewBatch(ref, seq, ts)
	for _, s := range assets {
		a := s.Asset
		fCashAsset := FCashAsset(a.CurrencyID, a.Maturity)
		userFCash := UserFCash(userID, a.CurrencyID, a.Maturity)
		userCash := UserCash(userID, a.CurrencyID)
		settleCash := SettlementAccount(CashAsset(a.CurrencyID))

		if a.AssetType == portfolio.FCashAssetType {
			b.Move(SettlementAccount(fCashAsset), userFCash, a.Notional, JournalTypeSettlement)
			b.Move(userCash, settleCash, s.AssetCash, JournalTypeSettlement)
			continue
		}

		b.Move(MarketLiquidity(a.CurrencyID, a.Maturity), UserLiquidity(userID, a.CurrencyID, a.Maturity), a.Notional, JournalTypeSettlement)
		b.Move(userCash, MarketCash(a.CurrencyID, a.Maturity), s.ClaimedCash, JournalTypeSettlement)
		b.Move(userFCash, MarketFCash(a.CurrencyID, a.Maturity), s.ClaimedFCash, JournalTypeSettlement)
		b.Move(SettlementAccount(fCashAsset), userFCash, s.ClaimedFCash, JournalTypeSettlement)

		fromFCash, err := fpmath.Sub(s.AssetCash, s.ClaimedCash)
		if err != nil {
			return nil, err
		}
		b.Move(userCash, settleCash, fromFCash, JournalTypeSettlement)
	}
	if len(b.Journals) == 0 {
		return nil, nil
	}
	return b, nil
}
