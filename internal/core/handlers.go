package core

import (
	"FCashLedger/internal/account"
	"FCashLedger/internal/datetime"
	"FCashLedger/internal/errs"
	"FCashLedger/internal/event"
	"FCashLedger/internal/ledger"
	"FCashLedger/internal/market"
	"FCashLedger/internal/observability"
	"FCashLedger/internal/portfolio"
	"FCashLedger/internal/settlement"
	"FCashLedger/internal/state"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

var ErrInvalidAccount = errs.New(errs.InvalidInput, "invalid account id")

// requireCurrency rejects currencies without a cash group.
func (c *DeterministicCore) requireCurrency(currencyID uint16) error {
	if err := market.ValidateCurrencyID(currencyID); err != nil {
		return err
	}
	if _, ok := c.params.CashGroup(currencyID); !ok {
		return fmt.Errorf("%w: %d has no cash group", market.ErrInvalidCurrency, currencyID)
	}
	return nil
}

// loadAccount reads the account context and settles anything that matured
// before the command's block time. Every account command starts here.
func (c *DeterministicCore) loadAccount(cc *cmdCtx, id uuid.UUID) (*account.AccountContext, error) {
	if id == uuid.Nil {
		return nil, ErrInvalidAccount
	}
	ac, err := account.GetAccountContext(cc.tx, id)
	if err != nil {
		return nil, err
	}
	if !ac.MustSettleAssets(cc.now) {
		return ac, nil
	}

	res, err := settlement.SettleAccount(cc.tx, id, ac, cc.oracle, c.tokens, cc.now)
	if err != nil {
		return nil, fmt.Errorf("settle account %s: %w", id, err)
	}
	if err := cc.journal(c.journalGen.GenerateSettlement(cc.ref, cc.seq, cc.now, id, res.Assets)); err != nil {
		return nil, err
	}
	for _, amt := range res.Amounts {
		cc.touchAccount(id, amt.CurrencyID)
	}
	for _, s := range res.Assets {
		if portfolio.IsLiquidityToken(s.Asset.AssetType) {
			cc.touchMarket(s.Asset.CurrencyID, s.Asset.Maturity)
		}
		cur, kind := currencyLabel(s.Asset.CurrencyID), assetLabel(s.Asset.AssetType)
		cc.onCommit(func(mt *observability.Metrics) {
			mt.AssetsSettled.WithLabelValues(cur, kind).Inc()
		})
	}
	cc.result.SettledAssets += len(res.Assets)
	return ac, nil
}

// finalizeCash applies a cash change (and optional transfer) to one balance.
func (c *DeterministicCore) finalizeCash(cc *cmdCtx, id uuid.UUID, ac *account.AccountContext, currencyID uint16, change, transfer int64, withdrawEntire bool) (int64, error) {
	bs, err := account.LoadBalanceState(cc.tx, id, currencyID)
	if err != nil {
		return 0, err
	}
	bs.NetCashChange = change
	bs.NetCashTransfer = transfer
	transferred, err := bs.Finalize(cc.tx, id, ac, c.tokens, withdrawEntire)
	if err != nil {
		return 0, err
	}
	cc.touchAccount(id, currencyID)
	return transferred, nil
}

// checkSolvent runs the solvency check against the transaction's view.
func (c *DeterministicCore) checkSolvent(cc *cmdCtx, id uuid.UUID, ac *account.AccountContext) error {
	err := cc.solvency.CheckSolvent(cc.tx, id, ac, cc.now)
	if errors.Is(err, state.ErrInsolvent) && c.metrics != nil {
		c.metrics.SolvencyFailures.WithLabelValues(cc.eventType).Inc()
	}
	return err
}

// addFCash records an fCash position in the account's portfolio or bitmap.
func (c *DeterministicCore) addFCash(cc *cmdCtx, id uuid.UUID, ac *account.AccountContext, currencyID uint16, maturity, notional int64) error {
	if notional == 0 {
		return nil
	}
	if ac.IsBitmapEnabled() {
		bm, err := portfolio.LoadBitmapAssets(cc.tx, id, ac.BitmapCurrencyID, ac.NextSettleTime)
		if err != nil {
			return err
		}
		if err := bm.AddFCash(cc.tx, maturity, notional); err != nil {
			return err
		}
		return ac.StoreBitmap(cc.tx, bm)
	}
	ps, err := portfolio.BuildPortfolioState(cc.tx, id, ac.AssetArrayLength)
	if err != nil {
		return err
	}
	if err := ps.AddAsset(currencyID, maturity, portfolio.FCashAssetType, notional); err != nil {
		return err
	}
	return ac.StorePortfolio(cc.tx, id, ps)
}

func (c *DeterministicCore) handleWalletFunded(cc *cmdCtx, evt *event.WalletFunded) error {
	if err := c.requireCurrency(evt.Currency); err != nil {
		return err
	}
	if err := c.tokens.Fund(cc.tx, evt.Account, evt.Currency, evt.Amount); err != nil {
		return err
	}
	return cc.journal(c.journalGen.GenerateWalletFunded(cc.ref, cc.seq, cc.now, evt.Account, evt.Currency, evt.Amount))
}

func (c *DeterministicCore) handleDeposit(cc *cmdCtx, evt *event.DepositCash) error {
	if err := c.requireCurrency(evt.Currency); err != nil {
		return err
	}
	if evt.Amount <= 0 {
		return fmt.Errorf("%w: deposit %d", market.ErrInvalidAmount, evt.Amount)
	}
	ac, err := c.loadAccount(cc, evt.Account)
	if err != nil {
		return err
	}

	received, err := c.finalizeCash(cc, evt.Account, ac, evt.Currency, 0, evt.Amount, false)
	if err != nil {
		return err
	}
	if err := ac.SetAccountContext(cc.tx, evt.Account); err != nil {
		return err
	}

	cc.result.CashTransferred = received
	return cc.journal(c.journalGen.GenerateDeposit(cc.ref, cc.seq, cc.now, evt.Account, evt.Currency, evt.Amount, received))
}

func (c *DeterministicCore) handleWithdraw(cc *cmdCtx, evt *event.WithdrawCash) error {
	if err := c.requireCurrency(evt.Currency); err != nil {
		return err
	}
	if evt.Amount < 0 || (evt.Amount == 0 && !evt.WithdrawEntire) {
		return fmt.Errorf("%w: withdraw %d", market.ErrInvalidAmount, evt.Amount)
	}
	ac, err := c.loadAccount(cc, evt.Account)
	if err != nil {
		return err
	}

	transferred, err := c.finalizeCash(cc, evt.Account, ac, evt.Currency, 0, -evt.Amount, evt.WithdrawEntire)
	if err != nil {
		return err
	}
	if err := c.checkSolvent(cc, evt.Account, ac); err != nil {
		return err
	}
	if err := ac.SetAccountContext(cc.tx, evt.Account); err != nil {
		return err
	}

	cc.result.CashTransferred = transferred
	if transferred == 0 {
		return nil
	}
	return cc.journal(c.journalGen.GenerateWithdrawal(cc.ref, cc.seq, cc.now, evt.Account, evt.Currency, -transferred))
}

func (c *DeterministicCore) handleTrade(cc *cmdCtx, evt *event.TradeFCash) error {
	cg, err := market.BuildCashGroup(c.params, cc.oracle, evt.Currency, cc.now)
	if err != nil {
		return err
	}
	ac, err := c.loadAccount(cc, evt.Account)
	if err != nil {
		return err
	}
	if ac.IsBitmapEnabled() && ac.BitmapCurrencyID != evt.Currency {
		return fmt.Errorf("%w: bitmap currency %d, traded %d", account.ErrBitmapCurrency, ac.BitmapCurrencyID, evt.Currency)
	}

	m, err := cg.MarketAt(cc.tx, evt.MarketIndex, cc.now)
	if err != nil {
		return err
	}
	trade, err := m.ExecuteTrade(cg, evt.MarketIndex, m.Maturity-cc.now, evt.FCash, cc.now)
	if err != nil {
		return err
	}
	if err := market.CheckRateLimit(evt.FCash, trade.ImpliedRateAfter, evt.RateLimit); err != nil {
		return err
	}
	if err := m.Store(cc.tx); err != nil {
		return err
	}
	if err := c.tokens.CreditReserve(cc.tx, evt.Currency, trade.AssetCashToReserve); err != nil {
		return err
	}

	if err := c.addFCash(cc, evt.Account, ac, evt.Currency, m.Maturity, trade.FCashToAccount); err != nil {
		return err
	}
	if _, err := c.finalizeCash(cc, evt.Account, ac, evt.Currency, trade.AssetCashToAccount, 0, false); err != nil {
		return err
	}
	if err := c.checkSolvent(cc, evt.Account, ac); err != nil {
		return err
	}
	if err := ac.SetAccountContext(cc.tx, evt.Account); err != nil {
		return err
	}

	cc.touchMarket(evt.Currency, m.Maturity)
	cc.touchReserve(evt.Currency)
	cc.result.Maturity = m.Maturity
	cc.result.Trade = &trade

	cc.onCommit(func(mt *observability.Metrics) {
		side := "lend"
		if trade.FCashToAccount < 0 {
			side = "borrow"
		}
		cur := currencyLabel(evt.Currency)
		mt.TradesExecuted.WithLabelValues(cur, side).Inc()
		mt.FeesToReserve.WithLabelValues(cur).Add(float64(trade.AssetCashToReserve))
		mt.MarketImpliedRate.WithLabelValues(cur, strconv.Itoa(evt.MarketIndex)).Set(float64(trade.ImpliedRateAfter))
	})

	return cc.journal(c.journalGen.GenerateTrade(cc.ref, cc.seq, cc.now, evt.Account, ledger.TradeAmounts{
		CurrencyID:     evt.Currency,
		Maturity:       m.Maturity,
		FCashToAccount: trade.FCashToAccount,
		CashToAccount:  trade.AssetCashToAccount,
		CashToReserve:  trade.AssetCashToReserve,
	}))
}

func (c *DeterministicCore) handleAddLiquidity(cc *cmdCtx, evt *event.AddLiquidity) error {
	cg, err := market.BuildCashGroup(c.params, cc.oracle, evt.Currency, cc.now)
	if err != nil {
		return err
	}
	ac, err := c.loadAccount(cc, evt.Account)
	if err != nil {
		return err
	}
	if ac.IsBitmapEnabled() {
		return portfolio.ErrBitmapLiquidityToken
	}

	m, err := cg.MarketAt(cc.tx, evt.MarketIndex, cc.now)
	if err != nil {
		return err
	}
	tokens, fCash, err := m.AddLiquidity(evt.AssetCash)
	if err != nil {
		return err
	}
	if err := m.Store(cc.tx); err != nil {
		return err
	}

	ps, err := portfolio.BuildPortfolioState(cc.tx, evt.Account, ac.AssetArrayLength)
	if err != nil {
		return err
	}
	if err := ps.AddAsset(evt.Currency, m.Maturity, portfolio.LiquidityTokenType(evt.MarketIndex), tokens); err != nil {
		return err
	}
	if fCash != 0 {
		if err := ps.AddAsset(evt.Currency, m.Maturity, portfolio.FCashAssetType, fCash); err != nil {
			return err
		}
	}
	if err := ac.StorePortfolio(cc.tx, evt.Account, ps); err != nil {
		return err
	}

	if _, err := c.finalizeCash(cc, evt.Account, ac, evt.Currency, -evt.AssetCash, 0, false); err != nil {
		return err
	}
	if err := c.checkSolvent(cc, evt.Account, ac); err != nil {
		return err
	}
	if err := ac.SetAccountContext(cc.tx, evt.Account); err != nil {
		return err
	}

	cc.touchMarket(evt.Currency, m.Maturity)
	cc.result.Maturity = m.Maturity
	cc.result.Liquidity = &LiquidityResult{Maturity: m.Maturity, AssetCash: -evt.AssetCash, FCash: fCash, Tokens: tokens}
	cc.onCommit(func(mt *observability.Metrics) {
		mt.LiquidityChanges.WithLabelValues(currencyLabel(evt.Currency), "add").Inc()
	})

	return cc.journal(c.journalGen.GenerateLiquidity(cc.ref, cc.seq, cc.now, evt.Account, ledger.LiquidityAmounts{
		CurrencyID: evt.Currency,
		Maturity:   m.Maturity,
		AssetCash:  evt.AssetCash,
		FCash:      -fCash,
		Tokens:     tokens,
	}, ledger.JournalTypeLiquidityAdd))
}

func (c *DeterministicCore) handleRemoveLiquidity(cc *cmdCtx, evt *event.RemoveLiquidity) error {
	cg, err := market.BuildCashGroup(c.params, cc.oracle, evt.Currency, cc.now)
	if err != nil {
		return err
	}
	ac, err := c.loadAccount(cc, evt.Account)
	if err != nil {
		return err
	}
	if ac.IsBitmapEnabled() {
		return portfolio.ErrBitmapLiquidityToken
	}
	if evt.Tokens <= 0 {
		return fmt.Errorf("%w: tokens %d", market.ErrInvalidAmount, evt.Tokens)
	}

	m, err := cg.MarketAt(cc.tx, evt.MarketIndex, cc.now)
	if err != nil {
		return err
	}

	// The portfolio debit comes first so redeeming more than is held fails
	// as an over-redemption rather than a pool shortfall.
	ps, err := portfolio.BuildPortfolioState(cc.tx, evt.Account, ac.AssetArrayLength)
	if err != nil {
		return err
	}
	if err := ps.AddAsset(evt.Currency, m.Maturity, portfolio.LiquidityTokenType(evt.MarketIndex), -evt.Tokens); err != nil {
		return err
	}

	assetCash, fCash, err := m.RemoveLiquidity(evt.Tokens)
	if err != nil {
		return err
	}
	if err := m.Store(cc.tx); err != nil {
		return err
	}
	if fCash != 0 {
		if err := ps.AddAsset(evt.Currency, m.Maturity, portfolio.FCashAssetType, fCash); err != nil {
			return err
		}
	}
	if err := ac.StorePortfolio(cc.tx, evt.Account, ps); err != nil {
		return err
	}

	if _, err := c.finalizeCash(cc, evt.Account, ac, evt.Currency, assetCash, 0, false); err != nil {
		return err
	}
	if err := c.checkSolvent(cc, evt.Account, ac); err != nil {
		return err
	}
	if err := ac.SetAccountContext(cc.tx, evt.Account); err != nil {
		return err
	}

	cc.touchMarket(evt.Currency, m.Maturity)
	cc.result.Maturity = m.Maturity
	cc.result.Liquidity = &LiquidityResult{Maturity: m.Maturity, AssetCash: assetCash, FCash: fCash, Tokens: -evt.Tokens}
	cc.onCommit(func(mt *observability.Metrics) {
		mt.LiquidityChanges.WithLabelValues(currencyLabel(evt.Currency), "remove").Inc()
	})

	return cc.journal(c.journalGen.GenerateLiquidity(cc.ref, cc.seq, cc.now, evt.Account, ledger.LiquidityAmounts{
		CurrencyID: evt.Currency,
		Maturity:   m.Maturity,
		AssetCash:  -assetCash,
		FCash:      -fCash,
		Tokens:     -evt.Tokens,
	}, ledger.JournalTypeLiquidityRemove))
}

func (c *DeterministicCore) handleSettleAccount(cc *cmdCtx, evt *event.SettleAccount) error {
	ac, err := c.loadAccount(cc, evt.Account)
	if err != nil {
		return err
	}
	return ac.SetAccountContext(cc.tx, evt.Account)
}

func (c *DeterministicCore) handleEnableBitmap(cc *cmdCtx, evt *event.EnableBitmapCurrency) error {
	if err := c.requireCurrency(evt.Currency); err != nil {
		return err
	}
	ac, err := c.loadAccount(cc, evt.Account)
	if err != nil {
		return err
	}
	if err := ac.EnableBitmapCurrency(evt.Currency, cc.now); err != nil {
		return err
	}
	return ac.SetAccountContext(cc.tx, evt.Account)
}

// handleInitializeMarket seeds a market. The submitting account supplies the
// asset cash and takes the minted tokens along with the pool's fCash as debt.
func (c *DeterministicCore) handleInitializeMarket(cc *cmdCtx, evt *event.InitializeMarket) error {
	cg, err := market.BuildCashGroup(c.params, cc.oracle, evt.Currency, cc.now)
	if err != nil {
		return err
	}
	if evt.MarketIndex < 1 || evt.MarketIndex > cg.MaxMarketIndex {
		return fmt.Errorf("%w: %d", datetime.ErrInvalidMarketIndex, evt.MarketIndex)
	}
	maturity, err := datetime.MarketMaturity(cc.now, evt.MarketIndex)
	if err != nil {
		return err
	}
	if _, found, err := market.LoadMarket(cc.tx, evt.Currency, maturity); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: currency %d maturity %d", market.ErrMarketExists, evt.Currency, maturity)
	}

	m, err := market.NewMarket(evt.Currency, maturity, evt.FCash, evt.AssetCash, evt.ImpliedRate, cc.now)
	if err != nil {
		return err
	}
	if err := m.Store(cc.tx); err != nil {
		return err
	}

	ac, err := c.loadAccount(cc, evt.Account)
	if err != nil {
		return err
	}
	if ac.IsBitmapEnabled() {
		return portfolio.ErrBitmapLiquidityToken
	}
	ps, err := portfolio.BuildPortfolioState(cc.tx, evt.Account, ac.AssetArrayLength)
	if err != nil {
		return err
	}
	if err := ps.AddAsset(evt.Currency, maturity, portfolio.LiquidityTokenType(evt.MarketIndex), m.TotalLiquidity); err != nil {
		return err
	}
	if err := ps.AddAsset(evt.Currency, maturity, portfolio.FCashAssetType, -evt.FCash); err != nil {
		return err
	}
	if err := ac.StorePortfolio(cc.tx, evt.Account, ps); err != nil {
		return err
	}

	if _, err := c.finalizeCash(cc, evt.Account, ac, evt.Currency, -evt.AssetCash, 0, false); err != nil {
		return err
	}
	if err := c.checkSolvent(cc, evt.Account, ac); err != nil {
		return err
	}
	if err := ac.SetAccountContext(cc.tx, evt.Account); err != nil {
		return err
	}

	cc.touchMarket(evt.Currency, maturity)
	cc.result.Maturity = maturity
	cc.result.Liquidity = &LiquidityResult{Maturity: maturity, AssetCash: -evt.AssetCash, FCash: -evt.FCash, Tokens: m.TotalLiquidity}
	cc.onCommit(func(mt *observability.Metrics) {
		mt.MarketImpliedRate.WithLabelValues(currencyLabel(evt.Currency), strconv.Itoa(evt.MarketIndex)).Set(float64(evt.ImpliedRate))
	})

	return cc.journal(c.journalGen.GenerateLiquidity(cc.ref, cc.seq, cc.now, evt.Account, ledger.LiquidityAmounts{
		CurrencyID: evt.Currency,
		Maturity:   maturity,
		AssetCash:  evt.AssetCash,
		FCash:      evt.FCash,
		Tokens:     m.TotalLiquidity,
	}, ledger.JournalTypeMarketInit))
}

func (c *DeterministicCore) handleAssetRate(cc *cmdCtx, evt *event.AssetRateUpdated) error {
	return cc.oracle.Record(evt.Currency, market.AssetRate{Rate: evt.Rate, Decimals: evt.Decimals}, cc.now)
}

func currencyLabel(currencyID uint16) string {
	return strconv.FormatUint(uint64(currencyID), 10)
}

func assetLabel(assetType uint8) string {
	if assetType == portfolio.FCashAssetType {
		return "fcash"
	}
	return "liquidity_token"
}
