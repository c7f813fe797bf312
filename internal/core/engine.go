package core

import (
	"FCashLedger/internal/account"
	"FCashLedger/internal/datetime"
	"FCashLedger/internal/errs"
	"FCashLedger/internal/event"
	"FCashLedger/internal/ledger"
	"FCashLedger/internal/market"
	"FCashLedger/internal/observability"
	"FCashLedger/internal/settlement"
	"FCashLedger/internal/state"
	"FCashLedger/internal/store"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultDedupCapacity is the number of idempotency keys held in memory.
	DefaultDedupCapacity = 1_000_000

	// globalCheckInterval is how often (in sequences) the ledger is checked
	// to be zero-sum per asset.
	globalCheckInterval = 1000
)

// DeterministicCore is the single-threaded command processor. Every command
// runs inside one store transaction; nothing it writes is visible until the
// command has passed all of its checks.
type DeterministicCore struct {
	sequence          int64
	kv                store.KV
	hasher            *HashChain
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	params            *state.ParamsRegistry
	tokens            *state.TokenLedger
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one sequenced command.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	// Writes is the committed change set, sorted by key. Empty for rejections.
	Writes []store.Op
	Result *CommandResult
}

type CommandStatus string

const (
	StatusApplied   CommandStatus = "applied"
	StatusRejected  CommandStatus = "rejected"
	StatusDuplicate CommandStatus = "duplicate"
)

// LiquidityResult is a liquidity change seen from the account.
type LiquidityResult struct {
	Maturity  int64 `json:"maturity"`
	AssetCash int64 `json:"asset_cash"`
	FCash     int64 `json:"fcash"`
	Tokens    int64 `json:"tokens"`
}

// CommandResult is reported back to the submitter.
type CommandResult struct {
	Sequence        int64               `json:"sequence"`
	IdempotencyKey  string              `json:"idempotency_key"`
	EventType       string              `json:"event_type"`
	Status          CommandStatus       `json:"status"`
	ErrorClass      string              `json:"error_class,omitempty"`
	Error           string              `json:"error,omitempty"`
	Err             error               `json:"-"`
	CashTransferred int64               `json:"cash_transferred,omitempty"`
	Maturity        int64               `json:"maturity,omitempty"`
	Trade           *market.TradeResult `json:"trade,omitempty"`
	Liquidity       *LiquidityResult    `json:"liquidity,omitempty"`
	SettledAssets   int                 `json:"settled_assets,omitempty"`
	StateHash       string              `json:"state_hash,omitempty"`
}

// Config wires a core to its store and collaborators.
type Config struct {
	Store          store.KV
	Params         *state.ParamsRegistry
	StartSequence  int64
	DedupCapacity  int
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
}

func NewDeterministicCore(cfg Config) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()
	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}

	return &DeterministicCore{
		sequence:          cfg.StartSequence,
		kv:                cfg.Store,
		hasher:            NewHashChain(),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		params:            cfg.Params,
		tokens:            state.NewTokenLedger(cfg.Params),
		idempotency:       NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics),
		sequenceValidator: NewSequenceValidator(cfg.Metrics),
		metrics:           cfg.Metrics,
		logger:            observability.NewLogger("core"),
		persistChan:       cfg.PersistChan,
		projectionChan:    cfg.ProjectionChan,
	}
}

// cmdCtx carries one command through dispatch.
type cmdCtx struct {
	tx        *store.Tx
	oracle    *market.StoredRateOracle
	solvency  *state.SolvencyChecker
	eventType string
	ref       string
	seq       int64
	now       int64
	batch     *ledger.Batch
	result    *CommandResult

	accounts map[accountCurrency]struct{}
	markets  map[marketRef]struct{}
	reserves map[uint16]struct{}
	hooks    []func(*observability.Metrics)
}

type accountCurrency struct {
	id       uuid.UUID
	currency uint16
}

type marketRef struct {
	currency uint16
	maturity int64
}

func (cc *cmdCtx) touchAccount(id uuid.UUID, currencyID uint16) {
	cc.accounts[accountCurrency{id, currencyID}] = struct{}{}
}

func (cc *cmdCtx) touchMarket(currencyID uint16, maturity int64) {
	cc.markets[marketRef{currencyID, maturity}] = struct{}{}
}

func (cc *cmdCtx) touchReserve(currencyID uint16) {
	cc.reserves[currencyID] = struct{}{}
}

// onCommit defers a metrics update until the command commits.
func (cc *cmdCtx) onCommit(fn func(*observability.Metrics)) {
	cc.hooks = append(cc.hooks, fn)
}

// journal merges a generated batch into the command's batch.
func (cc *cmdCtx) journal(b *ledger.Batch, err error) error {
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	cc.batch.Merge(b)
	return nil
}

// ProcessEvent is the main processing pipeline. The returned error is only
// set for commands that could not be sequenced; business failures come back
// as a rejected CommandResult and still consume a sequence.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*CommandResult, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Rate observations tolerate gaps.
	if rateEvt, ok := evt.(*event.AssetRateUpdated); ok {
		if !isDuplicate {
			if err := c.sequenceValidator.ValidateRateSequence(rateEvt.Currency, rateEvt.SourceSequence()); err != nil {
				return nil, err
			}
		}
	} else if err := c.sequenceValidator.ValidateSequence(partitionFor(evt), evt.SourceSequence(), isDuplicate); err != nil {
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return &CommandResult{
			IdempotencyKey: idempotencyKey,
			EventType:      eventType,
			Status:         StatusDuplicate,
		}, nil
	}

	// Step 3: Dispatch inside a transaction
	tx := store.Begin(c.kv)
	cc := &cmdCtx{
		tx:        tx,
		oracle:    market.NewStoredRateOracle(tx, c.params),
		eventType: eventType,
		ref:       idempotencyKey,
		seq:       c.sequence,
		now:       evt.BlockTime(),
		batch:     ledger.NewBatch(idempotencyKey, c.sequence, evt.BlockTime()),
		result: &CommandResult{
			Sequence:       c.sequence,
			IdempotencyKey: idempotencyKey,
			EventType:      eventType,
		},
		accounts: make(map[accountCurrency]struct{}),
		markets:  make(map[marketRef]struct{}),
		reserves: make(map[uint16]struct{}),
	}
	cc.solvency = state.NewSolvencyChecker(c.params, cc.oracle)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		CurrencyID:     evt.CurrencyID(),
		BlockTime:      evt.BlockTime(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		PrevHash:       c.hasher.Tip(),
	}

	var output CoreOutput
	if cmdErr := c.dispatchEvent(cc, evt); cmdErr != nil {
		tx.Discard()
		output = c.reject(cc, envelope, cmdErr)
	} else {
		output = c.commit(cc, envelope)
	}

	// Step 4: Emit outputs. Persistence blocks (backpressure, no loss);
	// projections drop when full and rebuild from the event log.
	c.emit(output)

	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.sequence++

	if c.metrics != nil {
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return output.Result, nil
}

func (c *DeterministicCore) reject(cc *cmdCtx, envelope *event.EventEnvelope, cmdErr error) CoreOutput {
	class := classify(cmdErr)
	envelope.RejectClass = class.String()
	envelope.StateHash = envelope.PrevHash

	res := &CommandResult{
		Sequence:       cc.seq,
		IdempotencyKey: cc.ref,
		EventType:      cc.eventType,
		Status:         StatusRejected,
		ErrorClass:     class.String(),
		Error:          cmdErr.Error(),
		Err:            cmdErr,
		StateHash:      hex.EncodeToString(envelope.StateHash[:]),
	}

	c.logger.Warn().
		Int64("sequence", cc.seq).
		Str("event_type", cc.eventType).
		Str("idempotency_key", cc.ref).
		Str("error_class", class.String()).
		Err(cmdErr).
		Msg("command rejected")
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(cc.eventType, class.String()).Inc()
	}

	return CoreOutput{Envelope: envelope, Result: res}
}

func (c *DeterministicCore) commit(cc *cmdCtx, envelope *event.EventEnvelope) CoreOutput {
	var batch *ledger.Batch
	if len(cc.batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(cc.batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch at sequence %d: %v", cc.seq, err))
		}
		batch = cc.batch
	}

	writes := cc.tx.Writes()
	if err := cc.tx.Commit(); err != nil {
		panic(fmt.Sprintf("FATAL: commit sequence %d: %v", cc.seq, err))
	}
	if batch != nil {
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch at sequence %d: %v", cc.seq, err))
		}
	}

	if err := c.postCheckInvariants(cc); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	hashStart := time.Now()
	envelope.StateHash = c.hasher.Link(cc.seq, writes)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	res := cc.result
	res.Status = StatusApplied
	res.StateHash = hex.EncodeToString(envelope.StateHash[:])

	c.recordApplied(cc, batch, writes)

	return CoreOutput{Envelope: envelope, Batch: batch, Writes: writes, Result: res}
}

func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}
}

func (c *DeterministicCore) recordApplied(cc *cmdCtx, batch *ledger.Batch, writes []store.Op) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(cc.eventType).Inc()
	for _, fn := range cc.hooks {
		fn(c.metrics)
	}
	if batch != nil {
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for _, op := range writes {
		if op.Value == nil || !bytes.HasPrefix(op.Key, []byte(store.PrefixSettlementRate)) {
			continue
		}
		// settlement_rate/<currency>/<maturity>
		rest := op.Key[len(store.PrefixSettlementRate):]
		if i := bytes.IndexByte(rest, '/'); i > 0 {
			if id, err := strconv.ParseUint(string(rest[:i]), 10, 16); err == nil {
				c.metrics.SettlementRatesFrozen.WithLabelValues(strconv.FormatUint(id, 10)).Inc()
			}
		}
	}
}

// partitionFor determines the partition key for sequence validation
func partitionFor(evt event.Event) string {
	if currencyID := evt.CurrencyID(); currencyID != 0 {
		return fmt.Sprintf("currency:%d", currencyID)
	}
	return "global"
}

// classify maps an error to its reporting class. Date helpers sit below the
// error taxonomy, so their failures are classified here.
func classify(err error) errs.Class {
	if class := errs.ClassOf(err); class != errs.Unknown {
		return class
	}
	if errors.Is(err, datetime.ErrInvalidMarketIndex) || errors.Is(err, datetime.ErrInvalidBitNum) {
		return errs.InvalidInput
	}
	return errs.Unknown
}

// postCheckInvariants reconciles the journal with committed state for
// everything the command touched.
func (c *DeterministicCore) postCheckInvariants(cc *cmdCtx) error {
	for ac := range cc.accounts {
		bs, err := account.LoadBalanceState(c.kv, ac.id, ac.currency)
		if err != nil {
			return err
		}
		if err := c.validator.ValidateUserCash(ac.id, ac.currency, bs.StoredCashBalance); err != nil {
			return fmt.Errorf("post-check cash: %w", err)
		}
	}

	for ref := range cc.markets {
		m, found, err := market.LoadMarket(c.kv, ref.currency, ref.maturity)
		if err != nil {
			return err
		}
		if !found {
			m = &market.Market{}
		}
		if err := c.validator.ValidateMarket(ref.currency, ref.maturity, m.TotalFCash, m.TotalAssetCash, m.TotalLiquidity); err != nil {
			return fmt.Errorf("post-check market: %w", err)
		}
	}

	for currencyID := range cc.reserves {
		bal, err := c.tokens.ReserveBalance(c.kv, currencyID)
		if err != nil {
			return err
		}
		if err := c.validator.ValidateReserve(currencyID, bal); err != nil {
			return fmt.Errorf("post-check reserve: %w", err)
		}
	}

	if cc.seq > 0 && cc.seq%globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global at seq %d: %w", cc.seq, err)
		}
	}
	return nil
}

func (c *DeterministicCore) dispatchEvent(cc *cmdCtx, evt event.Event) error {
	switch e := evt.(type) {
	case *event.WalletFunded:
		return c.handleWalletFunded(cc, e)
	case *event.DepositCash:
		return c.handleDeposit(cc, e)
	case *event.WithdrawCash:
		return c.handleWithdraw(cc, e)
	case *event.TradeFCash:
		return c.handleTrade(cc, e)
	case *event.AddLiquidity:
		return c.handleAddLiquidity(cc, e)
	case *event.RemoveLiquidity:
		return c.handleRemoveLiquidity(cc, e)
	case *event.SettleAccount:
		return c.handleSettleAccount(cc, e)
	case *event.EnableBitmapCurrency:
		return c.handleEnableBitmap(cc, e)
	case *event.InitializeMarket:
		return c.handleInitializeMarket(cc, e)
	case *event.AssetRateUpdated:
		return c.handleAssetRate(cc, e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, evt)
	}
}

var ErrUnknownCommand = errs.New(errs.InvalidInput, "unknown command type")

// --- Snapshot Restore & Startup Methods ---

// StoreEntry is one key of the keyed store in a snapshot.
type StoreEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// SnapshotState holds everything needed to resume at Sequence+1.
type SnapshotState struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       [32]byte              `json:"state_hash"`
	Store           []StoreEntry          `json:"store"`
	Balances        []ledger.BalanceEntry `json:"balances"`
	SequenceState   map[string]int64      `json:"sequence_state"`
	IdempotencyKeys []string              `json:"idempotency_keys"`
}

// RestoreFromSnapshot replaces the store contents and in-memory state with
// the snapshot. Replay of later commands follows.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	var b store.Batch
	err := c.kv.Iterate(nil, func(key, _ []byte) error {
		b.Delete(key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	for _, e := range snap.Store {
		b.Put([]byte(e.Key), e.Value)
	}
	if err := c.kv.Apply(&b); err != nil {
		return fmt.Errorf("load store: %w", err)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.Reset(snap.StateHash)
	c.balanceTracker.Restore(snap.Balances)
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.Warm(snap.IdempotencyKeys)

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("keys", len(snap.Store)).
		Int("balances", len(snap.Balances)).
		Msg("restored from snapshot")
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache so that recently
// processed commands skip the Postgres tier.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// SetDBChecker enables the Postgres dedup tier once replay has finished.
func (c *DeterministicCore) SetDBChecker(dbChecker DBIdempotencyChecker) {
	c.idempotency.SetDBChecker(dbChecker)
}

// GetSequence returns the next sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.Tip()
}

// Ledger exposes the balance tracker for read-only reconciliation.
func (c *DeterministicCore) Ledger() *ledger.BalanceTracker {
	return c.balanceTracker
}

// CreateSnapshotState captures the current state for persistence.
func (c *DeterministicCore) CreateSnapshotState() (*SnapshotState, error) {
	var entries []StoreEntry
	err := c.kv.Iterate(nil, func(key, value []byte) error {
		entries = append(entries, StoreEntry{Key: string(key), Value: value})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dump store: %w", err)
	}
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.Tip(),
		Store:           entries,
		Balances:        c.balanceTracker.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}, nil
}

// SettlementPreview reports what settling the account would produce at
// blockTime without writing anything.
func (c *DeterministicCore) SettlementPreview(accountID uuid.UUID, blockTime int64) (settlement.Result, error) {
	ac, err := account.GetAccountContext(c.kv, accountID)
	if err != nil {
		return settlement.Result{}, err
	}
	tx := store.Begin(c.kv)
	defer tx.Discard()
	return settlement.PreviewAccount(tx, accountID, ac, market.NewStoredRateOracle(tx, c.params), blockTime)
}
