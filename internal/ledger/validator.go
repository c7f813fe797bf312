package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants and that the journal agrees
// with stored state.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies system is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for asset, total := range v.tracker.ComputeGlobalBalance() {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", asset, total)
		}
	}
	return nil
}

// ValidateUserCash checks the journaled cash against the stored balance.
func (v *InvariantValidator) ValidateUserCash(userID uuid.UUID, currencyID uint16, stored int64) error {
	if got := v.tracker.GetUserCash(userID, currencyID); got != stored {
		return fmt.Errorf("user %s cash %d: journal %d, stored %d", userID, currencyID, got, stored)
	}
	return nil
}

// ValidateMarket checks the journaled pool accounts against the stored
// market totals. Tokens are issued out of the market account, so its
// balance is the negative of the supply.
func (v *InvariantValidator) ValidateMarket(currencyID uint16, maturity, totalFCash, totalAssetCash, totalLiquidity int64) error {
	if got := v.tracker.GetBalance(MarketFCash(currencyID, maturity)); got != totalFCash {
		return fmt.Errorf("market %d@%d fCash: journal %d, stored %d", currencyID, maturity, got, totalFCash)
	}
	if got := v.tracker.GetBalance(MarketCash(currencyID, maturity)); got != totalAssetCash {
		return fmt.Errorf("market %d@%d cash: journal %d, stored %d", currencyID, maturity, got, totalAssetCash)
	}
	if got := -v.tracker.GetBalance(MarketLiquidity(currencyID, maturity)); got != totalLiquidity {
		return fmt.Errorf("market %d@%d liquidity: journal %d, stored %d", currencyID, maturity, got, totalLiquidity)
	}
	return nil
}

// ValidateReserve checks the journaled reserve against the stored one.
func (v *InvariantValidator) ValidateReserve(currencyID uint16, stored int64) error {
	if got := v.tracker.GetBalance(Reserve(currencyID)); got != stored {
		return fmt.Errorf("reserve %d: journal %d, stored %d", currencyID, got, stored)
	}
	return nil
}
