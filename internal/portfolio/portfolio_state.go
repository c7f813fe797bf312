package portfolio

import (
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/store"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// PortfolioState is the in-memory view of an account's asset array for one
// transaction. Stored assets keep their slot; new assets are appended on
// store.
type PortfolioState struct {
	StoredAssets      []PortfolioAsset
	NewAssets         []PortfolioAsset
	StoredAssetLength int
}

// StoreResult summarizes the array after reconciliation so the account
// context can be updated.
type StoreResult struct {
	HasDebt        bool
	Currencies     []uint16
	NextSettleTime int64
	Length         int
}

// BuildPortfolioState reads the account's stored slots.
func BuildPortfolioState(r store.Reader, account uuid.UUID, length int) (*PortfolioState, error) {
	if length < 0 || length > MaxPortfolioAssets {
		return nil, fmt.Errorf("%w: length %d", ErrCorruptPortfolio, length)
	}

	ps := &PortfolioState{
		StoredAssets:      make([]PortfolioAsset, 0, length),
		StoredAssetLength: length,
	}
	for slot := 0; slot < length; slot++ {
		var a PortfolioAsset
		found, err := store.GetJSON(r, store.PortfolioSlotKey(account, slot), &a)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: slot %d of %d missing", ErrCorruptPortfolio, slot, length)
		}
		a.StorageSlot = slot
		a.StorageState = NoChange
		ps.StoredAssets = append(ps.StoredAssets, a)
	}
	return ps, nil
}

// AddAsset merges notional into a matching stored or new asset, or appends
// a new one. A merged liquidity token takes assetType as its current index.
func (ps *PortfolioState) AddAsset(currencyID uint16, maturity int64, assetType uint8, notional int64) error {
	if err := validateAssetType(assetType); err != nil {
		return err
	}

	for i := range ps.StoredAssets {
		a := &ps.StoredAssets[i]
		if !a.matches(currencyID, maturity, assetType) {
			continue
		}
		if a.StorageState == Delete {
			return fmt.Errorf("%w: currency %d maturity %d type %d", ErrStaleIndex, currencyID, maturity, assetType)
		}
		merged, err := mergeNotional(a.Notional, notional, assetType)
		if err != nil {
			return err
		}
		a.Notional = merged
		a.AssetType = assetType
		a.StorageState = Update
		return nil
	}

	for i := range ps.NewAssets {
		a := &ps.NewAssets[i]
		if !a.matches(currencyID, maturity, assetType) {
			continue
		}
		merged, err := mergeNotional(a.Notional, notional, assetType)
		if err != nil {
			return err
		}
		a.Notional = merged
		a.AssetType = assetType
		return nil
	}

	if IsLiquidityToken(assetType) && notional < 0 {
		return fmt.Errorf("%w: new token position %d", ErrNegativeLiquidity, notional)
	}
	ps.NewAssets = append(ps.NewAssets, PortfolioAsset{
		CurrencyID: currencyID,
		Maturity:   maturity,
		AssetType:  assetType,
		Notional:   notional,
	})
	return nil
}

func mergeNotional(current, delta int64, assetType uint8) (int64, error) {
	merged, err := fpmath.Add(current, delta)
	if err != nil {
		return 0, err
	}
	if IsLiquidityToken(assetType) && merged < 0 {
		return 0, fmt.Errorf("%w: %d + %d", ErrNegativeLiquidity, current, delta)
	}
	return merged, nil
}

// DeleteAsset marks a stored asset for removal. Deleting twice is an error.
func (ps *PortfolioState) DeleteAsset(index int) error {
	if index < 0 || index >= len(ps.StoredAssets) {
		return fmt.Errorf("%w: index %d", ErrStaleIndex, index)
	}
	a := &ps.StoredAssets[index]
	if a.StorageState == Delete {
		return fmt.Errorf("%w: index %d", ErrStaleIndex, index)
	}
	a.StorageState = Delete
	return nil
}

// StoreAssets reconciles the array with storage: deletes first, compacting by
// swapping the last active slot into the hole, then updates in place, then
// inserts at the tail.
func (ps *PortfolioState) StoreAssets(w store.Writer, account uuid.UUID) (StoreResult, error) {
	for i := range ps.StoredAssets {
		a := &ps.StoredAssets[i]
		if a.StorageState != Delete && a.Notional == 0 {
			a.StorageState = Delete
		}
	}

	// slots[s] is the index in StoredAssets currently held by slot s.
	slots := make([]int, ps.StoredAssetLength)
	for i, a := range ps.StoredAssets {
		if a.StorageSlot < 0 || a.StorageSlot >= len(slots) {
			return StoreResult{}, fmt.Errorf("%w: slot %d", ErrCorruptPortfolio, a.StorageSlot)
		}
		slots[a.StorageSlot] = i
	}

	// Highest slots first so a swapped-in asset is never itself pending deletion.
	var deletes []int
	for i, a := range ps.StoredAssets {
		if a.StorageState == Delete {
			deletes = append(deletes, i)
		}
	}
	sort.Slice(deletes, func(x, y int) bool {
		return ps.StoredAssets[deletes[x]].StorageSlot > ps.StoredAssets[deletes[y]].StorageSlot
	})

	length := ps.StoredAssetLength
	for _, i := range deletes {
		slot := ps.StoredAssets[i].StorageSlot
		last := length - 1
		if slot != last {
			moved := slots[last]
			ps.StoredAssets[moved].StorageSlot = slot
			ps.StoredAssets[moved].StorageState = Update
			slots[slot] = moved
		}
		if err := w.Delete(store.PortfolioSlotKey(account, last)); err != nil {
			return StoreResult{}, err
		}
		length--
	}

	for _, a := range ps.StoredAssets {
		if a.StorageState != Update {
			continue
		}
		if err := store.PutJSON(w, store.PortfolioSlotKey(account, a.StorageSlot), a); err != nil {
			return StoreResult{}, err
		}
	}

	for i := range ps.NewAssets {
		a := &ps.NewAssets[i]
		if a.Notional == 0 {
			continue
		}
		if length >= MaxPortfolioAssets {
			return StoreResult{}, fmt.Errorf("%w: max %d", ErrPortfolioFull, MaxPortfolioAssets)
		}
		a.StorageSlot = length
		if err := store.PutJSON(w, store.PortfolioSlotKey(account, length), a); err != nil {
			return StoreResult{}, err
		}
		length++
	}

	return summarize(ps.ActiveAssets(), length), nil
}

// ActiveAssets returns stored assets not pending deletion plus non-zero new
// assets, in canonical order.
func (ps *PortfolioState) ActiveAssets() []PortfolioAsset {
	out := make([]PortfolioAsset, 0, len(ps.StoredAssets)+len(ps.NewAssets))
	for _, a := range ps.StoredAssets {
		if a.StorageState != Delete && a.Notional != 0 {
			out = append(out, a)
		}
	}
	for _, a := range ps.NewAssets {
		if a.Notional != 0 {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// CalculateSortedIndex returns indexes into StoredAssets ordered by
// (currency, maturity, asset type).
func (ps *PortfolioState) CalculateSortedIndex() []int {
	idx := make([]int, len(ps.StoredAssets))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		return less(ps.StoredAssets[idx[i]], ps.StoredAssets[idx[j]])
	})
	return idx
}

func summarize(assets []PortfolioAsset, length int) StoreResult {
	res := StoreResult{Length: length}
	for _, a := range assets {
		if a.AssetType == FCashAssetType && a.Notional < 0 {
			res.HasDebt = true
		}
		if n := len(res.Currencies); n == 0 || res.Currencies[n-1] != a.CurrencyID {
			res.Currencies = append(res.Currencies, a.CurrencyID)
		}
		if res.NextSettleTime == 0 || a.Maturity < res.NextSettleTime {
			res.NextSettleTime = a.Maturity
		}
	}
	return res
}
