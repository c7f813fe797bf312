package portfolio

import (
	"FCashLedger/internal/datetime"
	"FCashLedger/internal/errs"
	fpmath "FCashLedger/internal/math"
	"FCashLedger/internal/store"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrInvalidBitmapMaturity = errs.New(errs.InvalidInput, "portfolio: maturity not representable in bitmap")

// BitmapAssets holds fCash in one currency as a bitmap of maturities relative
// to a settlement cursor, with the notional per maturity stored under its
// own key.
type BitmapAssets struct {
	Account    uuid.UUID
	CurrencyID uint16
	Cursor     int64

	bitmap *fpmath.Bitmap
}

// LoadBitmapAssets reads the bitmap stored for the account's bitmap currency.
func LoadBitmapAssets(r store.Reader, account uuid.UUID, currencyID uint16, cursor int64) (*BitmapAssets, error) {
	raw, err := r.Get(store.BitmapKey(account, currencyID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	bm, err := fpmath.BitmapFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &BitmapAssets{
		Account:    account,
		CurrencyID: currencyID,
		Cursor:     datetime.TimeUTC0(cursor),
		bitmap:     bm,
	}, nil
}

func (b *BitmapAssets) IsEmpty() bool {
	return b.bitmap.IsEmpty()
}

// AddFCash adds notional at maturity. A position netting to zero is removed.
func (b *BitmapAssets) AddFCash(rw store.ReadWriter, maturity, notional int64) error {
	bit, exact := datetime.BitNumFromMaturity(b.Cursor, maturity)
	if !exact || bit == 0 || bit > datetime.MaxBitNum {
		return fmt.Errorf("%w: %d from cursor %d", ErrInvalidBitmapMaturity, maturity, b.Cursor)
	}

	key := store.IfCashKey(b.Account, b.CurrencyID, maturity)
	var current int64
	if _, err := store.GetJSON(rw, key, &current); err != nil {
		return err
	}
	next, err := fpmath.Add(current, notional)
	if err != nil {
		return err
	}

	if next == 0 {
		if err := rw.Delete(key); err != nil {
			return err
		}
		return b.bitmap.Clear(bit)
	}
	if err := store.PutJSON(rw, key, next); err != nil {
		return err
	}
	return b.bitmap.Set(bit)
}

// Assets lists the bitmap positions in maturity order.
func (b *BitmapAssets) Assets(r store.Reader) ([]PortfolioAsset, error) {
	bits := b.bitmap.Bits()
	out := make([]PortfolioAsset, 0, len(bits))
	for _, bit := range bits {
		maturity, err := datetime.MaturityFromBitNum(b.Cursor, bit)
		if err != nil {
			return nil, err
		}
		var notional int64
		found, err := store.GetJSON(r, store.IfCashKey(b.Account, b.CurrencyID, maturity), &notional)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: bit %d set without notional at %d", ErrCorruptPortfolio, bit, maturity)
		}
		out = append(out, PortfolioAsset{
			CurrencyID: b.CurrencyID,
			Maturity:   maturity,
			AssetType:  FCashAssetType,
			Notional:   notional,
		})
	}
	return out, nil
}

func (b *BitmapAssets) HasDebt(r store.Reader) (bool, error) {
	assets, err := b.Assets(r)
	if err != nil {
		return false, err
	}
	for _, a := range assets {
		if a.Notional < 0 {
			return true, nil
		}
	}
	return false, nil
}

// Remove drops the position at maturity and returns its notional.
func (b *BitmapAssets) Remove(rw store.ReadWriter, maturity int64) (int64, error) {
	bit, exact := datetime.BitNumFromMaturity(b.Cursor, maturity)
	if !exact {
		return 0, fmt.Errorf("%w: %d from cursor %d", ErrInvalidBitmapMaturity, maturity, b.Cursor)
	}
	key := store.IfCashKey(b.Account, b.CurrencyID, maturity)
	var notional int64
	if _, err := store.GetJSON(rw, key, &notional); err != nil {
		return 0, err
	}
	if err := rw.Delete(key); err != nil {
		return 0, err
	}
	return notional, b.bitmap.Clear(bit)
}

// Remap re-keys the remaining bits against a later cursor. Every maturity
// still ahead of the new cursor lands on an exact bit.
func (b *BitmapAssets) Remap(newCursor int64) error {
	newCursor = datetime.TimeUTC0(newCursor)
	if newCursor == b.Cursor {
		return nil
	}

	remapped := fpmath.NewBitmap()
	for _, bit := range b.bitmap.Bits() {
		maturity, err := datetime.MaturityFromBitNum(b.Cursor, bit)
		if err != nil {
			return err
		}
		if maturity <= newCursor {
			return fmt.Errorf("%w: unsettled maturity %d behind cursor %d", ErrCorruptPortfolio, maturity, newCursor)
		}
		newBit, exact := datetime.BitNumFromMaturity(newCursor, maturity)
		if !exact {
			return fmt.Errorf("%w: %d from cursor %d", ErrInvalidBitmapMaturity, maturity, newCursor)
		}
		if err := remapped.Set(newBit); err != nil {
			return err
		}
	}

	b.bitmap = remapped
	b.Cursor = newCursor
	return nil
}

// Store writes the bitmap back, removing the key when nothing is left.
func (b *BitmapAssets) Store(w store.Writer) error {
	key := store.BitmapKey(b.Account, b.CurrencyID)
	if b.bitmap.IsEmpty() {
		return w.Delete(key)
	}
	raw, err := b.bitmap.Bytes()
	if err != nil {
		return err
	}
	return w.Put(key, raw)
}
