package math

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

var ErrInvalidBit = errors.New("bitmap: bit index must be >= 1")

// Bitmap is a growable, 1-indexed bit set. Bit n is stored at position n-1.
type Bitmap struct {
	bits *bitset.BitSet
}

func NewBitmap() *Bitmap {
	return &Bitmap{bits: bitset.New(0)}
}

// BitmapFromBytes decodes the output of Bytes. Empty input yields an empty bitmap.
func BitmapFromBytes(data []byte) (*Bitmap, error) {
	b := NewBitmap()
	if len(data) == 0 {
		return b, nil
	}
	if err := b.bits.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("bitmap: decode: %w", err)
	}
	return b, nil
}

// Bytes returns the binary encoding used for storage.
func (b *Bitmap) Bytes() ([]byte, error) {
	return b.bits.MarshalBinary()
}

// Set turns on bit n, growing the backing storage as needed.
func (b *Bitmap) Set(n uint) error {
	if n == 0 {
		return ErrInvalidBit
	}
	b.bits.Set(n - 1)
	return nil
}

// Clear turns off bit n. Clearing past the current length is a no-op.
func (b *Bitmap) Clear(n uint) error {
	if n == 0 {
		return ErrInvalidBit
	}
	if n-1 >= b.bits.Len() {
		return nil
	}
	b.bits.Clear(n - 1)
	return nil
}

func (b *Bitmap) IsSet(n uint) bool {
	if n == 0 {
		return false
	}
	return b.bits.Test(n - 1)
}

// Len is the number of bits currently backed by storage.
func (b *Bitmap) Len() uint {
	return b.bits.Len()
}

func (b *Bitmap) Count() uint {
	return b.bits.Count()
}

func (b *Bitmap) IsEmpty() bool {
	return b.bits.None()
}

// Bits returns the set bit numbers in ascending order.
func (b *Bitmap) Bits() []uint {
	out := make([]uint, 0, b.bits.Count())
	for i, ok := b.bits.NextSet(0); ok; i, ok = b.bits.NextSet(i + 1) {
		out = append(out, i+1)
	}
	return out
}

func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{bits: b.bits.Clone()}
}
