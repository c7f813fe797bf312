package datetime_test

import (
	"FCashLedger/internal/datetime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A block time in the middle of a quarter, not day aligned.
const blockTime = int64(1_700_000_123)

func TestReferenceTime_Aligned(t *testing.T) {
	ref := datetime.ReferenceTime(blockTime)
	assert.Zero(t, ref%datetime.Quarter, "reference time %d not quarter aligned", ref)
	assert.LessOrEqual(t, ref, blockTime)
	assert.Less(t, blockTime-ref, datetime.Quarter, "reference time is the start of the containing quarter")

	utc0 := datetime.TimeUTC0(blockTime)
	assert.Zero(t, utc0%datetime.Day)
	assert.Less(t, blockTime-utc0, datetime.Day)
}

func TestMarketMaturity_Tenors(t *testing.T) {
	ref := datetime.ReferenceTime(blockTime)
	want := []int64{
		datetime.Quarter,
		2 * datetime.Quarter,
		datetime.Year,
		2 * datetime.Year,
		5 * datetime.Year,
		10 * datetime.Year,
		20 * datetime.Year,
	}

	for i, tenor := range want {
		maturity, err := datetime.MarketMaturity(blockTime, i+1)
		require.NoError(t, err, "index %d", i+1)
		assert.Equal(t, ref+tenor, maturity, "index %d", i+1)
		assert.True(t, datetime.IsValidMarketMaturity(7, maturity, blockTime), "index %d maturity should be a valid market", i+1)

		idx, ok := datetime.MarketIndex(7, maturity, blockTime)
		assert.True(t, ok)
		assert.Equal(t, i+1, idx)
	}

	_, err := datetime.MarketMaturity(blockTime, 8)
	assert.ErrorIs(t, err, datetime.ErrInvalidMarketIndex)
}

func TestIsValidMarketMaturity_RespectsMaxIndex(t *testing.T) {
	oneYear, err := datetime.MarketMaturity(blockTime, 3)
	require.NoError(t, err)
	assert.False(t, datetime.IsValidMarketMaturity(2, oneYear, blockTime), "1y market is not listed when max market index is 2")
}

func TestIsValidMaturity(t *testing.T) {
	utc0 := datetime.TimeUTC0(blockTime)
	sixMonths, err := datetime.MarketMaturity(blockTime, 2)
	require.NoError(t, err)

	tests := []struct {
		name     string
		maturity int64
		want     bool
	}{
		{"tomorrow", utc0 + datetime.Day, true},
		{"past", utc0 - datetime.Day, false},
		{"not day aligned", utc0 + datetime.Day + 1, false},
		{"last market", sixMonths, true},
		{"beyond last market", sixMonths + datetime.Day, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, datetime.IsValidMaturity(2, tc.maturity, blockTime))
		})
	}
}

// ============================================================================
// Test: bitmap bit numbers
// ============================================================================

func TestBitNum_RoundTripAllBits(t *testing.T) {
	for _, cursor := range []int64{blockTime, datetime.ReferenceTime(blockTime), blockTime + 17*datetime.Day} {
		for bit := uint(1); bit <= datetime.MaxBitNum; bit++ {
			maturity, err := datetime.MaturityFromBitNum(cursor, bit)
			require.NoError(t, err, "MaturityFromBitNum(%d)", bit)
			got, exact := datetime.BitNumFromMaturity(cursor, maturity)
			require.True(t, exact, "cursor %d bit %d", cursor, bit)
			require.Equal(t, bit, got, "cursor %d bit %d", cursor, bit)
		}
	}
}

func TestBitNum_MonotonicMaturities(t *testing.T) {
	prev := int64(0)
	for bit := uint(1); bit <= datetime.MaxBitNum; bit++ {
		maturity, err := datetime.MaturityFromBitNum(blockTime, bit)
		require.NoError(t, err)
		require.Greater(t, maturity, prev, "bit %d", bit)
		prev = maturity
	}
}

func TestBitNum_Invalid(t *testing.T) {
	utc0 := datetime.TimeUTC0(blockTime)

	_, exact := datetime.BitNumFromMaturity(blockTime, utc0)
	assert.False(t, exact, "maturity at the cursor day is not representable")
	_, exact = datetime.BitNumFromMaturity(blockTime, utc0+datetime.Day+5)
	assert.False(t, exact, "non day aligned maturity is not representable")

	bit, exact := datetime.BitNumFromMaturity(blockTime, utc0+(datetime.MaxQuarterOffset+90)*datetime.Day)
	assert.False(t, exact, "too far maturity")
	assert.EqualValues(t, datetime.MaxBitNum, bit)

	_, err := datetime.MaturityFromBitNum(blockTime, 0)
	assert.ErrorIs(t, err, datetime.ErrInvalidBitNum, "bit 0")
	_, err = datetime.MaturityFromBitNum(blockTime, 257)
	assert.ErrorIs(t, err, datetime.ErrInvalidBitNum, "bit 257")
}
