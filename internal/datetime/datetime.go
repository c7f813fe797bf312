// Package datetime maps timestamps onto quarterly market maturities and onto
// the bit numbers used by bitmap portfolios. All times are unix seconds.
package datetime

import (
	"errors"
	"fmt"
)

const (
	Day     int64 = 86_400
	Week          = 6 * Day
	Month         = 30 * Day
	Quarter       = 90 * Day
	Year          = 360 * Day

	DaysInWeek    = 6
	DaysInMonth   = 30
	DaysInQuarter = 90

	// Offsets in days from the reference day at which each time chunk ends.
	MaxDayOffset     = 90
	MaxWeekOffset    = 360
	MaxMonthOffset   = 2160
	MaxQuarterOffset = 7650

	// Bit numbers at which each time chunk starts (exclusive).
	WeekBitOffset    = 90
	MonthBitOffset   = 135
	QuarterBitOffset = 195
	MaxBitNum        = 256

	MaxTradedMarketIndex = 7
)

var (
	ErrInvalidMarketIndex = errors.New("datetime: invalid market index")
	ErrInvalidBitNum      = errors.New("datetime: bit number out of range")
)

// TimeUTC0 truncates t to the start of its day.
func TimeUTC0(t int64) int64 {
	return t - t%Day
}

// ReferenceTime truncates t to the start of its quarter.
func ReferenceTime(t int64) int64 {
	return t - t%Quarter
}

// TradedMarketTenor returns the time between the reference time and the
// maturity of a market index.
func TradedMarketTenor(index int) (int64, error) {
	switch index {
	case 1:
		return Quarter, nil
	case 2:
		return 2 * Quarter, nil
	case 3:
		return Year, nil
	case 4:
		return 2 * Year, nil
	case 5:
		return 5 * Year, nil
	case 6:
		return 10 * Year, nil
	case 7:
		return 20 * Year, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidMarketIndex, index)
	}
}

// MarketMaturity is the maturity of market index at time t.
func MarketMaturity(t int64, index int) (int64, error) {
	tenor, err := TradedMarketTenor(index)
	if err != nil {
		return 0, err
	}
	return ReferenceTime(t) + tenor, nil
}

// MarketIndex returns the market index whose maturity matches exactly, or
// ok=false for an idiosyncratic maturity.
func MarketIndex(maxMarketIndex int, maturity, t int64) (index int, ok bool) {
	ref := ReferenceTime(t)
	for i := 1; i <= maxMarketIndex; i++ {
		tenor, err := TradedMarketTenor(i)
		if err != nil {
			return 0, false
		}
		if ref+tenor == maturity {
			return i, true
		}
	}
	return 0, false
}

// IsValidMarketMaturity reports whether maturity is one of the listed
// markets at time t.
func IsValidMarketMaturity(maxMarketIndex int, maturity, t int64) bool {
	if maturity%Quarter != 0 {
		return false
	}
	_, ok := MarketIndex(maxMarketIndex, maturity, t)
	return ok
}

// IsValidMaturity reports whether fCash may be held at maturity: day aligned,
// in the future, and no later than the longest listed market.
func IsValidMaturity(maxMarketIndex int, maturity, t int64) bool {
	if maturity%Day != 0 || maturity <= t {
		return false
	}
	last, err := MarketMaturity(t, maxMarketIndex)
	if err != nil {
		return false
	}
	return maturity <= last
}

// BitNumFromMaturity maps a maturity onto a bitmap bit relative to cursor.
// exact is false when the maturity does not sit on a chunk boundary.
func BitNumFromMaturity(cursor, maturity int64) (bitNum uint, exact bool) {
	ref := TimeUTC0(cursor)
	if maturity%Day != 0 || ref >= maturity {
		return 0, false
	}

	daysOffset := (maturity - ref) / Day

	switch {
	case daysOffset <= MaxDayOffset:
		return uint(daysOffset), true
	case daysOffset <= MaxWeekOffset:
		offsetInDays := daysOffset - MaxDayOffset + (ref%Week)/Day
		return uint(WeekBitOffset + offsetInDays/DaysInWeek), offsetInDays%DaysInWeek == 0
	case daysOffset <= MaxMonthOffset:
		offsetInDays := daysOffset - MaxWeekOffset + (ref%Month)/Day
		return uint(MonthBitOffset + offsetInDays/DaysInMonth), offsetInDays%DaysInMonth == 0
	case daysOffset <= MaxQuarterOffset:
		offsetInDays := daysOffset - MaxMonthOffset + (ref%Quarter)/Day
		return uint(QuarterBitOffset + offsetInDays/DaysInQuarter), offsetInDays%DaysInQuarter == 0
	}

	return MaxBitNum, false
}

// MaturityFromBitNum is the inverse of BitNumFromMaturity for exact bits.
func MaturityFromBitNum(cursor int64, bitNum uint) (int64, error) {
	if bitNum == 0 || bitNum > MaxBitNum {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBitNum, bitNum)
	}
	ref := TimeUTC0(cursor)
	n := int64(bitNum)

	switch {
	case n <= WeekBitOffset:
		return ref + n*Day, nil
	case n <= MonthBitOffset:
		first := ref + MaxDayOffset*Day - ref%Week
		return first + (n-WeekBitOffset)*Week, nil
	case n <= QuarterBitOffset:
		first := ref + MaxWeekOffset*Day - ref%Month
		return first + (n-MonthBitOffset)*Month, nil
	default:
		first := ref + MaxMonthOffset*Day - ref%Quarter
		return first + (n-QuarterBitOffset)*Quarter, nil
	}
}
