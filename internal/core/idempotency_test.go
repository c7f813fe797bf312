package core_test

import (
	"FCashLedger/internal/core"
	"FCashLedger/internal/store"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// ============================================================================
// Idempotency tiers
// ============================================================================

type fakeEventLog struct {
	known   map[string]bool
	err     error
	lookups int
}

func (f *fakeEventLog) IsDuplicate(eventType, key string) (bool, error) {
	f.lookups++
	if f.err != nil {
		return false, f.err
	}
	return f.known[eventType+":"+key], nil
}

func TestIdempotency_EvictsLeastRecentlyUsed(t *testing.T) {
	ic := core.NewIdempotencyChecker(2, nil, nil)
	ic.MarkProcessed("DepositCash", "a")
	ic.MarkProcessed("DepositCash", "b")

	// Touching a makes b the eviction candidate.
	assert.True(t, ic.IsDuplicate("DepositCash", "a"))
	ic.MarkProcessed("DepositCash", "c")

	assert.False(t, ic.IsDuplicate("DepositCash", "b"))
	assert.True(t, ic.IsDuplicate("DepositCash", "a"))
	assert.True(t, ic.IsDuplicate("DepositCash", "c"))
	assert.Equal(t, []string{"DepositCash:a", "DepositCash:c"}, ic.Keys())
}

func TestIdempotency_TypeIsPartOfTheKey(t *testing.T) {
	ic := core.NewIdempotencyChecker(8, nil, nil)
	ic.MarkProcessed("DepositCash", "k")
	assert.False(t, ic.IsDuplicate("WithdrawCash", "k"))
}

func TestIdempotency_EventLogTierFillsCache(t *testing.T) {
	log := &fakeEventLog{known: map[string]bool{"TradeFCash:old": true}}
	ic := core.NewIdempotencyChecker(8, log, nil)

	assert.True(t, ic.IsDuplicate("TradeFCash", "old"))
	assert.True(t, ic.IsDuplicate("TradeFCash", "old"))
	assert.EqualValues(t, 1, log.lookups, "event log lookups")
	assert.False(t, ic.IsDuplicate("TradeFCash", "new"))
}

func TestIdempotency_EventLogOutageIsNotDuplicate(t *testing.T) {
	ic := core.NewIdempotencyChecker(8, &fakeEventLog{err: errors.New("conn refused")}, nil)
	assert.False(t, ic.IsDuplicate("DepositCash", "k"))
}

func TestIdempotency_WarmKeepsOrder(t *testing.T) {
	ic := core.NewIdempotencyChecker(8, nil, nil)
	ic.Warm([]string{"DepositCash:1", "DepositCash:2", "DepositCash:1"})
	assert.Equal(t, []string{"DepositCash:2", "DepositCash:1"}, ic.Keys())
	assert.Equal(t, 2, ic.Len())
}

// ============================================================================
// Hash chain
// ============================================================================

func TestHashChain_LinksSequenceAndWrites(t *testing.T) {
	writes := []store.Op{
		{Key: []byte("b/1"), Value: []byte{1}},
		{Key: []byte("m/1"), Value: nil},
	}

	a, b := core.NewHashChain(), core.NewHashChain()
	assert.Equal(t, a.Tip(), b.Tip())
	assert.Equal(t, a.Link(0, writes), b.Link(0, writes))

	// A delete and an empty put must not hash alike.
	c := core.NewHashChain()
	c.Link(0, []store.Op{writes[0], {Key: []byte("m/1"), Value: []byte{}}})
	assert.NotEqual(t, a.Tip(), c.Tip())

	// Same writes at another sequence diverge.
	d := core.NewHashChain()
	d.Link(1, writes)
	assert.NotEqual(t, b.Tip(), d.Tip())

	tip := a.Link(1, nil)
	e := core.NewHashChain()
	e.Reset(tip)
	assert.Equal(t, a.Link(2, writes), e.Link(2, writes))
}
