package state

import (
	"FCashLedger/internal/market"
	"fmt"
	"sort"
	"sync"
)

// ParamsRegistry holds cash group parameters per currency. Reads come from the
// engine goroutine and from query handlers, so access is locked.
type ParamsRegistry struct {
	mu     sync.RWMutex
	params map[uint16]market.CashGroupParameters
}

func NewParamsRegistry(groups []market.CashGroupParameters) (*ParamsRegistry, error) {
	r := &ParamsRegistry{params: make(map[uint16]market.CashGroupParameters, len(groups))}
	for _, g := range groups {
		if err := r.Update(g); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *ParamsRegistry) CashGroup(currencyID uint16) (market.CashGroupParameters, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.params[currencyID]
	return p, ok
}

// Update validates and replaces the parameters for one currency.
func (r *ParamsRegistry) Update(p market.CashGroupParameters) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid cash group for currency %d: %w", p.CurrencyID, err)
	}
	scalars := make([]int64, len(p.RateScalars))
	copy(scalars, p.RateScalars)
	p.RateScalars = scalars

	r.mu.Lock()
	defer r.mu.Unlock()
	r.params[p.CurrencyID] = p
	return nil
}

// Currencies lists the configured currency ids in ascending order.
func (r *ParamsRegistry) Currencies() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint16, 0, len(r.params))
	for id := range r.params {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
