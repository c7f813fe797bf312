package core

import (
	"FCashLedger/internal/observability"
	"container/list"

	"github.com/rs/zerolog"
)

// DBIdempotencyChecker looks a command up in the durable event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates commands by (type, command id). A bounded
// LRU of recently sequenced commands answers first; on a miss the event log
// is consulted when a DB checker is installed.
//
// Not safe for concurrent use: only the core goroutine calls it.
type IdempotencyChecker struct {
	recent    *keyLRU
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		recent:    newKeyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    observability.NewLogger("idempotency"),
	}
}

// SetDBChecker installs the event log tier. Replay runs without it because
// every replayed command is already in the event log.
func (ic *IdempotencyChecker) SetDBChecker(dbChecker DBIdempotencyChecker) {
	ic.dbChecker = dbChecker
}

// dedupKey matches the "type:key" form RecentKeys reads back from Postgres.
func dedupKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether the command was already sequenced.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := dedupKey(eventType, idempotencyKey)
	if ic.recent.touch(key) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}
	if ic.dbChecker == nil {
		return false
	}

	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		// An event log outage must not stall the core; the unique index on
		// event_log.events still rejects the row at persist time.
		ic.logger.Warn().Err(err).
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Msg("event log dedup lookup failed")
		return false
	}
	if isDup {
		ic.recordDuplicate(eventType, "postgres")
		ic.remember(key)
	}
	return isDup
}

// MarkProcessed records a command once it has a sequence, applied or rejected.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.remember(dedupKey(eventType, idempotencyKey))
}

// Warm preloads "type:key" entries, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.recent.add(k)
	}
	ic.updateSize()
}

// Keys returns the cached entries, oldest first, for snapshots.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.recent.keys()
}

// Len is the number of cached entries.
func (ic *IdempotencyChecker) Len() int {
	return ic.recent.order.Len()
}

func (ic *IdempotencyChecker) remember(key string) {
	if ic.recent.add(key) && ic.metrics != nil {
		ic.metrics.DedupLRUEvictions.Inc()
	}
	ic.updateSize()
}

func (ic *IdempotencyChecker) updateSize() {
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.recent.order.Len()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// keyLRU is a set of strings bounded by capacity, evicting the least
// recently used.
type keyLRU struct {
	capacity int
	index    map[string]*list.Element
	order    *list.List // front is most recent
}

func newKeyLRU(capacity int) *keyLRU {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &keyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// touch promotes key and reports whether it was present.
func (l *keyLRU) touch(key string) bool {
	elem, ok := l.index[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// add inserts or promotes key and reports whether an entry was evicted.
func (l *keyLRU) add(key string) bool {
	if l.touch(key) {
		return false
	}
	l.index[key] = l.order.PushFront(key)
	if l.order.Len() <= l.capacity {
		return false
	}
	oldest := l.order.Back()
	l.order.Remove(oldest)
	delete(l.index, oldest.Value.(string))
	return true
}

func (l *keyLRU) keys() []string {
	keys := make([]string, 0, l.order.Len())
	for elem := l.order.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(string))
	}
	return keys
}
