package core

import (
	"FCashLedger/internal/errs"
	"FCashLedger/internal/observability"
	"fmt"
)

var (
	ErrSequenceGap      = errs.New(errs.StaleState, "sequence gap")
	ErrOutOfOrder       = errs.New(errs.StaleState, "out-of-order command")
	ErrStaleRateCommand = errs.New(errs.StaleState, "stale asset rate command")
)

// SequenceValidator tracks the next source sequence per partition. Command
// partitions are per currency, with "global" for settlement; asset rate
// observations have their own partition per currency.
// Not thread-safe: only the engine goroutine touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence checks source sequence ordering. Command partitions are
// strict: every source sequence must arrive exactly once and in order.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// ValidateRateSequence checks asset rate observations. Gaps are tolerated
// since only the latest observation matters; anything older than the last
// accepted one is stale.
func (sv *SequenceValidator) ValidateRateSequence(currencyID uint16, rateSequence int64) error {
	partition := ratePartition(currencyID)
	expected := sv.expectedNextSeq[partition]

	if rateSequence < expected {
		return fmt.Errorf("%w: currency=%d, expected>=%d, got=%d",
			ErrStaleRateCommand, currencyID, expected, rateSequence)
	}
	sv.expectedNextSeq[partition] = rateSequence + 1
	return nil
}

func ratePartition(currencyID uint16) string {
	return fmt.Sprintf("rate:%d", currencyID)
}

// RestorePartition sets the next expected sequence from a snapshot.
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions copies the sequencing state for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for p, seq := range sv.expectedNextSeq {
		out[p] = seq
	}
	return out
}
