package ingestion

import (
	"FCashLedger/internal/core"
	"FCashLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// ResultSubjectPrefix is where command outcomes are published, one subject
// per command type: fcash.results.TradeFCash and so on.
const ResultSubjectPrefix = "fcash.results."

// resultPublisher is the part of jetstream.JetStream the publisher uses.
type resultPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes command results once the event log write for
// them has committed.
type OutboundPublisher struct {
	js        resultPublisher
	inputChan chan *core.CommandResult
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js resultPublisher, bufferSize int, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: make(chan *core.CommandResult, bufferSize),
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
	}
}

// Enqueue queues the results of a flushed persistence batch. It never
// blocks: results that do not fit are dropped and counted, since consumers
// can read the event log instead.
func (op *OutboundPublisher) Enqueue(outputs []core.CoreOutput) {
	for _, out := range outputs {
		if out.Result == nil {
			continue
		}
		select {
		case op.inputChan <- out.Result:
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
		}
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-op.inputChan:
			if err := op.publish(ctx, res); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", res.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, res *core.CommandResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	// The sequence is the JetStream dedup id, so a re-flushed batch is
	// published once.
	_, err = op.js.Publish(ctx, ResultSubjectPrefix+res.EventType, data,
		jetstream.WithMsgID(strconv.FormatInt(res.Sequence, 10)))
	return err
}
