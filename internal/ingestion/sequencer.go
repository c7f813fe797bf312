package ingestion

import (
	"FCashLedger/internal/core"
	"FCashLedger/internal/event"
	"FCashLedger/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Processor is the single-writer state machine the sequencer drives.
type Processor interface {
	ProcessEvent(evt event.Event) (*core.CommandResult, error)
}

// Submission is a parsed command waiting for the core.
type Submission struct {
	Event    event.Event
	Source   string
	Received time.Time
	// Reply receives the outcome when set. It must have room for one value.
	Reply chan SubmitReply
	// Done runs on the core goroutine once the command has been processed.
	Done func(err error)
}

type SubmitReply struct {
	Result *core.CommandResult
	Err    error
}

// Sequencer owns the core goroutine. NATS and gRPC both feed it, so the core
// only ever sees one command at a time.
type Sequencer struct {
	core       Processor
	in         chan Submission
	metrics    *observability.Metrics
	logger     zerolog.Logger
	afterApply func(*core.CommandResult)
}

func NewSequencer(p Processor, bufferSize int, metrics *observability.Metrics) *Sequencer {
	return &Sequencer{
		core:    p,
		in:      make(chan Submission, bufferSize),
		metrics: metrics,
		logger:  observability.NewLogger("sequencer"),
	}
}

// AfterApply registers fn to run on the core goroutine after every sequenced
// command. Snapshots are taken from here.
func (s *Sequencer) AfterApply(fn func(*core.CommandResult)) {
	s.afterApply = fn
}

// Enqueue queues evt without waiting for its outcome. It blocks while the
// inbound buffer is full.
func (s *Sequencer) Enqueue(ctx context.Context, sub Submission) error {
	if sub.Received.IsZero() {
		sub.Received = time.Now()
	}
	select {
	case s.in <- sub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues evt and waits for the core to process it.
func (s *Sequencer) Submit(ctx context.Context, evt event.Event, source string) (*core.CommandResult, error) {
	reply := make(chan SubmitReply, 1)
	if err := s.Enqueue(ctx, Submission{Event: evt, Source: source, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.Result, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run processes submissions until ctx is done.
func (s *Sequencer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub := <-s.in:
			s.process(sub)
		}
	}
}

func (s *Sequencer) process(sub Submission) {
	res, err := s.core.ProcessEvent(sub.Event)
	if err != nil {
		s.logger.Error().Err(err).
			Str("source", sub.Source).
			Str("event_type", sub.Event.EventType().String()).
			Str("idempotency_key", sub.Event.IdempotencyKey()).
			Msg("command not sequenced")
	}
	if s.metrics != nil {
		s.metrics.IngestToApply.WithLabelValues(sub.Event.EventType().String()).Observe(time.Since(sub.Received).Seconds())
	}
	if err == nil && res.Status != core.StatusDuplicate && s.afterApply != nil {
		s.afterApply(res)
	}
	if sub.Done != nil {
		sub.Done(err)
	}
	if sub.Reply != nil {
		sub.Reply <- SubmitReply{Result: res, Err: err}
	}
}

// PumpNATS parses raw messages and queues them on the sequencer. A message
// is acked once the core has processed it and nakked when the core could not
// sequence it. Unparseable messages are acked and dropped so they are not
// redelivered. Queued messages lost at shutdown are redelivered by JetStream
// and deduplicated by the core.
func (s *Sequencer) PumpNATS(ctx context.Context, rawChan <-chan RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			evt, err := ParseRawEvent(raw)
			if err != nil {
				s.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping invalid command")
				s.countIngest("nats", "invalid")
				raw.AckFunc()
				continue
			}
			sub := Submission{Event: evt, Source: "nats", Received: raw.Timestamp, Done: natsDone(raw)}
			if err := s.Enqueue(ctx, sub); err != nil {
				raw.NakFunc()
				return
			}
			s.countIngest("nats", "accepted")
		}
	}
}

func natsDone(raw RawEvent) func(error) {
	return func(err error) {
		if err != nil {
			raw.NakFunc()
			return
		}
		raw.AckFunc()
	}
}

func (s *Sequencer) countIngest(source, outcome string) {
	if s.metrics != nil {
		s.metrics.IngestMessages.WithLabelValues(source, outcome).Inc()
	}
}
