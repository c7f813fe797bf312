package ingestion

import (
	"FCashLedger/internal/core"
	"context"
)

// GRPCIngestService submits commands arriving over gRPC or the HTTP gateway
// and waits for their outcome. NATS remains the high-throughput path.
type GRPCIngestService struct {
	seq *Sequencer
}

func NewGRPCIngestService(seq *Sequencer) *GRPCIngestService {
	return &GRPCIngestService{seq: seq}
}

// Submit parses payload as a command of typeName and runs it through the
// core. A duplicate command returns the duplicate status, not an error.
func (s *GRPCIngestService) Submit(ctx context.Context, typeName string, payload []byte) (*core.CommandResult, error) {
	evt, err := ParseCommand(typeName, payload)
	if err != nil {
		s.seq.countIngest("grpc", "invalid")
		return nil, err
	}
	s.seq.countIngest("grpc", "accepted")
	return s.seq.Submit(ctx, evt, "grpc")
}
