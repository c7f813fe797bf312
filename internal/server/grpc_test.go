package server_test

import (
	"FCashLedger/internal/core"
	"FCashLedger/internal/errs"
	"FCashLedger/internal/ingestion"
	"FCashLedger/internal/query"
	"FCashLedger/internal/server"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeIngest struct {
	lastType    string
	lastPayload []byte
	err         error
}

func (f *fakeIngest) Submit(_ context.Context, typeName string, payload []byte) (*core.CommandResult, error) {
	f.lastType, f.lastPayload = typeName, payload
	if f.err != nil {
		return nil, f.err
	}
	return &core.CommandResult{Sequence: 7, EventType: typeName, Status: core.StatusApplied}, nil
}

type fakeQueries struct {
	known uuid.UUID
}

func (f *fakeQueries) GetAccount(_ context.Context, id uuid.UUID) (*query.AccountResponse, error) {
	if id != f.known {
		return nil, query.ErrNotFound
	}
	return &query.AccountResponse{AccountID: id, AsOfSequence: 3}, nil
}

func (f *fakeQueries) GetMarkets(_ context.Context, currency uint16) ([]query.MarketResponse, error) {
	return []query.MarketResponse{{CurrencyID: currency, Maturity: 100, TotalFCash: "10"}}, nil
}

func (f *fakeQueries) GetTradeHistory(_ context.Context, _ uuid.UUID, limit int, before *int64) ([]query.TradeResponse, error) {
	seq := int64(limit)
	if before != nil {
		seq = *before - 1
	}
	return []query.TradeResponse{{Sequence: seq, Side: "lend"}}, nil
}

func (f *fakeQueries) GetJournalHistory(context.Context, uuid.UUID, int, *int64) ([]query.JournalHistoryEntry, error) {
	return []query.JournalHistoryEntry{}, nil
}

func (f *fakeQueries) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, CheckedEvents: 9}, nil
}

// ============================================================================
// Error mapping
// ============================================================================

func TestSubmit_ErrorClassToCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errs.New(errs.InvalidInput, "bad"), codes.InvalidArgument},
		{fmt.Errorf("wrapped: %w", ingestion.ErrMissingAccount), codes.InvalidArgument},
		{errs.New(errs.Capacity, "full"), codes.ResourceExhausted},
		{errs.New(errs.InsufficientFunds, "poor"), codes.FailedPrecondition},
		{errs.New(errs.StaleState, "gone"), codes.Aborted},
		{errs.New(errs.External, "down"), codes.Unavailable},
		{errors.New("boom"), codes.Internal},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
	}
	for _, tt := range tests {
		svc := server.NewLedgerService(&fakeIngest{err: tt.err}, &fakeQueries{})
		_, err := svc.Submit(context.Background(), &server.SubmitRequest{Type: "DepositCash"})
		assert.Equal(t, tt.want, status.Code(err), "%v", tt.err)
	}
}

func TestGetAccount_NotFoundAndInvalid(t *testing.T) {
	svc := server.NewLedgerService(&fakeIngest{}, &fakeQueries{known: uuid.New()})

	_, err := svc.GetAccount(context.Background(), &server.AccountRequest{AccountID: uuid.NewString()})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = svc.GetAccount(context.Background(), &server.AccountRequest{AccountID: "not-a-uuid"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// ============================================================================
// HTTP gateway
// ============================================================================

func TestGateway_Routes(t *testing.T) {
	acct := uuid.New()
	ingest := &fakeIngest{}
	mux, err := server.NewGatewayMux(server.NewLedgerService(ingest, &fakeQueries{known: acct}))
	require.NoError(t, err)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/commands/TradeFCash", "application/json", strings.NewReader(`{"fcash":1}`))
	require.NoError(t, err)
	var res core.CommandResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(7), res.Sequence)
	assert.Equal(t, "TradeFCash", ingest.lastType)
	assert.JSONEq(t, `{"fcash":1}`, string(ingest.lastPayload))

	resp, err = http.Get(srv.URL + "/v1/accounts/" + acct.String())
	require.NoError(t, err)
	var acctResp query.AccountResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&acctResp))
	resp.Body.Close()
	assert.Equal(t, acct, acctResp.AccountID)

	resp, err = http.Get(srv.URL + "/v1/accounts/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/markets/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/accounts/" + acct.String() + "/trades?before=10")
	require.NoError(t, err)
	var trades server.TradesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&trades))
	resp.Body.Close()
	require.Len(t, trades.Trades, 1)
	assert.Equal(t, int64(9), trades.Trades[0].Sequence)
}

func TestGateway_RejectedSubmitMapsStatus(t *testing.T) {
	ingest := &fakeIngest{err: errs.New(errs.InsufficientFunds, "insufficient balance")}
	mux, err := server.NewGatewayMux(server.NewLedgerService(ingest, &fakeQueries{}))
	require.NoError(t, err)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/commands/WithdrawCash", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	// FailedPrecondition maps to 400 on the gateway.
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "FailedPrecondition", body["code"])
}

// ============================================================================
// gRPC with the JSON codec
// ============================================================================

func TestGRPC_JSONCodecRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	grpcSrv := grpc.NewServer()
	acct := uuid.New()
	server.Register(grpcSrv, server.NewLedgerService(&fakeIngest{}, &fakeQueries{known: acct}))
	go grpcSrv.Serve(lis)
	defer grpcSrv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	var res core.CommandResult
	err = server.Invoke(ctx, conn, "Submit", &server.SubmitRequest{Type: "DepositCash", Command: json.RawMessage(`{}`)}, &res)
	require.NoError(t, err)
	assert.Equal(t, core.StatusApplied, res.Status)

	var markets server.MarketsResponse
	require.NoError(t, server.Invoke(ctx, conn, "GetMarkets", &server.MarketsRequest{CurrencyID: 2}, &markets))
	require.Len(t, markets.Markets, 1)
	assert.Equal(t, uint16(2), markets.Markets[0].CurrencyID)

	var acctResp query.AccountResponse
	err = server.Invoke(ctx, conn, "GetAccount", &server.AccountRequest{AccountID: uuid.NewString()}, &acctResp)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
