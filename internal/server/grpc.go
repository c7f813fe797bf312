package server

import (
	"FCashLedger/internal/core"
	"FCashLedger/internal/errs"
	"FCashLedger/internal/observability"
	"FCashLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// maxCommandBytes bounds a command body on the HTTP surface.
const maxCommandBytes = 1 << 20

// ============================================================================
// Messages
// ============================================================================

type SubmitRequest struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command"`
}

type AccountRequest struct {
	AccountID string `json:"account_id"`
}

type MarketsRequest struct {
	CurrencyID uint16 `json:"currency_id"`
}

type MarketsResponse struct {
	Markets []query.MarketResponse `json:"markets"`
}

type HistoryRequest struct {
	AccountID      string `json:"account_id"`
	Limit          int    `json:"limit"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type TradesResponse struct {
	Trades []query.TradeResponse `json:"trades"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type IntegrityRequest struct{}

// LedgerServer is fcash.v1.LedgerService.
type LedgerServer interface {
	Submit(context.Context, *SubmitRequest) (*core.CommandResult, error)
	GetAccount(context.Context, *AccountRequest) (*query.AccountResponse, error)
	GetMarkets(context.Context, *MarketsRequest) (*MarketsResponse, error)
	GetTradeHistory(context.Context, *HistoryRequest) (*TradesResponse, error)
	GetJournalHistory(context.Context, *HistoryRequest) (*JournalsResponse, error)
	VerifyIntegrity(context.Context, *IntegrityRequest) (*query.IntegrityReport, error)
}

// Submitter runs a command through the core and waits for its outcome.
type Submitter interface {
	Submit(ctx context.Context, typeName string, payload []byte) (*core.CommandResult, error)
}

// Queries is the read side served from the projections.
type Queries interface {
	GetAccount(ctx context.Context, accountID uuid.UUID) (*query.AccountResponse, error)
	GetMarkets(ctx context.Context, currencyID uint16) ([]query.MarketResponse, error)
	GetTradeHistory(ctx context.Context, accountID uuid.UUID, limit int, beforeSequence *int64) ([]query.TradeResponse, error)
	GetJournalHistory(ctx context.Context, accountID uuid.UUID, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// ============================================================================
// Service
// ============================================================================

type ledgerService struct {
	ingest  Submitter
	queries Queries
}

// NewLedgerService returns the LedgerServer backed by ingest and queries.
func NewLedgerService(ingest Submitter, queries Queries) LedgerServer {
	return &ledgerService{ingest: ingest, queries: queries}
}

func (s *ledgerService) Submit(ctx context.Context, req *SubmitRequest) (*core.CommandResult, error) {
	if req.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "type is required")
	}
	res, err := s.ingest.Submit(ctx, req.Type, req.Command)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *ledgerService) GetAccount(ctx context.Context, req *AccountRequest) (*query.AccountResponse, error) {
	id, err := parseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	acct, err := s.queries.GetAccount(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return acct, nil
}

func (s *ledgerService) GetMarkets(ctx context.Context, req *MarketsRequest) (*MarketsResponse, error) {
	if req.CurrencyID == 0 {
		return nil, status.Error(codes.InvalidArgument, "currency_id is required")
	}
	markets, err := s.queries.GetMarkets(ctx, req.CurrencyID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MarketsResponse{Markets: markets}, nil
}

func (s *ledgerService) GetTradeHistory(ctx context.Context, req *HistoryRequest) (*TradesResponse, error) {
	id, err := parseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	trades, err := s.queries.GetTradeHistory(ctx, id, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TradesResponse{Trades: trades}, nil
}

func (s *ledgerService) GetJournalHistory(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error) {
	id, err := parseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	journals, err := s.queries.GetJournalHistory(ctx, id, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Journals: journals}, nil
}

func (s *ledgerService) VerifyIntegrity(ctx context.Context, _ *IntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func parseAccountID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid account_id: %v", err)
	}
	return id, nil
}

// toStatus maps an error to its gRPC status by error class.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	switch errs.ClassOf(err) {
	case errs.InvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case errs.Capacity:
		return status.Error(codes.ResourceExhausted, err.Error())
	case errs.InsufficientFunds:
		return status.Error(codes.FailedPrecondition, err.Error())
	case errs.StaleState:
		return status.Error(codes.Aborted, err.Error())
	case errs.External:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Servers
// ============================================================================

// GRPCServer hosts LedgerService over gRPC and the same handlers as
// HTTP/JSON through a gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       LedgerServer
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	Ingest        Submitter
	Queries       Queries
	HealthChecker *observability.HealthChecker
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	logger := observability.NewLogger("server")
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))

	service := NewLedgerService(deps.Ingest, deps.Queries)
	Register(grpcServer, service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       service,
		healthChecker: deps.HealthChecker,
		healthServer:  healthServer,
		logger:        logger,
	}
}

// SetServing flips the gRPC health status alongside the HTTP readiness check.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(serviceName, st)
	if s.healthChecker != nil {
		s.healthChecker.SetReady(serving)
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON surface (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	mux, err := NewGatewayMux(s.service)
	if err != nil {
		return err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug().Err(err).
				Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Dur("took", time.Since(start)).
				Msg("rpc failed")
		}
		return resp, err
	}
}

// ============================================================================
// HTTP gateway
// ============================================================================

// NewGatewayMux routes the HTTP/JSON surface onto svc:
//
//	POST /v1/commands/{type}
//	GET  /v1/accounts/{id}
//	GET  /v1/accounts/{id}/trades
//	GET  /v1/accounts/{id}/journals
//	GET  /v1/markets/{currency}
//	GET  /v1/admin/integrity
func NewGatewayMux(svc LedgerServer) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/commands/{type}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
			if err != nil {
				writeError(w, status.Error(codes.InvalidArgument, err.Error()))
				return
			}
			res, err := svc.Submit(r.Context(), &SubmitRequest{Type: p["type"], Command: body})
			writeResult(w, res, err)
		}},
		{http.MethodGet, "/v1/accounts/{id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			res, err := svc.GetAccount(r.Context(), &AccountRequest{AccountID: p["id"]})
			writeResult(w, res, err)
		}},
		{http.MethodGet, "/v1/accounts/{id}/trades", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			req, err := historyRequest(r, p["id"])
			if err != nil {
				writeError(w, err)
				return
			}
			res, err := svc.GetTradeHistory(r.Context(), req)
			writeResult(w, res, err)
		}},
		{http.MethodGet, "/v1/accounts/{id}/journals", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			req, err := historyRequest(r, p["id"])
			if err != nil {
				writeError(w, err)
				return
			}
			res, err := svc.GetJournalHistory(r.Context(), req)
			writeResult(w, res, err)
		}},
		{http.MethodGet, "/v1/markets/{currency}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			currency, err := strconv.ParseUint(p["currency"], 10, 16)
			if err != nil {
				writeError(w, status.Errorf(codes.InvalidArgument, "invalid currency: %v", err))
				return
			}
			res, err := svc.GetMarkets(r.Context(), &MarketsRequest{CurrencyID: uint16(currency)})
			writeResult(w, res, err)
		}},
		{http.MethodGet, "/v1/admin/integrity", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			res, err := svc.VerifyIntegrity(r.Context(), &IntegrityRequest{})
			writeResult(w, res, err)
		}},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func historyRequest(r *http.Request, id string) (*HistoryRequest, error) {
	req := &HistoryRequest{AccountID: id}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit: %v", err)
		}
		req.Limit = n
	}
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid before: %v", err)
		}
		req.BeforeSequence = &n
	}
	return req, nil
}

func writeResult(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]any{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
