package main

import (
	"FCashLedger/internal/config"
	"FCashLedger/internal/core"
	"FCashLedger/internal/ingestion"
	"FCashLedger/internal/observability"
	"FCashLedger/internal/persistence"
	"FCashLedger/internal/projection"
	"FCashLedger/internal/query"
	"FCashLedger/internal/server"
	"FCashLedger/internal/state"
	"FCashLedger/internal/store"
	"FCashLedger/migrations"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("main")

	cfg, err := config.Load(os.Getenv("FCASH_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	logger.Info().
		Str("store", cfg.StoreBackend).
		Int("cash_groups", len(cfg.CashGroups)).
		Msg("starting fCash ledger")

	// Ingestion, sequencing and the API stop first on shutdown; the workers
	// keep running until the persist channel is drained.
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ingestCtx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, migrations.FS).Up(ingestCtx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Keyed store ---
	kv, err := openStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer kv.Close()

	params, err := state.NewParamsRegistry(cfg.CashGroups)
	if err != nil {
		logger.Fatal().Err(err).Msg("cash group parameters")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks the core when full; the projection channel drops.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	// The Postgres dedup tier is enabled after replay, when every replayed
	// command would otherwise be found in the event log.
	deterministicCore := core.NewDeterministicCore(core.Config{
		Store:          kv,
		Params:         params,
		DedupCapacity:  cfg.IdempotencyLRUCapacity,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		Metrics:        metrics,
	})

	// --- Recovery: snapshot ---
	snapMgr := persistence.NewSnapshotManager(db)
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ingestCtx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load snapshot")
	}
	if snap != nil {
		if err := deterministicCore.RestoreFromSnapshot(snap); err != nil {
			logger.Fatal().Err(err).Msg("restore snapshot")
		}
		startSequence = snap.Sequence + 1
	} else {
		// A durable store left over from an earlier run is not a recovery
		// source; the event log is.
		if err := store.Clear(kv); err != nil {
			logger.Fatal().Err(err).Msg("clear store")
		}
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ingestCtx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}

	// --- Workers ---
	errChan := make(chan error, 16)

	// Results are published after their event row is durable. Outputs
	// re-persisted during replay are published again; JetStream drops
	// repeats within its dedup window by message id.
	publisher := ingestion.NewOutboundPublisher(js, cfg.PublishChanSize, metrics)
	go func() {
		errChan <- publisher.Run(workerCtx)
	}()

	var persisted atomic.Int64
	persisted.Store(startSequence - 1)

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	persistWorker.OnFlushed(func(outputs []core.CoreOutput) {
		persisted.Store(outputs[len(outputs)-1].Envelope.Sequence)
		publisher.Enqueue(outputs)
	})
	persistDone := make(chan error, 1)
	go func() {
		persistDone <- persistWorker.Run(workerCtx)
	}()

	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics)
	go func() {
		errChan <- projWorker.Run(workerCtx)
	}()

	// --- Recovery: replay ---
	replayed, err := persistence.NewReplayer(snapMgr, deterministicCore, metrics).ReplayFrom(ingestCtx, startSequence)
	if err != nil {
		logger.Fatal().Err(err).Int64("from", startSequence).Msg("event replay failed")
	}
	head := deterministicCore.GetSequence() - 1
	logger.Info().
		Int64("from", startSequence).
		Int("replayed", replayed).
		Int64("head", head).
		Msg("state recovered")

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	deterministicCore.SetDBChecker(dbChecker)
	if keys, err := dbChecker.RecentKeys(ingestCtx, cfg.IdempotencyLRUCapacity); err != nil {
		logger.Warn().Err(err).Msg("warm idempotency cache")
	} else {
		deterministicCore.WarmLRU(keys)
	}

	// The core is idle until the sequencer starts, so the store is stable
	// for a projection rebuild.
	if head >= 0 {
		watermark, err := projection.Watermark(ingestCtx, db)
		if err != nil {
			logger.Fatal().Err(err).Msg("read projection watermark")
		}
		if watermark != head || projWorker.NeedsRebuild() {
			if err := projWorker.Rebuild(ingestCtx, kv, head); err != nil {
				logger.Fatal().Err(err).Msg("rebuild projections")
			}
			logger.Info().Int64("watermark", watermark).Int64("head", head).Msg("projections rebuilt")
		}
	}

	// --- Sequencer ---
	sequencer := ingestion.NewSequencer(deterministicCore, cfg.InboundChanSize, metrics)

	snapChan := make(chan *core.SnapshotState, 1)
	saver := &snapshotSaver{
		mgr:       snapMgr,
		persisted: &persisted,
		retained:  cfg.SnapshotsRetained,
		metrics:   metrics,
		logger:    observability.NewLogger("snapshot"),
	}
	saver.last.Store(startSequence - 1)
	go saver.run(workerCtx, snapChan)

	sequencer.AfterApply(func(res *core.CommandResult) {
		if projWorker.NeedsRebuild() {
			if err := projWorker.Rebuild(workerCtx, kv, res.Sequence); err != nil {
				logger.Error().Err(err).Int64("sequence", res.Sequence).Msg("projection rebuild failed")
			}
		}
		if cfg.SnapshotInterval > 0 && (res.Sequence+1)%cfg.SnapshotInterval == 0 {
			snap, err := deterministicCore.CreateSnapshotState()
			if err != nil {
				logger.Error().Err(err).Msg("create snapshot")
				return
			}
			select {
			case snapChan <- snap:
			default:
				logger.Warn().Int64("sequence", snap.Sequence).Msg("snapshot skipped, previous one still saving")
			}
		}
	})

	seqDone := make(chan error, 1)
	go func() {
		seqDone <- sequencer.Run(ingestCtx)
	}()

	// --- NATS ingestion ---
	rawChan := make(chan ingestion.RawEvent, cfg.InboundChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawChan, metrics)
	if err := natsSubscriber.Subscribe(ingestCtx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}
	go sequencer.PumpNATS(ingestCtx, rawChan)

	// --- gRPC + HTTP gateway ---
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Ingest:        ingestion.NewGRPCIngestService(sequencer),
		Queries:       query.NewQueryService(db, metrics),
		HealthChecker: healthChecker,
	})
	go func() {
		errChan <- grpcServer.StartGRPC(ingestCtx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ingestCtx)
	}()

	go runChannelMetrics(workerCtx, metrics, map[string]chan core.CoreOutput{
		"persist":    persistChan,
		"projection": projectionChan,
	})

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})
	grpcServer.SetServing(true)
	logger.Info().
		Int64("next_sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("fCash ledger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop accepting commands, let the core finish its current one, drain the
	// persist channel, then take a final snapshot of the quiescent core.
	grpcServer.SetServing(false)
	natsSubscriber.Stop()
	stopIngest()
	<-seqDone

	close(persistChan)
	close(projectionChan)
	<-persistDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if head := deterministicCore.GetSequence() - 1; head > saver.lastSaved() {
		final, err := deterministicCore.CreateSnapshotState()
		if err == nil {
			err = saver.save(shutdownCtx, final)
		}
		if err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", final.Sequence).Msg("final snapshot saved")
		}
	}

	stopWorkers()
	logger.Info().Msg("fCash ledger shutdown complete")
}

func openStore(cfg config.Config) (store.KV, error) {
	switch cfg.StoreBackend {
	case config.StoreLevelDB:
		return store.OpenLevelStore(cfg.LevelDBPath)
	case config.StoreMemory:
		return store.NewMemStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// --- Snapshots ---

// snapshotSaver writes snapshots captured on the core goroutine. A snapshot
// is marked verified only once the event log holds its sequence, then older
// snapshots are pruned.
type snapshotSaver struct {
	mgr       *persistence.SnapshotManager
	persisted *atomic.Int64
	retained  int
	metrics   *observability.Metrics
	logger    zerolog.Logger
	last      atomic.Int64
}

func (s *snapshotSaver) run(ctx context.Context, snaps <-chan *core.SnapshotState) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snaps:
			if err := s.save(ctx, snap); err != nil {
				s.logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("periodic snapshot failed")
				continue
			}
			s.logger.Info().Int64("sequence", snap.Sequence).Msg("periodic snapshot saved")
		}
	}
}

func (s *snapshotSaver) lastSaved() int64 {
	return s.last.Load()
}

func (s *snapshotSaver) save(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()

	size, err := s.mgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := s.waitPersisted(ctx, snap.Sequence); err != nil {
		return err
	}
	if err := s.mgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("verify snapshot: %w", err)
	}
	s.last.Store(snap.Sequence)

	if s.retained > 0 {
		if pruned, err := s.mgr.PruneSnapshots(ctx, s.retained); err != nil {
			s.logger.Warn().Err(err).Msg("prune snapshots")
		} else if pruned > 0 {
			s.logger.Debug().Int64("pruned", pruned).Msg("old snapshots pruned")
		}
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

func (s *snapshotSaver) waitPersisted(ctx context.Context, sequence int64) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.persisted.Load() < sequence {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for sequence %d to persist: %w", sequence, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// runChannelMetrics samples channel depth for the backpressure gauges.
func runChannelMetrics(ctx context.Context, metrics *observability.Metrics, chans map[string]chan core.CoreOutput) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range chans {
				metrics.SetChannelMetrics(name, len(ch), cap(ch))
			}
		}
	}
}
