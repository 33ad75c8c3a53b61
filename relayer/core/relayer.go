// Package core wires the relayer together and owns its lifecycle.
package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/datahaven/dh-relay/relayer/api"
	"github.com/datahaven/dh-relay/relayer/blobstore"
	"github.com/datahaven/dh-relay/relayer/bridge"
	"github.com/datahaven/dh-relay/relayer/chains"
	"github.com/datahaven/dh-relay/relayer/chains/common"
	"github.com/datahaven/dh-relay/relayer/chains/evm"
	"github.com/datahaven/dh-relay/relayer/chains/svm"
	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/constant"
	"github.com/datahaven/dh-relay/relayer/coordinator"
	"github.com/datahaven/dh-relay/relayer/db"
	"github.com/datahaven/dh-relay/relayer/dedup"
	"github.com/datahaven/dh-relay/relayer/fees"
	"github.com/datahaven/dh-relay/relayer/fraud"
	"github.com/datahaven/dh-relay/relayer/keys"
	"github.com/datahaven/dh-relay/relayer/metrics"
	"github.com/datahaven/dh-relay/relayer/prover"
	"github.com/datahaven/dh-relay/relayer/queue"
	"github.com/datahaven/dh-relay/relayer/receipt"
	"github.com/datahaven/dh-relay/relayer/requests"
	"github.com/datahaven/dh-relay/relayer/workflow"
)

const (
	healthReportInterval = 30 * time.Second
	apiShutdownTimeout   = 5 * time.Second
)

// Relayer is the running relay node.
type Relayer struct {
	cfg *config.Config
	log zerolog.Logger

	db        *db.DB
	dbManager *db.ChainDBManager
	registry  *chains.ChainRegistry
	requests  *requests.Store
	queue     *queue.Queue
	engine    *workflow.Engine
	api       *api.Server
	cleaner   *db.JobCleaner
	events    chan *common.ChainEvent
}

// New opens the relayer databases, loads its keys and builds every
// component from cfg.
func New(cfg *config.Config, log zerolog.Logger) (*Relayer, error) {
	dbDir := filepath.Join(cfg.NodeHome, constant.DatabasesSubdir)
	mainDB, err := db.OpenFileDB(dbDir, constant.MainDBFileName, db.MainSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to open relayer database: %w", err)
	}
	dbManager := db.NewChainDBManager(dbDir, log)

	r, err := func() (*Relayer, error) {
		k, err := keys.Load(cfg, log)
		if err != nil {
			return nil, err
		}
		registry := chains.NewChainRegistry(dbManager, chains.NewClientFactory(k, log), log)
		if err := registry.AddChains(cfg); err != nil {
			return nil, err
		}
		return assemble(cfg, log, mainDB, dbManager, registry, receiptSigners(k))
	}()
	if err != nil {
		_ = dbManager.CloseAll()
		_ = mainDB.Close()
		return nil, err
	}
	return r, nil
}

// receiptSigners returns one receipt signer per loaded key.
func receiptSigners(k *keys.Keys) []receipt.Signer {
	var signers []receipt.Signer
	if k.EVM != nil {
		signers = append(signers, evm.NewReceiptSigner(k.EVM))
	}
	if len(k.SVM) > 0 {
		signers = append(signers, svm.NewReceiptSigner(k.SVM))
	}
	return signers
}

func assemble(
	cfg *config.Config,
	log zerolog.Logger,
	mainDB *db.DB,
	dbManager *db.ChainDBManager,
	registry *chains.ChainRegistry,
	signers []receipt.Signer,
) (*Relayer, error) {
	reqs := requests.New(mainDB, log)
	q := queue.New(mainDB, queue.ConfigFrom(cfg.Queue), log)

	gate, err := fraud.NewGate(reqs, cfg.Fraud, log)
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.New(cfg.Services.BlobStoreDir, log)
	if err != nil {
		return nil, err
	}
	generator, err := receipt.NewGenerator(signers, log)
	if err != nil {
		return nil, err
	}
	schedule, err := fees.ScheduleFrom(cfg.Fees)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.Services.HTTPTimeoutSeconds) * time.Second
	var ledger coordinator.Ledger = coordinator.NewLocal(log)
	if cfg.Services.CoordinatorURL != "" {
		ledger = coordinator.NewHTTPClient(cfg.Services.CoordinatorURL, timeout, log)
	} else {
		log.Warn().Msg("no coordinator_url configured, recording storage records locally")
	}
	var payments bridge.Bridge = bridge.Noop{}
	if cfg.Services.BridgeURL != "" {
		payments = bridge.NewHTTPClient(cfg.Services.BridgeURL, timeout, log)
	}

	engine := workflow.New(workflow.Deps{
		Requests:   reqs,
		Queue:      q,
		Dedup:      dedup.New(log),
		Fraud:      gate,
		Blobs:      blobs,
		Prover:     prover.NewLocal(),
		Ledger:     ledger,
		Bridge:     payments,
		Receipts:   generator,
		Writebacks: registry,
	}, workflow.ConfigFrom(cfg), log)
	if err := engine.Register(); err != nil {
		return nil, err
	}

	r := &Relayer{
		cfg:       cfg,
		log:       log.With().Str("component", "relayer").Logger(),
		db:        mainDB,
		dbManager: dbManager,
		registry:  registry,
		requests:  reqs,
		queue:     q,
		engine:    engine,
		events:    make(chan *common.ChainEvent, cfg.Queue.EventBufferSize),
		cleaner: db.NewJobCleaner(mainDB, dbManager,
			time.Duration(cfg.Retention.CleanupIntervalSeconds)*time.Second,
			time.Duration(cfg.Retention.CompletedJobSeconds)*time.Second,
			log),
	}
	r.api = api.NewServer(api.Options{
		Operator: engine,
		Ledger:   reqs,
		Fees:     schedule,
		Health:   r,
	}, log, cfg.QueryServerPort)
	return r, nil
}

// Start runs the relayer until ctx is cancelled, then shuts it down:
// watchers first so no new events arrive, then the ingest loop once it has
// admitted the buffered events, then the job queue with its grace period,
// and the databases last.
func (r *Relayer) Start(ctx context.Context) error {
	r.log.Info().Strs("chains", r.registry.ChainIDs()).Msg("starting relayer")
	metrics.Register(prometheus.DefaultRegisterer)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := r.engine.Reconcile(ctx); err != nil {
		r.close()
		return fmt.Errorf("failed to reconcile requests: %w", err)
	}
	if err := r.queue.Start(runCtx); err != nil {
		r.close()
		return err
	}
	if err := r.api.Start(); err != nil {
		r.queue.Stop()
		r.close()
		return err
	}
	r.cleaner.Start(runCtx)

	ingestCtx, stopIngest := context.WithCancel(runCtx)
	ingestDone := make(chan struct{})
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(ingestDone)
		r.engine.Run(ingestCtx, r.events)
		return nil
	})
	g.Go(func() error {
		r.reportHealth(gctx)
		return nil
	})

	var startErr error
	if err := r.registry.StartAll(runCtx, r.events); err != nil {
		startErr = err
		r.log.Error().Err(err).Msg("failed to start chain watchers")
	} else {
		r.log.Info().Msg("relayer started")
		<-ctx.Done()
	}

	r.log.Info().Msg("shutting down relayer")
	r.registry.StopAll()
	// No watcher sends after StopAll; closing lets ingest admit and ack
	// whatever is still buffered.
	close(r.events)
	select {
	case <-ingestDone:
	case <-time.After(time.Duration(r.cfg.Queue.ShutdownGraceSeconds) * time.Second):
		r.log.Warn().Int("buffered", len(r.events)).Msg("ingest did not drain in time, remaining events are re-emitted on restart")
	}
	stopIngest()
	<-ingestDone
	r.queue.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
	defer cancel()
	if err := r.api.Stop(shutdownCtx); err != nil {
		r.log.Error().Err(err).Msg("failed to stop query server")
	}
	r.cleaner.Stop()
	cancelRun()

	if err := g.Wait(); err != nil && startErr == nil {
		startErr = err
	}
	r.close()
	r.log.Info().Msg("relayer stopped")
	return startErr
}

func (r *Relayer) close() {
	if err := r.dbManager.CloseAll(); err != nil {
		r.log.Error().Err(err).Msg("failed to close chain databases")
	}
	if err := r.db.Close(); err != nil {
		r.log.Error().Err(err).Msg("failed to close relayer database")
	}
}

// HealthStatus reports the job queue and every chain watcher.
func (r *Relayer) HealthStatus() map[string]bool {
	status := map[string]bool{"queue": r.queue.IsHealthy()}
	for chain, ok := range r.registry.GetHealthStatus() {
		status["chain:"+chain] = ok
	}
	return status
}

func (r *Relayer) reportHealth(ctx context.Context) {
	ticker := time.NewTicker(healthReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for component, ok := range r.HealthStatus() {
				if !ok {
					r.log.Warn().Str("unhealthy", component).Msg("component unhealthy")
				}
			}
		}
	}
}
