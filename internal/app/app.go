// Package app wires the engine components together and owns their
// lifecycle: recovery at boot, workers, watcher, scheduler, HTTP server,
// and ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"trait_engine/internal/budget"
	"trait_engine/internal/config"
	"trait_engine/internal/engine"
	"trait_engine/internal/events"
	"trait_engine/internal/httpapi"
	"trait_engine/internal/identity"
	"trait_engine/internal/ingest"
	"trait_engine/internal/ledger"
	"trait_engine/internal/metrics"
	"trait_engine/internal/queue"
	"trait_engine/internal/validator"
	"trait_engine/internal/watch"
)

const shutdownGrace = 10 * time.Second

// App holds every long-lived component of the service.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	bus     *events.Bus
	metrics *metrics.Metrics
	agg     *ingest.Aggregator
	store   *ledger.Store
	budget  *budget.Ledger
	queue   *queue.Queue
	eng     *engine.Engine
	watcher *watch.Watcher
	mux     *http.ServeMux
}

// New builds the full component graph. The store stays open until Run
// returns; callers that never Run must Close explicitly.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, dir := range []string{cfg.SpoolDir, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	bus := events.NewBus()
	met := metrics.New()
	dir := identity.NewDirectory(cfg.Directory, logger)
	agg := ingest.NewAggregator(cfg.Window, dir, met, bus, logger)

	st, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	bud, err := budget.New(st.DB(), bus, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open budget ledger: %w", err)
	}

	q := queue.New(cfg.QueueSize, cfg.WorkerCount, time.Duration(cfg.FuseTimeoutSec)*time.Second, logger)

	var assessor engine.Assessor
	if cfg.Validator.Enabled {
		client := validator.NewOpenAIClient(cfg.Validator, logger)
		assessor = validator.New(client, cfg.Validator, logger)
	}

	eng := engine.New(cfg, agg, st, bud, dir, assessor, q, bus, met, logger)
	watcher := watch.New(cfg, agg, q, met, logger)

	mux := http.NewServeMux()
	router := httpapi.NewRouter(cfg, agg, st, bud, eng, q, met, logger)
	router.Register(mux)

	return &App{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		metrics: met,
		agg:     agg,
		store:   st,
		budget:  bud,
		queue:   q,
		eng:     eng,
		watcher: watcher,
		mux:     mux,
	}, nil
}

// Run starts everything and blocks until ctx is cancelled or the HTTP
// server fails. Shutdown order: stop accepting HTTP, drain the queue,
// close the store.
func (a *App) Run(ctx context.Context) error {
	go a.logEvents(ctx)

	a.eng.Recover(ctx)
	a.queue.Start(ctx)

	if err := a.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	if err := a.watcher.Backfill(ctx); err != nil {
		a.logger.Warn("spool backfill", zap.Error(err))
	}

	go a.eng.Schedule(ctx)

	srv := &http.Server{
		Addr:              a.cfg.HTTPPort,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("http listening", zap.String("addr", srv.Addr))
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("http server failed", zap.Error(err))
	} else {
		err = nil
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	a.queue.Stop(drainCtx)
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Warn("close store", zap.Error(cerr))
	}
	a.logger.Info("shutdown complete")
	return err
}

// Close releases resources for the never-Run case (tests, failed boot).
func (a *App) Close() error { return a.store.Close() }

func (a *App) Mux() *http.ServeMux { return a.mux }

// logEvents mirrors bus traffic into the log so operators can follow
// window and run activity without polling /ops/status.
func (a *App) logEvents(ctx context.Context) {
	ch := a.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case events.WindowSealed:
				a.logger.Info("window sealed",
					zap.String("subject_id", e.SubjectID),
					zap.String("channel", e.Channel),
					zap.Time("period_start", e.PeriodStart),
					zap.Int64("messages", e.Messages))
			case events.RunCompleted:
				a.logger.Info("run finished",
					zap.String("run_id", e.RunID),
					zap.String("subject_id", e.SubjectID),
					zap.String("status", e.Status),
					zap.Bool("degraded", e.Degraded),
					zap.Int64("tokens", e.Tokens))
			case events.BudgetHalted:
				a.logger.Error("budget ledger halted",
					zap.String("org_id", e.OrgID),
					zap.String("period", e.Period),
					zap.String("detail", e.Detail))
			}
		}
	}
}
