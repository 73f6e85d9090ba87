package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"eventrouter/internal/assembler"
	"eventrouter/internal/checks"
	"eventrouter/internal/clock"
	"eventrouter/internal/config"
	"eventrouter/internal/contacts"
	"eventrouter/internal/engine"
	"eventrouter/internal/gateway"
	"eventrouter/internal/ingest"
	"eventrouter/internal/lease"
	"eventrouter/internal/logging"
	"eventrouter/internal/maintenance"
	"eventrouter/internal/metrics"
	"eventrouter/internal/migrate"
	"eventrouter/internal/notifyqueue"
	"eventrouter/internal/processor"
	"eventrouter/internal/queue"
	"eventrouter/internal/report"
	"eventrouter/internal/schedule"
	"eventrouter/internal/state"
)

const (
	queueEvents        = "events"
	queueNotifications = "notifications"
)

// Service composes runtime dependencies and process lifecycle.
// Params: validated config snapshot and shared runtime components.
// Returns: runnable event router.
type Service struct {
	cfg         config.Config
	logger      *slog.Logger
	closeLog    func()
	closeNotify func()
	clock       clock.Clock
	loc         *time.Location
	metrics     *metrics.Metrics

	store         state.Store
	events        queue.Queue
	notifications queue.Queue
	checks        *checks.Repository
	contacts      *contacts.Repository
	tracker       *maintenance.Tracker
	processor     *processor.Processor
	notifier      *Notifier
	router        *gateway.Router
	delivery      notifyqueue.Producer
	deliveryQ     interface{ Close() error }
	expirySub     interface{ Close() error }
	httpSrv       *http.Server

	readyFlag atomic.Bool
	workers   sync.WaitGroup
	stopOnce  sync.Once
	stopErr   error
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	notifyLog, closeNotify, err := logging.NewNotifyLogger(cfg.Log.Notify)
	if err != nil {
		closeLog()
		return nil, err
	}
	service, err := newService(cfg, clk, logger, notifyLog)
	if err != nil {
		closeNotify()
		closeLog()
		return nil, err
	}
	service.closeLog = closeLog
	service.closeNotify = closeNotify
	return service, nil
}

// newService wires every component for one config snapshot.
func newService(cfg config.Config, clk clock.Clock, logger *slog.Logger, notifyLog *slog.Logger) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.Notifier.DefaultContactTimezone)
	if err != nil {
		return nil, fmt.Errorf("notifier.default_contact_timezone: %w", err)
	}

	s := &Service{cfg: cfg, logger: logger, clock: clk, loc: loc, metrics: metrics.New()}
	if err := s.buildStorage(); err != nil {
		s.cleanupInitResources()
		return nil, err
	}

	evaluator := schedule.NewEvaluator(
		time.Duration(cfg.Notifier.EvaluatorTimeoutMS)*time.Millisecond,
		cfg.Notifier.EvaluatorMaxOccurrences,
		logger,
	)
	s.checks = checks.NewRepository(s.store, cfg.Processor.HistoryMaxStates, logger)
	s.checks.SetMaxRecordBytes(cfg.Processor.HistoryMaxBytes)
	s.contacts = contacts.NewRepository(s.store, clk.Now, logger)
	s.checks.SetReferenceChecker(s.contacts)
	s.tracker = maintenance.NewTracker(s.checks, s.store, evaluator, clk.Now, logger)
	s.processor = processor.New(s.events, s.notifications, s.checks, s.tracker, s.metrics, clk, logger, processor.OptionsFromConfig(cfg))

	s.router, err = gateway.NewRouter(cfg.Gateway, s.metrics, logger)
	if err != nil {
		s.cleanupInitResources()
		return nil, err
	}
	if err := s.buildDelivery(); err != nil {
		s.cleanupInitResources()
		return nil, err
	}
	asm := assembler.New(s.store, s.checks, s.tracker, s.contacts, s.delivery, assembler.Options{
		RollupRecovery: cfg.Notifier.RollupRecoveryEnabled(),
		Now:            clk.Now,
		Logger:         logger,
		NotifyLog:      notifyLog,
	})
	eng := engine.NewEngine(evaluator, s.contacts, loc, clk.Now, logger)
	s.notifier = NewNotifier(s.notifications, s.checks, s.contacts, eng, asm, s.metrics, logger, cfg.Service.ExitOnQueueEmpty)

	if err := s.buildExpiryConsumer(); err != nil {
		s.cleanupInitResources()
		return nil, err
	}
	s.buildHTTPServer(report.NewReporter(s.checks, s.tracker, logger))
	return s, nil
}

// Start runs the migration, syncs declared contacts and maintenance, then starts workers.
// Params: context bounding startup and worker lifetime.
// Returns: fatal startup error (a failed migration included).
func (s *Service) Start(ctx context.Context) error {
	res, err := migrate.Run(ctx, s.store, s.checks, s.tracker, lease.Options{
		TTL:      s.cfg.Migration.LeaseTTL(),
		Attempts: s.cfg.Migration.LeaseAttempts,
		Backoff:  s.cfg.Migration.LeaseBackoff(),
		Logger:   s.logger,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("startup migration: %w", err)
	}
	s.logger.Debug("startup migration finished", "revalidated", res.Revalidated)
	if err := syncContacts(ctx, s.cfg.Contact, s.contacts, s.logger); err != nil {
		return err
	}
	if err := syncMaintenance(ctx, s.cfg.Maintenance, s.tracker, s.loc, s.logger); err != nil {
		return err
	}
	if s.cfg.Service.ExitOnQueueEmpty {
		return nil
	}
	s.goWorker(ctx, "processor", s.processor.Run)
	s.goWorker(ctx, "notifier", s.notifier.Run)
	s.goWorker(ctx, "ticker", s.runTicker)
	s.readyFlag.Store(true)
	return nil
}

// Drain processes every queued event and notification, then waits for in-process deliveries.
// Only meaningful with exit_on_queue_empty; otherwise the loops block on empty queues.
// Params: context bounding the drain.
// Returns: nil when queues are empty.
func (s *Service) Drain(ctx context.Context) error {
	if err := s.processor.Run(ctx); err != nil {
		return err
	}
	if err := s.notifier.Run(ctx); err != nil {
		return err
	}
	s.expireDue(ctx)
	if mem, ok := s.delivery.(*notifyqueue.MemoryQueue); ok {
		mem.Drain()
	}
	return nil
}

// Run starts service lifecycle and blocks until shutdown signal (or drained queues with exit_on_queue_empty).
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.Start(runCtx); err != nil {
		s.logger.Log(ctx, logging.LevelPanic, "startup failed", "error", err.Error())
		_ = s.Shutdown()
		return err
	}
	if s.cfg.Service.ExitOnQueueEmpty {
		err := s.Drain(runCtx)
		return errors.Join(err, s.Shutdown())
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen, "ingest", s.cfg.Ingest.HTTP.Enabled)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		cancel()
		return s.Shutdown()
	case err := <-errChan:
		cancel()
		_ = s.Shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
		return s.Shutdown()
	}
}

// Handler exposes the HTTP mux for embedding and tests.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Metrics exposes the service registry owner.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Service) goWorker(ctx context.Context, name string, run func(context.Context) error) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("worker stopped", "worker", name, "error", err.Error())
		}
	}()
}

// runTicker expires memory-store keys and samples queue depth.
func (s *Service) runTicker(ctx context.Context) error {
	interval := time.Duration(s.cfg.Service.TickIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.expireDue(ctx)
			s.sampleQueueDepth(ctx)
		}
	}
}

// expireDue replays memory-store expiries into the tracker; JetStream mode uses the expiry consumer.
func (s *Service) expireDue(ctx context.Context) {
	mem, ok := s.store.(*state.MemoryStore)
	if !ok {
		return
	}
	for _, key := range mem.ExpireDue() {
		if err := s.tracker.HandleExpiry(ctx, key, "expired"); err != nil {
			s.logger.Error("expiry handling failed", "key", key, "error", err.Error())
		}
	}
}

func (s *Service) sampleQueueDepth(ctx context.Context) {
	for name, q := range map[string]queue.Queue{queueEvents: s.events, queueNotifications: s.notifications} {
		n, err := q.PendingCount(ctx)
		if err != nil {
			s.logger.Debug("queue depth unavailable", "queue", name, "error", err.Error())
			continue
		}
		s.metrics.QueueDepth.WithLabelValues(name).Set(float64(n))
	}
	if worker, ok := s.deliveryQ.(*notifyqueue.NATSWorker); ok {
		if n, err := worker.PendingCount(); err == nil {
			s.metrics.QueueDepth.WithLabelValues("delivery").Set(float64(n))
		}
	}
}

// Shutdown stops workers and closes runtime resources in dependency order.
// Params: none.
// Returns: joined close errors; later calls return the first result.
func (s *Service) Shutdown() error {
	s.stopOnce.Do(func() {
		s.readyFlag.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				s.logger.Error("http shutdown failed", "error", err.Error())
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		for _, q := range []queue.Queue{s.events, s.notifications} {
			if q != nil {
				_ = q.Close()
			}
		}
		s.workers.Wait()
		errs = append(errs, s.closeRuntime()...)
		if s.closeNotify != nil {
			s.closeNotify()
		}
		if s.closeLog != nil {
			s.closeLog()
		}
		s.stopErr = errors.Join(errs...)
	})
	return s.stopErr
}

func (s *Service) closeRuntime() []error {
	var errs []error
	closeOne := func(name string, c interface{ Close() error }) {
		if c == nil {
			return
		}
		if err := c.Close(); err != nil {
			s.logger.Error(name+" close failed", "error", err.Error())
			errs = append(errs, fmt.Errorf("%s close: %w", name, err))
		}
	}
	closeOne("expiry consumer", s.expirySub)
	closeOne("delivery worker", s.deliveryQ)
	if s.delivery != nil {
		closeOne("delivery producer", s.delivery)
	}
	if s.store != nil {
		closeOne("store", s.store)
	}
	return errs
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	for _, q := range []queue.Queue{s.events, s.notifications} {
		if q != nil {
			_ = q.Close()
		}
	}
	_ = s.closeRuntime()
}

// buildStorage opens the state store and both work queues for the configured mode.
func (s *Service) buildStorage() error {
	if isSingleMode(s.cfg) {
		s.store = state.NewMemoryStore(s.clock.Now)
		s.events = queue.NewMemoryQueue()
		s.notifications = queue.NewMemoryQueue()
		return nil
	}
	store, err := state.NewNATSStore(config.DeriveStateNATSConfig(s.cfg))
	if err != nil {
		return err
	}
	s.store = store
	if s.events, err = queue.NewJetStreamQueue(config.DeriveEventQueueConfig(s.cfg)); err != nil {
		return err
	}
	if s.notifications, err = queue.NewJetStreamQueue(config.DeriveNotificationQueueConfig(s.cfg)); err != nil {
		return err
	}
	return nil
}

// buildDelivery wires alert delivery queues to the gateway router.
func (s *Service) buildDelivery() error {
	if isSingleMode(s.cfg) {
		mem := notifyqueue.NewMemoryQueue(0, s.logger, s.router.Handle)
		s.delivery = mem
		return nil
	}
	deliveryCfg := config.DeriveDeliveryQueueConfig(s.cfg)
	producer, err := notifyqueue.NewNATSProducer(deliveryCfg)
	if err != nil {
		return err
	}
	s.delivery = producer
	worker, err := notifyqueue.NewNATSWorker(deliveryCfg, s.logger, s.router.Handle)
	if err != nil {
		return err
	}
	s.deliveryQ = worker
	return nil
}

// buildExpiryConsumer subscribes to KV expiry markers in JetStream mode.
func (s *Service) buildExpiryConsumer() error {
	if isSingleMode(s.cfg) {
		return nil
	}
	consumer, err := state.NewExpiryConsumer(config.DeriveStateNATSConfig(s.cfg), func(ctx context.Context, key, reason string) error {
		if err := s.tracker.HandleExpiry(ctx, key, reason); err != nil {
			s.logger.Error("expiry handling failed", "key", key, "error", err.Error())
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.expirySub = consumer
	return nil
}

// buildHTTPServer wires health, readiness, ingest, metrics, and report endpoints.
func (s *Service) buildHTTPServer(reporter *report.Reporter) {
	httpCfg := s.cfg.Ingest.HTTP
	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpCfg.MetricsPath, s.metrics.Handler())
	if httpCfg.Enabled {
		mux.Handle(httpCfg.IngestPath, ingest.NewHTTPHandler(s.events, ingest.Options{
			MaxBodyBytes: httpCfg.MaxBodyBytes,
			RatePerSec:   httpCfg.RatePerSec,
			Burst:        httpCfg.Burst,
			Metrics:      s.metrics,
			Logger:       s.logger,
			Now:          s.clock.Now,
		}))
	}
	reportsPrefix := strings.TrimRight(httpCfg.ReportsPath, "/") + "/"
	mux.Handle(reportsPrefix, ingest.NewReportsHandler(reportsPrefix, reporter, s.logger))

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
