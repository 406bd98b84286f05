// Package bootstrap wires configuration, ingestion, detection and emission
// into one runnable application with a defined init/shutdown lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sieman/config"
	"sieman/detect"
	"sieman/ingest"
	"sieman/notify"
	"sieman/util/goroutine"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App owns every long-lived component of the pipeline. Each App instance is
// self-contained; nothing here is a process-wide global, so tests can run
// several side by side.
type App struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	manager     *ingest.Manager
	engine      *detect.Engine
	emitter     notify.Emitter
	fileEmitter *notify.FileEmitter
	dlq         *ingest.DLQ
	offsetStore ingest.OffsetStore
	httpServer  *http.Server

	consumerWg   sync.WaitGroup
	shutdownCh   chan os.Signal
	shutdownOnce sync.Once
}

// NewApp loads configuration and constructs the full pipeline. Rule
// compilation errors abort here, before any source is opened.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	rules, err := detect.LoadRules(cfg.Engine.RulesPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	app := &App{
		cfg:        cfg,
		logger:     logger,
		shutdownCh: make(chan os.Signal, 1),
	}

	if cfg.DLQ.Enabled {
		dlq, err := ingest.OpenDLQ(cfg.DLQ.Path, logger)
		if err != nil {
			return nil, err
		}
		app.dlq = dlq
	}

	registry := ingest.DefaultRegistry()
	sources, err := buildSources(cfg, registry, logger)
	if err != nil {
		return nil, err
	}

	store, err := buildOffsetStore(cfg.Offsets)
	if err != nil {
		return nil, err
	}
	app.offsetStore = store

	normalizer := ingest.NewNormalizer(registry, app.dlq, logger)
	app.manager = ingest.NewManager(sources, normalizer, store, cfg.Engine.QueueSize, logger)
	app.engine = detect.NewEngine(rules, cfg.Engine.MaxStateKeys, logger)

	emitters := []notify.Emitter{notify.NewLogEmitter(logger)}
	if cfg.Report.Path != "" {
		fe, err := notify.NewFileEmitter(cfg.Report.Path)
		if err != nil {
			return nil, err
		}
		app.fileEmitter = fe
		emitters = append(emitters, fe)
	}
	if len(cfg.Notifications) > 0 {
		emitters = append(emitters, notify.NewNotifier(cfg.Notifications, logger))
	}
	app.emitter = notify.NewMultiEmitter(logger, emitters...)

	return app, nil
}

// Start launches ingestion, the evaluation consumer, and the metrics
// server.
func (a *App) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("start sources: %w", err)
	}

	a.consumerWg.Add(1)
	go func() {
		defer a.consumerWg.Done()
		defer goroutine.Recover("evaluation-consumer", a.logger)
		// Ranging until close gives the graceful drain: queued events
		// finish evaluation after sources stop.
		for event := range a.manager.Events() {
			for _, alert := range a.engine.Evaluate(event) {
				if err := a.emitter.Emit(ctx, alert); err != nil {
					a.logger.Warnw("alert emission failed", "rule", alert.RuleName, "error", err)
				}
			}
		}
	}()

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		a.httpServer = &http.Server{Addr: addr, Handler: a.routes()}
		go func() {
			defer goroutine.Recover("metrics-server", a.logger)
			if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Errorw("metrics server failed", "error", err)
			}
		}()
		a.logger.Infow("metrics server listening", "addr", addr)
	}

	signal.Notify(a.shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	a.logger.Infow("pipeline started",
		"sources", len(a.cfg.Sources), "rules", len(a.engine.Rules()))
	return nil
}

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return r
}

// WaitForShutdown blocks until SIGINT/SIGTERM.
func (a *App) WaitForShutdown() {
	sig := <-a.shutdownCh
	a.logger.Infow("shutdown signal received", "signal", sig.String())
}

// Shutdown drains the pipeline: sources stop reading, queued events finish
// evaluation, then state and sinks are released. Safe to call more than
// once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.manager.Stop()
		a.consumerWg.Wait()
		a.engine.Stop()

		stats := a.manager.Stats()
		a.logger.Infow("pipeline drained",
			"events_ingested", stats.EventsIngested,
			"lines_skipped", stats.LinesSkipped,
			"sources_failed", stats.SourcesFailed)
		for id, err := range a.manager.FailedSources() {
			a.logger.Warnw("source ended in failure", "source", id, "error", err)
		}

		if a.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.httpServer.Shutdown(shutdownCtx)
			cancel()
		}
		if a.fileEmitter != nil {
			a.fileEmitter.Close()
		}
		if a.dlq != nil {
			a.dlq.Close()
		}
		if a.offsetStore != nil {
			a.offsetStore.Close()
		}
		a.logger.Sync()
	})
}

// buildSources materializes the configured sources, registering dedicated
// CSV extractor instances where a source declares its own columns.
func buildSources(cfg *config.Config, registry *ingest.Registry, logger *zap.SugaredLogger) ([]ingest.Source, error) {
	var sources []ingest.Source
	for _, sc := range cfg.Sources {
		format := sc.Format
		if format == ingest.FormatCSV && len(sc.CSVColumns) > 0 {
			format = ingest.FormatCSV + ":" + sc.ID
			registry.Register(format, ingest.NewCSVExtractor(sc.CSVColumns))
		}

		switch sc.Type {
		case "file":
			sources = append(sources, ingest.NewFileSource(sc.ID, sc.Path, format, sc.Follow))
		case "directory":
			dirSources, err := ingest.NewDirectorySources(sc.ID, sc.Path, format, sc.Follow)
			if err != nil {
				return nil, err
			}
			for _, ds := range dirSources {
				sources = append(sources, ds)
			}
		case "tcp":
			sources = append(sources, ingest.NewTCPSource(sc.ID, format, sc.Addr, sc.RateLimit, logger))
		default:
			return nil, fmt.Errorf("unknown source type %q for source %s", sc.Type, sc.ID)
		}
	}
	return sources, nil
}

func buildOffsetStore(cfg config.OffsetsConfig) (ingest.OffsetStore, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "file":
		return ingest.NewFileOffsetStore(cfg.Path), nil
	case "sqlite":
		return ingest.NewSQLiteOffsetStore(cfg.Path)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return ingest.NewRedisOffsetStore(client), nil
	default:
		return nil, fmt.Errorf("unknown offsets backend %q", cfg.Backend)
	}
}
