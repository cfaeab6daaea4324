package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/breeze-rmm/meetbot/internal/audit"
	"github.com/breeze-rmm/meetbot/internal/auth"
	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/capture"
	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/join"
	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/media"
	"github.com/breeze-rmm/meetbot/internal/metrics"
	"github.com/breeze-rmm/meetbot/internal/orchestrator"
	"github.com/breeze-rmm/meetbot/internal/selectors"
	"github.com/breeze-rmm/meetbot/internal/sink"
	"github.com/breeze-rmm/meetbot/internal/storage"
	"github.com/breeze-rmm/meetbot/internal/tracing"
	"github.com/breeze-rmm/meetbot/internal/transcribe"
)

var log = logging.L("main")

// loadConfig reads the config and applies tiered validation: warnings are
// logged and clamped, fatals abort.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config adjusted", logging.KeyError, w)
	}
	if result.HasFatals() {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(result.Fatals...))
	}
	return cfg, nil
}

// initLogging points the root logger at the configured destination.
func initLogging(cfg *config.Config) (io.Closer, error) {
	out, closer, err := logging.Output(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups, true)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return closer, nil
}

// app holds the components shared by every command that runs meetings.
type app struct {
	cfg     *config.Config
	audit   *audit.Logger
	metrics *metrics.Metrics
	catalog *selectors.Catalog
	store   storage.Provider
	orch    *orchestrator.Orchestrator
	tracing *tracing.Provider
	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	closer, err := initLogging(cfg)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	if cfg.AuditEnabled {
		a.audit, err = audit.NewLogger(cfg.DataDir, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
		if err != nil {
			log.Warn("audit log unavailable", logging.KeyError, err)
		}
	}

	a.tracing, err = tracing.Setup(ctx, cfg.Tracing, version, os.Stderr)
	if err != nil {
		log.Warn("tracing unavailable", logging.KeyError, err)
	}

	a.catalog, err = selectors.Load(cfg.SelectorCatalog)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.store, err = storage.New(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	transcriber, err := transcribe.New(ctx, cfg.Transcription)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("transcription: %w", err)
	}

	a.orch = orchestrator.New(cfg, orchestrator.Deps{
		Sessions:    browser.NewManager(cfg.Browser),
		Auth:        auth.NewStepper(cfg.Auth, a.catalog),
		Joiner:      join.NewMachine(cfg.Join, a.catalog),
		Media:       media.NewAdapter(a.catalog),
		Capture:     capture.NewPipeline(cfg.Capture),
		Sink:        sink.New(a.store, transcriber, cfg.Storage, cfg.Transcription),
		Credentials: orchestrator.ConfigCredentials(cfg.Identity),
		Catalog:     a.catalog,
		Audit:       a.audit,
		Metrics:     a.metrics,
		Tracer:      a.tracing.Tracer(orchestrator.TracerName),
	})
	log.Info("components ready",
		"storage", a.store.Name(),
		"catalog", a.catalog.Version,
		"transcription", cfg.Transcription.Provider,
		"tracing", a.tracing.Exporter(),
	)
	return a, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracing.Shutdown(ctx); err != nil {
		log.Warn("tracing flush failed", logging.KeyError, err)
	}
	a.audit.Close()
	for _, c := range a.closers {
		c.Close()
	}
}
