package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"swiss-sandbox/internal/admission"
	"swiss-sandbox/internal/api"
	"swiss-sandbox/internal/config"
	"swiss-sandbox/internal/execution"
	"swiss-sandbox/internal/isolation"
	"swiss-sandbox/internal/monitor"
	"swiss-sandbox/internal/policy"
	"swiss-sandbox/internal/runtime"
	"swiss-sandbox/internal/storage"
	"swiss-sandbox/internal/workspace"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if !cfg.Server.Production && os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Isolation provider is optional; without one every workspace is
	// filesystem-only.
	provider, err := isolation.New(ctx, cfg.IsolationOptions())
	if err != nil {
		log.Warn().Err(err).Msg("no isolation provider available, workspaces will be filesystem-only")
		provider = nil
	}
	executor, _ := provider.(isolation.Executor)

	policies, err := policy.NewManager(cfg.PolicyOverrides(), provider)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to compile security policies")
	}

	workspaces, err := workspace.NewManager(cfg.WorkspaceOptions(), provider, policies, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize workspace manager")
	}

	engine := execution.NewEngine(execution.Options{
		HistoryLimit:   cfg.Execution.HistoryLimit,
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
	}, policies, runtime.NewRegistry(cfg.Execution.RenderBinary), executor, metrics)
	workspaces.OnDestroy(func(id string) { engine.CleanupContext(id) })

	adm := admission.NewManager(cfg.AdmissionOptions())

	// Initialize database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else if err := db.Migrate(ctx); err != nil {
			log.Warn().Err(err).Msg("audit schema migration failed, audit logging disabled")
			db.Close()
			db = nil
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, cfg.Execution.AuditBuffer)
		auditWriter.Start()
		engine.SetRecorder(auditWriter)
	}

	go adm.Run(ctx)
	go workspaces.Run(ctx)
	if sweeper, ok := provider.(isolation.Sweeper); ok {
		go sweepLoop(ctx, sweeper, cfg.Isolation.SweepInterval)
	}

	// Create and start HTTP server
	server := api.NewServer(cfg, adm, workspaces, engine, policies, db, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		cancel()
		workspaces.Shutdown(shutdownCtx)
		engine.CleanupAll()

		if provider != nil {
			if err := provider.Close(); err != nil {
				log.Error().Err(err).Msg("isolation provider close error")
			}
		}
	}()

	providerName := "none"
	if provider != nil {
		providerName = provider.Name()
	}
	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Str("isolation", providerName).
		Strs("languages", engine.Languages()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	// wait for the shutdown goroutine before the deferred db close
	<-ctx.Done()
	if auditWriter != nil {
		auditWriter.Flush(10 * time.Second)
	}
	log.Info().Msg("server stopped")
}

// sweepLoop removes containers left behind by a previous process, once at
// startup and then every interval.
func sweepLoop(ctx context.Context, s isolation.Sweeper, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.SweepOrphans(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOrphans(ctx)
		}
	}
}
