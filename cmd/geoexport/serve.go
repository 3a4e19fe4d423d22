package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/cache"
	"github.com/polisai/geoexport/pkg/config"
	"github.com/polisai/geoexport/pkg/dispatch"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/executor"
	"github.com/polisai/geoexport/pkg/jobs"
	"github.com/polisai/geoexport/pkg/logging"
	"github.com/polisai/geoexport/pkg/service"
	"github.com/polisai/geoexport/pkg/telemetry"
	"github.com/polisai/geoexport/pkg/webhook"
)

const limiterSweepInterval = 5 * time.Minute

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the export service",
		Long: `Run the HTTP service: submission API, job status, artifact download and
the push-backend webhook. The configuration file is watched and the limits,
cache TTL, execution timeout and log level are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides server.address)")
	cmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	cmd.Flags().String("mode", "", "Deployment mode (production, development)")
	return cmd
}

// flagOverrides turns the flags the user set into config overrides.
func flagOverrides(cmd *cobra.Command) ([]config.Override, error) {
	var overrides []config.Override
	flags := cmd.Flags()

	if flags.Changed("port") {
		port, err := flags.GetInt("port")
		if err != nil {
			return nil, fmt.Errorf("failed to get port flag: %w", err)
		}
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %d", port)
		}
		overrides = append(overrides, func(c *config.Config) {
			host, _, err := net.SplitHostPort(c.Server.Address)
			if err != nil {
				host = ""
			}
			c.Server.Address = net.JoinHostPort(host, strconv.Itoa(port))
		})
	}
	if flags.Changed("log-level") {
		level, err := flags.GetString("log-level")
		if err != nil {
			return nil, fmt.Errorf("failed to get log-level flag: %w", err)
		}
		overrides = append(overrides, func(c *config.Config) { c.Logging.Level = level })
	}
	if flags.Changed("mode") {
		mode, err := flags.GetString("mode")
		if err != nil {
			return nil, fmt.Errorf("failed to get mode flag: %w", err)
		}
		overrides = append(overrides, func(c *config.Config) { c.Mode = domain.Deployment(mode) })
	}
	return overrides, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	overrides, err := flagOverrides(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath, overrides...)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	slog.SetDefault(logger.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.ServiceVersion = version
	cfg.Telemetry.Environment = string(cfg.Mode)
	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise service", "error", err)
		return err
	}
	defer a.close()

	if configPath != "" {
		w, err := config.NewWatcher(configPath, cfg, logger.Logger,
			config.WithOverrides(overrides...),
			config.WithReloadHandler(a.applyReload),
			config.WithErrorHandler(func(error) { a.metrics.RecordConfigReload("failure") }),
		)
		if err != nil {
			logger.Warn("Configuration hot reload disabled", "error", err)
		} else {
			defer func() { _ = w.Close() }()
		}
	}

	logger.Info("Starting geoexport",
		"version", version,
		"mode", cfg.Mode,
		"address", cfg.Server.Address,
		"backend", a.dispatcher.Backend(),
		"webhook", a.dispatcher.WebhookTarget(),
		"engine", a.bridge.EntryPoint(),
	)
	return a.serve(ctx)
}

// app holds the wired components of a running service.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *telemetry.Metrics
	audit   *telemetry.StructuredLogger
	tracing *telemetry.TracingManager

	registry       *jobs.Registry
	store          *cache.MemoryStore
	timeouts       *governance.TimeoutManager
	bridge         *executor.Bridge
	submitLimiter  *governance.RateLimiter
	webhookLimiter *governance.RateLimiter
	gate           *webhook.Gate
	signer         *webhook.Signer

	queue          dispatch.TaskQueue
	httpQueue      *dispatch.HTTPQueue
	temporalClient client.Client
	temporalWorker worker.Worker
	workerStarted  bool

	dispatcher *dispatch.Dispatcher
	service    *service.Service
	handler    *service.Handler
}

// newApp builds every component from cfg. ctx bounds the lifetime of
// background work and in-flight executions.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(),
		audit:   telemetry.NewStructuredLogger(logger.Logger.With("component", "audit")),
		tracing: telemetry.NewTracingManager(cfg.Telemetry.Endpoint != ""),
	}
	log := logger.Logger

	deadlines := cfg.JobDeadlines()
	registryCfg := jobs.Config{
		Retention:         cfg.Jobs.Retention,
		MaxEntries:        cfg.Jobs.MaxEntries,
		QueuedTimeout:     deadlines.Queued,
		ProcessingTimeout: deadlines.Processing,
	}
	a.registry = jobs.NewRegistry(registryCfg, jobs.WithLogger(log), jobs.WithObserver(a.observeTransition))
	a.store = cache.NewMemoryStore(cache.WithLogger(log))

	a.timeouts = governance.NewTimeoutManager(cfg.Executor.Timeout)
	bridgeCfg := cfg.Executor.Config
	bridgeCfg.Deployment = cfg.Mode
	bridgeCfg.Limits = cfg.RequestLimits()
	bridge, err := executor.NewBridge(bridgeCfg, a.timeouts, log,
		executor.WithMetrics(a.metrics),
		executor.WithTracing(a.tracing),
		executor.WithAuditLogger(a.audit),
	)
	if err != nil {
		return nil, err
	}
	a.bridge = bridge
	if err := bridge.Check(); err != nil {
		return nil, fmt.Errorf("engine entry point: %w", err)
	}

	if err := a.buildAuth(); err != nil {
		return nil, err
	}
	if err := a.buildBackend(); err != nil {
		return nil, err
	}

	a.dispatcher, err = dispatch.NewDispatcher(dispatch.Config{
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Circuit:       cfg.Dispatch.Circuit,
	}, a.registry, a.queue, log, dispatch.WithMetrics(a.metrics), dispatch.WithTracing(a.tracing))
	if err != nil {
		a.close()
		return nil, err
	}

	a.service = service.New(service.Settings{
		CacheTTL: cfg.Cache.TTL,
		SyncWait: cfg.Server.SyncWait,
		Limits:   cfg.RequestLimits(),
	}, a.store, a.registry, a.dispatcher, a.bridge, log,
		service.WithMetrics(a.metrics),
		service.WithTracing(a.tracing),
		service.WithLifetime(ctx),
	)

	a.submitLimiter = governance.NewRateLimiter(cfg.Limits.Submit)
	a.handler = service.NewHandler(a.service, a.gate, a.submitLimiter, a.metrics, log,
		service.WithTrustedProxies(cfg.Server.Proxies()),
		service.WithAccessLog(telemetry.NewStructuredLogger(log.With("component", "http"))),
	)

	a.metrics.RegisterGaugeFunc("geoexport_jobs_tracked", "Jobs currently held by the registry.",
		func() float64 { return float64(a.registry.Len()) })
	a.metrics.RegisterGaugeFunc("geoexport_cache_entries", "Fingerprints currently cached.",
		func() float64 { return float64(a.store.Len()) })
	if a.httpQueue != nil {
		a.metrics.RegisterGaugeFunc("geoexport_delivery_queue_length", "Envelopes waiting for an in-process delivery worker.",
			func() float64 { return float64(a.httpQueue.Len()) })
	}
	return a, nil
}

// buildAuth creates the token signer used by in-process backends and the
// webhook gate that verifies those tokens.
func (a *app) buildAuth() error {
	cfg := a.cfg
	signerCfg := webhook.SignerConfig{Issuer: cfg.Auth.Issuer, Identity: cfg.Auth.Identity, TTL: cfg.Auth.TokenTTL}

	var err error
	if cfg.Auth.SigningKeyFile != "" {
		a.signer, err = webhook.LoadSigner(cfg.Auth.SigningKeyFile, signerCfg)
	} else {
		a.signer, err = webhook.NewEphemeralSigner(signerCfg)
	}
	if err != nil {
		return fmt.Errorf("token signer: %w", err)
	}

	var verifier *webhook.Verifier
	if !cfg.Auth.InsecureSkipVerify {
		var keys webhook.KeySource
		switch {
		case cfg.Auth.JWKSURL != "":
			keys = webhook.NewRemoteKeySource(cfg.Auth.JWKSURL, cfg.Auth.JWKSRefresh, a.logger.Logger)
		case cfg.Auth.JWKSFile != "":
			keys, err = webhook.LoadStaticKeySource(cfg.Auth.JWKSFile)
			if err != nil {
				return fmt.Errorf("jwks file: %w", err)
			}
		default:
			set, err := a.signer.PublicKeys()
			if err != nil {
				return fmt.Errorf("signer keys: %w", err)
			}
			keys = webhook.NewStaticKeySource(set)
		}
		verifier = webhook.NewVerifier(keys, cfg.Auth.ClockSkew)
	}

	a.webhookLimiter = governance.NewRateLimiter(cfg.Limits.Webhook)
	a.gate = webhook.NewGate(webhook.GateConfig{
		Audience:           cfg.Server.PublicBaseURL,
		Issuer:             cfg.Auth.Issuer,
		Identity:           cfg.Auth.Identity,
		InsecureSkipVerify: cfg.Auth.InsecureSkipVerify,
	}, verifier, a.webhookLimiter, a.logger.Logger,
		webhook.WithRecorder(a.metrics),
		webhook.WithAuditLogger(a.audit),
	)
	return nil
}

func (a *app) buildBackend() error {
	cfg := a.cfg
	log := a.logger.Logger

	switch cfg.Dispatch.Backend {
	case config.BackendTemporal:
		c, err := dispatch.DialTemporal(cfg.Dispatch.Temporal, log)
		if err != nil {
			return fmt.Errorf("temporal: %w", err)
		}
		a.temporalClient = c
		a.queue = dispatch.NewTemporalQueue(c, cfg.Dispatch.Temporal, log, a.tracing)
		a.temporalWorker = dispatch.NewTemporalWorker(c, cfg.Dispatch.Temporal, &dispatch.DeliveryActivities{
			Deliverer: &dispatch.Deliverer{
				Client:   &http.Client{},
				Tokens:   a.signer,
				Audience: cfg.Server.PublicBaseURL,
			},
		})
	default:
		a.httpQueue = dispatch.NewHTTPQueue(cfg.Dispatch.HTTP, a.signer, cfg.Server.PublicBaseURL, log,
			dispatch.WithQueueTracing(a.tracing))
		a.queue = a.httpQueue
	}
	return nil
}

// observeTransition feeds job transitions to metrics and the audit log.
func (a *app) observeTransition(job domain.Job, from domain.JobStatus) {
	a.metrics.RecordJobTransition(string(from), string(job.Status))
	a.audit.LogJobEvent(context.Background(), job.ID, job.Fingerprint, string(from), string(job.Status))
}

// applyReload applies the hot-reloadable settings of cfg.
func (a *app) applyReload(cfg *config.Config) {
	r := cfg.Reloadable()

	a.submitLimiter.Configure(r.SubmitLimit)
	a.gate.ConfigureRateLimit(r.WebhookLimit)
	if err := a.timeouts.Configure(r.Timeout); err != nil {
		a.logger.Warn("Execution timeout not updated", "error", err)
	}
	a.registry.SetDeadlines(r.Deadlines)
	a.service.Configure(service.Settings{
		CacheTTL: r.CacheTTL,
		SyncWait: r.SyncWait,
		Limits:   cfg.RequestLimits(),
	})
	if err := a.logger.SetLevel(r.LogLevel); err != nil {
		a.logger.Warn("Log level not updated", "error", err)
	}
	a.metrics.RecordConfigReload("success")
}

// startBackground launches the delivery workers and maintenance loops. They
// stop when ctx is cancelled.
func (a *app) startBackground(ctx context.Context, g *errgroup.Group) error {
	if a.httpQueue != nil {
		a.httpQueue.Start(ctx)
	}
	if a.temporalWorker != nil {
		if err := a.temporalWorker.Start(); err != nil {
			return fmt.Errorf("temporal worker: %w", err)
		}
		a.workerStarted = true
	}

	sweeper := cache.NewSweeper(a.store, a.cfg.Cache.SweepInterval, a.logger.Logger, a.metrics.RecordCachePurge)
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.registry.RunPruner(ctx, a.cfg.Jobs.PruneInterval)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.submitLimiter.Sweep()
				a.webhookLimiter.Sweep()
			}
		}
	})
	return nil
}

// serve runs the HTTP server until ctx is cancelled, then shuts it down.
func (a *app) serve(ctx context.Context) error {
	tlsConfig, err := a.cfg.Server.TLS.ServerTLSConfig()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.startBackground(gctx, g); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           a.handler.Instrumented(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		a.logger.Info("HTTP server listening", "address", srv.Addr, "tls", tlsConfig != nil)
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down", "timeout", a.cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	a.logger.Info("geoexport stopped")
	return err
}

// close releases backend connections. Safe to call on a partially built app.
func (a *app) close() {
	if a.httpQueue != nil {
		a.httpQueue.Close()
	}
	if a.workerStarted {
		a.temporalWorker.Stop()
		a.workerStarted = false
	}
	if a.temporalClient != nil {
		a.temporalClient.Close()
		a.temporalClient = nil
	}
}
