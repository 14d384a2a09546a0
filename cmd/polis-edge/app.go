package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-edge/pkg/admin"
	"github.com/polisai/polis-edge/pkg/background"
	"github.com/polisai/polis-edge/pkg/config"
	"github.com/polisai/polis-edge/pkg/content"
	"github.com/polisai/polis-edge/pkg/edge"
	"github.com/polisai/polis-edge/pkg/edgecache"
	"github.com/polisai/polis-edge/pkg/matching"
	"github.com/polisai/polis-edge/pkg/metrics"
	"github.com/polisai/polis-edge/pkg/profile"
	"github.com/polisai/polis-edge/pkg/selector"
	"github.com/polisai/polis-edge/pkg/storage"
	"github.com/polisai/polis-edge/pkg/telemetry"
	"github.com/polisai/polis-edge/pkg/upstream"
)

const shutdownTimeout = 10 * time.Second

// app is the wired edge process.
type app struct {
	data        http.Handler
	admin       *admin.Server
	originCache *edgecache.Fetcher
	store       storage.ResponseStore
	group       *background.Group
	metrics     *metrics.Metrics
}

// buildApp wires every component from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	m := metrics.New()
	group := background.New(logger, background.WithFailureHook(m.RecordBackgroundFailure))

	store, err := buildStore(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}

	engine, err := buildEngine(ctx, cfg.Matching, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	originURL, err := url.Parse(cfg.Origin.URL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("parse origin url: %w", err)
	}

	timeout := cfg.Upstream.Timeout
	originClient := telemetry.NewHTTPClient("origin", timeout, nil)

	breakers := upstream.NewSet(upstream.BreakerConfig{
		MaxFailures:      cfg.Upstream.Breaker.MaxFailures,
		OpenTimeout:      cfg.Upstream.Breaker.OpenTimeout,
		HalfOpenRequests: cfg.Upstream.Breaker.HalfOpenRequests,
	}, func(name string, state upstream.State) {
		m.RecordBreakerState(name, state == upstream.StateClosed)
	}, logger)

	originCache := edgecache.NewFetcher(store, originClient, group,
		edgecache.WithLogger(logger),
		edgecache.WithMetrics(m),
		edgecache.WithDefaultTTL(cfg.Cache.DefaultTTL),
	)
	contentCache := edgecache.NewFetcher(store, telemetry.NewHTTPClient("content", timeout, breakers.Transport("content", nil)), group,
		edgecache.WithLogger(logger),
		edgecache.WithMetrics(m),
		edgecache.WithDefaultTTL(cfg.Content.TTL),
	)

	profiles := profile.NewClient(profile.Config{
		BaseURL:     cfg.Profile.BaseURL,
		ClientID:    cfg.Profile.ClientID,
		Environment: cfg.Profile.Environment,
	}, telemetry.NewHTTPClient("profile", timeout, breakers.Transport("profile", nil)), logger)

	registry := content.DefaultRegistry(cfg.Content.ExperienceContentType, cfg.Content.PageContentType, logger, m)
	source := content.NewClient(content.Config{
		BaseURL:               cfg.Content.BaseURL,
		SpaceID:               cfg.Content.SpaceID,
		EnvironmentID:         cfg.Content.EnvironmentID,
		AccessToken:           cfg.Content.AccessToken,
		PageContentType:       cfg.Content.PageContentType,
		ExperienceContentType: cfg.Content.ExperienceContentType,
		IncludeDepth:          cfg.Content.IncludeDepth,
		TTL:                   cfg.Content.TTL,
	}, contentCache, registry, logger)

	handler, err := edge.NewHandler(edge.Config{
		OriginURL: originURL,
		IPHeader:  cfg.Profile.IPHeader,
	}, edge.Dependencies{
		Profiles: profiles,
		Content:  source,
		Selector: selector.New(engine, logger),
		Cache:    originCache,
		Origin:   originClient,
		Group:    group,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	adminServer := admin.NewServer(m, group, logger)
	adminServer.SetBreakers(breakers)
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		adminServer.AddCheck("cache", pinger.Ping)
	}

	return &app{
		data:        otelhttp.NewHandler(handler, "polis.edge"),
		admin:       adminServer,
		originCache: originCache,
		store:       store,
		group:       group,
		metrics:     m,
	}, nil
}

func buildStore(ctx context.Context, cfg config.CacheConfig) (storage.ResponseStore, error) {
	switch cfg.Backend {
	case config.CacheBackendRedis:
		return storage.NewRedisResponseStore(ctx, storage.RedisOptions{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			KeyPrefix:  cfg.Redis.KeyPrefix,
			Expiration: cfg.Redis.Retention,
		})
	case config.CacheBackendMemory, "":
		return storage.NewMemoryResponseStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func buildEngine(ctx context.Context, cfg config.MatchingConfig, logger *slog.Logger) (matching.Engine, error) {
	opts := []matching.Option{matching.WithLogger(logger)}
	if cfg.AudiencePolicyFile != "" {
		evaluator, err := matching.LoadRegoAudienceEvaluator(ctx, cfg.AudiencePolicyFile, cfg.AudienceEntrypoint)
		if err != nil {
			return nil, err
		}
		logger.Info("audience policy loaded", "path", cfg.AudiencePolicyFile)
		opts = append(opts, matching.WithAudienceEvaluator(evaluator))
	}
	return matching.NewStandard(opts...), nil
}

// serve runs both listeners until ctx ends, then drains them and the
// background work. A non-empty logLevel wins over the configured level,
// including after reloads.
func serve(ctx context.Context, cfg *config.Config, watcher *config.Watcher, logLevel string, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "polis-edge",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Error("Failed to close response store", "error", err)
		}
	}()

	if watcher != nil {
		go applyReloads(ctx, watcher.Subscribe(), a, logLevel, logger)
	}

	dataServer := &http.Server{
		Handler:      a.data,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	adminServer := &http.Server{
		Handler:           a.admin.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		tlsConfig, err := cfg.Server.TLS.ServerTLS()
		if err != nil {
			return err
		}
		dataServer.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 2)
	if err := startListener(dataServer, cfg.Server.DataAddress, "data", errCh, logger); err != nil {
		return err
	}
	if err := startListener(adminServer, cfg.Server.AdminAddress, "admin", errCh, logger); err != nil {
		_ = dataServer.Close()
		return err
	}
	a.admin.SetReady(true)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-errCh:
		logger.Error("Server failed", "error", serveErr)
	}
	a.admin.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := dataServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "server", "data", "error", err)
	}
	if err := a.group.Wait(shutdownCtx); err != nil {
		logger.Warn("Background work did not finish", "running", a.group.Running(), "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "server", "admin", "error", err)
	}
	return serveErr
}

// startListener binds addr and serves on it in the background. Servers with a
// TLSConfig serve TLS using its certificates.
func startListener(server *http.Server, addr, name string, errCh chan<- error, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s listener on %s: %w", name, addr, err)
	}

	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Server listening", "server", name, "addr", listener.Addr().String())

	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ServeTLS(listener, "", "")
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return nil
}
