// Package app wires all Adacab subsystems into a running application.
//
// The App owns the process lifecycle: New builds the backends and the call
// manager from config; Run serves the metrics endpoint, blocks until the
// context ends, then drains live calls.
//
// SIP signaling lives outside this module: the embedding telephony layer
// answers the call, negotiates media, and hands each answered leg to
// [CallManager.StartCall] as an [rtp.Port].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/adacab/adacab/internal/config"
	"github.com/adacab/adacab/internal/health"
	"github.com/adacab/adacab/internal/observe"
	"github.com/adacab/adacab/internal/resilience"
	"github.com/adacab/adacab/internal/turns"
	"github.com/adacab/adacab/pkg/audio"
	"github.com/adacab/adacab/pkg/backend"
)

// App owns the process-wide subsystems.
type App struct {
	cfg     *config.Config
	manager *CallManager
	breaker *resilience.Breaker

	otelShutdown func(context.Context) error
}

// New builds the application from cfg.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "adacab",
	})
	if err != nil {
		return nil, fmt.Errorf("app: observability: %w", err)
	}

	codec, err := audio.ParseCodec(valueOr(cfg.Audio.Codec, "alaw"))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	timeout := time.Duration(cfg.Backends.TimeoutSeconds) * time.Second
	breaker := resilience.NewBreaker("backends",
		cfg.Backends.BreakerMaxFailures,
		time.Duration(cfg.Backends.BreakerCooldownSeconds)*time.Second,
	)
	clientOpts := []backend.ClientOption{backend.WithBreaker(breaker)}
	if timeout > 0 {
		clientOpts = append(clientOpts, backend.WithTimeout(timeout))
	}
	geocode := backend.NewHTTPGeocoder(cfg.Backends.GeocodeURL, clientOpts...)
	dispatch := backend.NewHTTPDispatcher(cfg.Backends.DispatchURL, clientOpts...)

	analyzer, err := buildAnalyzer(cfg)
	if err != nil {
		return nil, err
	}

	manager := NewCallManager(cfg, codec, geocode, dispatch, analyzer)

	return &App{
		cfg:          cfg,
		manager:      manager,
		breaker:      breaker,
		otelShutdown: otelShutdown,
	}, nil
}

// Manager exposes the call manager to the embedding telephony layer.
func (a *App) Manager() *CallManager { return a.manager }

// Run serves the metrics endpoint and blocks until ctx is cancelled, then
// drains live calls and shuts observability down.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.healthHandler().Mount(mux)
		srv := &http.Server{Addr: addr, Handler: mux}

		g.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.manager.StopAll()
		return nil
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if oerr := a.otelShutdown(shutdownCtx); oerr != nil {
		slog.Warn("observability shutdown", "err", oerr)
	}
	return err
}

// healthHandler wires the readiness checks: backend circuit state and call
// capacity.
func (a *App) healthHandler() *health.Handler {
	h := health.New()
	h.Register("backends", func(context.Context) error {
		if !a.breaker.Healthy() {
			return errors.New("backend circuit open")
		}
		return nil
	})
	h.Register("capacity", func(context.Context) error {
		maxCalls := a.cfg.Session.MaxConcurrentCalls
		if maxCalls <= 0 {
			maxCalls = defaultMaxConcurrentCalls
		}
		if a.manager.ActiveCalls() >= maxCalls {
			return fmt.Errorf("at capacity (%d calls)", maxCalls)
		}
		return nil
	})
	return h
}

func buildAnalyzer(cfg *config.Config) (turns.Analyzer, error) {
	switch cfg.Analyzer.Mode {
	case "", "rules":
		return turns.NewRuleAnalyzer(), nil
	case "llm":
		key := valueOr(cfg.Analyzer.APIKey, cfg.Realtime.APIKey)
		a, err := turns.NewLLMAnalyzer(key, cfg.Analyzer.Model)
		if err != nil {
			return nil, fmt.Errorf("app: analyzer: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("app: unknown analyzer mode %q", cfg.Analyzer.Mode)
	}
}

func valueOr(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
