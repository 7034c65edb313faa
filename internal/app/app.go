// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the command layer.
package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hexpair/foolvault/internal/archive"
	"github.com/hexpair/foolvault/internal/builder"
	"github.com/hexpair/foolvault/internal/captcha"
	"github.com/hexpair/foolvault/internal/clock/system"
	"github.com/hexpair/foolvault/internal/config"
	"github.com/hexpair/foolvault/internal/logging"
	"github.com/hexpair/foolvault/internal/progress"
	"github.com/hexpair/foolvault/internal/render"
	"github.com/hexpair/foolvault/internal/resolver"
	"github.com/hexpair/foolvault/internal/source"
	"github.com/hexpair/foolvault/internal/state"
	"github.com/hexpair/foolvault/internal/upgrade"
)

// App holds the shared, long-lived services: logger, fetch client, resolver,
// progress tracker, and the optional verification solver. It is initialized
// once at startup and handed to the commands that need it.
type App struct {
	Cfg      config.Config
	Logger   *zap.Logger
	Client   *source.Client
	Resolver *resolver.Resolver
	Sources  []source.Source
	Clock    archive.Clock
	Tracker  *progress.Tracker
	Solver   archive.VerificationSolver

	browser *captcha.Solver
	metrics *http.Server
}

// New wires every service from the configuration, failing fast if any
// critical piece cannot be initialized.
func New(cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}

	sources := make([]source.Source, len(cfg.Sources))
	for i, sc := range cfg.Sources {
		sources[i] = source.Source{
			Name:         sc.Name,
			BaseURL:      sc.BaseURL,
			Board:        cfg.Board,
			Spacing:      time.Duration(sc.SpacingSeconds) * time.Second,
			MaxRetries:   sc.MaxRetries,
			Verification: sc.Verification,
		}
	}

	client := source.NewClient(source.ClientConfig{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.RequestTimeout(),
		BaseDelay:   time.Duration(cfg.HTTP.BackoffInitialSec) * time.Second,
		MaxDelay:    time.Duration(cfg.HTTP.BackoffMaxSec) * time.Second,
		RatePenalty: time.Duration(cfg.HTTP.RatePenaltySeconds) * time.Second,
	}, sources, logger)

	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name
	}
	renderer := render.New(names)

	res := resolver.New(client, resolver.Config{}, renderer, logger)

	clk := system.New()
	sinks := []progress.Sink{progress.NewLogSink(logger)}
	a := &App{
		Cfg:      cfg,
		Logger:   logger,
		Client:   client,
		Resolver: res,
		Sources:  sources,
		Clock:    clk,
	}

	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		promSink, err := progress.NewPrometheusSink(registry)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		sinks = append(sinks, promSink)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		a.metrics = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("metrics server listening", zap.String("addr", a.metrics.Addr))
			if err := a.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	a.Tracker = progress.NewTracker(clk, logger, sinks...)
	client.SetObserver(a.Tracker)

	if cfg.Verification.Interactive {
		browser, err := captcha.NewChromedp(captcha.Config{
			Headless:  cfg.Verification.Headless,
			Timeout:   time.Duration(cfg.Verification.SolveTimeoutSec) * time.Second,
			UserAgent: cfg.HTTP.UserAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize verification solver: %w", err)
		}
		a.browser = browser
		a.Solver = browser
	} else {
		a.Solver = captcha.NewNoop()
	}

	return a, nil
}

// NewBuilder assembles a window builder over the app's services.
func (a *App) NewBuilder(latest archive.LatestFunc) (*builder.Builder, error) {
	return builder.New(builder.Config{
		DataDir:                 a.Cfg.Archive.DataDir,
		ManifestPath:            a.Cfg.Archive.ManifestPath,
		CachePath:               a.Cfg.Archive.CachePath,
		HardCap:                 a.Cfg.Archive.HardCap,
		InitialCheckpoint:       a.Cfg.Archive.InitialCheckpoint,
		InteractiveVerification: a.Cfg.Verification.Interactive,
	}, builder.Deps{
		Client:   a.Client,
		Resolver: a.Resolver,
		Sources:  a.Sources,
		Clock:    a.Clock,
		Logger:   a.Logger,
		Tracker:  a.Tracker,
		Latest:   latest,
		Solver:   a.Solver,
	})
}

// NewScanner assembles an upgrade scanner over the app's services.
func (a *App) NewScanner() (*upgrade.Scanner, error) {
	return upgrade.New(upgrade.Config{
		Cutoff: a.Cfg.UpgradeCutoff(),
	}, upgrade.Deps{
		Resolver: a.Resolver,
		Sources:  a.Sources,
		Clock:    a.Clock,
		Logger:   a.Logger,
	})
}

// Manifest loads the current checkpoint manifest.
func (a *App) Manifest() (*state.Manifest, error) {
	return state.LoadManifest(a.Cfg.Archive.ManifestPath, a.Logger)
}

// Close gracefully shuts down the app's services and flushes the logger.
func (a *App) Close() {
	if a.browser != nil {
		a.browser.Close()
	}
	if a.metrics != nil {
		_ = a.metrics.Close()
	}
	if a.Tracker != nil {
		a.Tracker.Close()
	}
	_ = a.Logger.Sync()
}
