// Package app wires configuration into a running fieldsync instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fieldsync/internal/api"
	"fieldsync/internal/backend"
	"fieldsync/internal/config"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/engine"
	"fieldsync/internal/executor"
	"fieldsync/internal/logging"
	"fieldsync/internal/scheduler"
	"fieldsync/internal/store"
)

type App struct {
	cfg       *config.Config
	Store     store.Store
	Engine    *engine.Engine
	Monitor   connectivity.Monitor
	Scheduler *scheduler.Service
	API       *api.Server

	probe  *connectivity.Probe
	srv    *http.Server
	errc   chan error
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New opens the store and builds every component; nothing runs until Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{cfg: cfg, Store: st, logger: logging.Component("app")}

	switch cfg.Connectivity.Mode {
	case "manual":
		a.Monitor = connectivity.NewManual(cfg.Connectivity.InitialOnline)
	default:
		a.probe = connectivity.NewProbe(cfg.Connectivity.ProbeURL, cfg.Connectivity.Interval.Std(), cfg.Connectivity.Timeout.Std())
		a.Monitor = a.probe
	}

	reg := executor.NewRegistry()
	backend.NewClient(cfg.Backend.BaseURL,
		backend.WithToken(cfg.Backend.Token),
		backend.WithTimeout(cfg.Backend.Timeout.Std()),
		backend.WithRateLimit(cfg.Backend.RateLimit, cfg.Backend.Burst),
	).Register(reg)
	types := reg.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	a.logger.Debug().Strs("types", names).Str("base_url", cfg.Backend.BaseURL).Msg("executors registered")

	a.Engine, err = engine.New(cfg.EngineConfig(), engine.Deps{Store: st, Executor: reg, Monitor: a.Monitor})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a.Scheduler, err = scheduler.NewService(a.Engine, cfg.Jobs())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	opts := []api.Option{api.WithMonitor(a.Monitor), api.WithScheduler(a.Scheduler)}
	if l, ok := st.(store.AttemptLog); ok {
		opts = append(opts, api.WithAttemptLog(l))
	}
	a.API = api.NewServer(a.Engine, opts...)
	return a, nil
}

// Start loads the queue and starts every background component. It returns
// once the engine is accepting work.
func (a *App) Start(ctx context.Context) {
	a.Engine.Initialize(ctx)
	if a.probe != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.probe.Run(ctx)
		}()
	}
	a.Engine.Start(ctx)
	a.Scheduler.Start(ctx)

	a.errc = make(chan error, 1)
	if a.cfg.Server.Enabled {
		a.srv = &http.Server{Addr: a.cfg.Server.Addr, Handler: a.API}
		go func() {
			a.logger.Info().Str("addr", a.cfg.Server.Addr).Msg("HTTP server starting")
			if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.errc <- err
			}
		}()
	}
}

// Run starts the app and blocks until ctx is done or the HTTP server fails.
func (a *App) Run(ctx context.Context) error {
	a.Start(ctx)
	var err error
	select {
	case <-ctx.Done():
	case err = <-a.errc:
		a.logger.Error().Err(err).Msg("http server")
	}
	a.Shutdown()
	return err
}

// Shutdown stops components in reverse order and closes the store.
func (a *App) Shutdown() {
	a.logger.Info().Msg("shutting down")
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(ctx)
	}
	a.API.Close()
	a.Scheduler.Stop()
	a.Engine.Stop()
	a.wg.Wait()
	if err := a.Store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close store")
	}
}
