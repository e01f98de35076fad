// Package bootstrap wires the application: config, logging, telemetry,
// storage, the engine and the API server, plus the process lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"trading_arena/internal/api"
	"trading_arena/internal/config"
	"trading_arena/internal/core"
	"trading_arena/internal/market"
	"trading_arena/internal/player"
	"trading_arena/internal/pnl"
	"trading_arena/internal/store"
	"trading_arena/pkg/concurrency"
	"trading_arena/pkg/logging"
	"trading_arena/pkg/telemetry"
)

const serviceName = "trading_arena"

// App holds the assembled components.
type App struct {
	Cfg     *config.Config
	Log     core.Logger
	Store   *store.Store
	Engine  *market.Engine
	Seeder  *market.Seeder
	Players *player.Service
	Hub     *api.Hub
	Server  *api.Server

	tel  *telemetry.Telemetry
	pool *concurrency.WorkerPool
}

// NewApp loads configuration and builds every component. addrOverride, when
// non-empty, replaces the configured listen address. Nothing is running yet
// when it returns; Run starts the lifecycle.
func NewApp(configPath, addrOverride string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}

	log, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tel, err := telemetry.Setup(serviceName)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := store.Open(cfg.System.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	clock := core.RealClock{}
	cache := pnl.NewCache(pnl.DefaultTTL, clock)
	engine := market.NewEngine(cfg.Market, st, cache, telemetry.GetGlobalMetrics(), clock, log)
	seeder := market.NewSeeder(cfg.Seed, cfg.Market.StartPrice, st, clock, log, nil)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "leaderboard",
		MaxWorkers:  8,
		MaxCapacity: 512,
	}, log)
	players := player.NewService(st, engine, pool, cfg.Market.InitialCash, clock, log)

	hub := api.NewHub(log)
	server := api.NewServer(cfg.Server, engine, players, hub, clock, log)
	engine.AddListener(server)

	return &App{
		Cfg:     cfg,
		Log:     log,
		Store:   st,
		Engine:  engine,
		Seeder:  seeder,
		Players: players,
		Hub:     hub,
		Server:  server,
		tel:     tel,
		pool:    pool,
	}, nil
}

// Run seeds history, restores engine state and drives the tick loop, the
// hub and the HTTP server until a termination signal arrives.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Seeder.Run(ctx); err != nil {
		return fmt.Errorf("seed history: %w", err)
	}
	if err := a.Engine.InitOrLoad(ctx); err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	a.Log.Info("starting application", "addr", a.Cfg.Server.Addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.Engine.Run(ctx)
	})
	g.Go(func() error {
		return a.Server.Start(ctx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Log.Error("application stopped with error", "error", err)
		a.shutdown()
		return err
	}

	a.shutdown()
	a.Log.Info("application shut down gracefully")
	return nil
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.pool.Stop()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.Log.Warn("telemetry shutdown", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		a.Log.Warn("store close", "error", err)
	}
}
