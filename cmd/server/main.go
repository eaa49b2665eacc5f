// Package main provides the realtime backend binary: it serves the
// websocket frontend, the session registry, and matchmaking.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/congregate-gg/backend/internal/auth"
	"github.com/congregate-gg/backend/internal/config"
	"github.com/congregate-gg/backend/internal/frontend/handlers"
	"github.com/congregate-gg/backend/internal/frontend/ws"
	"github.com/congregate-gg/backend/internal/game/geo"
	"github.com/congregate-gg/backend/internal/game/matchmaking"
	"github.com/congregate-gg/backend/internal/game/session"
	"github.com/congregate-gg/backend/internal/gameserver"
	"github.com/congregate-gg/backend/internal/observability"
	"github.com/congregate-gg/backend/internal/server"
	"github.com/congregate-gg/backend/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting realtime backend",
		zap.String("addr", cfg.Server.Addr()),
	)

	// Load the city catalog used to seed spawn positions.
	catalogStart := time.Now()
	catalog, err := geo.LoadCatalog(cfg.Geo.CitiesPath)
	if err != nil {
		logger.Fatal("loading city catalog", zap.Error(err))
	}
	logger.Info("city catalog loaded",
		zap.Int("cities", len(catalog.Cities())),
		zap.Duration("elapsed", time.Since(catalogStart)),
	)

	// Connect to PostgreSQL for game persistence. With the database
	// disabled, games run in memory with an unset city.
	var pool *postgres.Pool
	var lookup session.CityLookup
	var store gameserver.GameStore
	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err = postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		gameRepo := postgres.NewGameRepository(pool.DB())
		lookup = gameRepo.City
		store = gameRepo
	} else {
		logger.Warn("database disabled, games are not persisted")
	}

	// Wire the game layer.
	rooms := gameserver.NewRooms(logger)
	registry := session.NewRegistry(lookup, gameserver.StatusBroadcaster(rooms), logger)
	queue := matchmaking.NewQueue(matchmaking.Policy{
		MinPartySize: cfg.Matchmaking.MinPartySize,
		MaxWait:      cfg.Matchmaking.MaxWait,
	}, logger)
	protocol := gameserver.NewProtocol(
		registry, rooms, queue, catalog,
		cfg.Geo.SpawnRadiusMeters, store, logger,
	)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	acceptor := ws.NewAcceptor(cfg.Server, verifier, handlers.NewSessionBridge(protocol), logger)

	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	matchDone := make(chan struct{})
	lifecycle.Add("matchmaking", &server.FuncService{
		StartFn: func() error { <-matchDone; return nil },
		StopFn: func() {
			queue.Close()
			close(matchDone)
		},
	})

	lifecycle.Add("session-sweep", &server.Periodic{
		Interval: cfg.Session.SweepInterval,
		Tick: func() {
			registry.Sweep(cfg.Session.EvictAfter)
		},
	})

	if pool != nil {
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				for {
					time.Sleep(30 * time.Second)
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			},
			StopFn: pool.Close,
		})
	}

	logger.Info("realtime backend initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Server.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
