package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaykit/llmgate/internal/config"
	"github.com/relaykit/llmgate/internal/keymanager"
	"github.com/relaykit/llmgate/internal/loadbalancer"
	"github.com/relaykit/llmgate/internal/proxy"
	"github.com/relaykit/llmgate/internal/repository"
	"github.com/relaykit/llmgate/internal/server"
	"github.com/relaykit/llmgate/internal/settingsvc"
)

// Application is the fully wired process: the HTTP server plus a Cleanup
// hook that stops background goroutines and closes the database pool.
type Application struct {
	Server  *http.Server
	Cleanup func()
}

// initializeApplication builds every collaborator by hand, in dependency
// order. The teacher's codegen'd wire.Build chain isn't applicable here
// (no go:generate step runs as part of this work), so this is the same
// graph, assembled directly.
func initializeApplication(cfg *config.Config) (*Application, error) {
	logger := slog.Default()

	db, err := repository.OpenPostgres(cfg)
	if err != nil {
		return nil, err
	}

	if err := repository.ApplyMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	keysRepo := repository.NewKeysRepo(db)
	logsRepo := repository.NewLogsRepo(db)
	settingsRepo := repository.NewSettingsRepo(db)

	settingsCache := settingsvc.NewCache(settingsRepo)
	connections := loadbalancer.NewConnections()
	keyManager := keymanager.NewManager(keysRepo, settingsCache, connections, logger)
	upstream := repository.NewUpstreamClient(cfg)

	handler := &proxy.Handler{
		Keys:                         keyManager,
		Settings:                     settingsCache,
		Connections:                  connections,
		Logs:                         logsRepo,
		Upstream:                     upstream,
		TrackBody:                    repository.WrapTrackedBody,
		LogUpstreamErrorBody:         cfg.Gateway.LogUpstreamErrorBody,
		LogUpstreamErrorBodyMaxBytes: cfg.Gateway.LogUpstreamErrorBodyMaxBytes,
		Logger:                       logger,
	}

	router := server.ProvideRouter(cfg, handler)
	httpServer := server.ProvideHTTPServer(cfg, router)

	janitorStop := make(chan struct{})
	go connections.RunJanitor(time.Duration(cfg.Gateway.ConnectionJanitorIntervalSeconds)*time.Second, janitorStop)

	sweeperStop := make(chan struct{})
	sweeper := repository.NewLogsRetentionSweeper(
		logsRepo,
		settingsCache,
		time.Duration(cfg.Gateway.LogRetentionSweepIntervalMinutes)*time.Minute,
		logger,
	)
	go sweeper.Run(context.Background(), sweeperStop)

	cleanup := provideCleanup(db, janitorStop, sweeperStop)

	return &Application{Server: httpServer, Cleanup: cleanup}, nil
}

func provideCleanup(db *sql.DB, janitorStop, sweeperStop chan struct{}) func() {
	return func() {
		close(janitorStop)
		close(sweeperStop)
		if err := db.Close(); err != nil {
			log.Printf("[Cleanup] Postgres close failed: %v", err)
		}
	}
}
