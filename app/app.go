// Package app wires the scanner together: scheduler, scan workers,
// notification router, callback listener and the HTTP API, with one shared
// shutdown path.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"forward-factor-scanner/api"
	"forward-factor-scanner/cache"
	"forward-factor-scanner/config"
	"forward-factor-scanner/database"
	"forward-factor-scanner/database/registry"
	"forward-factor-scanner/database/signals"
	"forward-factor-scanner/notifications"
	"forward-factor-scanner/provider"
	"forward-factor-scanner/tracker"
)

const shutdownTimeout = 10 * time.Second

// App owns every long-running component
type App struct {
	cfg *config.Config

	db        *database.Database
	cache     *cache.RedisClient
	signals   *signals.Repository
	registry  *registry.Repository
	messenger notifications.Messenger

	scheduler *Scheduler
	workers   *WorkerPool
	router    *Router
	apiServer *api.Server

	cancel context.CancelFunc
}

// New connects storage and builds every component. Nothing runs until Start.
func New(cfg *config.Config) (*App, error) {
	db, err := database.Connect(cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseName,
		cfg.DatabaseUser, cfg.DatabasePassword)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		return nil, fmt.Errorf("schema initialization failed: %w", err)
	}

	redisClient := cache.NewRedisClient(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
	if redisClient == nil {
		return nil, fmt.Errorf("redis connection failed")
	}

	signalsRepo := signals.NewRepository(db)
	registryRepo := registry.NewRepository(db)

	chains := provider.NewPolygonProvider(cfg.PolygonAPIKey, cfg.Scan.ProviderTimeout)
	trk := tracker.New(redisClient)
	messenger := notifications.NewTelegramMessenger(cfg.TelegramBotToken, cfg.Scan.MessengerTimeout)

	a := &App{
		cfg:       cfg,
		db:        db,
		cache:     redisClient,
		signals:   signalsRepo,
		registry:  registryRepo,
		messenger: messenger,
	}
	a.scheduler = NewScheduler(cfg, redisClient, registryRepo)
	a.workers = NewWorkerPool(cfg, redisClient, chains, trk, signalsRepo, registryRepo)
	a.router = NewRouter(cfg, redisClient, signalsRepo, registryRepo, messenger)
	a.apiServer = api.NewServer(cfg, db, redisClient, signalsRepo)
	return a, nil
}

// Start launches every component. Returns immediately; components run until
// Stop.
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.scheduler.Start(ctx)
	a.router.Start(ctx)

	go func() {
		if err := a.workers.Start(ctx); err != nil && ctx.Err() == nil {
			log.Printf("🚨 Worker pool exited: %v", err)
		}
	}()

	go func() {
		if err := a.messenger.Listen(ctx, a.handleCallback); err != nil && ctx.Err() == nil {
			log.Printf("🚨 Callback listener exited: %v", err)
		}
	}()

	go func() {
		if err := a.apiServer.Start(); err != nil {
			log.Printf("🚨 API server exited: %v", err)
		}
	}()

	log.Println("✅ Forward factor scanner started")
}

// handleCallback records a Place/Ignore decision arriving from the messenger
func (a *App) handleCallback(cb notifications.Callback) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Scan.DatabaseTimeout)
	defer cancel()

	user, err := a.registry.GetUserByChatID(ctx, cb.ChatID)
	if err != nil || user == nil {
		log.Printf("⚠️  Decision callback from unknown chat %s", cb.ChatID)
		return
	}

	decision := &database.SignalUserDecision{
		SignalID: cb.SignalID,
		UserID:   user.ID,
		Decision: cb.Action,
	}
	if err := a.signals.RecordDecision(ctx, decision); err != nil {
		log.Printf("⚠️  Could not record %s decision for signal %s: %v", cb.Action, cb.SignalID, err)
		return
	}
	log.Printf("✅ Recorded %s decision for signal %s (user %s)", cb.Action, cb.SignalID, user.ID)
}

// Stop cancels every component and closes connections, waiting briefly for
// in-flight requests to drain
func (a *App) Stop() {
	log.Println("🔄 Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.apiServer.Shutdown(ctx); err != nil {
		log.Printf("⚠️  API shutdown failed: %v", err)
	}

	if err := a.cache.Close(); err != nil {
		log.Printf("⚠️  Redis close failed: %v", err)
	}
	if err := a.db.Close(); err != nil {
		log.Printf("⚠️  Database close failed: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
