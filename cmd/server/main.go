package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"worldsync/server/internal/acl"
	"worldsync/server/internal/app"
	"worldsync/server/internal/config"
	"worldsync/server/internal/gateway"
	"worldsync/server/internal/metrics"
	"worldsync/server/internal/provider"
	"worldsync/server/internal/session"
	"worldsync/server/internal/store"
	"worldsync/server/internal/tick"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	m := metrics.New()

	// Redis credential cache is optional; without it every validation goes to
	// Postgres.
	var credentialCache *session.RedisCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for credential validation caching")
		credentialCache, err = session.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer credentialCache.Close()
	}

	sessions := session.NewService(dataStore, credentialCache, session.Config{
		TokenSecret:        []byte(cfg.TokenSecret),
		SweepInterval:      cfg.SessionSweepInterval,
		MaxAge:             cfg.SessionMaxAge,
		InactiveExpiry:     cfg.SessionInactiveExpiry,
		CredentialCacheTTL: cfg.CredentialCacheTTL,
	})
	providers := provider.NewService(dataStore, sessions)
	aclCache := acl.NewCache(dataStore, cfg.QueryTimeout)
	hub := gateway.NewHub(dataStore, sessions, aclCache, m, cfg.QueryTimeout, cfg.CORSOrigin)

	ticks := tick.NewManager(dataStore, m, cfg.QueryTimeout)
	if err := ticks.Initialize(ctx); err != nil {
		log.Fatalf("tick scheduler initialization failed: %v", err)
	}
	if err := ticks.Start(); err != nil {
		log.Fatalf("tick scheduler start failed: %v", err)
	}
	defer ticks.Stop()

	// Change feed: entity events fan out to gateway subscribers, role events
	// invalidate the ACL cache, session events purge stale credentials and
	// drop dead connections.
	listener := store.NewListener(cfg.DatabaseURL,
		store.ChannelEntityChanges,
		store.ChannelRoleChanges,
		store.ChannelSessionChanges,
	)
	listener.OnEvent(func(event store.ChangeEvent) {
		switch event.Channel {
		case store.ChannelEntityChanges:
			hub.HandleEntityChange(ctx, event)
		case store.ChannelRoleChanges:
			aclCache.HandleRoleChange(event)
		case store.ChannelSessionChanges:
			sessions.HandleSessionChange(ctx, event)
			hub.HandleSessionChange(ctx, event)
		}
	})
	listener.OnResync(func() {
		aclCache.Resync(ctx)
	})
	go listener.Run(ctx)

	go sessions.RunSweeper(ctx)

	service := app.NewService(cfg, dataStore, sessions, providers, aclCache, ticks, hub, m)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No Read/WriteTimeout: long-lived websocket connections run on this
		// server and manage their own deadlines.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("worldsync server listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	hub.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
