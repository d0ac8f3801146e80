package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tideline/api/internal/app"
	"tideline/api/internal/config"
	"tideline/api/internal/notify"
	"tideline/api/internal/search"
	"tideline/api/internal/store"
	"tideline/api/internal/stream"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	notifyStore, err := notify.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer notifyStore.Close()

	pglike := search.NewPgLike(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pglike, logger)

	alertFloor, err := store.ParseAccessLevel(cfg.AlertMinLevel)
	if err != nil {
		logger.Fatal("invalid alert min level", zap.String("level", cfg.AlertMinLevel), zap.Error(err))
	}

	planner := stream.NewPlanner(stream.Limits{
		DefaultLimit: cfg.DefaultPageLimit,
		MaxLimit:     cfg.MaxPageLimit,
	})
	diffEngine := stream.NewDiffEngine(dataStore, dataStore, notifyStore, alertFloor, logger)
	streamService := stream.NewService(dataStore, planner, diffEngine, searchService, logger)

	httpServer := app.NewHTTPServer(streamService, searchService, notifyStore, dataStore, []byte(cfg.JWTSecret), cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Tideline API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
