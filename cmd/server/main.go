package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/driver-availability/internal/booking"
	"github.com/example/driver-availability/internal/cache"
	"github.com/example/driver-availability/internal/config"
	httpapi "github.com/example/driver-availability/internal/http"
	"github.com/example/driver-availability/internal/logging"
	"github.com/example/driver-availability/internal/matcher"
	"github.com/example/driver-availability/internal/notify"
	"github.com/example/driver-availability/internal/status"
	"github.com/example/driver-availability/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.DriverStore
	var guard booking.Guard
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			runMigrations(ps, logger)
		}
		store = ps
		guard = booking.NewPostgresGuard(ps.DB())
	} else {
		mg := booking.NewMemoryGuard()
		store = storage.NewMemoryStore(mg)
		guard = mg
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var avail cache.AvailabilityCache
	if cfg.RedisAddr != "" {
		avail = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.FreshnessWindow)
	} else {
		avail = cache.NewMemoryCache(cfg.FreshnessWindow)
		logger.Warn("REDIS_ADDR not set, using in-memory availability cache")
	}

	registry := notify.NewWSRegistry(logging.ForComponent(logger, "fanout"))
	var pub notify.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		pub = kp
	} else {
		// no broker: fan out in-process so subscribers still get events
		pub = &notify.FanoutPublisher{Registry: registry}
	}

	engine := status.NewEngine(store, avail, pub, guard, status.DefaultTable(),
		logging.ForComponent(logger, "engine"),
		status.Config{FreshnessWindow: cfg.FreshnessWindow, TransitionTimeout: cfg.TransitionTimeout})

	m := &matcher.Service{
		Cache:           avail,
		Guard:           guard,
		Store:           store,
		FreshnessWindow: cfg.FreshnessWindow,
		QueryTimeout:    cfg.MatchTimeout,
		Logger:          logging.ForComponent(logger, "matcher"),
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(engine, m, registry, logger, cfg.JWTSecret),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("availability API listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func runMigrations(ps *storage.PostgresStore, logger *slog.Logger) {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_availability.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := ps.DB().Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_availability.sql")
}
