// prism-server is the managed-hostname registration service: a TCP
// registration endpoint, the liveness monitor and the read-only HTTP
// front-end, wired per configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/prismhq/prism/internal/api"
	"github.com/prismhq/prism/internal/config"
	"github.com/prismhq/prism/internal/dns"
	"github.com/prismhq/prism/internal/email"
	"github.com/prismhq/prism/internal/events"
	"github.com/prismhq/prism/internal/liveness"
	"github.com/prismhq/prism/internal/logger"
	"github.com/prismhq/prism/internal/registry"
	"github.com/prismhq/prism/internal/repository"
	"github.com/prismhq/prism/internal/server"
	"github.com/prismhq/prism/internal/stats"
	"github.com/prismhq/prism/internal/validation"
)

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 invalid configuration.
const (
	exitOK            = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.String("error", err.Error()))
		return exitInvalidConfig
	}

	ctx := context.Background()

	// Host store: PostgreSQL when configured, in-memory otherwise.
	var (
		store  registry.HostStore
		pool   *pgxpool.Pool
		dbPing api.PingFunc
	)
	if cfg.Database.Host != "" {
		var err error
		pool, err = repository.Connect(ctx, cfg.Database)
		if err != nil {
			log.Error("database connection failed", slog.String("error", err.Error()))
			return exitRuntimeError
		}
		defer pool.Close()
		store = repository.NewPostgresHostStore(pool)
		dbPing = pool.Ping
		log.Info("using postgres host store",
			slog.String("host", cfg.Database.Host),
			slog.String("database", cfg.Database.DBName))
	} else {
		store = registry.NewMemoryStore()
		log.Info("using in-memory host store")
	}

	// Suppression list: Redis when configured, the database when present,
	// process-local memory otherwise.
	var suppressions email.SuppressionStore
	switch {
	case cfg.Redis.Addr != "":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		suppressions = repository.NewRedisSuppressionStore(client)
	case pool != nil:
		suppressions = repository.NewPostgresSuppressionStore(pool)
	default:
		suppressions = email.NewMemorySuppressionStore()
	}

	dnsProvider, err := dns.FromConfig(cfg.DNS)
	if err != nil {
		log.Error("invalid dns configuration", slog.String("error", err.Error()))
		return exitInvalidConfig
	}

	mailProvider, err := email.FromConfig(cfg.Email, cfg.SMTP, cfg.Retry, cfg.Breaker, suppressions, log)
	if err != nil {
		log.Error("invalid email configuration", slog.String("error", err.Error()))
		return exitInvalidConfig
	}

	collector := stats.NewCollector()
	bus := events.NewBus()

	notifier := events.NewNotifier(events.NotifierConfig{
		AdminEmail: cfg.Email.AdminEmail,
	}, mailProvider, bus, log)
	notifier.Start(ctx)

	processor := registry.NewProcessor(registry.ProcessorConfig{
		AuthToken:        cfg.Server.AuthToken,
		DNSEnabled:       cfg.DNS.Enabled,
		DefaultZone:      cfg.DNS.DefaultZone,
		DefaultTTL:       cfg.DNS.DefaultTTL,
		BreakerThreshold: cfg.Breaker.FailureThreshold,
		BreakerRecovery:  cfg.Breaker.RecoveryTimeout,
	}, store, dnsProvider, bus, collector, log)
	processor.Start(ctx)

	srv := server.New(cfg.Server, cfg.Protocol, validation.New(log), processor, collector, log)
	if err := srv.Start(); err != nil {
		log.Error("tcp server failed to start", slog.String("error", err.Error()))
		processor.Stop()
		notifier.Stop()
		return exitRuntimeError
	}

	monitor := liveness.New(liveness.Config{
		HeartbeatInterval: cfg.Heartbeat.Interval,
		LivenessTimeout:   cfg.Heartbeat.LivenessTimeout,
		RetractionPolicy:  cfg.DNS.RetractionPolicy,
	}, store, dnsProvider, bus, collector, log)
	monitor.Start(ctx)

	var httpSrv *http.Server
	if cfg.HTTP.Enabled {
		handler := api.NewHandler(store, collector, dbPing, log)
		httpSrv = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
			Handler:      api.NewRouter(handler),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info("http front-end listening", slog.String("addr", httpSrv.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server failed", slog.String("error", err.Error()))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Shutdown order: stop accepting and drain connections, then the
	// sweeper, then the DNS queue, then the outward-facing extras.
	exit := exitOK
	if err := srv.Stop(); err != nil {
		log.Error("tcp server shutdown failed", slog.String("error", err.Error()))
		exit = exitRuntimeError
	}
	monitor.Stop()
	processor.Stop()

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.GracefulShutdownTimeout)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown failed", slog.String("error", err.Error()))
			exit = exitRuntimeError
		}
		cancel()
	}

	notifier.Stop()
	if closer, ok := mailProvider.(interface{ Close() }); ok {
		closer.Close()
	}

	log.Info("server exited")
	return exit
}
