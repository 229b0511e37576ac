// Command uploadgate serves the admission-gated place upload API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/uploadgate"
	"github.com/ineyio/uploadgate/executor/roblox"
	"github.com/ineyio/uploadgate/meter"
	"github.com/ineyio/uploadgate/relay"
	"github.com/ineyio/uploadgate/server"
	"github.com/ineyio/uploadgate/settings"
	"github.com/ineyio/uploadgate/store/memory"
	storepg "github.com/ineyio/uploadgate/store/postgres"
	storeredis "github.com/ineyio/uploadgate/store/redis"
)

const (
	shutdownTimeout = 10 * time.Second
	cleanupInterval = time.Hour
)

func main() {
	configPath := flag.String("config", os.Getenv("UPLOADGATE_CONFIG"), "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *envFile, logger); err != nil {
		logger.Error("uploadgate_exit", "error", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string, logger *slog.Logger) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	store, closeStore, err := openStore(ctx, g, cfg, policy, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	meters := meter.Multi{meter.NewLogMeter(logger)}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		pm, err := meter.NewPromMeter(reg)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		meters = append(meters, pm)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	gate, err := uploadgate.NewStoreGate(store, uploadgate.WithMeter(meters))
	if err != nil {
		return err
	}

	st, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		return err
	}

	identity, err := server.NewIdentityFunc(cfg.Identity, cfg.TrustProxyHeaders)
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Gate:           gate,
		Publisher:      newPublisher(cfg.Executor),
		Settings:       st,
		Meter:          meters,
		Identity:       identity,
		Policy:         policy,
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AdminToken:     cfg.AdminToken,
		Metrics:        metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
	}

	var hub *relay.Hub
	if cfg.Relay.Enabled {
		hub = relay.NewHub(relay.WithAllowedOrigins(cfg.Relay.AllowedOrigins...), relay.WithLogger(logger))
		srvCfg.Relay = hub
	}

	handler, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("uploadgate_listening",
			"addr", cfg.ListenAddr,
			"backend", cfg.Storage.Backend,
			"identity", cfg.Identity,
			"max_daily_tokens", policy.MaxDailyTokens,
			"cooldown", policy.Cooldown.String(),
			"timezone", policy.Location.String(),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("uploadgate_shutdown")
		if hub != nil {
			hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if configPath != "" {
		g.Go(func() error {
			reloadOnHangup(ctx, configPath, gate, logger)
			return nil
		})
	}

	return g.Wait()
}

func loadConfig(path string) (uploadgate.Config, error) {
	if path == "" {
		return uploadgate.DefaultConfig(), nil
	}
	return uploadgate.LoadConfig(path)
}

// reloadOnHangup re-reads the config on SIGHUP and applies the daily token
// maximum. Other settings need a restart.
func reloadOnHangup(ctx context.Context, path string, gate *uploadgate.Gate, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := uploadgate.LoadConfig(path)
			if err != nil {
				logger.Error("config_reload_failed", "error", err)
				continue
			}
			applied := gate.SetDailyMax(*cfg.MaxDailyTokens)
			logger.Info("config_reloaded", "max_daily_tokens", *cfg.MaxDailyTokens, "applied", applied)
		}
	}
}

func newPublisher(cfg uploadgate.ExecutorConfig) *roblox.Publisher {
	var opts []roblox.Option
	if cfg.BaseURL != "" {
		opts = append(opts, roblox.WithBaseURL(cfg.BaseURL))
	}
	if cfg.TimeoutSeconds > 0 {
		opts = append(opts, roblox.WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	return roblox.New(opts...)
}

// openStore connects the configured backend. Background maintenance for the
// backend runs on g.
func openStore(ctx context.Context, g *errgroup.Group, cfg uploadgate.Config, p uploadgate.Policy, logger *slog.Logger) (uploadgate.Store, func(), error) {
	switch cfg.Storage.Backend {
	case uploadgate.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		var opts []storeredis.Option
		if cfg.Storage.Redis.KeyPrefix != "" {
			opts = append(opts, storeredis.WithKeyPrefix(cfg.Storage.Redis.KeyPrefix))
		}
		// Idle identities expire once both their day and cooldown are over.
		opts = append(opts, storeredis.WithEntryTTL(48*time.Hour+p.Cooldown))
		return storeredis.New(client, p, opts...), func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis_close_failed", "error", err)
			}
		}, nil

	case uploadgate.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		var opts []storepg.Option
		if cfg.Storage.Postgres.TablePrefix != "" {
			opts = append(opts, storepg.WithTablePrefix(cfg.Storage.Postgres.TablePrefix))
		}
		s := storepg.New(pool, p, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		g.Go(func() error {
			cleanupLoop(ctx, s, logger)
			return nil
		})
		return s, pool.Close, nil

	default:
		return memory.New(p), func() {}, nil
	}
}

func cleanupLoop(ctx context.Context, s *storepg.Store, logger *slog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.Cleanup(ctx, now)
			if err != nil {
				logger.Warn("postgres_cleanup_failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("postgres_cleanup", "rows", n)
			}
		}
	}
}
