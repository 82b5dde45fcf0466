package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"impersonation-detector/internal/api"
	"impersonation-detector/internal/config"
	"impersonation-detector/internal/logging"
	"impersonation-detector/internal/queue"
	"impersonation-detector/internal/ratelimit"
	"impersonation-detector/internal/store"
	"impersonation-detector/internal/vault"
	"impersonation-detector/internal/worker"
)

const devPassphrase = "impersonation-detector-dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.Logger()
		l.Fatal().Err(err).Msg("load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.For("api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	passphrase := cfg.Vault.Passphrase
	if cfg.Vault.KeyHex == "" && passphrase == "" && cfg.Env == "dev" {
		log.Warn().Msg("no vault key configured; using the development passphrase")
		passphrase = devPassphrase
	}
	v, err := vault.FromConfig(cfg.Vault.KeyHex, passphrase)
	if err != nil {
		log.Fatal().Err(err).Msg("init vault")
	}

	rdb := queue.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, queue.Options{
		VisibilityTimeout:  cfg.Queue.LeaseTimeout,
		CompletedRetention: cfg.Queue.CompletedRetention,
	})
	// The API only enqueues and operates queues; workers run in cmd/worker.
	orch := worker.New(q, cfg.Queue, logging.Logger())

	server := api.New(cfg, api.Deps{
		Queue:       orch,
		Detections:  st,
		Preferences: st,
		Credentials: st,
		Vault:       v,
		Limiter:     ratelimit.NewFixedWindow(rdb, "rl"),
		Checks: map[string]api.HealthCheck{
			"redis":    q.Ping,
			"postgres": st.Ping,
		},
	}, logging.Logger())

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", httpServer.Addr).Str("env", cfg.Env).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}
