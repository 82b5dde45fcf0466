package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"impersonation-detector/internal/config"
	"impersonation-detector/internal/features"
	"impersonation-detector/internal/imagehash"
	"impersonation-detector/internal/logging"
	"impersonation-detector/internal/models"
	"impersonation-detector/internal/notify"
	"impersonation-detector/internal/notify/channels"
	"impersonation-detector/internal/pipeline"
	"impersonation-detector/internal/queue"
	"impersonation-detector/internal/ratelimit"
	"impersonation-detector/internal/scoring"
	"impersonation-detector/internal/store"
	"impersonation-detector/internal/telemetry"
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
	log := logging.For("worker")

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
	orch := worker.New(q, cfg.Queue, logging.Logger())

	featureClient := features.NewClient(cfg.Upstream, st, v, logging.Logger())
	fetcher, err := imagehash.NewFetcher(ctx, cfg.Images)
	if err != nil {
		log.Fatal().Err(err).Msg("init image fetcher")
	}
	engine, err := scoring.NewEngine(cfg.Scoring, imagehash.NewComparer(fetcher))
	if err != nil {
		log.Fatal().Err(err).Msg("init scoring engine")
	}

	dispatcher := notify.NewDispatcher(
		cfg.Notify,
		st,
		ratelimit.NewFixedWindow(rdb, "rl"),
		notify.NewLedger(rdb, cfg.Notify.DeliveryLockTTL, cfg.Notify.DeliveredTTL),
		buildAdapters(cfg.Notify, cfg.Upstream.BaseURL, featureClient),
		logging.Logger(),
	)

	router := pipeline.NewRouter()
	pipeline.NewHandlers(pipeline.Deps{
		Queue:            orch,
		Features:         featureClient,
		Scorer:           engine,
		Detections:       st,
		Notifier:         dispatcher,
		DashboardBaseURL: cfg.Notify.DashboardBaseURL,
	}, logging.Logger()).Register(router)
	if err := router.Validate(); err != nil {
		log.Fatal().Err(err).Msg("handler registration")
	}

	for _, name := range models.Queues {
		if err := orch.RegisterWorker(name, cfg.Queue.Concurrency(name), router.Handler()); err != nil {
			log.Fatal().Err(err).Str("queue", string(name)).Msg("register worker")
		}
	}
	orch.StartMetrics(ctx, cfg.Queue.StatsInterval)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("lease_timeout", cfg.Queue.LeaseTimeout).
		Dur("backoff_initial", cfg.Queue.BackoffInitial).
		Int("max_attempts", cfg.Queue.MaxAttempts).
		Msg("worker started")

	<-ctx.Done()
	log.Info().Dur("timeout", cfg.Queue.ShutdownTimeout).Msg("draining worker pools")
	if err := orch.Close(cfg.Queue.ShutdownTimeout); err != nil {
		if errors.Is(err, worker.ErrForcedExit) {
			log.Error().Err(err).Msg("forced exit")
		} else {
			log.Error().Err(err).Msg("close orchestrator")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

// buildAdapters enables every channel whose transport is configured. Webhook-style channels only
// need the recipient's URL. DMs go through the upstream API unless a separate endpoint is set.
func buildAdapters(cfg config.NotifyConfig, upstreamURL string, tokens channels.TokenSource) map[models.Channel]channels.Adapter {
	adapters := map[models.Channel]channels.Adapter{
		models.ChannelSlack:   channels.NewSlack(cfg.AdapterTimeout),
		models.ChannelDiscord: channels.NewDiscord(cfg.AdapterTimeout),
		models.ChannelWebhook: channels.NewWebhook(cfg.AdapterTimeout),
	}
	if cfg.SMTPHost != "" {
		adapters[models.ChannelEmail] = channels.NewEmail(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
	}
	endpoint := cfg.DMEndpoint
	if endpoint == "" {
		endpoint = upstreamURL
	}
	if endpoint != "" {
		adapters[models.ChannelDM] = channels.NewDM(endpoint, cfg.DMSenderUserID, tokens, cfg.AdapterTimeout)
	}
	return adapters
}
