package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"omnigate/internal/app"
	"omnigate/internal/channels"
	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/httpserver"
	"omnigate/internal/logging"
	"omnigate/internal/observability"
	sqsqueue "omnigate/internal/queue/sqs"
	"omnigate/internal/ratelimit"
	"omnigate/internal/reconciler"
	"omnigate/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	log := logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infra, err := app.Open(ctx, log, cfg.DB, cfg.AWS, cfg.Credentials)
	if err != nil {
		log.Error("worker startup failed", "err", err)
		os.Exit(1)
	}
	defer infra.Close()
	if err := infra.OpenRedis(ctx, cfg.Redis); err != nil {
		log.Error("worker startup failed", "err", err)
		os.Exit(1)
	}
	infra.WatchQueue(cfg.TaskQueueURL)

	limits := ratelimit.Limits{Default: domain.RateLimit{PerSecond: cfg.RateLimitPerSecond, PerHour: cfg.RateLimitPerHour}}
	var limiter ratelimit.Limiter
	switch cfg.RateLimitBackend {
	case "redis":
		limiter = ratelimit.NewRedis(infra.Redis, limits)
	case "postgres":
		limiter = ratelimit.NewStore(infra.Store, limits)
	case "memory":
		log.Warn("in-memory rate limiting is per process; replicas do not share a budget")
		limiter = ratelimit.NewMemory(limits)
	default:
		log.Error("unknown rate limit backend", "backend", cfg.RateLimitBackend)
		os.Exit(1)
	}

	breakers := channels.NewBreakers(channels.BreakerSettings{
		MaxRequests:  cfg.BreakerMaxRequests,
		Timeout:      cfg.BreakerTimeout,
		TripFailures: cfg.BreakerTripFailures,
	})
	breakers.OnStateChange = func(account string, from, to gobreaker.State) {
		log.Warn("circuit breaker state change", "account_id", account, "from", from.String(), "to", to.String())
	}
	policy := channels.DefaultRetryPolicy()
	policy.MaxRetries = cfg.SendMaxRetries
	policy.MaxRetryAfter = cfg.SendMaxRetryAfter
	adapters := app.Adapters(channels.NewCaller(policy, breakers, cfg.SendAttemptTimeout))

	sched := infra.Scheduler(cfg.TaskQueueURL)
	notifier := infra.Notifier(cfg.RealtimeChannel)

	rcfg := reconciler.DefaultConfig()
	rcfg.OrphanTTL = cfg.OrphanTTL
	rcfg.OrphanMaxAttempts = cfg.OrphanMaxAttempts
	rec := reconciler.New(infra.Store, notifier, sched, rcfg, log)

	sender := &worker.Sender{
		Store:        infra.Store,
		Adapters:     adapters,
		Opener:       infra.Sealer,
		Limiter:      limiter,
		Local:        rate.NewLimiter(rate.Limit(cfg.SendRPSPerPod), cfg.SendBurst),
		Orphans:      rec,
		Notifier:     notifier,
		Scheduler:    sched,
		MaxDeferrals: cfg.SendMaxDeferrals,
		Log:          log,
	}
	router := &worker.Router{
		Sender:   sender,
		Orphans:  rec,
		Store:    infra.Store,
		Adapters: adapters,
		Opener:   infra.Sealer,
		Log:      log,
	}
	consumer := &sqsqueue.TaskConsumer{Poller: infra.Poller(cfg.TaskQueueURL, cfg.AWS), Scheduler: sched}

	health := httpserver.New(observability.HTTPRequests, 2*time.Second, infra.Checks()...)
	servers := []*http.Server{app.Server(cfg.Port, health.Mux), app.MetricsServer(cfg.MetricsPort)}

	consume := func(ctx context.Context) error {
		log.Info("worker started", "concurrency", cfg.WorkerConcurrency, "rate_limit_backend", cfg.RateLimitBackend)
		return consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, router.Handle)
	}
	sweep := func(ctx context.Context) error {
		return sweepOrphans(ctx, log, rec, cfg.OrphanSweepInterval)
	}
	if err := app.Run(ctx, cancel, log, servers, consume, sweep); err != nil {
		os.Exit(1)
	}
}

// sweepOrphans drops parked statuses whose message never appeared.
func sweepOrphans(ctx context.Context, log *slog.Logger, rec *reconciler.Reconciler, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			n, err := rec.ExpireOrphans(ctx, now.UTC())
			if err != nil {
				log.Warn("orphan sweep failed", "err", err)
				continue
			}
			if n > 0 {
				log.Info("orphans expired", "count", n)
			}
		}
	}
}
