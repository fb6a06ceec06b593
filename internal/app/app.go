// Package app opens the shared infrastructure and assembles the components
// the binaries under cmd/ run.
package app

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

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"omnigate/internal/awsutil"
	"omnigate/internal/channels"
	"omnigate/internal/channels/email"
	"omnigate/internal/channels/facebook"
	"omnigate/internal/channels/graph"
	"omnigate/internal/channels/whatsapp"
	"omnigate/internal/config"
	"omnigate/internal/crypto"
	"omnigate/internal/domain"
	"omnigate/internal/httpserver"
	"omnigate/internal/ingest"
	"omnigate/internal/observability"
	sqsqueue "omnigate/internal/queue/sqs"
	"omnigate/internal/realtime"
	"omnigate/internal/reconciler"
	"omnigate/internal/resolver"
	"omnigate/internal/store/pg"
	"omnigate/internal/tasks"
)

type Notifier interface {
	Notify(ctx context.Context, ev domain.RealtimeEvent) error
}

// Infra holds the connections a binary opened. Every connection also
// registers a readiness check.
type Infra struct {
	DB     *pgxpool.Pool
	Store  *pg.Store
	SQS    *sqs.Client
	Redis  *redis.Client
	Sealer *crypto.Sealer
	Log    *slog.Logger

	checks []httpserver.ReadyzCheck
}

func Open(ctx context.Context, log *slog.Logger, db config.DB, aws config.AWS, creds config.Credentials) (*Infra, error) {
	sealer, err := crypto.NewSealer(creds.CredentialsKey)
	if err != nil {
		return nil, fmt.Errorf("credentials key: %w", err)
	}

	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pg.NewPool(startupCtx, db.DBDSN, pg.PoolOptions{
		MaxConns:          db.DBPoolMaxConns,
		MinConns:          db.DBPoolMinConns,
		MaxConnLifetime:   db.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   db.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: db.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, aws.AWSRegion, aws.LocalstackEndpoint)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqs client init: %w", err)
	}

	observability.Register(prometheus.DefaultRegisterer)

	return &Infra{
		DB:     pool,
		Store:  pg.New(pool),
		SQS:    sqsClient,
		Sealer: sealer,
		Log:    log,
		checks: []httpserver.ReadyzCheck{pool.Ping},
	}, nil
}

// OpenRedis connects the realtime and rate limiting client.
func (i *Infra) OpenRedis(ctx context.Context, cfg config.Redis) error {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping: %w", err)
	}
	i.Redis = client
	i.checks = append(i.checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	return nil
}

// WatchQueue adds a readiness check for queueURL. Empty URLs are ignored.
func (i *Infra) WatchQueue(queueURL string) {
	if queueURL != "" {
		i.checks = append(i.checks, awsutil.QueueCheck(i.SQS, queueURL))
	}
}

func (i *Infra) Checks() []httpserver.ReadyzCheck { return i.checks }

func (i *Infra) Close() {
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	i.DB.Close()
}

func (i *Infra) Poller(queueURL string, aws config.AWS) sqsqueue.Poller {
	return sqsqueue.Poller{
		SQS:               i.SQS,
		QueueURL:          queueURL,
		WaitTimeSeconds:   aws.SQSWaitTime,
		MaxMessages:       aws.SQSMaxMsgs,
		VisibilityTimeout: aws.SQSVizTimeout,
		Log:               i.Log,
	}
}

func (i *Infra) Scheduler(queueURL string) *sqsqueue.Scheduler {
	return &sqsqueue.Scheduler{SQS: i.SQS, QueueURL: queueURL}
}

// Notifier publishes realtime events through redis. It is nil when the
// binary runs without redis.
func (i *Infra) Notifier(channel string) Notifier {
	if i.Redis == nil {
		return nil
	}
	return &realtime.RedisPublisher{Client: i.Redis, Channel: channel}
}

// Realtime connects redis and returns the publisher for inbound events.
// Without redis the binary still runs; agents just miss live updates.
func (i *Infra) Realtime(ctx context.Context, cfg config.Redis) Notifier {
	if err := i.OpenRedis(ctx, cfg); err != nil {
		i.Log.Warn("realtime disabled", "err", err)
		return nil
	}
	return i.Notifier(cfg.RealtimeChannel)
}

// Adapters returns the registry of every supported channel.
func Adapters(caller *channels.Caller) *channels.Registry {
	gc := graph.NewClient(&http.Client{Timeout: 30 * time.Second})
	return channels.NewRegistry(
		whatsapp.New(gc, caller),
		facebook.New(gc, caller),
		email.New(&email.SMTPTransport{}, caller),
	)
}

// Inbound assembles the webhook event processor with its resolver and
// reconciler.
func (i *Infra) Inbound(sched tasks.Scheduler, n Notifier, adapters *channels.Registry, cfg config.Inbound) *ingest.Processor {
	rcfg := reconciler.DefaultConfig()
	rcfg.OrphanTTL = cfg.OrphanTTL
	rcfg.WatermarkSkew = cfg.WatermarkSkew
	return &ingest.Processor{
		Store:      i.Store,
		Adapters:   adapters,
		Resolver:   resolver.New(i.Store, cfg.ThreadIdleTimeout, i.Log),
		Reconciler: reconciler.New(i.Store, n, sched, rcfg, i.Log),
		Notifier:   n,
		Scheduler:  sched,
		StaleAfter: cfg.EventStaleAfter,
		Log:        i.Log,
	}
}

func Server(port string, h http.Handler) *http.Server {
	return &http.Server{Addr: ":" + port, Handler: h, ReadHeaderTimeout: 10 * time.Second}
}

func MetricsServer(port string) *http.Server {
	return Server(port, promhttp.Handler())
}

// Run serves the servers and runs the loops until a signal arrives or one
// of them fails, then shuts everything down.
func Run(ctx context.Context, cancel context.CancelFunc, log *slog.Logger, servers []*http.Server, loops ...func(context.Context) error) error {
	errCh := make(chan error, len(servers)+len(loops))
	for _, srv := range servers {
		srv := srv
		go func() {
			log.Info("http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}()
	}
	loopDone := make(chan struct{}, len(loops))
	for _, loop := range loops {
		loop := loop
		go func() {
			defer func() { loopDone <- struct{}{} }()
			if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-errCh:
		log.Error("component failed", "err", runErr)
	case sig := <-sigCh:
		log.Info("shutdown", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	for range loops {
		select {
		case <-loopDone:
		case <-shutdownCtx.Done():
			log.Info("shutdown timeout waiting for loops")
			return runErr
		}
	}
	return runErr
}
