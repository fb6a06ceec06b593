package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"omnigate/internal/app"
	"omnigate/internal/channels"
	"omnigate/internal/config"
	"omnigate/internal/httpserver"
	"omnigate/internal/logging"
	"omnigate/internal/observability"
	sqsqueue "omnigate/internal/queue/sqs"
)

func main() {
	cfg := config.LoadWebhookProcessor()
	log := logging.Init("webhook-processor", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infra, err := app.Open(ctx, log, cfg.DB, cfg.AWS, cfg.Credentials)
	if err != nil {
		log.Error("webhook processor startup failed", "err", err)
		os.Exit(1)
	}
	defer infra.Close()
	infra.WatchQueue(cfg.TaskQueueURL)
	infra.WatchQueue(cfg.WebhookQueueURL)

	adapters := app.Adapters(channels.NewCaller(channels.DefaultRetryPolicy(), nil, 6*time.Second))
	processor := infra.Inbound(infra.Scheduler(cfg.TaskQueueURL), infra.Realtime(ctx, cfg.Redis), adapters, cfg.Inbound)
	consumer := &sqsqueue.DeliveryConsumer{Poller: infra.Poller(cfg.WebhookQueueURL, cfg.AWS)}

	health := httpserver.New(observability.HTTPRequests, 2*time.Second, infra.Checks()...)
	servers := []*http.Server{app.Server(cfg.Port, health.Mux), app.MetricsServer(cfg.MetricsPort)}

	consume := func(ctx context.Context) error {
		log.Info("webhook processor started", "concurrency", cfg.ProcessorConcurrency)
		return consumer.PollConcurrent(ctx, cfg.ProcessorConcurrency, processor.Ingest)
	}
	if err := app.Run(ctx, cancel, log, servers, consume); err != nil {
		os.Exit(1)
	}
}
