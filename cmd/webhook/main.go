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
	cfg := config.LoadWebhook()
	log := logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infra, err := app.Open(ctx, log, cfg.DB, cfg.AWS, cfg.Credentials)
	if err != nil {
		log.Error("webhook startup failed", "err", err)
		os.Exit(1)
	}
	defer infra.Close()
	infra.WatchQueue(cfg.TaskQueueURL)
	infra.WatchQueue(cfg.WebhookQueueURL)

	adapters := app.Adapters(channels.NewCaller(channels.DefaultRetryPolicy(), nil, 6*time.Second))
	processor := infra.Inbound(infra.Scheduler(cfg.TaskQueueURL), infra.Realtime(ctx, cfg.Redis), adapters, cfg.Inbound)

	var ingester httpserver.Ingester = processor
	if cfg.WebhookQueueURL != "" {
		ingester = &sqsqueue.DeliveryProducer{
			SQS:      infra.SQS,
			QueueURL: cfg.WebhookQueueURL,
			Fallback: processor,
			Log:      log,
		}
		log.Info("deliveries are queued", "queue", cfg.WebhookQueueURL)
	} else {
		log.Info("deliveries are processed inline")
	}

	s := httpserver.New(observability.HTTPRequests, 2*time.Second, infra.Checks()...)
	wh := &httpserver.Webhook{
		Accounts:     infra.Store,
		Adapters:     adapters,
		Opener:       infra.Sealer,
		Ingester:     ingester,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Log:          log,
	}
	wh.Register(s.Mux)

	servers := []*http.Server{app.Server(cfg.Port, s.Mux), app.MetricsServer(cfg.MetricsPort)}
	if err := app.Run(ctx, cancel, log, servers); err != nil {
		os.Exit(1)
	}
}
