package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"omnigate/internal/app"
	"omnigate/internal/channels"
	"omnigate/internal/channels/email"
	"omnigate/internal/config"
	"omnigate/internal/httpserver"
	"omnigate/internal/logging"
	"omnigate/internal/observability"
)

func main() {
	cfg := config.LoadMailPoller()
	log := logging.Init("mail-poller", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infra, err := app.Open(ctx, log, cfg.DB, cfg.AWS, cfg.Credentials)
	if err != nil {
		log.Error("mail poller startup failed", "err", err)
		os.Exit(1)
	}
	defer infra.Close()
	infra.WatchQueue(cfg.TaskQueueURL)

	adapters := app.Adapters(channels.NewCaller(channels.DefaultRetryPolicy(), nil, 30*time.Second))
	processor := infra.Inbound(infra.Scheduler(cfg.TaskQueueURL), infra.Realtime(ctx, cfg.Redis), adapters, cfg.Inbound)

	poller := &email.Poller{
		Accounts:  infra.Store,
		Opener:    infra.Sealer,
		Sink:      processor,
		Mailbox:   cfg.Mailbox,
		BatchSize: cfg.BatchSize,
		Interval:  cfg.PollInterval,
		Log:       log,
	}

	health := httpserver.New(observability.HTTPRequests, 2*time.Second, infra.Checks()...)
	servers := []*http.Server{app.Server(cfg.Port, health.Mux), app.MetricsServer(cfg.MetricsPort)}
	if err := app.Run(ctx, cancel, log, servers, poller.Run); err != nil {
		os.Exit(1)
	}
}
