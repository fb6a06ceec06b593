package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"omnigate/internal/accounts"
	"omnigate/internal/app"
	"omnigate/internal/channels"
	"omnigate/internal/config"
	"omnigate/internal/httpserver"
	"omnigate/internal/logging"
	"omnigate/internal/observability"
	"omnigate/internal/realtime"
	"omnigate/internal/resolver"
	"omnigate/internal/service"
)

func main() {
	cfg := config.LoadAPI()
	log := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infra, err := app.Open(ctx, log, cfg.DB, cfg.AWS, cfg.Credentials)
	if err != nil {
		log.Error("api startup failed", "err", err)
		os.Exit(1)
	}
	defer infra.Close()
	if err := infra.OpenRedis(ctx, cfg.Redis); err != nil {
		log.Error("api startup failed", "err", err)
		os.Exit(1)
	}
	infra.WatchQueue(cfg.TaskQueueURL)

	if cfg.AccountsFile != "" {
		seeded, err := accounts.LoadAndSync(ctx, cfg.AccountsFile, infra.Store, infra.Sealer)
		if err != nil {
			log.Error("accounts seed failed", "err", err, "file", cfg.AccountsFile)
			os.Exit(1)
		}
		log.Info("accounts seeded", "count", len(seeded))
	}

	// the API only validates recipients; sends run in the worker
	adapters := app.Adapters(channels.NewCaller(channels.DefaultRetryPolicy(), nil, 6*time.Second))
	hub := realtime.NewHub(cfg.AgentWSToken, log)

	svc := &service.Outbound{
		Store:     infra.Store,
		Adapters:  adapters,
		Resolver:  resolver.New(infra.Store, cfg.ThreadIdleTimeout, log),
		Scheduler: infra.Scheduler(cfg.TaskQueueURL),
		Log:       log,
	}

	s := httpserver.New(observability.HTTPRequests, 2*time.Second, infra.Checks()...)
	api := &httpserver.API{Svc: svc, Realtime: http.HandlerFunc(hub.ServeWS), Log: log}
	api.Register(s.Mux)

	servers := []*http.Server{app.Server(cfg.Port, s.Mux), app.MetricsServer(cfg.MetricsPort)}
	relay := func(ctx context.Context) error {
		return hub.Relay(ctx, infra.Redis, cfg.RealtimeChannel)
	}
	if err := app.Run(ctx, cancel, log, servers, relay); err != nil {
		os.Exit(1)
	}
}
