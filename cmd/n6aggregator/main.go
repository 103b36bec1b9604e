package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/n6hub/n6pipe/internal/aggregator"
	"github.com/n6hub/n6pipe/internal/collector"
	"github.com/n6hub/n6pipe/internal/config"
	"github.com/n6hub/n6pipe/internal/consume"
	"github.com/n6hub/n6pipe/internal/logger"
	"github.com/n6hub/n6pipe/internal/pusher"
)

var spec = config.Spec{
	Section: "aggregator",
	Options: []config.Option{
		{Name: "amqp_url", Type: config.Str, Required: true},
		{Name: "exchange", Type: config.Str, Default: "event"},
		{Name: "queue", Type: config.Str, Default: "n6pipe-aggregator"},
		{Name: "bind_keys", Type: config.List, Default: "event.parsed.#"},

		{Name: "cache_dir", Type: config.Str, Default: "/var/lib/n6pipe"},
		{Name: "group_window", Type: config.Duration, Default: "12h"},
		{Name: "inactivity_timeout", Type: config.Duration, Default: "24h"},
		{Name: "tolerance", Type: config.Duration, Default: "10m"},
		{Name: "sweep_interval", Type: config.Duration, Default: "10m"},
	},
}

func main() {
	logger.Init()
	log := logger.Component("n6aggregator")

	cfg, err := config.Load("", spec)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	agg := aggregator.New(log)
	agg.GroupWindow = cfg.Dur("group_window")
	agg.InactivityTimeout = cfg.Dur("inactivity_timeout")
	agg.Tolerance = cfg.Dur("tolerance")

	store := &collector.Store{Dir: cfg.Str("cache_dir"), Log: log}
	if err := agg.LoadSnapshot(store); err != nil {
		log.Warn().Err(err).Msg("snapshot restore failed, starting empty")
	}

	push, err := pusher.New(pusher.Config{
		URL: cfg.Str("amqp_url"),
		Credentials: pusher.Credentials{
			Username: config.Env("N6_AMQP_USERNAME", ""),
			Password: config.Env("N6_AMQP_PASSWORD", ""),
		},
		Exchange: pusher.ExchangeDecl{Name: cfg.Str("exchange"), Kind: "topic", Durable: true},
		Log:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("pusher setup failed")
	}

	cons := consume.New(consume.Config{
		URL:      cfg.Str("amqp_url"),
		Exchange: cfg.Str("exchange"),
		Queue:    cfg.Str("queue"),
		BindKeys: cfg.List("bind_keys"),
		Log:      log,
		Tick:     cfg.Dur("sweep_interval"),
		OnTick: func(ctx context.Context) error {
			return agg.PublishSweep(push)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("aggregator started")
	if err := cons.Run(ctx, agg.Handler(push)); err != nil {
		log.Error().Err(err).Msg("consumer stopped")
	}

	// Persist the per-source state before releasing the pusher so a
	// restart resumes aggregation where this run left off.
	if err := agg.SaveSnapshot(store); err != nil {
		log.Error().Err(err).Msg("snapshot save failed")
	}
	if err := push.Shutdown(); err != nil {
		log.Error().Err(err).Msg("pusher shutdown failed")
	}
	log.Info().Msg("aggregator stopped")
}
