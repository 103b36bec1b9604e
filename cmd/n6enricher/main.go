package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/oschwald/geoip2-golang"
	"github.com/redis/go-redis/v9"

	"github.com/n6hub/n6pipe/internal/config"
	"github.com/n6hub/n6pipe/internal/consume"
	"github.com/n6hub/n6pipe/internal/enricher"
	"github.com/n6hub/n6pipe/internal/logger"
	"github.com/n6hub/n6pipe/internal/pusher"
)

var spec = config.Spec{
	Section: "enricher",
	Options: []config.Option{
		{Name: "amqp_url", Type: config.Str, Required: true},
		{Name: "exchange", Type: config.Str, Default: "event"},
		{Name: "queue", Type: config.Str, Default: "n6pipe-enricher"},
		{Name: "bind_keys", Type: config.List, Default: "event.aggregated.#"},

		{Name: "asn_db", Type: config.Str},
		{Name: "city_db", Type: config.Str},
		{Name: "excluded_ips", Type: config.List},
		{Name: "redis_addr", Type: config.Str},
		{Name: "cache_ttl", Type: config.Duration, Default: "10m"},
	},
}

func main() {
	logger.Init()
	log := logger.Component("n6enricher")

	cfg, err := config.Load("", spec)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	en := &enricher.Enricher{
		Resolver: &enricher.NetResolver{},
		Log:      log,
	}

	if path := cfg.Str("asn_db"); path != "" {
		db, err := geoip2.Open(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("asn db open failed")
		}
		defer db.Close()
		en.ASNDB = db
	}
	if path := cfg.Str("city_db"); path != "" {
		db, err := geoip2.Open(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("city db open failed")
		}
		defer db.Close()
		en.CityDB = db
	}

	if excluded := cfg.List("excluded_ips"); len(excluded) > 0 {
		nets, err := enricher.ParseExcluded(excluded)
		if err != nil {
			log.Fatal().Err(err).Msg("bad excluded_ips")
		}
		en.Excluded = nets
	}

	if addr := cfg.Str("redis_addr"); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.Env("N6_REDIS_PASSWORD", ""),
		})
		defer rdb.Close()
		en.Cache = &enricher.RedisCache{RDB: rdb, TTL: cfg.Dur("cache_ttl"), Log: log}
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
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("enricher started")
	if err := cons.Run(ctx, en.Handler(push)); err != nil {
		log.Error().Err(err).Msg("consumer stopped")
	}
	if err := push.Shutdown(); err != nil {
		log.Error().Err(err).Msg("pusher shutdown failed")
	}
	log.Info().Msg("enricher stopped")
}
