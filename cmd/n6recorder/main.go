package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/n6hub/n6pipe/internal/config"
	"github.com/n6hub/n6pipe/internal/consume"
	"github.com/n6hub/n6pipe/internal/event"
	"github.com/n6hub/n6pipe/internal/eventdb"
	"github.com/n6hub/n6pipe/internal/logger"
)

var spec = config.Spec{
	Section: "recorder",
	Options: []config.Option{
		{Name: "amqp_url", Type: config.Str, Required: true},
		{Name: "exchange", Type: config.Str, Default: "event"},
		{Name: "queue", Type: config.Str, Default: "n6pipe-recorder"},
		{Name: "bind_keys", Type: config.List, Default: "event.enriched.#"},
		{Name: "event_db_dsn", Type: config.Str, Required: true},
	},
}

func main() {
	logger.Init()
	log := logger.Component("n6recorder")

	cfg, err := config.Load("", spec)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	store, err := eventdb.Open(cfg.Str("event_db_dsn"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("event db open failed")
	}
	defer store.DB.Close()

	cons := consume.New(consume.Config{
		URL:      cfg.Str("amqp_url"),
		Exchange: cfg.Str("exchange"),
		Queue:    cfg.Str("queue"),
		BindKeys: cfg.List("bind_keys"),
		Log:      log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("recorder started")
	err = cons.Run(ctx, func(ctx context.Context, routingKey string, body []byte) error {
		e, err := event.Unmarshal(body)
		if err != nil {
			return fmt.Errorf("%w: undecodable event: %v", consume.Drop, err)
		}
		var clients []string
		if e.Client != "" {
			clients = []string{e.Client}
		}
		// Insert conflicts are ignored, so a redelivered event is a
		// no-op rather than a duplicate row.
		return store.Record(ctx, e, clients)
	})
	if err != nil {
		log.Error().Err(err).Msg("consumer stopped")
	}
	log.Info().Msg("recorder stopped")
}
