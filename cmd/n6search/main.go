package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/n6hub/n6pipe/internal/authdb"
	"github.com/n6hub/n6pipe/internal/config"
	"github.com/n6hub/n6pipe/internal/eventdb"
	"github.com/n6hub/n6pipe/internal/logger"
	"github.com/n6hub/n6pipe/internal/transport/rest"
)

var spec = config.Spec{
	Section: "search",
	Options: []config.Option{
		{Name: "listen_addr", Type: config.Str, Default: ":8080"},
		{Name: "event_db_dsn", Type: config.Str, Required: true},
		{Name: "auth_db_dsn", Type: config.Str, Required: true},
		{Name: "day_step", Type: config.Int, Default: "1"},
	},
}

func main() {
	logger.Init()
	log := logger.Component("n6search")

	cfg, err := config.Load("", spec)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	jwtSecret := config.Env("N6_JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal().Msg("N6_JWT_SECRET is not set")
	}

	store, err := eventdb.Open(cfg.Str("event_db_dsn"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("event db open failed")
	}
	defer store.DB.Close()
	store.DayStep = cfg.Int("day_step")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Str("auth_db_dsn"))
	if err != nil {
		log.Fatal().Err(err).Msg("auth db open failed")
	}
	defer pool.Close()

	graph, err := authdb.Load(ctx, pool, log)
	if err != nil {
		log.Fatal().Err(err).Msg("auth graph load failed")
	}

	api := &rest.Server{Store: store, Graph: graph, Log: log}
	srv := &http.Server{
		Addr:              cfg.Str("listen_addr"),
		Handler:           api.Router([]byte(jwtSecret)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("stopped")
}
