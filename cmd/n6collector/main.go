package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/n6hub/n6pipe/internal/collector"
	"github.com/n6hub/n6pipe/internal/config"
	"github.com/n6hub/n6pipe/internal/logger"
	"github.com/n6hub/n6pipe/internal/pusher"
)

var spec = config.Spec{
	Section: "collector",
	Options: []config.Option{
		{Name: "source", Type: config.Str, Required: true},
		{Name: "kind", Type: config.Str, Default: "rows"}, // rows | rss | email | stream
		{Name: "url", Type: config.Str},
		{Name: "content_type", Type: config.Str, Default: "message/rfc822"},
		{Name: "cache_dir", Type: config.Str, Default: "/var/lib/n6pipe"},
		{Name: "state_name", Type: config.Str},
		{Name: "format_version", Type: config.Str, Default: "1"},

		{Name: "time_field", Type: config.Int, Default: "0"},
		{Name: "time_layout", Type: config.Str, Default: "2006-01-02"},
		{Name: "fatal_mismatch", Type: config.Bool, Default: "false"},

		{Name: "download_timeout", Type: config.Duration, Default: "60s"},
		{Name: "retry_timeout", Type: config.Duration, Default: "5s"},

		{Name: "amqp_url", Type: config.Str, Required: true},
		{Name: "exchange", Type: config.Str, Default: "raw"},
	},
}

func main() {
	logger.Init()
	log := logger.Component("n6collector")

	// The optional argument selects the config section, so several
	// collector instances can share one config file.
	if len(os.Args) > 1 {
		spec.Section = os.Args[1]
	}

	cfg, err := config.Load("", spec)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	rid := uuid.NewString()
	log = log.With().Str("rid", rid).Str("source", cfg.Str("source")).Logger()

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

	runner := &collector.Runner{
		Bus:           push,
		FormatVersion: cfg.Str("format_version"),
		Log:           log,
		// Push only enqueues; delivery failures surface asynchronously.
		// Draining the pusher and checking its failure count before the
		// state commit is what makes losing rows impossible: either the
		// broker took the batch or the state stays put and the next run
		// re-collects it.
		Flush: func() error {
			if err := push.Shutdown(); err != nil {
				return err
			}
			if n := push.Failures(); n > 0 {
				return fmt.Errorf("%d messages were not published", n)
			}
			return nil
		},
	}
	store := &collector.Store{Dir: cfg.Str("cache_dir"), Log: log}

	err = pusher.Do(push, func(p *pusher.Pusher) error {
		return run(cfg, runner, store, log)
	})
	if err != nil {
		log.Error().Err(err).Msg("collection failed")
		os.Exit(1)
	}
	log.Info().Msg("collection done")
}

func run(cfg *config.Section, runner *collector.Runner, store *collector.Store, log zerolog.Logger) error {
	source := cfg.Str("source")

	switch kind := cfg.Str("kind"); kind {
	case "rows", "rss":
		c, err := buildStored(cfg, log)
		if err != nil {
			return err
		}
		return runner.RunStored(c, store)
	case "email":
		return runner.RunOnce(context.Background(), &collector.EmailCollector{
			SourceID:    source,
			ContentType: cfg.Str("content_type"),
			In:          os.Stdin,
		}, nil)
	case "stream":
		return runner.RunDaemon(context.Background(), &collector.StreamCollector{
			SourceID: source,
			In:       os.Stdin,
		})
	default:
		return fmt.Errorf("unknown collector kind %q", kind)
	}
}

func buildStored(cfg *config.Section, log zerolog.Logger) (collector.StoreOneShot, error) {
	source := cfg.Str("source")
	name := cfg.Str("state_name")
	if name == "" {
		name = strings.ReplaceAll(source, ".", "_")
	}

	url := cfg.Str("url")
	if url == "" {
		return nil, fmt.Errorf("collector kind %q needs a url", cfg.Str("kind"))
	}
	down := &collector.Downloader{
		DownloadTimeout: cfg.Dur("download_timeout"),
		RetryTimeout:    cfg.Dur("retry_timeout"),
	}
	fetch := func() ([]byte, error) {
		body, _, err := down.Get(context.Background(), url)
		return body, err
	}

	if cfg.Str("kind") == "rss" {
		return &collector.RSSCollector{
			SourceID:  source,
			Name:      name,
			FetchBody: fetch,
		}, nil
	}
	return &collector.RowsCollector{
		SourceID: source,
		Name:     name,
		Engine: collector.RowsEngine{
			Hooks: collector.RowsHooks{
				UseRow:         collector.DefaultUseRow,
				PickRawRowTime: pickField(cfg.Int("time_field")),
				CleanRowTime:   cleanTime(cfg.Str("time_layout")),
			},
			FatalMismatch: cfg.Bool("fatal_mismatch"),
			Log:           log,
		},
		FetchBody: fetch,
		SplitRows: splitLines,
	}, nil
}

func splitLines(body []byte) []string {
	s := strings.ReplaceAll(string(body), "\r\n", "\n")
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

// pickField extracts the n-th comma-separated field, unquoting it.
func pickField(n int) func(row string) (string, bool) {
	return func(row string) (string, bool) {
		fields := strings.Split(row, ",")
		if n >= len(fields) {
			return "", false
		}
		return strings.Trim(strings.TrimSpace(fields[n]), `"`), true
	}
}

// cleanTime reformats a raw row timestamp so that string order is
// chronological order.
func cleanTime(layout string) func(raw string) (string, bool) {
	return func(raw string) (string, bool) {
		t, err := time.Parse(layout, raw)
		if err != nil {
			return "", false
		}
		return t.UTC().Format("2006-01-02 15:04:05"), true
	}
}
