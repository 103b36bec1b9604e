// Package collector implements the shared collector runtime: the
// one-shot / daemon contracts, durable per-source state, the retrying
// URL downloader, the email and RSS sources and the time-ordered-rows
// engine. Collectors produce raw messages onto raw.<source> with
// at-most-once-per-fetched-record semantics across restarts.
package collector

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/n6hub/n6pipe/internal/event"
	"github.com/n6hub/n6pipe/internal/pusher"
)

// Message type property values.
const (
	TypeStream    = "stream"
	TypeFile      = "file"
	TypeBlacklist = "blacklist"
)

// Message is one raw message to be published.
type Message struct {
	Body        []byte
	Type        string // stream | file | blacklist
	ContentType string // required for file / blacklist
	Meta        map[string]any
}

// Bus is the slice of the pusher the runner needs; tests substitute a
// recording fake.
type Bus interface {
	Push(data any, routingKey string, props *pusher.Props) error
}

// Collector identifies one feed.
type Collector interface {
	// Source returns the producer identity, "<label>.<channel>".
	Source() string
}

// OneShot collectors fetch a single batch, publish it and exit.
type OneShot interface {
	Collector
	Fetch(ctx context.Context) ([]Message, error)
}

// Stateful collectors persist durable state, committed only after the
// published batch was flushed to the broker.
type Stateful interface {
	Collector
	// StateName is the state-file suffix; legacy per-collector names
	// are preserved here for compatibility with existing cache dirs.
	StateName() string
	Commit(store *Store) error
}

// StoreOneShot collectors diff each pass against durable state; the
// state is committed only after the batch was published.
type StoreOneShot interface {
	Collector
	Collect(store *Store) (*Message, error)
	Commit(store *Store) error
}

// Daemon collectors run until the context is canceled; out publishes
// one message.
type Daemon interface {
	Collector
	Run(ctx context.Context, out func(Message) error) error
}

// Runner drives a collector against the bus.
type Runner struct {
	Bus           Bus
	FormatVersion string
	Log           zerolog.Logger

	// Flush blocks until every message pushed so far was handed to the
	// broker and fails when any of them was not. The bus only enqueues,
	// so state commits must wait for a successful flush; otherwise a
	// dead broker would advance state past rows nobody ever received.
	Flush func() error

	now func() time.Time // test hook
}

func (r *Runner) flush() error {
	if r.Flush == nil {
		return nil
	}
	return r.Flush()
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

// Publish pushes one raw message with the standard properties:
// message_id = MD5(source|created_ts|body), the type property, and any
// meta headers.
func (r *Runner) Publish(source string, msg Message) error {
	created := r.clock().Unix()
	props := &pusher.Props{
		MessageID:   event.MessageID(source, created, msg.Body),
		Type:        msg.Type,
		ContentType: msg.ContentType,
		Timestamp:   time.Unix(created, 0).UTC(),
	}
	if len(msg.Meta) > 0 {
		meta := amqp.Table{}
		for k, v := range msg.Meta {
			meta[k] = v
		}
		props.Headers = amqp.Table{"meta": meta}
	}
	key := event.RawRoutingKey(source, r.FormatVersion)
	return r.Bus.Push(msg.Body, key, props)
}

// RunOnce runs a one-shot collector to completion: fetch, publish the
// batch, flush, then commit state (if the collector keeps any). State
// is not committed unless every publish was flushed to the broker.
func (r *Runner) RunOnce(ctx context.Context, c OneShot, store *Store) error {
	msgs, err := c.Fetch(ctx)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := r.Publish(c.Source(), m); err != nil {
			return err
		}
	}
	if err := r.flush(); err != nil {
		return err
	}
	if st, ok := c.(Stateful); ok && store != nil {
		return st.Commit(store)
	}
	return nil
}

// RunStored runs a store-backed collector to completion: collect,
// publish, flush, then commit. A nil message means nothing fresh; the
// state snapshot is still committed so the run leaves a consistent
// baseline.
func (r *Runner) RunStored(c StoreOneShot, store *Store) error {
	msg, err := c.Collect(store)
	if err != nil {
		return err
	}
	if msg != nil {
		if err := r.Publish(c.Source(), *msg); err != nil {
			return err
		}
	}
	if err := r.flush(); err != nil {
		return err
	}
	return c.Commit(store)
}

// RunDaemon runs a long-lived collector until SIGINT or context
// cancellation; SIGINT initiates a graceful stop.
func (r *Runner) RunDaemon(ctx context.Context, c Daemon) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.Log.Info().Str("source", c.Source()).Msg("collector daemon started")
	err := c.Run(ctx, func(m Message) error {
		return r.Publish(c.Source(), m)
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	r.Log.Info().Str("source", c.Source()).Msg("collector daemon stopped")
	return nil
}
