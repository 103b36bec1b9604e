// Package consume is the shared AMQP consumer loop used by the
// aggregator and the enricher: one queue bound to the stage exchange,
// manual acks, nack+requeue on transient handler failure.
package consume

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Drop marks a handler failure as permanent: the delivery is rejected
// without requeue instead of being retried forever.
var Drop = errors.New("consume: drop delivery")

// Handler processes one delivery. Returning nil acks; returning an
// error wrapping Drop rejects without requeue; any other error nacks
// with requeue.
type Handler func(ctx context.Context, routingKey string, body []byte) error

type Config struct {
	URL      string
	Exchange string
	Queue    string
	BindKeys []string
	Prefetch int // default 10
	Log      zerolog.Logger

	// Tick, when set, invokes OnTick from the same loop that runs the
	// handler, so stateful handlers stay single-threaded.
	Tick   time.Duration
	OnTick func(ctx context.Context) error
}

type Consumer struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	return &Consumer{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "consumer").Str("queue", cfg.Queue).Logger(),
	}
}

// Run consumes until the context is canceled or the channel closes.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// Ensure exchange exists (idempotent)
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for _, key := range c.cfg.BindKeys {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return err
		}
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(q.Name, c.cfg.Queue, false, false, false, false, nil)
	if err != nil {
		return err
	}

	var ticks <-chan time.Time
	if c.cfg.Tick > 0 && c.cfg.OnTick != nil {
		ticker := time.NewTicker(c.cfg.Tick)
		defer ticker.Stop()
		ticks = ticker.C
	}

	c.log.Info().Msg("consuming")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			if err := c.cfg.OnTick(ctx); err != nil {
				c.log.Warn().Err(err).Msg("tick failed")
			}
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("consume: delivery channel closed")
			}
			if err := handle(ctx, d.RoutingKey, d.Body); err != nil {
				if errors.Is(err, Drop) {
					c.log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("delivery dropped")
					_ = d.Nack(false, false)
				} else {
					c.log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("delivery requeued")
					_ = d.Nack(false, true)
				}
				continue
			}
			_ = d.Ack(false)
		}
	}
}
