package pusher

import (
	"fmt"
	"net/url"

	amqp "github.com/rabbitmq/amqp091-go"
)

// wire is the slice of the broker connection the worker needs. The
// production implementation wraps an amqp091 connection + channel;
// tests substitute a fake via the dial hook.
type wire interface {
	Publish(exchange, routingKey string, mandatory bool, pub amqp.Publishing) error
	Close() error
}

type dialFunc func() (wire, error)

type amqpWire struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (w *amqpWire) Publish(exchange, routingKey string, mandatory bool, pub amqp.Publishing) error {
	return w.ch.Publish(exchange, routingKey, mandatory, false, pub)
}

func (w *amqpWire) Close() error {
	_ = w.ch.Close()
	return w.conn.Close()
}

// amqpDial opens the connection and channel and redeclares the exchange
// and any configured queues, so reconnects restore the full topology.
func (p *Pusher) amqpDial() (wire, error) {
	conn, err := amqp.Dial(brokerURL(p.cfg.URL, p.cfg.Credentials))
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	ex := p.cfg.Exchange
	if err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", ex.Name, err)
	}

	for _, q := range p.cfg.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
		for _, key := range q.BindKeys {
			if err := ch.QueueBind(q.Name, key, ex.Name, false, nil); err != nil {
				_ = ch.Close()
				_ = conn.Close()
				return nil, fmt.Errorf("bind queue %s to %s: %w", q.Name, key, err)
			}
		}
	}

	return &amqpWire{conn: conn, ch: ch}, nil
}

// brokerURL splices credentials into an amqp:// URL that carries none.
func brokerURL(raw string, creds Credentials) string {
	if creds.Username == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = url.UserPassword(creds.Username, creds.Password)
	return u.String()
}
