// Package pusher implements the back-pressured, auto-reconnecting AMQP
// publisher used by every pipeline component. Producers call Push from
// any goroutine; a single worker drains a bounded FIFO and publishes to
// a topic exchange in enqueue order, hiding transient broker failures.
package pusher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/n6hub/n6pipe/internal/metrics"
)

var (
	// ErrInactive is returned by Push once the pusher is shutting down
	// or its worker has crashed.
	ErrInactive = errors.New("pusher: inactive")

	// ErrPendingMessages is returned by Shutdown when the worker died
	// with items still queued.
	ErrPendingMessages = errors.New("pusher: pending messages remain")

	// ErrShutdownTimeout is returned by Shutdown when the worker does
	// not exit within the configured join timeout.
	ErrShutdownTimeout = errors.New("pusher: worker join timed out")

	// ErrWorkerStuck is returned by Shutdown when the worker never woke
	// up after the stop signal.
	ErrWorkerStuck = errors.New("pusher: worker appears stuck")

	// ErrConnectionLock is returned when the connection lock cannot be
	// acquired within the shutdown lock timeout.
	ErrConnectionLock = errors.New("pusher: connection lock acquisition timed out")
)

// Serializer converts a pushed value to a message body. Returning
// ok == false skips publication of that item without error.
type Serializer func(data any) (body []byte, ok bool, err error)

// ErrorCallback receives non-fatal per-item failures (serializer
// errors, publish errors after the reconnect budget is exhausted).
type ErrorCallback func(err error, data any, routingKey string)

// Props is the merge layer over the default message properties.
// Non-zero fields win; Headers are merged key-wise.
type Props struct {
	ContentType  string
	MessageID    string
	Type         string
	Timestamp    time.Time
	DeliveryMode uint8
	Expiration   string
	Headers      amqp.Table
}

// Credentials hold the broker login. The value never appears in logs
// or in the pusher's string form.
type Credentials struct {
	Username string
	Password string
}

func (Credentials) String() string { return "Credentials(...)" }

// ExchangeDecl describes the target exchange, redeclared on every
// (re)connect.
type ExchangeDecl struct {
	Name    string
	Kind    string // "topic" unless stated otherwise
	Durable bool
}

// QueueDecl is an optional queue declared and bound on (re)connect.
type QueueDecl struct {
	Name     string
	Durable  bool
	BindKeys []string
}

// Config collects the pusher construction parameters.
type Config struct {
	URL         string
	Credentials Credentials
	Exchange    ExchangeDecl
	Queues      []QueueDecl

	Serializer   Serializer // nil means data must already be []byte
	DefaultProps Props
	Mandatory    bool

	QueueCapacity     int           // FIFO size; default 100
	JoinTimeout       time.Duration // worker join budget on shutdown; default 10s
	ReconnectAttempts int           // default 10
	ReconnectDelay    time.Duration // default 500ms

	OnError ErrorCallback

	Log zerolog.Logger
}

const (
	defaultQueueCapacity     = 100
	defaultJoinTimeout       = 10 * time.Second
	defaultReconnectAttempts = 10
	defaultReconnectDelay    = 500 * time.Millisecond

	// Budget for taking the connection lock during shutdown.
	shutdownConnectionLockTimeout = 5 * time.Second
)

type item struct {
	data       any
	routingKey string
	props      *Props
}

type state int32

const (
	stateRunning state = iota
	stateShuttingDown
	stateClosed
)

// Pusher is the threaded AMQP publisher. Create with New, release with
// Shutdown (idempotent); Do scopes both.
type Pusher struct {
	cfg Config
	log zerolog.Logger

	fifo     chan item
	inactive chan struct{} // closed on shutdown start or worker crash
	stop     chan struct{} // tells the worker to drain and exit

	// connLock guards wire; a channel so shutdown can time out on it.
	connLock chan struct{}
	wire     wire

	dial dialFunc // swapped in tests

	state      atomic.Int32
	crashed    atomic.Bool
	brokerDown atomic.Bool
	heartbeat  atomic.Bool // reset by the worker before each FIFO wait
	failures   atomic.Int64

	workerDone   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
	inactiveOnce sync.Once
}

// New connects to the broker, declares the exchange and any queues and
// starts the publishing worker.
func New(cfg Config) (*Pusher, error) {
	return newWithDial(cfg, nil)
}

func newWithDial(cfg Config, dial dialFunc) (*Pusher, error) {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Exchange.Kind == "" {
		cfg.Exchange.Kind = "topic"
	}

	p := &Pusher{
		cfg:        cfg,
		log:        cfg.Log.With().Str("component", "pusher").Logger(),
		fifo:       make(chan item, cfg.QueueCapacity),
		inactive:   make(chan struct{}),
		stop:       make(chan struct{}),
		connLock:   make(chan struct{}, 1),
		workerDone: make(chan struct{}),
	}
	p.dial = dial
	if p.dial == nil {
		p.dial = p.amqpDial
	}

	if err := p.connect(); err != nil {
		return nil, err
	}

	go p.worker()
	return p, nil
}

// Do runs fn against the pusher and guarantees Shutdown afterwards,
// returning fn's error if any, else the shutdown error.
func Do(p *Pusher, fn func(*Pusher) error) error {
	defer func() { _ = p.Shutdown() }()
	if err := fn(p); err != nil {
		return err
	}
	return p.Shutdown()
}

// String never exposes credential content.
func (p *Pusher) String() string {
	return fmt.Sprintf("Pusher(url=%s, exchange=%s, credentials=%T)",
		p.cfg.URL, p.cfg.Exchange.Name, p.cfg.Credentials)
}

// Push enqueues one item. It blocks while the FIFO is full and fails
// with ErrInactive once the pusher is shutting down or has crashed.
func (p *Pusher) Push(data any, routingKey string, props *Props) error {
	if state(p.state.Load()) != stateRunning || p.crashed.Load() {
		return ErrInactive
	}
	select {
	case p.fifo <- item{data: data, routingKey: routingKey, props: props}:
		return nil
	case <-p.inactive:
		return ErrInactive
	}
}

// Shutdown drains the FIFO, joins the worker and closes the broker
// connection. It is idempotent; every call returns the first outcome.
func (p *Pusher) Shutdown() error {
	p.shutdownOnce.Do(func() {
		p.state.Store(int32(stateShuttingDown))
		p.markInactive()
		p.heartbeat.Store(false)
		close(p.stop)

		select {
		case <-p.workerDone:
		case <-time.After(p.cfg.JoinTimeout):
			if !p.heartbeat.Load() {
				p.shutdownErr = ErrWorkerStuck
			} else {
				p.shutdownErr = ErrShutdownTimeout
			}
			p.log.Error().Err(p.shutdownErr).Int("pending", len(p.fifo)).Msg("shutdown failed")
			p.state.Store(int32(stateClosed))
			return
		}

		if p.crashed.Load() && len(p.fifo) > 0 {
			p.shutdownErr = fmt.Errorf("%w: %d queued", ErrPendingMessages, len(p.fifo))
		}

		if err := p.closeConnection(); err != nil && p.shutdownErr == nil {
			p.shutdownErr = err
		}
		p.state.Store(int32(stateClosed))
		p.log.Debug().Msg("shut down")
	})
	return p.shutdownErr
}

func (p *Pusher) markInactive() {
	p.inactiveOnce.Do(func() { close(p.inactive) })
}

func (p *Pusher) worker() {
	defer close(p.workerDone)
	defer func() {
		if r := recover(); r != nil {
			p.crashed.Store(true)
			p.markInactive()
			p.log.Error().Interface("panic", r).Msg("publishing worker crashed")
		}
	}()

	for {
		// Liveliness indicator: flipped before each FIFO wait so
		// shutdown can tell a stuck worker from a slow drain.
		p.heartbeat.Store(true)
		select {
		case it := <-p.fifo:
			p.handle(it)
		case <-p.stop:
			for {
				select {
				case it := <-p.fifo:
					p.handle(it)
				default:
					return
				}
			}
		}
	}
}

func (p *Pusher) handle(it item) {
	body, ok := []byte(nil), true
	var err error

	if p.cfg.Serializer != nil {
		body, ok, err = p.cfg.Serializer(it.data)
		if err != nil {
			p.report(fmt.Errorf("serialize: %w", err), it)
			return
		}
		if !ok {
			// Serializer vetoed publication; drop silently.
			metrics.DroppedTotal.WithLabelValues("pusher", "serializer").Inc()
			return
		}
	} else {
		raw, isBytes := it.data.([]byte)
		if !isBytes {
			p.report(fmt.Errorf("no serializer and data is %T, not []byte", it.data), it)
			return
		}
		body = raw
	}

	if p.brokerDown.Load() {
		p.report(errors.New("broker connection is down"), it)
		return
	}

	if err := p.publish(body, it.routingKey, it.props); err != nil {
		if !isConnectionError(err) {
			p.report(fmt.Errorf("publish: %w", err), it)
			return
		}
		if err := p.reconnect(); err != nil {
			p.brokerDown.Store(true)
			p.report(fmt.Errorf("reconnect: %w", err), it)
			return
		}
		if err := p.publish(body, it.routingKey, it.props); err != nil {
			p.report(fmt.Errorf("publish after reconnect: %w", err), it)
			return
		}
	}
	metrics.PublishedTotal.WithLabelValues("pusher").Inc()
}

// Failures returns how many pushed items could not be published.
// One-shot producers check it after Shutdown: a clean drain with a
// non-zero count still means lost messages, so durable state that
// tracks "already published" must not advance.
func (p *Pusher) Failures() int64 {
	return p.failures.Load()
}

func (p *Pusher) report(err error, it item) {
	p.failures.Add(1)
	metrics.DroppedTotal.WithLabelValues("pusher", "error").Inc()
	if p.cfg.OnError != nil {
		p.cfg.OnError(err, it.data, it.routingKey)
		return
	}
	p.log.Error().Err(err).Str("routing_key", it.routingKey).Stack().Msg("message not published")
}

func (p *Pusher) publish(body []byte, routingKey string, props *Props) error {
	p.connLock <- struct{}{}
	defer func() { <-p.connLock }()

	if p.wire == nil {
		return amqp.ErrClosed
	}
	return p.wire.Publish(
		p.cfg.Exchange.Name,
		routingKey,
		p.cfg.Mandatory,
		p.mergeProps(body, props),
	)
}

func (p *Pusher) mergeProps(body []byte, over *Props) amqp.Publishing {
	def := p.cfg.DefaultProps
	pub := amqp.Publishing{
		ContentType:  def.ContentType,
		MessageId:    def.MessageID,
		Type:         def.Type,
		Timestamp:    def.Timestamp,
		DeliveryMode: def.DeliveryMode,
		Expiration:   def.Expiration,
		Body:         body,
	}
	if len(def.Headers) > 0 {
		pub.Headers = amqp.Table{}
		for k, v := range def.Headers {
			pub.Headers[k] = v
		}
	}
	if over != nil {
		if over.ContentType != "" {
			pub.ContentType = over.ContentType
		}
		if over.MessageID != "" {
			pub.MessageId = over.MessageID
		}
		if over.Type != "" {
			pub.Type = over.Type
		}
		if !over.Timestamp.IsZero() {
			pub.Timestamp = over.Timestamp
		}
		if over.DeliveryMode != 0 {
			pub.DeliveryMode = over.DeliveryMode
		}
		if over.Expiration != "" {
			pub.Expiration = over.Expiration
		}
		if len(over.Headers) > 0 {
			if pub.Headers == nil {
				pub.Headers = amqp.Table{}
			}
			for k, v := range over.Headers {
				pub.Headers[k] = v
			}
		}
	}
	if pub.Timestamp.IsZero() {
		pub.Timestamp = time.Now().UTC()
	}
	return pub
}

func (p *Pusher) reconnect() error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.ReconnectAttempts; attempt++ {
		metrics.ReconnectsTotal.WithLabelValues("pusher").Inc()
		p.log.Warn().Int("attempt", attempt).Msg("reconnecting to broker")

		_ = p.closeConnection()
		if lastErr = p.connect(); lastErr == nil {
			return nil
		}
		time.Sleep(p.cfg.ReconnectDelay)
	}
	return lastErr
}

func (p *Pusher) connect() error {
	w, err := p.dial()
	if err != nil {
		return err
	}

	p.connLock <- struct{}{}
	p.wire = w
	<-p.connLock
	return nil
}

func (p *Pusher) closeConnection() error {
	select {
	case p.connLock <- struct{}{}:
	case <-time.After(shutdownConnectionLockTimeout):
		p.log.Error().Msg("connection lock not acquired for close")
		return ErrConnectionLock
	}
	defer func() { <-p.connLock }()

	if p.wire != nil {
		_ = p.wire.Close()
		p.wire = nil
	}
	return nil
}

func isConnectionError(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var ae *amqp.Error
	if errors.As(err, &ae) {
		// Connection- or channel-scope close from the server.
		return ae.Code == amqp.ConnectionForced || ae.Code == amqp.ChannelError ||
			ae.Code == amqp.ResourceError || ae.Reason == "EOF"
	}
	return false
}
