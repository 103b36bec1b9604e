package pusher

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWire records publishes and can fail the first N of them.
type fakeWire struct {
	mu        sync.Mutex
	keys      []string
	bodies    [][]byte
	failFirst int
	failWith  error
	closed    bool
}

func (w *fakeWire) Publish(exchange, routingKey string, mandatory bool, pub amqp.Publishing) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failFirst > 0 {
		w.failFirst--
		return w.failWith
	}
	w.keys = append(w.keys, routingKey)
	w.bodies = append(w.bodies, pub.Body)
	return nil
}

func (w *fakeWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWire) published() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.keys...)
}

func newTestPusher(t *testing.T, cfg Config, wires ...*fakeWire) (*Pusher, func() int) {
	t.Helper()
	var (
		mu    sync.Mutex
		dials int
	)
	dial := func() (wire, error) {
		mu.Lock()
		defer mu.Unlock()
		if dials >= len(wires) {
			return nil, errors.New("no broker")
		}
		w := wires[dials]
		dials++
		return w, nil
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Millisecond
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = 3
	}
	p, err := newWithDial(cfg, dial)
	require.NoError(t, err)
	return p, func() int {
		mu.Lock()
		defer mu.Unlock()
		return dials
	}
}

func TestPushPublishesInOrder(t *testing.T) {
	w := &fakeWire{}
	p, _ := newTestPusher(t, Config{}, w)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Push([]byte("body"), fmt.Sprintf("key.%d", i), nil))
	}
	require.NoError(t, p.Shutdown())

	assert.Equal(t, []string{"key.0", "key.1", "key.2", "key.3", "key.4"}, w.published())
	assert.True(t, w.closed)
	assert.Zero(t, p.Failures())
}

func TestPushAfterShutdown(t *testing.T) {
	w := &fakeWire{}
	p, _ := newTestPusher(t, Config{}, w)

	require.NoError(t, p.Shutdown())
	assert.ErrorIs(t, p.Push([]byte("x"), "k", nil), ErrInactive)

	// Shutdown is idempotent.
	assert.NoError(t, p.Shutdown())
}

func TestSerializerVeto(t *testing.T) {
	w := &fakeWire{}
	var reported []error
	p, _ := newTestPusher(t, Config{
		Serializer: func(data any) ([]byte, bool, error) {
			s := data.(string)
			if s == "skip" {
				return nil, false, nil
			}
			return []byte(s), true, nil
		},
		OnError: func(err error, data any, routingKey string) {
			reported = append(reported, err)
		},
	}, w)

	require.NoError(t, p.Push("one", "k.1", nil))
	require.NoError(t, p.Push("skip", "k.2", nil))
	require.NoError(t, p.Push("two", "k.3", nil))
	require.NoError(t, p.Shutdown())

	assert.Equal(t, []string{"k.1", "k.3"}, w.published())
	assert.Empty(t, reported)
}

func TestSerializerError(t *testing.T) {
	w := &fakeWire{}
	boom := errors.New("boom")
	var (
		mu       sync.Mutex
		reported []error
	)
	p, _ := newTestPusher(t, Config{
		Serializer: func(data any) ([]byte, bool, error) {
			return nil, false, boom
		},
		OnError: func(err error, data any, routingKey string) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	}, w)

	require.NoError(t, p.Push("x", "k", nil))
	require.NoError(t, p.Shutdown())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], boom)
	assert.Empty(t, w.published())
}

func TestNoSerializerRequiresBytes(t *testing.T) {
	w := &fakeWire{}
	var (
		mu       sync.Mutex
		reported int
	)
	p, _ := newTestPusher(t, Config{
		OnError: func(err error, data any, routingKey string) {
			mu.Lock()
			reported++
			mu.Unlock()
		},
	}, w)

	require.NoError(t, p.Push(42, "k", nil))
	require.NoError(t, p.Shutdown())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, reported)
	assert.Empty(t, w.published())
}

func TestTransientDisconnect(t *testing.T) {
	// First wire drops the connection on the first publish; the worker
	// reconnects and retries, so the message is delivered exactly once
	// and the caller never sees an error.
	w1 := &fakeWire{failFirst: 1, failWith: amqp.ErrClosed}
	w2 := &fakeWire{}
	var (
		mu       sync.Mutex
		reported []error
	)
	p, dials := newTestPusher(t, Config{
		OnError: func(err error, data any, routingKey string) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	}, w1, w2)

	require.NoError(t, p.Push([]byte("payload"), "event.raw", nil))
	require.NoError(t, p.Shutdown())

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, reported)
	assert.Empty(t, w1.published())
	assert.Equal(t, []string{"event.raw"}, w2.published())
	assert.True(t, w1.closed, "failed wire must be closed on reconnect")
	assert.Equal(t, 2, dials())
}

func TestBrokerGone(t *testing.T) {
	// Every publish fails and no further dial succeeds: the item is
	// reported, and later items short-circuit on the broker-down flag.
	w := &fakeWire{failFirst: 100, failWith: amqp.ErrClosed}
	var (
		mu       sync.Mutex
		reported []string
	)
	p, _ := newTestPusher(t, Config{
		ReconnectAttempts: 2,
		ReconnectDelay:    time.Millisecond,
		OnError: func(err error, data any, routingKey string) {
			mu.Lock()
			reported = append(reported, routingKey)
			mu.Unlock()
		},
	}, w)

	require.NoError(t, p.Push([]byte("a"), "k.1", nil))
	require.NoError(t, p.Push([]byte("b"), "k.2", nil))
	require.NoError(t, p.Shutdown())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"k.1", "k.2"}, reported)
	assert.Empty(t, w.published())
}

func TestFailuresCountLostMessages(t *testing.T) {
	// The wire rejects every publish and no redial succeeds: Push and
	// Shutdown both return nil, so the failure count is the only signal
	// that the batch never reached the broker. Producers that commit
	// durable "already published" state must consult it after draining.
	w := &fakeWire{failFirst: 100, failWith: amqp.ErrClosed}
	p, _ := newTestPusher(t, Config{
		ReconnectAttempts: 2,
		ReconnectDelay:    time.Millisecond,
	}, w)

	require.NoError(t, p.Push([]byte("a"), "k.1", nil))
	require.NoError(t, p.Push([]byte("b"), "k.2", nil))
	require.NoError(t, p.Shutdown())

	assert.Empty(t, w.published())
	assert.EqualValues(t, 2, p.Failures())
}

func TestMergeProps(t *testing.T) {
	p := &Pusher{cfg: Config{
		DefaultProps: Props{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{"a": "1", "b": "2"},
		},
	}}

	pub := p.mergeProps([]byte("x"), &Props{
		ContentType: "text/csv",
		MessageID:   "m-1",
		Headers:     amqp.Table{"b": "3"},
	})

	assert.Equal(t, "text/csv", pub.ContentType)
	assert.Equal(t, "m-1", pub.MessageId)
	assert.Equal(t, uint8(amqp.Persistent), pub.DeliveryMode)
	assert.Equal(t, amqp.Table{"a": "1", "b": "3"}, pub.Headers)
	assert.False(t, pub.Timestamp.IsZero())
}

func TestCredentialsNeverPrinted(t *testing.T) {
	c := Credentials{Username: "svc", Password: "hunter2"}
	assert.Equal(t, "Credentials(...)", c.String())
	assert.Equal(t, "Credentials(...)", fmt.Sprintf("%v", c))

	p := &Pusher{cfg: Config{URL: "amqp://broker:5672/", Credentials: c}}
	assert.NotContains(t, p.String(), "hunter2")
}

func TestBrokerURL(t *testing.T) {
	got := brokerURL("amqp://broker:5672/", Credentials{Username: "svc", Password: "pw"})
	assert.Equal(t, "amqp://svc:pw@broker:5672/", got)

	// No credentials configured: URL passes through untouched.
	assert.Equal(t, "amqp://broker:5672/", brokerURL("amqp://broker:5672/", Credentials{}))
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, isConnectionError(amqp.ErrClosed))
	assert.True(t, isConnectionError(&amqp.Error{Code: amqp.ConnectionForced}))
	assert.True(t, isConnectionError(&amqp.Error{Reason: "EOF"}))
	assert.False(t, isConnectionError(errors.New("schema violation")))
	assert.False(t, isConnectionError(nil))
}
