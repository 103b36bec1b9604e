package collector

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n6hub/n6pipe/internal/event"
	"github.com/n6hub/n6pipe/internal/pusher"
)

type fakeBus struct {
	pushed []pushedMsg
	fail   error
	onPush func()
}

type pushedMsg struct {
	data       any
	routingKey string
	props      *pusher.Props
}

func (b *fakeBus) Push(data any, routingKey string, props *pusher.Props) error {
	if b.fail != nil {
		return b.fail
	}
	b.pushed = append(b.pushed, pushedMsg{data: data, routingKey: routingKey, props: props})
	if b.onPush != nil {
		b.onPush()
	}
	return nil
}

func TestPublishProperties(t *testing.T) {
	bus := &fakeBus{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &Runner{Bus: bus, FormatVersion: "1", now: func() time.Time { return now }}

	err := r.Publish("spam.channel", Message{
		Body:        []byte("row1\nrow2"),
		Type:        TypeFile,
		ContentType: "text/csv",
		Meta:        map[string]any{"mail_subject": "daily drop"},
	})
	require.NoError(t, err)

	require.Len(t, bus.pushed, 1)
	got := bus.pushed[0]
	assert.Equal(t, "raw.spam.channel.1", got.routingKey)
	assert.Equal(t, TypeFile, got.props.Type)
	assert.Equal(t, "text/csv", got.props.ContentType)
	assert.Equal(t, now, got.props.Timestamp)
	assert.Equal(t,
		event.MessageID("spam.channel", now.Unix(), []byte("row1\nrow2")),
		got.props.MessageID)

	meta, ok := got.props.Headers["meta"].(amqp.Table)
	require.True(t, ok)
	assert.Equal(t, "daily drop", meta["mail_subject"])
}

func TestPublishMessageIDDeterministic(t *testing.T) {
	bus := &fakeBus{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &Runner{Bus: bus, FormatVersion: "1", now: func() time.Time { return now }}

	require.NoError(t, r.Publish("s.c", Message{Body: []byte("x"), Type: TypeFile}))
	require.NoError(t, r.Publish("s.c", Message{Body: []byte("x"), Type: TypeFile}))

	require.Len(t, bus.pushed, 2)
	assert.Equal(t, bus.pushed[0].props.MessageID, bus.pushed[1].props.MessageID)
}

type scriptedCollector struct {
	msg       *Message
	collected int
	committed int
	failMsg   error
	onCommit  func()
}

func (c *scriptedCollector) Source() string { return "scripted.feed" }

func (c *scriptedCollector) Collect(store *Store) (*Message, error) {
	c.collected++
	return c.msg, c.failMsg
}

func (c *scriptedCollector) Commit(store *Store) error {
	c.committed++
	if c.onCommit != nil {
		c.onCommit()
	}
	return nil
}

func TestRunStoredPublishesThenCommits(t *testing.T) {
	bus := &fakeBus{}
	r := &Runner{Bus: bus, FormatVersion: "1"}
	c := &scriptedCollector{msg: &Message{Body: []byte("fresh"), Type: TypeFile}}

	require.NoError(t, r.RunStored(c, &Store{Dir: t.TempDir()}))
	assert.Len(t, bus.pushed, 1)
	assert.Equal(t, 1, c.committed)
}

func TestRunStoredNoCommitOnPublishFailure(t *testing.T) {
	bus := &fakeBus{fail: errors.New("broker gone")}
	r := &Runner{Bus: bus, FormatVersion: "1"}
	c := &scriptedCollector{msg: &Message{Body: []byte("fresh"), Type: TypeFile}}

	err := r.RunStored(c, &Store{Dir: t.TempDir()})
	assert.Error(t, err)
	assert.Equal(t, 0, c.committed, "state must not advance past unpublished data")
}

func TestRunStoredFlushBeforeCommit(t *testing.T) {
	var order []string
	bus := &fakeBus{onPush: func() { order = append(order, "push") }}
	c := &scriptedCollector{
		msg:      &Message{Body: []byte("fresh"), Type: TypeFile},
		onCommit: func() { order = append(order, "commit") },
	}
	r := &Runner{Bus: bus, FormatVersion: "1", Flush: func() error {
		order = append(order, "flush")
		return nil
	}}

	require.NoError(t, r.RunStored(c, &Store{Dir: t.TempDir()}))
	assert.Equal(t, []string{"push", "flush", "commit"}, order)
}

func TestRunStoredNoCommitOnFlushFailure(t *testing.T) {
	// The bus accepts every push; the loss only shows once the queue is
	// drained. State must stay put so the next run re-collects the rows.
	bus := &fakeBus{}
	c := &scriptedCollector{msg: &Message{Body: []byte("fresh"), Type: TypeFile}}
	r := &Runner{Bus: bus, FormatVersion: "1", Flush: func() error {
		return errors.New("2 messages were not published")
	}}

	err := r.RunStored(c, &Store{Dir: t.TempDir()})
	assert.Error(t, err)
	assert.Equal(t, 0, c.committed, "state must not advance past an unflushed batch")
}

func TestRunStoredNothingFresh(t *testing.T) {
	bus := &fakeBus{}
	r := &Runner{Bus: bus, FormatVersion: "1"}
	c := &scriptedCollector{msg: nil}

	require.NoError(t, r.RunStored(c, &Store{Dir: t.TempDir()}))
	assert.Empty(t, bus.pushed)
	assert.Equal(t, 1, c.committed)
}
