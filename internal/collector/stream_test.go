package collector

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamCollectorPublishesLines(t *testing.T) {
	bus := &fakeBus{}
	r := &Runner{Bus: bus, FormatVersion: "1"}
	c := &StreamCollector{
		SourceID: "spam.stream",
		In:       strings.NewReader("one\n\n  \ntwo\r\nthree"),
	}

	require.NoError(t, r.RunDaemon(context.Background(), c))

	require.Len(t, bus.pushed, 3)
	for i, want := range []string{"one", "two", "three"} {
		assert.Equal(t, "raw.spam.stream.1", bus.pushed[i].routingKey)
		assert.Equal(t, []byte(want), bus.pushed[i].data)
		assert.Equal(t, TypeStream, bus.pushed[i].props.Type)
	}
}

func TestStreamCollectorStopsOnPublishError(t *testing.T) {
	calls := 0
	c := &StreamCollector{SourceID: "s.c", In: strings.NewReader("a\nb\nc\n")}

	err := c.Run(context.Background(), func(Message) error {
		calls++
		if calls == 2 {
			return assert.AnError
		}
		return nil
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, calls, "no further lines after a failed publish")
}

func TestStreamCollectorCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &StreamCollector{SourceID: "s.c", In: strings.NewReader("a\n")}
	err := c.Run(ctx, func(Message) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
