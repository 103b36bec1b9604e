package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/n6hub/n6pipe/internal/consume"
	"github.com/n6hub/n6pipe/internal/event"
	"github.com/n6hub/n6pipe/internal/pusher"
)

// Bus is the slice of the pusher the handler needs.
type Bus interface {
	Push(data any, routingKey string, props *pusher.Props) error
}

// Handler returns the consumer handler feeding ProcessEvent. Events
// already folded produce no output; out-of-order and group-less events
// are dropped (re-delivery cannot fix them), but any flushes emitted
// before the failure have already been published.
func (a *Aggregator) Handler(bus Bus) consume.Handler {
	return func(ctx context.Context, routingKey string, body []byte) error {
		e, err := event.Unmarshal(body)
		if err != nil {
			return fmt.Errorf("%w: undecodable event: %v", consume.Drop, err)
		}

		msgs, procErr := a.ProcessEvent(e)
		for _, m := range msgs {
			if err := a.publish(bus, m); err != nil {
				return err
			}
		}
		if procErr != nil {
			if errors.Is(procErr, ErrMissingGroup) || errors.Is(procErr, ErrOutOfOrder) {
				return fmt.Errorf("%w: %v", consume.Drop, procErr)
			}
			return procErr
		}
		return nil
	}
}

// PublishSweep runs the inactivity sweep and publishes its summaries.
func (a *Aggregator) PublishSweep(bus Bus) error {
	for _, m := range a.InactivitySweep() {
		if err := a.publish(bus, m); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) publish(bus Bus, m *event.Event) error {
	body, err := event.Marshal(m)
	if err != nil {
		return fmt.Errorf("aggregator: encode %s: %w", m.ID, err)
	}
	key := event.StageRoutingKey(event.StageAggregated, m.Source)
	return bus.Push(body, key, nil)
}
