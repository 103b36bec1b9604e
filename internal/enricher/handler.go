package enricher

import (
	"context"
	"fmt"

	"github.com/n6hub/n6pipe/internal/consume"
	"github.com/n6hub/n6pipe/internal/event"
	"github.com/n6hub/n6pipe/internal/pusher"
)

// Bus is the slice of the pusher the handler needs.
type Bus interface {
	Push(data any, routingKey string, props *pusher.Props) error
}

// Handler returns the consumer handler: unmarshal, enrich, re-publish
// with the parsed segment of the routing key substituted by enriched.
func (en *Enricher) Handler(bus Bus) consume.Handler {
	return func(ctx context.Context, routingKey string, body []byte) error {
		e, err := event.Unmarshal(body)
		if err != nil {
			return fmt.Errorf("%w: undecodable event: %v", consume.Drop, err)
		}

		en.Enrich(ctx, e)

		out, err := event.Marshal(e)
		if err != nil {
			return fmt.Errorf("%w: unencodable event %s: %v", consume.Drop, e.ID, err)
		}
		key, err := event.ReplaceStage(routingKey, event.StageEnriched)
		if err != nil {
			key = event.StageRoutingKey(event.StageEnriched, e.Source)
		}
		return bus.Push(out, key, nil)
	}
}
