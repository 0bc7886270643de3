package events

import (
	"context"

	"github.com/mbd888/affiliate/internal/circuitbreaker"
)

// GuardedSink skips its inner sink while the breaker holds name open, so an
// unreachable transport costs one failed publish per cooldown instead of one
// timeout per event.
type GuardedSink struct {
	name    string
	sink    Sink
	breaker *circuitbreaker.Breaker
}

// NewGuardedSink wraps sink under breaker.
func NewGuardedSink(name string, sink Sink, breaker *circuitbreaker.Breaker) *GuardedSink {
	return &GuardedSink{name: name, sink: sink, breaker: breaker}
}

func (g *GuardedSink) Publish(ctx context.Context, event *Event) error {
	return g.breaker.Do(g.name, func() error {
		return g.sink.Publish(ctx, event)
	})
}
