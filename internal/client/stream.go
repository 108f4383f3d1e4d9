package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tabpilot/tabpilot/internal/events"
	"github.com/tabpilot/tabpilot/internal/protocol"
)

// EventStream is a subscription handle for one CDP event name. Events are
// delivered on a bounded channel the caller drains; delivery order follows
// arrival order and a full channel drops the newest event rather than
// blocking the receive loop.
type EventStream struct {
	eventName string
	ch        chan json.RawMessage
	sub       events.Subscription
	router    *Router
	closeOnce sync.Once

	mu     sync.Mutex // guards closed vs in-flight delivery
	closed bool
}

// Subscribe opens an event stream for eventName. meta is merged into the
// fire-and-forget unregister notice issued when the last stream for the name
// closes; pass nil when the relay needs no listener details.
func (r *Router) Subscribe(eventName string, buffer int, meta map[string]any) *EventStream {
	if buffer <= 0 {
		buffer = 16
	}

	es := &EventStream{
		eventName: eventName,
		ch:        make(chan json.RawMessage, buffer),
		router:    r,
	}

	es.sub = events.Subscribe[json.RawMessage](r.fanout, events.CDPEventTopic(eventName),
		func(_ context.Context, params json.RawMessage) error {
			es.mu.Lock()
			defer es.mu.Unlock()
			if es.closed {
				return nil
			}
			select {
			case es.ch <- params:
			default:
				r.logger.Warn("event stream full, dropping event", "event", eventName)
			}
			return nil
		})

	r.mu.Lock()
	r.streams[eventName]++
	if meta != nil {
		r.unregMeta[eventName] = meta
	}
	r.mu.Unlock()

	return es
}

// Events returns the stream's delivery channel. It is closed by Close.
func (es *EventStream) Events() <-chan json.RawMessage {
	return es.ch
}

// EventName returns the subscribed CDP event name.
func (es *EventStream) EventName() string {
	return es.eventName
}

// Close unsubscribes the stream. The last close for an event name issues a
// fire-and-forget unregister notice to the relay; its outcome is not awaited.
func (es *EventStream) Close() {
	es.closeOnce.Do(func() {
		es.sub.Unsubscribe()

		es.mu.Lock()
		es.closed = true
		close(es.ch)
		es.mu.Unlock()

		r := es.router
		r.mu.Lock()
		r.streams[es.eventName]--
		last := r.streams[es.eventName] <= 0
		var meta map[string]any
		if last {
			delete(r.streams, es.eventName)
			meta = r.unregMeta[es.eventName]
			delete(r.unregMeta, es.eventName)
		}
		closed := r.closed
		r.mu.Unlock()

		if last && !closed {
			payload := map[string]any{"eventName": es.eventName}
			for k, v := range meta {
				payload[k] = v
			}
			if err := r.Notify(protocol.TypeUnregisterCDPListener, payload); err != nil {
				r.logger.Debug("unregister notice failed", "event", es.eventName, "error", err)
			}
		}
	})
}
