package headunit

import "sync"

// EventHub fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type EventHub struct {
	mu     sync.RWMutex
	subs   []*eventSub
	closed bool
}

type eventSub struct {
	hub       *EventHub
	ch        chan Event
	closeOnce sync.Once
}

func (e *eventSub) C() <-chan Event { return e.ch }

func (e *eventSub) Close() error {
	e.closeOnce.Do(func() {
		e.hub.remove(e)
		close(e.ch)
	})
	return nil
}

// Subscribe returns a subscription with the given buffer size.
func (h *EventHub) Subscribe(buffer int) EventSubscription {
	es := &eventSub{hub: h, ch: make(chan Event, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		es.closeOnce.Do(func() { close(es.ch) })
		return es
	}
	h.subs = append(h.subs, es)
	return es
}

func (h *EventHub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, es := range h.subs {
		select {
		case es.ch <- e:
		default: /* drop if slow */
		}
	}
}

// Close closes every subscription; later subscriptions are returned closed.
func (h *EventHub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.closed = true
	h.mu.Unlock()
	for _, es := range subs {
		es.closeOnce.Do(func() { close(es.ch) })
	}
}

func (h *EventHub) remove(es *eventSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s == es {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}
