// Package eventbus is the Event Bus of §4.H: every completed request emits
// one event, published to a bounded broadcast with drop-oldest semantics so
// a slow consumer (e.g. an SSE client) never stalls the data plane.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stamatisl/privaxy/internal/rules"
)

// Event is published once per completed request (§4.H).
type Event struct {
	ID             string        `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	Client         string        `json:"client"`
	Method         string        `json:"method"`
	URL            string        `json:"url"`
	ResourceType   string        `json:"resource_type"`
	Decision       string        `json:"decision"`
	UpstreamStatus int           `json:"upstream_status"`
	BytesIn        int64         `json:"bytes_in"`
	BytesOut       int64         `json:"bytes_out"`
	DurationMS     int64         `json:"duration_ms"`
}

// NewEvent stamps a fresh event ID and timestamp. Timestamp is supplied by
// the caller (rather than time.Now() here) only where determinism in tests
// matters; production callers pass time.Now().
func NewEvent(now time.Time) Event {
	return Event{ID: uuid.NewString(), Timestamp: now}
}

const defaultBufferSize = 256

var (
	eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privaxy_events_published_total",
		Help: "Total number of per-request events published to the event bus.",
	})
	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privaxy_events_dropped_total",
		Help: "Total number of events dropped because a subscriber's channel was full.",
	})
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsDropped)
}

// subscriber is one consumer's bounded mailbox.
type subscriber struct {
	ch     chan Event
	closed bool
}

// Bus fans out Events to any number of subscribers. Each subscriber has its
// own bounded channel; a full channel drops its oldest queued event rather
// than blocking the publisher (§4.H, §5).
type Bus struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new consumer and returns its channel plus an
// unsubscribe function. The channel is closed by Unsubscribe, never by the
// bus spontaneously.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan Event, defaultBufferSize)}
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(b.subs, id)
		}
	}
	return sub.ch, unsubscribe
}

// Publish fans ev out to every subscriber, dropping the oldest queued
// event for any subscriber whose channel is currently full.
func (b *Bus) Publish(ev Event) {
	eventsPublished.Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
				eventsDropped.Inc()
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// ResourceTypeName renders a rules.ResourceType the way events serialize it.
func ResourceTypeName(rt rules.ResourceType) string {
	names := [...]string{"other", "script", "image", "stylesheet", "xhr", "subdocument", "document", "font", "media", "websocket", "ping"}
	if int(rt) < len(names) {
		return names[rt]
	}
	return "other"
}
