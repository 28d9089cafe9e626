package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePublishDelivers(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	ev := NewEvent(time.Now())
	ev.URL = "http://example.com/"
	bus.Publish(ev)

	select {
	case got := <-ch:
		if got.URL != ev.URL {
			t.Fatalf("expected URL %q, got %q", ev.URL, got.URL)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed after unsubscribe")
	}
}

// A full subscriber channel drops its oldest event rather than blocking the
// publisher (§4.H, §5).
func TestPublishDropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for i := 0; i < defaultBufferSize+10; i++ {
		ev := NewEvent(time.Now())
		ev.URL = string(rune('a' + i%26))
		bus.Publish(ev)
	}

	if len(ch) != defaultBufferSize {
		t.Fatalf("expected the subscriber channel to stay at capacity %d, got %d", defaultBufferSize, len(ch))
	}
}

func TestResourceTypeNameOutOfRangeFallsBackToOther(t *testing.T) {
	if name := ResourceTypeName(99); name != "other" {
		t.Fatalf("expected out-of-range resource type to render as %q, got %q", "other", name)
	}
}
