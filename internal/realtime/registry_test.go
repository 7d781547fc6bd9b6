package realtime

import (
	"context"
	"fmt"
	"testing"
)

// startScripted registers a started subscription backed by a scripted
// feed and returns the feed so tests can observe Close calls.
func startScripted(t *testing.T, reg *Registry, id string) *scriptFeed {
	t.Helper()

	feed := newScriptFeed(Event{Type: EventSubscribed})
	sub, err := NewSubscription(SubscriptionConfig{
		ID:      id,
		Factory: func(context.Context) (Feed, error) { return feed, nil },
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("NewSubscription(%s) error: %v", id, err)
	}

	sub.Start(t.Context())
	reg.Register(sub)
	return feed
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(testLogger())
	startScripted(t, reg, "messages:a")

	if _, ok := reg.Get("messages:a"); !ok {
		t.Error("Get() did not find registered subscription")
	}
	if _, ok := reg.Get("messages:unknown"); ok {
		t.Error("Get() found a subscription that was never registered")
	}

	defer reg.RemoveAll()
}

func TestRegistry_RemoveClosesFeed(t *testing.T) {
	reg := NewRegistry(testLogger())
	feed := startScripted(t, reg, "messages:a")

	reg.Remove("messages:a")

	if !feed.isClosed() {
		t.Error("Remove() did not close the underlying feed")
	}
	if _, ok := reg.Get("messages:a"); ok {
		t.Error("subscription still registered after Remove()")
	}

	// Unknown ids are a no-op, not an error.
	reg.Remove("messages:unknown")
}

func TestRegistry_RemoveAll(t *testing.T) {
	reg := NewRegistry(testLogger())

	feeds := make([]*scriptFeed, 3)
	for i := range feeds {
		feeds[i] = startScripted(t, reg, fmt.Sprintf("messages:%d", i))
	}

	reg.RemoveAll()

	if reg.Len() != 0 {
		t.Errorf("registry holds %d subscriptions after RemoveAll, want 0", reg.Len())
	}
	for i, feed := range feeds {
		if !feed.isClosed() {
			t.Errorf("feed %d not closed by RemoveAll", i)
		}
	}
}

func TestRegistry_RegisterReplacesExisting(t *testing.T) {
	reg := NewRegistry(testLogger())

	old := startScripted(t, reg, "messages:a")
	startScripted(t, reg, "messages:a")
	defer reg.RemoveAll()

	if !old.isClosed() {
		t.Error("replaced subscription's feed was not closed")
	}
	if reg.Len() != 1 {
		t.Errorf("registry holds %d subscriptions, want 1", reg.Len())
	}
}
