package authz

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type recordingInvalidator struct {
	mu         sync.Mutex
	identities []Identity
	notify     chan Identity
}

func newRecordingInvalidator() *recordingInvalidator {
	return &recordingInvalidator{notify: make(chan Identity, 8)}
}

func (r *recordingInvalidator) Invalidate(identity Identity) {
	r.mu.Lock()
	r.identities = append(r.identities, identity)
	r.mu.Unlock()
	r.notify <- identity
}

func TestBroadcastInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroadcaster(client, "", nil)
	invalidator := newRecordingInvalidator()

	done := make(chan error, 1)
	go func() {
		done <- b.Listen(ctx, invalidator)
	}()

	// Give the subscription a moment to attach before publishing.
	deadline := time.After(5 * time.Second)
	var published bool
	for !published {
		select {
		case <-deadline:
			t.Fatalf("invalidation never arrived")
		default:
		}
		if err := b.Publish(ctx, "mod@example.com"); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case identity := <-invalidator.notify:
			if identity != "mod@example.com" {
				t.Fatalf("unexpected identity %s", identity)
			}
			published = true
		case <-time.After(100 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			t.Fatalf("listen returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("listener did not stop on cancellation")
	}
}

func TestPublishFailureSurfaces(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mr.Close()
	b := NewBroadcaster(client, "", nil)
	if err := b.Publish(context.Background(), "mod@example.com"); err == nil {
		t.Fatalf("expected publish against a dead server to fail")
	}
}
