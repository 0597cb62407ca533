package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/koltyakov/relay/internal/domain"
)

func TestRegistryRegisterLookupUnregister(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	sess := newSession("t-1", "myapp", newFakeConn())

	if _, ok := reg.Lookup("myapp"); ok {
		t.Fatal("expected empty registry")
	}
	if displaced := reg.Register(sess); displaced != nil {
		t.Fatal("expected no displaced session")
	}
	got, ok := reg.Lookup("myapp")
	if !ok || got != sess {
		t.Fatal("expected registered session back")
	}
	if active := reg.ListActive(); len(active) != 1 || active[0] != "myapp" {
		t.Fatalf("expected [myapp], got %v", active)
	}

	if !reg.Unregister(sess) {
		t.Fatal("expected unregister to succeed")
	}
	if _, ok := reg.Lookup("myapp"); ok {
		t.Fatal("expected session removed")
	}
}

func TestRegistryStaleUnregisterIsNoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	first := newSession("t-1", "myapp", newFakeConn())
	second := newSession("t-1", "myapp", newFakeConn())

	reg.Register(first)
	if displaced := reg.Register(second); displaced != first {
		t.Fatal("expected first session to be displaced")
	}

	// The old connection's read loop unwinds late; its unregister must not
	// remove the replacement.
	if reg.Unregister(first) {
		t.Fatal("stale unregister must be a no-op")
	}
	got, ok := reg.Lookup("myapp")
	if !ok || got != second {
		t.Fatal("expected replacement session to survive")
	}
}

func TestRegistryDisplacementFailsPendingRequests(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	forwarder := NewForwarder(reg, nil, nil, 0)

	first := newSession("t-1", "myapp", newFakeConn())
	reg.Register(first)

	errCh := make(chan error, 1)
	go func() {
		_, err := forwarder.Forward(context.Background(), "myapp", ForwardRequest{Method: "GET", Path: "/"}, time.Second)
		errCh <- err
	}()
	if !waitFor(time.Second, func() bool { return first.pendingCount.Load() == 1 }) {
		t.Fatal("forward never became pending")
	}

	second := newSession("t-1", "myapp", newFakeConn())
	reg.Register(second)

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrTunnelDisconnected) {
			t.Fatalf("expected ErrTunnelDisconnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("displaced forward did not fail")
	}
	if got, ok := reg.Lookup("myapp"); !ok || got != second {
		t.Fatal("expected replacement session installed")
	}
	if n := reg.PendingCount("myapp"); n != 0 {
		t.Fatalf("expected 0 pending on replacement, got %d", n)
	}
}
