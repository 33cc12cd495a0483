package stream

import (
	"testing"
	"time"

	"github.com/outdial/outdial/internal/models"
)

func recv(t *testing.T, sub *Subscriber) Update {
	t.Helper()
	select {
	case u, ok := <-sub.C:
		if !ok {
			t.Fatalf("channel closed unexpectedly")
		}
		return u
	case <-time.After(time.Second):
		t.Fatalf("no update delivered")
	}
	return Update{}
}

func TestSubscribeGetsSnapshotThenDeltas(t *testing.T) {
	h := NewHub()
	h.Publish(Update{CallSID: "CA1", Status: models.StatusRinging})

	sub := h.Subscribe("CA1")
	defer sub.Cancel()

	if u := recv(t, sub); u.Status != models.StatusRinging {
		t.Fatalf("expected ringing snapshot, got %s", u.Status)
	}

	h.Publish(Update{CallSID: "CA1", Status: models.StatusInProgress})
	if u := recv(t, sub); u.Status != models.StatusInProgress {
		t.Fatalf("expected in-progress delta, got %s", u.Status)
	}
}

func TestSubscribeUnknownCall(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("CA-new")
	defer sub.Cancel()

	select {
	case u := <-sub.C:
		t.Fatalf("no snapshot expected for unknown call, got %+v", u)
	case <-time.After(50 * time.Millisecond):
	}

	h.Publish(Update{CallSID: "CA-new", Status: models.StatusInitiated})
	if u := recv(t, sub); u.Status != models.StatusInitiated {
		t.Fatalf("expected initiated delta, got %s", u.Status)
	}
}

func TestTerminalClosesSubscribers(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("CA1")

	h.Publish(Update{CallSID: "CA1", Status: models.StatusCompleted, Terminal: true})
	if u := recv(t, sub); !u.Terminal {
		t.Fatalf("expected terminal update, got %+v", u)
	}
	select {
	case _, open := <-sub.C:
		if open {
			t.Fatalf("channel must close after terminal update")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
}

func TestSubscribeToTerminalCall(t *testing.T) {
	h := NewHub()
	h.Publish(Update{CallSID: "CA1", Status: models.StatusCompleted, Terminal: true})

	sub := h.Subscribe("CA1")
	if u := recv(t, sub); !u.Terminal {
		t.Fatalf("expected terminal snapshot, got %+v", u)
	}
	if _, open := <-sub.C; open {
		t.Fatalf("subscription to a finished call must close immediately")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("CA1")
	defer sub.Cancel()

	// Overflow the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			h.Publish(Update{CallSID: "CA1", Status: models.StatusInProgress, PollCount: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a slow subscriber")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("CA1")
	sub.Cancel()
	sub.Cancel()
	// Publishing after cancel must not panic.
	h.Publish(Update{CallSID: "CA1", Status: models.StatusRinging})
}
