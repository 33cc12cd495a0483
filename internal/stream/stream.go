// package stream fans call state changes out to per-call subscribers
// (monitoring dashboards). Delivery is best-effort: a slow consumer loses
// deltas rather than blocking the decision engine.
package stream

import (
	"sync"
	"time"

	"github.com/outdial/outdial/internal/models"
)

// Update is one state-change notification.
type Update struct {
	CallSID         string                  `json:"callSid"`
	Status          models.CallStatus       `json:"status"`
	DetectionResult *models.DetectionResult `json:"detectionResult,omitempty"`
	Confidence      *float64                `json:"confidence,omitempty"`
	PollCount       int                     `json:"pollCount"`
	Terminal        bool                    `json:"terminal"`
	At              time.Time               `json:"at"`
}

// Subscriber receives updates on C. C is closed when the call reaches a
// terminal state or the subscriber cancels.
type Subscriber struct {
	C chan Update

	hub     *Hub
	callSID string

	mu     sync.Mutex
	closed bool
}

// send queues an update without blocking. Full buffers drop the delta.
func (s *Subscriber) send(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.C <- u:
	default:
	}
}

func (s *Subscriber) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}

// Cancel detaches the subscriber and closes C. Safe to call more than once.
func (s *Subscriber) Cancel() {
	s.hub.remove(s.callSID, s)
	s.closeChan()
}

const subscriberBuffer = 16

// Hub tracks the latest known update per call and the active subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscriber]struct{}
	latest map[string]Update
}

func NewHub() *Hub {
	return &Hub{
		subs:   map[string]map[*Subscriber]struct{}{},
		latest: map[string]Update{},
	}
}

// Subscribe attaches a consumer to a call. The current known state, if any, is
// queued immediately so mid-call joins see a snapshot before any delta. A
// subscription to an already-terminal call delivers the snapshot and closes.
func (h *Hub) Subscribe(callSID string) *Subscriber {
	sub := &Subscriber{
		C:       make(chan Update, subscriberBuffer),
		hub:     h,
		callSID: callSID,
	}

	h.mu.Lock()
	snapshot, known := h.latest[callSID]
	if known && snapshot.Terminal {
		h.mu.Unlock()
		sub.send(snapshot)
		sub.closeChan()
		return sub
	}
	if h.subs[callSID] == nil {
		h.subs[callSID] = map[*Subscriber]struct{}{}
	}
	h.subs[callSID][sub] = struct{}{}
	h.mu.Unlock()

	if known {
		sub.send(snapshot)
	}
	return sub
}

// Publish records the update as the call's latest state and fans it out.
// Subscribers whose buffers are full miss this delta; they will catch up on a
// later one. A terminal update ends every subscription for the call.
func (h *Hub) Publish(u Update) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	h.mu.Lock()
	h.latest[u.CallSID] = u
	subs := make([]*Subscriber, 0, len(h.subs[u.CallSID]))
	for sub := range h.subs[u.CallSID] {
		subs = append(subs, sub)
	}
	if u.Terminal {
		delete(h.subs, u.CallSID)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.send(u)
		if u.Terminal {
			sub.closeChan()
		}
	}
}

// Snapshot returns the latest known update for a call, if any.
func (h *Hub) Snapshot(callSID string) (Update, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.latest[callSID]
	return u, ok
}

// Forget drops the retained snapshot for a call, keeping the latest map from
// growing without bound once terminal updates have drained.
func (h *Hub) Forget(callSID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.latest, callSID)
}

func (h *Hub) remove(callSID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[callSID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, callSID)
		}
	}
}
