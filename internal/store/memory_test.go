package store

import (
	"context"
	"testing"
	"time"

	"github.com/outdial/outdial/internal/models"
)

func seedCall(t *testing.T, m *MemoryStore) models.CallRecord {
	t.Helper()
	rec, err := m.CreateCall(context.Background(), CallInput{
		CallSID:     "CA1",
		From:        "+15550001111",
		To:          "+15550002222",
		AgentNumber: "+15550003333",
		Strategy:    models.StrategyNative,
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	return rec
}

func TestMemoryTransitionStatus(t *testing.T) {
	m := NewMemoryStore()
	seedCall(t, m)
	ctx := context.Background()

	rec, changed, err := m.TransitionStatus(ctx, "CA1", models.StatusInProgress, time.Now())
	if err != nil || !changed {
		t.Fatalf("expected applied transition, err=%v changed=%v", err, changed)
	}
	if rec.AnsweredAt == nil {
		t.Fatalf("in-progress must set answered_at")
	}
	first := *rec.AnsweredAt

	// Stale transition: no change, no timestamp churn.
	rec, changed, err = m.TransitionStatus(ctx, "CA1", models.StatusRinging, time.Now())
	if err != nil || changed {
		t.Fatalf("stale transition must be a no-op, err=%v changed=%v", err, changed)
	}
	if rec.Status != models.StatusInProgress || !rec.AnsweredAt.Equal(first) {
		t.Fatalf("stale transition mutated the record: %+v", rec)
	}

	// Terminal transition sets completed_at once.
	rec, changed, _ = m.TransitionStatus(ctx, "CA1", models.StatusCompleted, time.Now())
	if !changed || rec.CompletedAt == nil {
		t.Fatalf("expected terminal transition with completed_at")
	}

	// Nothing moves a terminal call.
	_, changed, _ = m.TransitionStatus(ctx, "CA1", models.StatusFailed, time.Now())
	if changed {
		t.Fatalf("terminal status must be immutable")
	}
}

func TestMemorySetDetection(t *testing.T) {
	m := NewMemoryStore()
	seedCall(t, m)
	ctx := context.Background()

	rec, changed, err := m.SetDetection(ctx, "CA1", DetectionUpdate{Result: models.ResultVoicemailStart, Confidence: 0.6})
	if err != nil || !changed {
		t.Fatalf("first detection must apply, err=%v changed=%v", err, changed)
	}

	// Equal or lower confidence does not overwrite.
	rec, changed, _ = m.SetDetection(ctx, "CA1", DetectionUpdate{Result: models.ResultHuman, Confidence: 0.6})
	if changed || *rec.DetectionResult != models.ResultVoicemailStart {
		t.Fatalf("equal confidence must not overwrite: %+v", rec)
	}

	// Strictly higher confidence does.
	rec, changed, _ = m.SetDetection(ctx, "CA1", DetectionUpdate{Result: models.ResultHuman, Confidence: 0.8})
	if !changed || *rec.DetectionResult != models.ResultHuman {
		t.Fatalf("higher confidence must overwrite: %+v", rec)
	}

	// Terminal calls are never touched.
	if _, _, err := m.TransitionStatus(ctx, "CA1", models.StatusCompleted, time.Now()); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	_, changed, _ = m.SetDetection(ctx, "CA1", DetectionUpdate{Result: models.ResultFax, Confidence: 0.99})
	if changed {
		t.Fatalf("terminal call must reject detection writes")
	}
}

func TestMemoryEvents(t *testing.T) {
	m := NewMemoryStore()
	seedCall(t, m)
	ctx := context.Background()

	for _, ty := range []models.EventType{models.EventCallInitiated, models.EventCallRinging, models.EventCallAnswered} {
		if _, err := m.AppendEvent(ctx, models.AmdEvent{CallSID: "CA1", EventType: ty}); err != nil {
			t.Fatalf("AppendEvent(%s): %v", ty, err)
		}
	}

	events, err := m.ListEvents(ctx, "CA1", EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	events, err = m.ListEvents(ctx, "CA1", EventFilter{EventType: models.EventCallRinging})
	if err != nil {
		t.Fatalf("ListEvents filtered: %v", err)
	}
	if len(events) != 1 || events[0].EventType != models.EventCallRinging {
		t.Fatalf("unexpected filter result %+v", events)
	}

	events, _ = m.ListEvents(ctx, "CA1", EventFilter{Limit: 2})
	if len(events) != 2 {
		t.Fatalf("expected limit 2, got %d", len(events))
	}
}

func TestMemoryUnknownCall(t *testing.T) {
	m := NewMemoryStore()
	if _, err := m.GetCallBySID(context.Background(), "CA-missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := m.TransitionStatus(context.Background(), "CA-missing", models.StatusRinging, time.Now()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
