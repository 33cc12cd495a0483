package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outdial/outdial/internal/models"
)

// MemoryStore implements Store with the same conditional-update semantics as
// PGStore. Used by tests and single-node development runs.
type MemoryStore struct {
	mu     sync.RWMutex
	calls  map[string]models.CallRecord
	events map[string][]models.AmdEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:  map[string]models.CallRecord{},
		events: map[string][]models.AmdEvent{},
	}
}

func (m *MemoryStore) CreateCall(ctx context.Context, in CallInput) (models.CallRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	rec := models.CallRecord{
		ID:          in.ID,
		CallSID:     in.CallSID,
		From:        in.From,
		To:          in.To,
		AgentNumber: in.AgentNumber,
		Strategy:    in.Strategy,
		Status:      models.StatusInitiated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[rec.CallSID] = rec
	return rec, nil
}

func (m *MemoryStore) GetCallBySID(ctx context.Context, callSID string) (models.CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.calls[callSID]
	if !ok {
		return models.CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, callSID string, to models.CallStatus, at time.Time) (models.CallRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callSID]
	if !ok {
		return models.CallRecord{}, false, ErrNotFound
	}
	if to.Rank() <= rec.Status.Rank() {
		return rec, false, nil
	}
	rec.Status = to
	at = at.UTC()
	if to == models.StatusInProgress && rec.AnsweredAt == nil {
		t := at
		rec.AnsweredAt = &t
	}
	if to.Terminal() && rec.CompletedAt == nil {
		t := at
		rec.CompletedAt = &t
	}
	rec.UpdatedAt = time.Now().UTC()
	m.calls[callSID] = rec
	return rec, true, nil
}

func (m *MemoryStore) SetDetection(ctx context.Context, callSID string, in DetectionUpdate) (models.CallRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callSID]
	if !ok {
		return models.CallRecord{}, false, ErrNotFound
	}
	if rec.Status.Terminal() {
		return rec, false, nil
	}
	if rec.DetectionResult != nil && rec.Confidence != nil && *rec.Confidence >= in.Confidence {
		return rec, false, nil
	}
	result := in.Result
	confidence := in.Confidence
	ms := in.DetectionTimeMs
	rec.DetectionResult = &result
	rec.Confidence = &confidence
	rec.DetectionTimeMs = &ms
	rec.UpdatedAt = time.Now().UTC()
	m.calls[callSID] = rec
	return rec, true, nil
}

func (m *MemoryStore) IncrementPollCount(ctx context.Context, callSID string) (models.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callSID]
	if !ok {
		return models.CallRecord{}, ErrNotFound
	}
	rec.PollCount++
	rec.UpdatedAt = time.Now().UTC()
	m.calls[callSID] = rec
	return rec, nil
}

func (m *MemoryStore) SetCallError(ctx context.Context, callSID, code, message string) (models.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callSID]
	if !ok {
		return models.CallRecord{}, ErrNotFound
	}
	rec.ErrorCode = code
	rec.ErrorMessage = message
	rec.RetryCount++
	rec.UpdatedAt = time.Now().UTC()
	m.calls[callSID] = rec
	return rec, nil
}

func (m *MemoryStore) SetRecordingURL(ctx context.Context, callSID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callSID]
	if !ok {
		return ErrNotFound
	}
	rec.RecordingURL = url
	rec.UpdatedAt = time.Now().UTC()
	m.calls[callSID] = rec
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev models.AmdEvent) (models.AmdEvent, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if len(ev.Payload) > 0 {
		ev.Payload = append(json.RawMessage(nil), ev.Payload...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.CallSID] = append(m.events[ev.CallSID], ev)
	return ev, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, callSID string, filter EventFilter) ([]models.AmdEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []models.AmdEvent
	for _, ev := range m.events[callSID] {
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}
	result := make([]models.AmdEvent, limit)
	copy(result, events[:limit])
	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
