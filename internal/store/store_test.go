package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/outdial/outdial/internal/models"
)

var callRows = []string{
	"id", "call_sid", "from_number", "to_number", "agent_number", "strategy", "status",
	"detection_result", "confidence", "detection_time_ms", "poll_count", "retry_count",
	"error_code", "error_message", "recording_url", "created_at", "answered_at", "completed_at", "updated_at",
}

func sampleCallRow(id uuid.UUID, status models.CallStatus) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(callRows).AddRow(
		id, "CA1", "+15550001111", "+15550002222", "+15550003333", "native", string(status),
		nil, nil, nil, 0, 0,
		nil, nil, nil, now, nil, nil, now,
	)
}

func TestPGCreateCall(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery("INSERT INTO call_records").
		WithArgs(id, "CA1", "+15550001111", "+15550002222", sqlmock.AnyArg(), "native", "initiated", 0).
		WillReturnRows(sampleCallRow(id, models.StatusInitiated))

	s := NewPGStore(db)
	rec, err := s.CreateCall(context.Background(), CallInput{
		ID:          id,
		CallSID:     "CA1",
		From:        "+15550001111",
		To:          "+15550002222",
		AgentNumber: "+15550003333",
		Strategy:    models.StrategyNative,
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if rec.CallSID != "CA1" || rec.Status != models.StatusInitiated {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGTransitionStatus_Applied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery("UPDATE call_records").
		WillReturnRows(sampleCallRow(id, models.StatusRinging))

	s := NewPGStore(db)
	rec, changed, err := s.TransitionStatus(context.Background(), "CA1", models.StatusRinging, time.Now())
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if !changed || rec.Status != models.StatusRinging {
		t.Fatalf("expected applied transition, got changed=%v status=%s", changed, rec.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGTransitionStatus_StaleFallsBackToRead(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	id := uuid.New()
	// The conditional UPDATE matches no row; the store re-reads to distinguish
	// a stale transition from an unknown call.
	mock.ExpectQuery("UPDATE call_records").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM call_records").
		WillReturnRows(sampleCallRow(id, models.StatusInProgress))

	s := NewPGStore(db)
	rec, changed, err := s.TransitionStatus(context.Background(), "CA1", models.StatusRinging, time.Now())
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if changed {
		t.Fatalf("stale transition must not report changed")
	}
	if rec.Status != models.StatusInProgress {
		t.Fatalf("expected stored status, got %s", rec.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGTransitionStatus_UnknownCall(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("UPDATE call_records").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM call_records").WillReturnError(sql.ErrNoRows)

	s := NewPGStore(db)
	_, _, err = s.TransitionStatus(context.Background(), "CA-missing", models.StatusRinging, time.Now())
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGAppendEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO amd_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPGStore(db)
	ev, err := s.AppendEvent(context.Background(), models.AmdEvent{
		CallSID:   "CA1",
		EventType: models.EventCallInitiated,
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if ev.ID == uuid.Nil || ev.CreatedAt.IsZero() {
		t.Fatalf("append must assign id and timestamp, got %+v", ev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGFetchPendingEventsForStreaming(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	evID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM amd_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(evID))
	mock.ExpectQuery("UPDATE amd_events").
		WillReturnRows(sqlmock.NewRows([]string{"id", "call_sid", "event_type", "confidence", "payload", "created_at"}).
			AddRow(evID, "CA1", "CALL_INITIATED", nil, []byte(`{"to":"+1"}`), time.Now().UTC()))
	mock.ExpectCommit()

	s := NewPGStore(db)
	events, err := s.FetchPendingEventsForStreaming(context.Background(), 5)
	if err != nil {
		t.Fatalf("FetchPendingEventsForStreaming: %v", err)
	}
	if len(events) != 1 || events[0].ID != evID {
		t.Fatalf("unexpected claim result %+v", events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGMarkEventStreamResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	evID := uuid.New()
	mock.ExpectExec("UPDATE amd_events").
		WithArgs(evID, "succeeded", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPGStore(db)
	key := sql.NullString{String: "amd/amd-events/2026/08/31/x.json", Valid: true}
	if err := s.MarkEventStreamResult(context.Background(), evID, key, true, sql.NullString{}); err != nil {
		t.Fatalf("MarkEventStreamResult: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
