package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outdial/outdial/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the call-record persistence contract consumed by the decision
// engine. Mutating operations are conditional: a write that would regress a
// call's lifecycle, or re-apply an already-applied detection, reports
// changed=false instead of overwriting, which is what makes duplicate and
// out-of-order webhook deliveries safe.
type Store interface {
	CreateCall(ctx context.Context, in CallInput) (models.CallRecord, error)
	GetCallBySID(ctx context.Context, callSID string) (models.CallRecord, error)

	// TransitionStatus moves the call to a later lifecycle status. The write is
	// applied only when the new status ranks strictly above the current one;
	// otherwise the stored record is returned with changed=false.
	TransitionStatus(ctx context.Context, callSID string, to models.CallStatus, at time.Time) (rec models.CallRecord, changed bool, err error)

	// SetDetection records a detection result. An existing result is replaced
	// only when the new confidence is strictly greater; terminal calls are
	// never touched.
	SetDetection(ctx context.Context, callSID string, in DetectionUpdate) (rec models.CallRecord, changed bool, err error)

	IncrementPollCount(ctx context.Context, callSID string) (models.CallRecord, error)
	SetCallError(ctx context.Context, callSID, code, message string) (models.CallRecord, error)
	SetRecordingURL(ctx context.Context, callSID, url string) error

	AppendEvent(ctx context.Context, ev models.AmdEvent) (models.AmdEvent, error)
	ListEvents(ctx context.Context, callSID string, filter EventFilter) ([]models.AmdEvent, error)

	Ping(ctx context.Context) error
}

type CallInput struct {
	ID          uuid.UUID
	CallSID     string
	From        string
	To          string
	AgentNumber string
	Strategy    models.Strategy
}

type DetectionUpdate struct {
	Result          models.DetectionResult
	Confidence      float64
	DetectionTimeMs int
}

type EventFilter struct {
	EventType models.EventType
	Limit     int
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const callColumns = `id, call_sid, from_number, to_number, agent_number, strategy, status,
	detection_result, confidence, detection_time_ms, poll_count, retry_count,
	error_code, error_message, recording_url, created_at, answered_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCall(row rowScanner) (models.CallRecord, error) {
	var (
		rec         models.CallRecord
		agentNumber sql.NullString
		result      sql.NullString
		confidence  sql.NullFloat64
		detectionMs sql.NullInt64
		errCode     sql.NullString
		errMessage  sql.NullString
		recording   sql.NullString
		answeredAt  sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&rec.ID,
		&rec.CallSID,
		&rec.From,
		&rec.To,
		&agentNumber,
		&rec.Strategy,
		&rec.Status,
		&result,
		&confidence,
		&detectionMs,
		&rec.PollCount,
		&rec.RetryCount,
		&errCode,
		&errMessage,
		&recording,
		&rec.CreatedAt,
		&answeredAt,
		&completedAt,
		&rec.UpdatedAt,
	); err != nil {
		return models.CallRecord{}, err
	}
	rec.AgentNumber = agentNumber.String
	rec.ErrorCode = errCode.String
	rec.ErrorMessage = errMessage.String
	rec.RecordingURL = recording.String
	if result.Valid {
		dr := models.DetectionResult(result.String)
		rec.DetectionResult = &dr
	}
	if confidence.Valid {
		c := confidence.Float64
		rec.Confidence = &c
	}
	if detectionMs.Valid {
		ms := int(detectionMs.Int64)
		rec.DetectionTimeMs = &ms
	}
	if answeredAt.Valid {
		t := answeredAt.Time
		rec.AnsweredAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func (s *PGStore) CreateCall(ctx context.Context, in CallInput) (models.CallRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO call_records (id, call_sid, from_number, to_number, agent_number, strategy, status, status_rank)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING ` + callColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.CallSID, in.From, in.To, nullString(in.AgentNumber),
		string(in.Strategy), string(models.StatusInitiated), models.StatusInitiated.Rank())
	rec, err := scanCall(row)
	if err != nil {
		return models.CallRecord{}, fmt.Errorf("insert call record: %w", err)
	}
	return rec, nil
}

func (s *PGStore) GetCallBySID(ctx context.Context, callSID string) (models.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM call_records WHERE call_sid=$1`
	rec, err := scanCall(s.db.QueryRowContext(ctx, query, callSID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CallRecord{}, ErrNotFound
		}
		return models.CallRecord{}, fmt.Errorf("get call record: %w", err)
	}
	return rec, nil
}

func (s *PGStore) TransitionStatus(ctx context.Context, callSID string, to models.CallStatus, at time.Time) (models.CallRecord, bool, error) {
	query := `
		UPDATE call_records
		SET status=$2,
		    status_rank=$3,
		    answered_at=CASE WHEN $4 THEN COALESCE(answered_at, $5) ELSE answered_at END,
		    completed_at=CASE WHEN $6 THEN COALESCE(completed_at, $5) ELSE completed_at END,
		    updated_at=NOW()
		WHERE call_sid=$1 AND status_rank < $3
		RETURNING ` + callColumns
	row := s.db.QueryRowContext(ctx, query,
		callSID, string(to), to.Rank(),
		to == models.StatusInProgress, at.UTC(), to.Terminal())
	rec, err := scanCall(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.CallRecord{}, false, fmt.Errorf("transition status: %w", err)
	}
	// No row matched: either the call is unknown or the transition is stale.
	rec, getErr := s.GetCallBySID(ctx, callSID)
	if getErr != nil {
		return models.CallRecord{}, false, getErr
	}
	return rec, false, nil
}

func (s *PGStore) SetDetection(ctx context.Context, callSID string, in DetectionUpdate) (models.CallRecord, bool, error) {
	query := `
		UPDATE call_records
		SET detection_result=$2,
		    confidence=$3,
		    detection_time_ms=$4,
		    updated_at=NOW()
		WHERE call_sid=$1
		  AND status_rank < $5
		  AND (detection_result IS NULL OR confidence < $3)
		RETURNING ` + callColumns
	row := s.db.QueryRowContext(ctx, query,
		callSID, string(in.Result), in.Confidence, in.DetectionTimeMs, models.StatusCompleted.Rank())
	rec, err := scanCall(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.CallRecord{}, false, fmt.Errorf("set detection: %w", err)
	}
	rec, getErr := s.GetCallBySID(ctx, callSID)
	if getErr != nil {
		return models.CallRecord{}, false, getErr
	}
	return rec, false, nil
}

func (s *PGStore) IncrementPollCount(ctx context.Context, callSID string) (models.CallRecord, error) {
	query := `
		UPDATE call_records
		SET poll_count=poll_count+1, updated_at=NOW()
		WHERE call_sid=$1
		RETURNING ` + callColumns
	rec, err := scanCall(s.db.QueryRowContext(ctx, query, callSID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CallRecord{}, ErrNotFound
		}
		return models.CallRecord{}, fmt.Errorf("increment poll count: %w", err)
	}
	return rec, nil
}

func (s *PGStore) SetCallError(ctx context.Context, callSID, code, message string) (models.CallRecord, error) {
	query := `
		UPDATE call_records
		SET error_code=$2, error_message=$3, retry_count=retry_count+1, updated_at=NOW()
		WHERE call_sid=$1
		RETURNING ` + callColumns
	rec, err := scanCall(s.db.QueryRowContext(ctx, query, callSID, code, message))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CallRecord{}, ErrNotFound
		}
		return models.CallRecord{}, fmt.Errorf("set call error: %w", err)
	}
	return rec, nil
}

func (s *PGStore) SetRecordingURL(ctx context.Context, callSID, url string) error {
	query := `UPDATE call_records SET recording_url=$2, updated_at=NOW() WHERE call_sid=$1`
	res, err := s.db.ExecContext(ctx, query, callSID, url)
	if err != nil {
		return fmt.Errorf("set recording url: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) AppendEvent(ctx context.Context, ev models.AmdEvent) (models.AmdEvent, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO amd_events (id, call_sid, event_type, confidence, payload, created_at, stream_status)
		VALUES ($1,$2,$3,$4,$5,$6,'pending')
	`
	var confidence interface{}
	if ev.Confidence != nil {
		confidence = *ev.Confidence
	}
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.CallSID, string(ev.EventType), confidence, ensureJSON(ev.Payload, "null"), ev.CreatedAt)
	if err != nil {
		return models.AmdEvent{}, fmt.Errorf("insert amd event: %w", err)
	}
	return ev, nil
}

func (s *PGStore) ListEvents(ctx context.Context, callSID string, filter EventFilter) ([]models.AmdEvent, error) {
	query := `
		SELECT id, call_sid, event_type, confidence, payload, created_at
		FROM amd_events
		WHERE call_sid = $1
	`
	args := []interface{}{callSID}
	if filter.EventType != "" {
		query += ` AND event_type = $2`
		args = append(args, string(filter.EventType))
	}
	query += ` ORDER BY created_at`
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list amd events: %w", err)
	}
	defer rows.Close()

	var events []models.AmdEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan amd event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate amd events: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (models.AmdEvent, error) {
	var (
		ev         models.AmdEvent
		confidence sql.NullFloat64
		payload    []byte
	)
	if err := row.Scan(&ev.ID, &ev.CallSID, &ev.EventType, &confidence, &payload, &ev.CreatedAt); err != nil {
		return models.AmdEvent{}, err
	}
	if confidence.Valid {
		c := confidence.Float64
		ev.Confidence = &c
	}
	if len(payload) > 0 && string(payload) != "null" {
		ev.Payload = append(json.RawMessage(nil), payload...)
	}
	return ev, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
