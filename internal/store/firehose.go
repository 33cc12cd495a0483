package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/outdial/outdial/internal/models"
)

// FetchPendingEventsForStreaming claims up to limit pending amd_events for the
// firehose worker. Claimed rows move to in_progress and increment attempts;
// SKIP LOCKED keeps concurrent workers from claiming the same batch.
func (s *PGStore) FetchPendingEventsForStreaming(ctx context.Context, limit int) ([]models.AmdEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectPending = `
		SELECT id FROM amd_events
		WHERE stream_status IN ('pending','failed') AND attempts < 5
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.QueryContext(ctx, selectPending, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	const claim = `
		UPDATE amd_events
		SET stream_status='in_progress', attempts=attempts+1
		WHERE id = ANY($1::uuid[])
		RETURNING id, call_sid, event_type, confidence, payload, created_at
	`
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}
	claimed, err := tx.QueryContext(ctx, claim, pq.Array(idStrs))
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	var events []models.AmdEvent
	for claimed.Next() {
		ev, err := scanEvent(claimed)
		if err != nil {
			claimed.Close()
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		events = append(events, ev)
	}
	claimed.Close()
	if err := claimed.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return events, nil
}

// MarkEventStreamResult records the outcome of a produce+archive attempt.
func (s *PGStore) MarkEventStreamResult(ctx context.Context, id uuid.UUID, archivedKey sql.NullString, ok bool, lastErr sql.NullString) error {
	status := "succeeded"
	if !ok {
		status = "failed"
	}
	const query = `
		UPDATE amd_events
		SET stream_status=$2, archived_key=COALESCE($3, archived_key), last_error=$4
		WHERE id=$1
	`
	if _, err := s.db.ExecContext(ctx, query, id, status, archivedKey, lastErr); err != nil {
		return fmt.Errorf("mark event stream result: %w", err)
	}
	return nil
}
