// package firehose streams the AmdEvent audit trail to Kafka and archives
// each event to S3, DB-first: rows are claimed from Postgres with
// FOR UPDATE SKIP LOCKED and marked back success or failure, so the database
// stays the source of truth for retries across restarts.
package firehose

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outdial/outdial/internal/models"
)

// EventSource is the claim/ack surface the streamer needs from the store.
type EventSource interface {
	FetchPendingEventsForStreaming(ctx context.Context, limit int) ([]models.AmdEvent, error)
	MarkEventStreamResult(ctx context.Context, id uuid.UUID, archivedKey sql.NullString, ok bool, lastErr sql.NullString) error
}

type StreamerConfig struct {
	// BatchSize is how many events to claim per fetch.
	BatchSize int
	// PollInterval applies when there is no pending work.
	PollInterval time.Duration
	// MaxConcurrency bounds concurrent produce+archive workers.
	MaxConcurrency int
}

type Streamer struct {
	source   EventSource
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	wg       sync.WaitGroup
}

func NewStreamer(source EventSource, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{source: source, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls for pending events and processes claimed batches with bounded
// concurrency until ctx is canceled. Each batch drains fully before the next
// claim, keeping per-batch ordering simple.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[firehose] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[firehose] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		events, err := s.source.FetchPendingEventsForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[firehose] fetch pending: %v", err)
			sleepCtx(ctx, s.cfg.PollInterval)
			continue
		}
		if len(events) == 0 {
			sleepCtx(ctx, s.cfg.PollInterval)
			continue
		}

		for _, ev := range events {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(ev models.AmdEvent) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEvent(ctx, ev); err != nil {
					log.Printf("[firehose] process event %s: %v", ev.ID, err)
				}
			}(ev)
		}

		// Drain the batch before claiming more.
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

// processEvent produces the envelope to Kafka, archives it to S3, and marks
// the row. Any failure marks the row failed so a later claim retries it.
func (s *Streamer) processEvent(parentCtx context.Context, ev models.AmdEvent) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	value, err := json.Marshal(envelope(ev))
	if err != nil {
		s.markFailed(parentCtx, ev.ID, fmt.Sprintf("marshal envelope: %v", err))
		return fmt.Errorf("marshal envelope: %w", err)
	}

	// Key by call id so one call's events stay ordered within a partition.
	producedAt, err := s.producer.Produce(ctx, []byte(ev.CallSID), value)
	if err != nil {
		s.markFailed(parentCtx, ev.ID, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	key, err := s.archiver.ArchiveEvent(ctx, ev)
	if err != nil {
		s.markFailed(parentCtx, ev.ID, fmt.Sprintf("s3 archive: %v", err))
		return fmt.Errorf("s3 archive: %w", err)
	}

	archivedKey := sql.NullString{String: key, Valid: true}
	if err := s.source.MarkEventStreamResult(parentCtx, ev.ID, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}

	log.Printf("[firehose] event %s streamed: produced_at=%s archived_key=%s",
		ev.ID, producedAt.Format(time.RFC3339Nano), key)
	return nil
}

func (s *Streamer) markFailed(ctx context.Context, id uuid.UUID, msg string) {
	errMsg := sql.NullString{String: msg, Valid: true}
	if err := s.source.MarkEventStreamResult(ctx, id, sql.NullString{}, false, errMsg); err != nil {
		log.Printf("[firehose] mark event %s failed: %v", id, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
