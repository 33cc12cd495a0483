// package ingest runs the asynchronous audio analysis pipeline: it fetches
// recorded call audio from the carrier, runs the call's detection strategy
// over it, and feeds the verdict back into the engine. The carrier is never
// kept waiting on analysis; the webhook that enqueues a job returns
// immediately.
package ingest

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/outdial/outdial/internal/engine"
	"github.com/outdial/outdial/internal/models"
	"github.com/outdial/outdial/internal/store"
	"github.com/outdial/outdial/internal/strategy"
)

// Fetcher retrieves recorded audio from the carrier.
type Fetcher interface {
	FetchRecording(ctx context.Context, recordingURL string) ([]byte, error)
}

// Job is one recording ready for analysis.
type Job struct {
	CallSID      string
	RecordingURL string
}

type Pipeline struct {
	store    store.Store
	registry *strategy.Registry
	fetcher  Fetcher
	engine   *engine.Engine

	jobs chan Job
	wg   sync.WaitGroup
}

func New(st store.Store, registry *strategy.Registry, fetcher Fetcher, eng *engine.Engine, queueSize int) *Pipeline {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pipeline{
		store:    st,
		registry: registry,
		fetcher:  fetcher,
		engine:   eng,
		jobs:     make(chan Job, queueSize),
	}
}

// Start launches workers draining the job queue. They exit when ctx is
// canceled; Wait blocks until in-flight jobs finish.
func (p *Pipeline) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					p.process(ctx, job)
				}
			}
		}()
	}
}

func (p *Pipeline) Wait() { p.wg.Wait() }

// Enqueue records the recording URL and hands the audio off for analysis.
// If the queue is full the job is processed inline rather than dropped; a
// lost recording would strand the call in the hold loop until the ceiling.
func (p *Pipeline) Enqueue(ctx context.Context, job Job) {
	if err := p.store.SetRecordingURL(ctx, job.CallSID, job.RecordingURL); err != nil {
		log.Printf("[ingest] record recording url for %s: %v", job.CallSID, err)
	}
	payload, _ := json.Marshal(map[string]string{"recordingUrl": job.RecordingURL})
	if _, err := p.store.AppendEvent(ctx, models.AmdEvent{
		CallSID:   job.CallSID,
		EventType: models.EventRecordingReady,
		Payload:   payload,
	}); err != nil {
		log.Printf("[ingest] record recording event for %s: %v", job.CallSID, err)
	}
	select {
	case p.jobs <- job:
	default:
		log.Printf("[ingest] queue full, processing %s inline", job.CallSID)
		p.process(ctx, job)
	}
}

func (p *Pipeline) process(ctx context.Context, job Job) {
	rec, err := p.store.GetCallBySID(ctx, job.CallSID)
	if err != nil {
		log.Printf("[ingest] unknown call %s for recording: %v", job.CallSID, err)
		return
	}
	if rec.Status.Terminal() && rec.DetectionResult != nil {
		return
	}

	strat, err := p.registry.Get(rec.Strategy)
	if err != nil {
		log.Printf("[ingest] strategy %q for %s: %v", rec.Strategy, job.CallSID, err)
		p.applyFallback(ctx, job.CallSID)
		return
	}

	audio, err := p.fetcher.FetchRecording(ctx, job.RecordingURL)
	if err != nil {
		log.Printf("[ingest] fetch recording for %s: %v", job.CallSID, err)
		p.applyFallback(ctx, job.CallSID)
		return
	}

	det, err := strat.Detect(ctx, audio, job.CallSID)
	if err != nil {
		log.Printf("[ingest] detect for %s: %v", job.CallSID, err)
		p.applyFallback(ctx, job.CallSID)
		return
	}

	if err := p.engine.ApplyDetection(ctx, job.CallSID, det); err != nil {
		log.Printf("[ingest] apply detection for %s: %v", job.CallSID, err)
	}
}

// applyFallback pushes a degraded UNDECIDED verdict so the call leaves the
// hold loop on the safe branch instead of waiting out the poll ceiling.
func (p *Pipeline) applyFallback(ctx context.Context, callSID string) {
	err := p.engine.ApplyDetection(ctx, callSID, strategy.Detection{
		Result:   models.ResultUndecided,
		Fallback: true,
	})
	if err != nil {
		log.Printf("[ingest] apply fallback for %s: %v", callSID, err)
	}
}
