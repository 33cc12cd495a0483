// package engine is the call orchestrator: a state machine driven by carrier
// webhooks that reconciles detection signals into a single routing decision
// and answers the carrier's scripted-response pulls.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/outdial/outdial/internal/carrier"
	"github.com/outdial/outdial/internal/models"
	"github.com/outdial/outdial/internal/store"
	"github.com/outdial/outdial/internal/strategy"
	"github.com/outdial/outdial/internal/stream"
)

// Carrier is the slice of carrier behavior the engine needs.
type Carrier interface {
	PlaceCall(ctx context.Context, p carrier.PlaceCallParams) (string, error)
	RedirectCall(ctx context.Context, callSID, twimlURL string) error
}

// Config carries the decision-policy knobs shared by all strategies.
type Config struct {
	PublicBaseURL    string
	HoldMessage      string
	VoicemailMessage string
	ApologyMessage   string
	PollPauseSeconds int
	PollCeiling      int
}

type Engine struct {
	store    store.Store
	registry *strategy.Registry
	carrier  Carrier
	hub      *stream.Hub
	cfg      Config
}

func New(st store.Store, registry *strategy.Registry, car Carrier, hub *stream.Hub, cfg Config) *Engine {
	if cfg.PollPauseSeconds <= 0 {
		cfg.PollPauseSeconds = 2
	}
	if cfg.PollCeiling <= 0 {
		cfg.PollCeiling = 10
	}
	return &Engine{store: st, registry: registry, carrier: car, hub: hub, cfg: cfg}
}

type InitiateRequest struct {
	To          string          `json:"to"`
	From        string          `json:"from"`
	AgentNumber string          `json:"agentNumber"`
	Strategy    models.Strategy `json:"strategy"`
}

// InitiateCall configures the strategy, places the call through the carrier,
// and creates the call record. A *strategy.ConfigurationError surfaces to the
// caller; it is the only error class that does.
func (e *Engine) InitiateCall(ctx context.Context, req InitiateRequest) (models.CallRecord, error) {
	if req.To == "" || req.From == "" || req.AgentNumber == "" {
		return models.CallRecord{}, fmt.Errorf("to, from, and agentNumber required")
	}
	strat, err := e.registry.Get(req.Strategy)
	if err != nil {
		return models.CallRecord{}, err
	}
	callCfg, err := strat.Configure(strategy.CallParams{
		To:           req.To,
		From:         req.From,
		CallbackBase: e.cfg.PublicBaseURL,
	})
	if err != nil {
		return models.CallRecord{}, err
	}

	callSID, err := e.carrier.PlaceCall(ctx, carrier.PlaceCallParams{
		To:     req.To,
		From:   req.From,
		Config: callCfg,
	})
	if err != nil {
		return models.CallRecord{}, fmt.Errorf("place call: %w", err)
	}

	rec, err := e.store.CreateCall(ctx, store.CallInput{
		CallSID:     callSID,
		From:        req.From,
		To:          req.To,
		AgentNumber: req.AgentNumber,
		Strategy:    req.Strategy,
	})
	if err != nil {
		return models.CallRecord{}, fmt.Errorf("create call record: %w", err)
	}

	e.appendEvent(ctx, models.AmdEvent{
		CallSID:   callSID,
		EventType: models.EventCallInitiated,
		Payload:   mustJSON(map[string]string{"to": req.To, "strategy": string(req.Strategy)}),
	})
	e.publish(rec)
	return rec, nil
}

// StatusEvent is a carrier call-status webhook, in the carrier's vocabulary.
type StatusEvent struct {
	CallSID   string
	Status    string
	ErrorCode string
}

// HandleCallStatus applies a lifecycle status webhook. Duplicate and stale
// deliveries are no-ops; events for already-terminal calls are acknowledged
// without effect.
func (e *Engine) HandleCallStatus(ctx context.Context, ev StatusEvent) error {
	target, ok := mapCarrierStatus(ev.Status)
	if !ok {
		log.Printf("[engine] ignoring unknown carrier status %q for %s", ev.Status, ev.CallSID)
		return nil
	}
	rec, changed, err := e.store.TransitionStatus(ctx, ev.CallSID, target, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		// The webhook may have beaten the insert after placement.
		waitCtx(ctx, lookupRetryDelay)
		rec, changed, err = e.store.TransitionStatus(ctx, ev.CallSID, target, time.Now().UTC())
	}
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if ev.ErrorCode != "" {
		if _, err := e.store.SetCallError(ctx, ev.CallSID, ev.ErrorCode, "carrier reported failure"); err != nil {
			log.Printf("[engine] record error code for %s: %v", ev.CallSID, err)
		}
	}

	switch {
	case target == models.StatusRinging:
		e.appendEvent(ctx, models.AmdEvent{CallSID: ev.CallSID, EventType: models.EventCallRinging})
	case target == models.StatusInProgress:
		e.appendEvent(ctx, models.AmdEvent{CallSID: ev.CallSID, EventType: models.EventCallAnswered})
	case target == models.StatusFailed:
		e.appendEvent(ctx, models.AmdEvent{
			CallSID:   ev.CallSID,
			EventType: models.EventErrorOccurred,
			Payload:   mustJSON(map[string]string{"status": ev.Status, "errorCode": ev.ErrorCode}),
		})
	case target.Terminal():
		e.appendEvent(ctx, models.AmdEvent{
			CallSID:   ev.CallSID,
			EventType: models.EventCallHungup,
			Payload:   mustJSON(map[string]string{"status": ev.Status}),
		})
	}

	if target.Terminal() {
		if strat, err := e.registry.Get(rec.Strategy); err == nil {
			strat.Cleanup(ev.CallSID)
		}
	}
	e.publish(rec)
	return nil
}

// NativeAMDEvent is the carrier's own detection webhook.
type NativeAMDEvent struct {
	CallSID    string
	AnsweredBy string
	Confidence *float64
	DurationMs int
}

// HandleNativeAMD normalizes a carrier-native classification and feeds it
// through the same reconciliation path as asynchronous analysis results.
func (e *Engine) HandleNativeAMD(ctx context.Context, ev NativeAMDEvent) error {
	det := strategy.MapNativeClassification(ev.AnsweredBy, ev.Confidence)
	det.DetectionTimeMs = ev.DurationMs
	det.Raw = mustJSON(map[string]interface{}{"answeredBy": ev.AnsweredBy})
	return e.ApplyDetection(ctx, ev.CallSID, det)
}

// ApplyDetection reconciles a detection signal into the call record. An
// existing result is only replaced by a strictly more confident one; the
// replacement is audited as a CONFIDENCE_UPDATE rather than a fresh
// detection. Fallback (degraded) results additionally record the backend
// failure.
func (e *Engine) ApplyDetection(ctx context.Context, callSID string, det strategy.Detection) error {
	prev, err := e.getCall(ctx, callSID)
	if err != nil {
		return err
	}
	if prev.Status.Terminal() {
		return nil
	}

	rec, changed, err := e.store.SetDetection(ctx, callSID, store.DetectionUpdate{
		Result:          det.Result,
		Confidence:      det.Confidence,
		DetectionTimeMs: det.DetectionTimeMs,
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if det.Fallback {
		e.appendEvent(ctx, models.AmdEvent{
			CallSID:    callSID,
			EventType:  models.EventErrorOccurred,
			Confidence: &det.Confidence,
			Payload:    mustJSON(map[string]string{"reason": "analysis backend unavailable"}),
		})
		if _, err := e.store.SetCallError(ctx, callSID, "backend_unavailable", "analysis backend unreachable after retries"); err != nil {
			log.Printf("[engine] record backend error for %s: %v", callSID, err)
		}
	}

	switch {
	case prev.DetectionResult != nil:
		// Overwrite of an earlier result; audited as an update, not a fresh
		// detection.
		e.appendEvent(ctx, models.AmdEvent{
			CallSID:    callSID,
			EventType:  models.EventConfidenceUpdate,
			Confidence: &det.Confidence,
			Payload:    det.Raw,
		})
	case det.Fallback:
		// The ERROR_OCCURRED above already covers the degraded result.
	case det.Result == models.ResultHuman:
		e.appendEvent(ctx, models.AmdEvent{
			CallSID:    callSID,
			EventType:  models.EventHumanDetected,
			Confidence: &det.Confidence,
			Payload:    det.Raw,
		})
	case det.Result.Machine():
		e.appendEvent(ctx, models.AmdEvent{
			CallSID:    callSID,
			EventType:  models.EventMachineDetected,
			Confidence: &det.Confidence,
			Payload:    det.Raw,
		})
	default:
		e.appendEvent(ctx, models.AmdEvent{
			CallSID:    callSID,
			EventType:  models.EventUndecidedResult,
			Confidence: &det.Confidence,
			Payload:    det.Raw,
		})
	}

	// Threshold verdicts are audited here, once per applied result, so the
	// carrier's repeated scripted-response pulls stay free of side effects.
	if det.Result == models.ResultHuman {
		th := e.thresholds(prev.Strategy)
		switch {
		case det.Confidence >= th.HighThreshold:
		case det.Confidence >= th.FloorThreshold:
			e.appendEvent(ctx, models.AmdEvent{
				CallSID:    callSID,
				EventType:  models.EventConfidenceUpdate,
				Confidence: &det.Confidence,
				Payload:    mustJSON(map[string]string{"band": "gray"}),
			})
		default:
			e.appendEvent(ctx, models.AmdEvent{
				CallSID:    callSID,
				EventType:  models.EventErrorOccurred,
				Confidence: &det.Confidence,
				Payload:    mustJSON(map[string]string{"reason": "confidence below floor"}),
			})
			if _, err := e.store.SetCallError(ctx, callSID, "low_confidence", "detection below hard floor, manual review required"); err != nil {
				log.Printf("[engine] record low-confidence error for %s: %v", callSID, err)
			}
		}
	}

	// Promote the lifecycle status; a stale or duplicate promotion is a no-op.
	var target models.CallStatus
	switch {
	case det.Result == models.ResultHuman:
		target = models.StatusHumanDetected
	case det.Result.Machine():
		target = models.StatusMachineDetected
	}
	if target != "" {
		if rec2, moved, err := e.store.TransitionStatus(ctx, callSID, target, time.Now().UTC()); err == nil && moved {
			rec = rec2
		}
	}
	e.publish(rec)

	// The carrier is parked in the hold loop; nudging it to the next-action
	// endpoint shortens the wait. Best-effort: the poll loop catches up anyway.
	if !rec.Status.Terminal() {
		if err := e.carrier.RedirectCall(ctx, callSID, e.cfg.PublicBaseURL+"/webhooks/voice/next"); err != nil {
			log.Printf("[engine] redirect after detection for %s: %v", callSID, err)
		}
	}
	return nil
}

// NextInstruction answers a scripted-response pull: given whatever result is
// present so far, what should the carrier do next. It never errors for an
// undecidable call; the poll ceiling converts indecision into the safe branch.
func (e *Engine) NextInstruction(ctx context.Context, callSID string) (carrier.Response, error) {
	rec, err := e.getCall(ctx, callSID)
	if err != nil {
		return carrier.Response{}, err
	}
	if rec.Status.Terminal() {
		return carrier.Response{Verbs: []interface{}{carrier.Hangup{}}}, nil
	}

	if rec.DetectionResult == nil {
		rec, err = e.store.IncrementPollCount(ctx, callSID)
		if err != nil {
			return carrier.Response{}, err
		}
		if rec.PollCount < e.cfg.PollCeiling {
			return carrier.HoldAndPoll(e.holdMessage(rec), e.cfg.PollPauseSeconds, e.cfg.PublicBaseURL+"/webhooks/voice/next"), nil
		}
		// Ceiling reached with no signal: fail closed into the safe branch.
		e.appendEvent(ctx, models.AmdEvent{
			CallSID:   callSID,
			EventType: models.EventPollCeilingReached,
			Payload:   mustJSON(map[string]int{"pollCount": rec.PollCount}),
		})
		if _, _, err := e.store.SetDetection(ctx, callSID, store.DetectionUpdate{
			Result:     models.ResultUndecided,
			Confidence: 0,
		}); err != nil {
			log.Printf("[engine] persist poll-ceiling result for %s: %v", callSID, err)
		}
		und := models.ResultUndecided
		rec.DetectionResult = &und
		zero := 0.0
		rec.Confidence = &zero
	}

	return e.decide(rec), nil
}

// decide maps the stored detection onto a scripted response using the owning
// strategy's threshold table. It is pure: the carrier asks the same question
// many times, so nothing here may write state or append events.
func (e *Engine) decide(rec models.CallRecord) carrier.Response {
	thresholds := e.thresholds(rec.Strategy)
	nextURL := e.cfg.PublicBaseURL + "/webhooks/voice/next"
	statusURL := e.cfg.PublicBaseURL + "/webhooks/voice/status"

	result := *rec.DetectionResult
	confidence := 0.0
	if rec.Confidence != nil {
		confidence = *rec.Confidence
	}

	switch {
	case result.Machine():
		return carrier.VoicemailDrop(e.cfg.VoicemailMessage)

	case result == models.ResultHuman && confidence >= thresholds.HighThreshold:
		return carrier.BridgeAgent(rec.AgentNumber, nextURL, statusURL)

	case result == models.ResultHuman && confidence >= thresholds.FloorThreshold:
		// Gray band: still connect a possible human. The downgrade was audited
		// when the result was applied.
		return carrier.BridgeAgent(rec.AgentNumber, nextURL, statusURL)

	case result == models.ResultHuman:
		// Below the hard floor the signal is not trustworthy enough to act on.
		return carrier.ApologyHangup(e.cfg.ApologyMessage)

	case result == models.ResultUndecided || result == models.ResultTimeout:
		// Ambiguity routes to a person, never to a hangup.
		return carrier.BridgeAgent(rec.AgentNumber, nextURL, statusURL)

	default:
		return carrier.ApologyHangup(e.cfg.ApologyMessage)
	}
}

// HandleDialResult answers the Dial action callback after the agent bridge
// finished. Re-bridging here would dial the agent in a loop every time a leg
// hung up, so the scripted program always ends instead; the carrier's final
// status webhook finalizes the record.
func (e *Engine) HandleDialResult(ctx context.Context, callSID, dialStatus string) (carrier.Response, error) {
	rec, err := e.getCall(ctx, callSID)
	if err != nil {
		return carrier.Response{}, err
	}
	if !rec.Status.Terminal() {
		log.Printf("[engine] agent leg for %s ended with %q, hanging up", callSID, dialStatus)
	}
	return carrier.Response{Verbs: []interface{}{carrier.Hangup{}}}, nil
}

// ListEvents exposes the audit trail for a call.
func (e *Engine) ListEvents(ctx context.Context, callSID string, filter store.EventFilter) ([]models.AmdEvent, error) {
	return e.store.ListEvents(ctx, callSID, filter)
}

// GetCall exposes the current record for a call.
func (e *Engine) GetCall(ctx context.Context, callSID string) (models.CallRecord, error) {
	return e.store.GetCallBySID(ctx, callSID)
}

func (e *Engine) thresholds(name models.Strategy) strategyThresholds {
	if strat, err := e.registry.Get(name); err == nil {
		cfg := strat.Config()
		return strategyThresholds{HighThreshold: cfg.HighThreshold, FloorThreshold: cfg.FloorThreshold}
	}
	return strategyThresholds{HighThreshold: 0.7, FloorThreshold: 0.3}
}

type strategyThresholds struct {
	HighThreshold  float64
	FloorThreshold float64
}

func (e *Engine) holdMessage(rec models.CallRecord) string {
	// Speak only on the first poll; later iterations just pause and redirect
	// so the callee is not nagged every cycle.
	if rec.PollCount <= 1 {
		return e.cfg.HoldMessage
	}
	return ""
}

// lookupRetryDelay covers the window in which a fast carrier webhook can
// outrun the record insert that follows call placement.
const lookupRetryDelay = 150 * time.Millisecond

func (e *Engine) getCall(ctx context.Context, callSID string) (models.CallRecord, error) {
	rec, err := e.store.GetCallBySID(ctx, callSID)
	if errors.Is(err, store.ErrNotFound) {
		waitCtx(ctx, lookupRetryDelay)
		rec, err = e.store.GetCallBySID(ctx, callSID)
	}
	return rec, err
}

func waitCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (e *Engine) appendEvent(ctx context.Context, ev models.AmdEvent) {
	if _, err := e.store.AppendEvent(ctx, ev); err != nil {
		log.Printf("[engine] append %s event for %s: %v", ev.EventType, ev.CallSID, err)
	}
}

func (e *Engine) publish(rec models.CallRecord) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(stream.Update{
		CallSID:         rec.CallSID,
		Status:          rec.Status,
		DetectionResult: rec.DetectionResult,
		Confidence:      rec.Confidence,
		PollCount:       rec.PollCount,
		Terminal:        rec.Status.Terminal(),
		At:              time.Now().UTC(),
	})
}

// IsNotFound reports whether err means the webhook referenced an unknown
// call. Such webhooks are logged and acknowledged, never retried.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func mapCarrierStatus(s string) (models.CallStatus, bool) {
	switch s {
	case "queued", "initiated":
		return models.StatusInitiated, true
	case "ringing":
		return models.StatusRinging, true
	case "in-progress", "answered":
		return models.StatusInProgress, true
	case "completed":
		return models.StatusCompleted, true
	case "busy":
		return models.StatusBusy, true
	case "failed":
		return models.StatusFailed, true
	case "no-answer":
		return models.StatusNoAnswer, true
	case "canceled":
		return models.StatusCanceled, true
	}
	return "", false
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
