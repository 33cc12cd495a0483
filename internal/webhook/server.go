// package webhook is the HTTP surface: carrier webhooks (form-encoded),
// the operator API (JSON, bearer JWT), the per-call SSE status stream, and
// the media relay websocket endpoint.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/outdial/outdial/internal/carrier"
	"github.com/outdial/outdial/internal/config"
	"github.com/outdial/outdial/internal/engine"
	"github.com/outdial/outdial/internal/ingest"
	"github.com/outdial/outdial/internal/models"
	"github.com/outdial/outdial/internal/relay"
	"github.com/outdial/outdial/internal/store"
	"github.com/outdial/outdial/internal/strategy"
	"github.com/outdial/outdial/internal/stream"
)

type Server struct {
	cfg      config.Config
	engine   *engine.Engine
	ingest   *ingest.Pipeline
	hub      *stream.Hub
	relay    *relay.Registry
	store    store.Store
	upgrader websocket.Upgrader
}

func New(cfg config.Config, eng *engine.Engine, pipeline *ingest.Pipeline, hub *stream.Hub, reg *relay.Registry, st store.Store) *Server {
	return &Server{
		cfg:    cfg,
		engine: eng,
		ingest: pipeline,
		hub:    hub,
		relay:  reg,
		store:  st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Media legs originate from the carrier's infrastructure, not
			// browsers; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.operatorAuth)
		r.Post("/calls", s.handleInitiateCall)
		r.Get("/calls/{callSID}", s.handleGetCall)
		r.Get("/calls/{callSID}/events", s.handleListEvents)
	})

	// SSE streams outlive the standard request timeout.
	r.Group(func(r chi.Router) {
		r.Use(s.operatorAuth)
		r.Get("/calls/{callSID}/stream", s.handleStream)
	})

	r.Route("/webhooks/voice", func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Use(s.webhookAuth)
		r.Post("/next", s.handleVoiceNext)
		r.Post("/status", s.handleVoiceStatus)
		r.Post("/amd", s.handleVoiceAMD)
		r.Post("/recording", s.handleVoiceRecording)
	})

	r.Get("/media/{callSID}/{leg}", s.handleMedia)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// --- operator API ---

func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	var req engine.InitiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.engine.InitiateCall(r.Context(), req)
	if err != nil {
		var cfgErr *strategy.ConfigurationError
		if errors.As(err, &cfgErr) {
			respondError(w, http.StatusUnprocessableEntity, cfgErr.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSID")
	rec, err := s.engine.GetCall(r.Context(), callSID)
	if err != nil {
		if engine.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "call not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSID")
	filter := store.EventFilter{
		EventType: models.EventType(r.URL.Query().Get("type")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	events, err := s.engine.ListEvents(r.Context(), callSID, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// handleStream serves the per-call status stream over SSE: the current
// snapshot immediately, then deltas until the call reaches a terminal state
// or the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if _, ok := s.hub.Snapshot(callSID); !ok {
		// Stream state is memory-resident; seed it from the store so a
		// subscriber joining after a restart still gets a snapshot.
		rec, err := s.engine.GetCall(r.Context(), callSID)
		if err != nil {
			if engine.IsNotFound(err) {
				respondError(w, http.StatusNotFound, "call not found")
				return
			}
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.hub.Publish(stream.Update{
			CallSID:         rec.CallSID,
			Status:          rec.Status,
			DetectionResult: rec.DetectionResult,
			Confidence:      rec.Confidence,
			PollCount:       rec.PollCount,
			Terminal:        rec.Status.Terminal(),
			At:              time.Now().UTC(),
		})
	}

	sub := s.hub.Subscribe(callSID)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, open := <-sub.C:
			if !open {
				fmt.Fprintf(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// --- carrier webhooks ---

func (s *Server) handleVoiceNext(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	if callSID == "" {
		respondError(w, http.StatusBadRequest, "CallSid required")
		return
	}
	var resp carrier.Response
	var err error
	if ds := r.FormValue("DialCallStatus"); ds != "" {
		// Dial action callback: the agent bridge finished.
		resp, err = s.engine.HandleDialResult(r.Context(), callSID, ds)
	} else {
		resp, err = s.engine.NextInstruction(r.Context(), callSID)
	}
	if err != nil {
		if engine.IsNotFound(err) {
			log.Printf("[webhook] next-instruction for unknown call %s", callSID)
			respondTwiML(w, fallbackHangup())
			return
		}
		log.Printf("[webhook] next-instruction for %s: %v", callSID, err)
		respondTwiML(w, fallbackHangup())
		return
	}
	doc, err := resp.Render()
	if err != nil {
		log.Printf("[webhook] render instruction for %s: %v", callSID, err)
		respondTwiML(w, fallbackHangup())
		return
	}
	respondTwiML(w, string(doc))
}

func (s *Server) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	if callSID == "" {
		respondError(w, http.StatusBadRequest, "CallSid required")
		return
	}
	err := s.engine.HandleCallStatus(r.Context(), engine.StatusEvent{
		CallSID:   callSID,
		Status:    r.FormValue("CallStatus"),
		ErrorCode: r.FormValue("ErrorCode"),
	})
	if err != nil && !engine.IsNotFound(err) {
		log.Printf("[webhook] status for %s: %v", callSID, err)
	}
	if engine.IsNotFound(err) {
		log.Printf("[webhook] status for unknown call %s", callSID)
	}
	// Webhooks are always acknowledged; the carrier must not retry.
	w.WriteHeader(http.StatusNoContent)

	// A terminal status ends any live media bridge.
	if terminalCarrierStatus(r.FormValue("CallStatus")) {
		s.relay.Teardown(callSID)
	}
}

func (s *Server) handleVoiceAMD(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	if callSID == "" {
		respondError(w, http.StatusBadRequest, "CallSid required")
		return
	}
	ev := engine.NativeAMDEvent{
		CallSID:    callSID,
		AnsweredBy: r.FormValue("AnsweredBy"),
	}
	if v := r.FormValue("MachineDetectionDuration"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			ev.DurationMs = ms
		}
	}
	if v := r.FormValue("Confidence"); v != "" {
		if c, err := strconv.ParseFloat(v, 64); err == nil {
			ev.Confidence = &c
		}
	}
	if err := s.engine.HandleNativeAMD(r.Context(), ev); err != nil && !engine.IsNotFound(err) {
		log.Printf("[webhook] amd for %s: %v", callSID, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVoiceRecording(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	recordingURL := r.FormValue("RecordingUrl")
	if callSID == "" || recordingURL == "" {
		respondError(w, http.StatusBadRequest, "CallSid and RecordingUrl required")
		return
	}
	// Acknowledge before analysis; the pipeline runs in the background while
	// the carrier keeps the callee in the hold loop.
	s.ingest.Enqueue(r.Context(), ingest.Job{
		CallSID:      callSID,
		RecordingURL: recordingURL,
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- media relay ---

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSID")
	leg := chi.URLParam(r, "leg")
	if !s.authorizedWebhook(r) {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[webhook] media upgrade for %s/%s: %v", callSID, leg, err)
		return
	}
	if err := s.relay.Attach(callSID, leg, conn); err != nil {
		log.Printf("[webhook] media attach for %s/%s: %v", callSID, leg, err)
		conn.Close()
	}
}

// --- middleware ---

// operatorAuth validates a bearer JWT signed with the shared operator
// secret. EventSource clients cannot set headers, so an access_token query
// parameter is accepted on GET.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			raw = strings.TrimPrefix(h, "Bearer ")
		} else if r.Method == http.MethodGet {
			raw = r.URL.Query().Get("access_token")
		}
		if raw == "" {
			respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.OperatorJWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// webhookAuth checks the shared token the carrier echoes back on callbacks.
func (s *Server) webhookAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorizedWebhook(r) {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorizedWebhook(r *http.Request) bool {
	if s.cfg.WebhookToken == "" {
		return true
	}
	return r.URL.Query().Get("token") == s.cfg.WebhookToken
}

// --- helpers ---

func terminalCarrierStatus(status string) bool {
	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
		return true
	}
	return false
}

func fallbackHangup() string {
	return `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`
}

func respondTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
