package strategy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/outdial/outdial/internal/config"
	"github.com/outdial/outdial/internal/models"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry(
		NewNative(config.StrategyConfig{}),
		NewHuggingFace("http://inference:8000", config.StrategyConfig{}),
	)
	if _, err := reg.Get(models.StrategyNative); err != nil {
		t.Fatalf("native lookup: %v", err)
	}
	if _, err := reg.Get(models.Strategy("missing")); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
	if names := reg.Names(); len(names) != 2 {
		t.Fatalf("expected 2 names, got %v", names)
	}
}

func TestNativeConfigure(t *testing.T) {
	n := NewNative(config.StrategyConfig{})

	if _, err := n.Configure(CallParams{}); err == nil {
		t.Fatalf("expected configuration error without callback base")
	} else {
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected *ConfigurationError, got %T", err)
		}
	}

	cfg, err := n.Configure(CallParams{CallbackBase: "https://svc.example.com"})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !cfg.EnableNativeAMD {
		t.Fatalf("native strategy must enable carrier AMD")
	}
	if cfg.AMDCallback != "https://svc.example.com/webhooks/voice/amd" {
		t.Fatalf("unexpected AMD callback %q", cfg.AMDCallback)
	}
}

func TestMapNativeClassification(t *testing.T) {
	cases := []struct {
		answeredBy string
		confidence *float64
		result     models.DetectionResult
		wantConf   float64
	}{
		{"human", nil, models.ResultHuman, 0.9},
		{"machine_start", nil, models.ResultVoicemailStart, 0.9},
		{"machine_end_beep", nil, models.ResultVoicemailEndBeep, 0.9},
		{"machine_end_silence", nil, models.ResultVoicemailStart, 0.9},
		{"fax", nil, models.ResultFax, 0.9},
		{"unknown", nil, models.ResultUndecided, 0},
		{"human", floatPtr(0.42), models.ResultHuman, 0.42},
	}
	for _, tc := range cases {
		det := MapNativeClassification(tc.answeredBy, tc.confidence)
		if det.Result != tc.result || det.Confidence != tc.wantConf {
			t.Fatalf("%s: got %s@%v, want %s@%v", tc.answeredBy, det.Result, det.Confidence, tc.result, tc.wantConf)
		}
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestHuggingFaceDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/huggingface/predict", r.URL.Path)
		assert.Equal(t, "CA7", r.Header.Get("X-Call-SID"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"label":"voicemail","confidence":0.92,"processingTimeMs":140}`))
	}))
	defer srv.Close()

	h := NewHuggingFace(srv.URL, config.StrategyConfig{MinAudioBytes: 4, DetectTimeout: 2 * time.Second})
	det, err := h.Detect(context.Background(), bytes.Repeat([]byte{0}, 64), "CA7")
	assert.NoError(t, err)
	assert.Equal(t, models.ResultVoicemailStart, det.Result)
	assert.Equal(t, 0.92, det.Confidence)
	if det.Fallback {
		t.Fatalf("successful detection must not be marked fallback")
	}
}

func TestHuggingFaceDetect_TooShort(t *testing.T) {
	h := NewHuggingFace("http://inference:8000", config.StrategyConfig{MinAudioBytes: 1000})
	if _, err := h.Detect(context.Background(), []byte("tiny"), "CA7"); err == nil {
		t.Fatalf("expected error for short audio")
	}
}

func TestHuggingFaceDetect_BackendDownFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHuggingFace(srv.URL, config.StrategyConfig{MinAudioBytes: 1, DetectTimeout: time.Second, DetectRetries: 1})
	det, err := h.Detect(context.Background(), []byte("audio-bytes"), "CA7")
	if err != nil {
		t.Fatalf("backend failure must degrade, not error: %v", err)
	}
	if det.Result != models.ResultUndecided || det.Confidence != 0 || !det.Fallback {
		t.Fatalf("expected UNDECIDED fallback, got %+v", det)
	}
}

func TestGeminiDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gemini/analyze", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"MACHINE","confidence":0.88,"processingTimeMs":900}`))
	}))
	defer srv.Close()

	g := NewGemini(srv.URL, config.StrategyConfig{MinAudioBytes: 1, DetectTimeout: 2 * time.Second})
	det, err := g.Detect(context.Background(), []byte("audio-bytes"), "CA8")
	assert.NoError(t, err)
	assert.Equal(t, models.ResultVoicemailStart, det.Result)
	assert.Equal(t, 0.88, det.Confidence)
}

func TestGeminiDetect_VerdictVocabulary(t *testing.T) {
	cases := []struct {
		body string
		want models.DetectionResult
	}{
		{`{"result":"HUMAN","confidence":0.9}`, models.ResultHuman},
		{`{"result":"MACHINE","confidence":0.92}`, models.ResultVoicemailStart},
		{`{"result":"UNDECIDED","confidence":0.2}`, models.ResultUndecided},
		{`{"label":"MACHINE","confidence":0.8}`, models.ResultVoicemailStart},
		{`{"result":"garbage","confidence":0.5}`, models.ResultUndecided},
	}
	for _, tc := range cases {
		body := tc.body
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(body))
		}))
		g := NewGemini(srv.URL, config.StrategyConfig{MinAudioBytes: 1, DetectTimeout: 2 * time.Second})
		det, err := g.Detect(context.Background(), []byte("audio-bytes"), "CA8")
		srv.Close()
		if err != nil {
			t.Fatalf("%s: %v", tc.body, err)
		}
		if det.Result != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.body, det.Result, tc.want)
		}
	}
}

func TestBackendClient_NoRetryOn4xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newBackendClient(time.Second, 3)
	_, err := c.do(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	if err == nil {
		t.Fatalf("expected error on 4xx")
	}
	if calls != 1 {
		t.Fatalf("client errors must not retry, got %d calls", calls)
	}
}

func TestBackendClient_RetriesOn5xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newBackendClient(time.Second, 3)
	body, err := c.do(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	if err != nil {
		t.Fatalf("expected eventual success: %v", err)
	}
	if string(body) != "ok" || calls != 3 {
		t.Fatalf("got body %q after %d calls", body, calls)
	}
}
