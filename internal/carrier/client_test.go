package carrier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/outdial/outdial/internal/strategy"
)

func newTestClient(t *testing.T, apiURL string, retries int) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		APIURL:    apiURL,
		AccountID: "AC123",
		AuthToken: "secret",
		Retries:   retries,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestPlaceCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Accounts/AC123/Calls.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("missing basic auth")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("To") != "+15550001111" {
			t.Errorf("unexpected To %q", r.PostForm.Get("To"))
		}
		if r.PostForm.Get("MachineDetection") != "DetectMessageEnd" {
			t.Errorf("native AMD must set MachineDetection")
		}
		if r.PostForm.Get("AsyncAmd") != "true" {
			t.Errorf("native AMD must be async")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sid":"CA42","status":"queued"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	sid, err := c.PlaceCall(context.Background(), PlaceCallParams{
		To:   "+15550001111",
		From: "+15550002222",
		Config: strategy.CarrierCallConfig{
			AnswerURL:       "https://svc/webhooks/voice/next",
			StatusCallback:  "https://svc/webhooks/voice/status",
			EnableNativeAMD: true,
			AMDCallback:     "https://svc/webhooks/voice/amd",
		},
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if sid != "CA42" {
		t.Fatalf("expected CA42, got %q", sid)
	}
}

func TestPlaceCall_NoSID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"queued"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	if _, err := c.PlaceCall(context.Background(), PlaceCallParams{To: "+1", From: "+2"}); err == nil {
		t.Fatalf("expected error when carrier returns no sid")
	}
}

func TestRedirectCall(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Accounts/AC123/Calls/CA42.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		r.ParseForm()
		gotURL = r.PostForm.Get("Url")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	if err := c.RedirectCall(context.Background(), "CA42", "https://svc/webhooks/voice/next"); err != nil {
		t.Fatalf("RedirectCall: %v", err)
	}
	if gotURL != "https://svc/webhooks/voice/next" {
		t.Fatalf("unexpected redirect url %q", gotURL)
	}
}

func TestPostForm_RetriesOn5xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"sid":"CA42"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	sid, err := c.PlaceCall(context.Background(), PlaceCallParams{To: "+1", From: "+2"})
	if err != nil {
		t.Fatalf("expected success after retry: %v", err)
	}
	if sid != "CA42" || calls != 2 {
		t.Fatalf("got sid %q after %d calls", sid, calls)
	}
}

func TestPostForm_NoRetryOn4xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	if _, err := c.PlaceCall(context.Background(), PlaceCallParams{To: "+1", From: "+2"}); err == nil {
		t.Fatalf("expected error on 4xx")
	}
	if calls != 1 {
		t.Fatalf("4xx must not retry, got %d calls", calls)
	}
}

func TestFetchRecording(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("recording fetch must use account credentials")
		}
		w.Write([]byte("RIFFaudio"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	data, err := c.FetchRecording(context.Background(), srv.URL+"/recordings/RE1.wav")
	if err != nil {
		t.Fatalf("FetchRecording: %v", err)
	}
	if string(data) != "RIFFaudio" {
		t.Fatalf("unexpected audio %q", data)
	}
}
