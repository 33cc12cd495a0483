package strategy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/outdial/outdial/internal/config"
	"github.com/outdial/outdial/internal/models"
)

// Gemini sends recorded audio to an LLM audio-analysis service. The service
// answers with a verdict in {HUMAN, MACHINE, UNDECIDED}.
type Gemini struct {
	baseURL string
	cfg     config.StrategyConfig
	backend *backendClient
}

func NewGemini(baseURL string, cfg config.StrategyConfig) *Gemini {
	return &Gemini{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cfg:     cfg,
		backend: newBackendClient(cfg.DetectTimeout, cfg.DetectRetries),
	}
}

func (g *Gemini) Name() models.Strategy { return models.StrategyGemini }

func (g *Gemini) Configure(p CallParams) (CarrierCallConfig, error) {
	if p.CallbackBase == "" {
		return CarrierCallConfig{}, &ConfigurationError{
			Strategy: models.StrategyGemini,
			Reason:   "public callback base URL is not configured",
		}
	}
	if g.baseURL == "" {
		return CarrierCallConfig{}, &ConfigurationError{
			Strategy: models.StrategyGemini,
			Reason:   "analysis service URL is not configured",
		}
	}
	return CarrierCallConfig{
		AnswerURL:      p.CallbackBase + "/webhooks/voice/next",
		StatusCallback: p.CallbackBase + "/webhooks/voice/status",
		Record:         true,
		RecordCallback: p.CallbackBase + "/webhooks/voice/recording",
	}, nil
}

type geminiRequest struct {
	CallSID     string `json:"callSid"`
	AudioBase64 string `json:"audioBase64"`
	MimeType    string `json:"mimeType"`
}

// The analysis service reports its verdict as "result" with values
// {HUMAN, MACHINE, UNDECIDED}; "label" is accepted as an alias for backends
// following the generic analysis contract.
type geminiResponse struct {
	Result           string  `json:"result"`
	Label            string  `json:"label"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
	ProcessingTimeMs int     `json:"processingTimeMs"`
}

func (r geminiResponse) verdict() string {
	if r.Result != "" {
		return r.Result
	}
	return r.Label
}

func (g *Gemini) Detect(ctx context.Context, audio []byte, callSID string) (Detection, error) {
	start := time.Now()
	if len(audio) < g.cfg.MinAudioBytes {
		return Detection{}, fmt.Errorf("audio too short: %d bytes (minimum %d)", len(audio), g.cfg.MinAudioBytes)
	}

	payload, err := json.Marshal(geminiRequest{
		CallSID:     callSID,
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
		MimeType:    "audio/wav",
	})
	if err != nil {
		return Detection{}, err
	}

	body, err := g.backend.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/gemini/analyze", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		log.Printf("[strategy.gemini] detect failed for %s, using fallback: %v", callSID, err)
		return fallbackDetection(start), nil
	}

	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Printf("[strategy.gemini] unparseable response for %s, using fallback: %v", callSID, err)
		return fallbackDetection(start), nil
	}

	det := Detection{
		Result:          mapGeminiClassification(resp.verdict()),
		Confidence:      clampConfidence(resp.Confidence),
		DetectionTimeMs: int(time.Since(start).Milliseconds()),
		Raw:             json.RawMessage(body),
	}
	return det, nil
}

func (g *Gemini) Cleanup(callSID string) {}

func (g *Gemini) Config() config.StrategyConfig { return g.cfg }

func mapGeminiClassification(verdict string) models.DetectionResult {
	switch strings.ToUpper(verdict) {
	case "HUMAN":
		return models.ResultHuman
	case "MACHINE":
		return models.ResultVoicemailStart
	default:
		// UNDECIDED, UNKNOWN, and anything unrecognized.
		return models.ResultUndecided
	}
}
