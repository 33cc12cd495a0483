package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/outdial/outdial/internal/config"
	"github.com/outdial/outdial/internal/models"
)

// HuggingFace sends recorded audio to a wav2vec inference service. The service
// answers with a label in {human, voicemail, unknown}.
type HuggingFace struct {
	baseURL string
	cfg     config.StrategyConfig
	backend *backendClient
}

func NewHuggingFace(baseURL string, cfg config.StrategyConfig) *HuggingFace {
	return &HuggingFace{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cfg:     cfg,
		backend: newBackendClient(cfg.DetectTimeout, cfg.DetectRetries),
	}
}

func (h *HuggingFace) Name() models.Strategy { return models.StrategyHuggingFace }

func (h *HuggingFace) Configure(p CallParams) (CarrierCallConfig, error) {
	if p.CallbackBase == "" {
		return CarrierCallConfig{}, &ConfigurationError{
			Strategy: models.StrategyHuggingFace,
			Reason:   "public callback base URL is not configured",
		}
	}
	if h.baseURL == "" {
		return CarrierCallConfig{}, &ConfigurationError{
			Strategy: models.StrategyHuggingFace,
			Reason:   "inference service URL is not configured",
		}
	}
	return CarrierCallConfig{
		AnswerURL:      p.CallbackBase + "/webhooks/voice/next",
		StatusCallback: p.CallbackBase + "/webhooks/voice/status",
		Record:         true,
		RecordCallback: p.CallbackBase + "/webhooks/voice/recording",
	}, nil
}

type hfResponse struct {
	Label            string  `json:"label"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
	ProcessingTimeMs int     `json:"processingTimeMs"`
}

func (h *HuggingFace) Detect(ctx context.Context, audio []byte, callSID string) (Detection, error) {
	start := time.Now()
	if len(audio) < h.cfg.MinAudioBytes {
		return Detection{}, fmt.Errorf("audio too short: %d bytes (minimum %d)", len(audio), h.cfg.MinAudioBytes)
	}

	body, err := h.backend.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/huggingface/predict", bytes.NewReader(audio))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "audio/wav")
		req.Header.Set("X-Call-SID", callSID)
		return req, nil
	})
	if err != nil {
		log.Printf("[strategy.huggingface] detect failed for %s, using fallback: %v", callSID, err)
		return fallbackDetection(start), nil
	}

	var resp hfResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Printf("[strategy.huggingface] unparseable response for %s, using fallback: %v", callSID, err)
		return fallbackDetection(start), nil
	}

	det := Detection{
		Result:          mapHFLabel(resp.Label),
		Confidence:      clampConfidence(resp.Confidence),
		DetectionTimeMs: int(time.Since(start).Milliseconds()),
		Raw:             json.RawMessage(body),
	}
	return det, nil
}

func (h *HuggingFace) Cleanup(callSID string) {}

func (h *HuggingFace) Config() config.StrategyConfig { return h.cfg }

func mapHFLabel(label string) models.DetectionResult {
	switch strings.ToLower(label) {
	case "human":
		return models.ResultHuman
	case "voicemail":
		return models.ResultVoicemailStart
	default:
		return models.ResultUndecided
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
