// package strategy holds the pluggable answering-machine-detection methods.
// Each plugin knows how to shape the outbound call request for its technique
// and how to normalize its backend's label vocabulary into a Detection.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/outdial/outdial/internal/config"
	"github.com/outdial/outdial/internal/models"
)

// ConfigurationError means a strategy cannot be used because required external
// configuration is absent. It fails call initiation synchronously, before any
// carrier call is placed.
type ConfigurationError struct {
	Strategy models.Strategy
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("strategy %s not usable: %s", e.Strategy, e.Reason)
}

// Detection is the normalized output of a detect call.
type Detection struct {
	Result          models.DetectionResult `json:"result"`
	Confidence      float64                `json:"confidence"`
	DetectionTimeMs int                    `json:"detectionTimeMs"`
	// Fallback marks a degraded result produced after the backend exhausted
	// its retry budget. The caller records an ERROR_OCCURRED event for these.
	Fallback bool            `json:"fallback,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// CallParams is what a plugin needs to configure an outbound call.
type CallParams struct {
	To           string
	From         string
	CallbackBase string
}

// CarrierCallConfig is the plugin's contribution to the carrier call request.
type CarrierCallConfig struct {
	AnswerURL       string
	StatusCallback  string
	EnableNativeAMD bool
	AMDCallback     string
	Record          bool
	RecordCallback  string
}

// Strategy is one detection method.
type Strategy interface {
	Name() models.Strategy

	// Configure returns the carrier call parameters for this technique.
	// Returns *ConfigurationError when a hard precondition is missing.
	Configure(p CallParams) (CarrierCallConfig, error)

	// Detect classifies the audio. It applies a bounded timeout and a fixed
	// retry budget internally; on exhaustion it returns a degraded fallback
	// Detection instead of an error, so callers never block indefinitely and
	// never see an absent result.
	Detect(ctx context.Context, audio []byte, callSID string) (Detection, error)

	// Cleanup releases per-call resources. Idempotent.
	Cleanup(callSID string)

	// Config exposes the strategy's thresholds for the decision policy.
	Config() config.StrategyConfig
}

// Registry maps strategy identifiers to plugin instances so the orchestrator
// never hard-codes strategy selection.
type Registry struct {
	byName map[models.Strategy]Strategy
}

func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{byName: map[models.Strategy]Strategy{}}
	for _, s := range strategies {
		r.byName[s.Name()] = s
	}
	return r
}

func (r *Registry) Get(name models.Strategy) (Strategy, error) {
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return s, nil
}

func (r *Registry) Names() []models.Strategy {
	names := make([]models.Strategy, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
