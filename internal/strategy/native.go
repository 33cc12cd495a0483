package strategy

import (
	"context"
	"fmt"

	"github.com/outdial/outdial/internal/config"
	"github.com/outdial/outdial/internal/models"
)

// Native delegates detection to the carrier. The carrier runs AMD itself and
// reports the classification through a webhook, so Detect must never be
// invoked for this strategy.
type Native struct {
	cfg config.StrategyConfig
}

func NewNative(cfg config.StrategyConfig) *Native {
	return &Native{cfg: cfg}
}

func (n *Native) Name() models.Strategy { return models.StrategyNative }

func (n *Native) Configure(p CallParams) (CarrierCallConfig, error) {
	if p.CallbackBase == "" {
		return CarrierCallConfig{}, &ConfigurationError{
			Strategy: models.StrategyNative,
			Reason:   "public callback base URL is not configured",
		}
	}
	return CarrierCallConfig{
		AnswerURL:       p.CallbackBase + "/webhooks/voice/next",
		StatusCallback:  p.CallbackBase + "/webhooks/voice/status",
		EnableNativeAMD: true,
		AMDCallback:     p.CallbackBase + "/webhooks/voice/amd",
	}, nil
}

func (n *Native) Detect(ctx context.Context, audio []byte, callSID string) (Detection, error) {
	return Detection{}, fmt.Errorf("native strategy: detection is performed by the carrier")
}

func (n *Native) Cleanup(callSID string) {}

func (n *Native) Config() config.StrategyConfig { return n.cfg }

// defaultNativeConfidence is assigned when the carrier reports a
// classification without an explicit confidence value.
const defaultNativeConfidence = 0.9

// MapNativeClassification translates the carrier's AMD vocabulary into the
// canonical result set. Unknown labels map to UNDECIDED.
func MapNativeClassification(answeredBy string, confidence *float64) Detection {
	conf := defaultNativeConfidence
	if confidence != nil {
		conf = *confidence
	}
	var result models.DetectionResult
	switch answeredBy {
	case "human":
		result = models.ResultHuman
	case "machine_start", "machine_end_silence", "machine_end_other":
		result = models.ResultVoicemailStart
	case "machine_end_beep":
		result = models.ResultVoicemailEndBeep
	case "fax":
		result = models.ResultFax
	default:
		result = models.ResultUndecided
		conf = 0
	}
	return Detection{Result: result, Confidence: conf}
}
