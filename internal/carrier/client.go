package carrier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/outdial/outdial/internal/strategy"
)

// Client talks to the carrier's REST API: placing calls, force-redirecting
// live calls (the only way to push a new scripted response mid-flight), and
// fetching recordings from the carrier's storage.
type Client struct {
	apiURL    string
	accountID string
	authToken string
	client    *http.Client
	retries   int
}

type ClientConfig struct {
	APIURL     string
	AccountID  string
	AuthToken  string
	HTTPClient *http.Client
	Retries    int
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIURL == "" || cfg.AccountID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("carrier api url, account id, and auth token required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		apiURL:    strings.TrimSuffix(cfg.APIURL, "/"),
		accountID: cfg.AccountID,
		authToken: cfg.AuthToken,
		client:    client,
		retries:   retries,
	}, nil
}

type PlaceCallParams struct {
	To     string
	From   string
	Config strategy.CarrierCallConfig
}

type placeCallResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// PlaceCall asks the carrier to originate an outbound call and returns the
// carrier-assigned call identifier.
func (c *Client) PlaceCall(ctx context.Context, p PlaceCallParams) (string, error) {
	form := url.Values{}
	form.Set("To", p.To)
	form.Set("From", p.From)
	form.Set("Url", p.Config.AnswerURL)
	form.Set("Method", "POST")
	if p.Config.StatusCallback != "" {
		form.Set("StatusCallback", p.Config.StatusCallback)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}
	if p.Config.EnableNativeAMD {
		form.Set("MachineDetection", "DetectMessageEnd")
		form.Set("AsyncAmd", "true")
		form.Set("AsyncAmdStatusCallback", p.Config.AMDCallback)
		form.Set("AsyncAmdStatusCallbackMethod", "POST")
	}
	if p.Config.Record {
		form.Set("Record", "true")
		form.Set("RecordingStatusCallback", p.Config.RecordCallback)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.apiURL, c.accountID)
	body, err := c.postForm(ctx, endpoint, form)
	if err != nil {
		return "", fmt.Errorf("place call: %w", err)
	}
	var resp placeCallResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("place call: decode response: %w", err)
	}
	if resp.SID == "" {
		return "", fmt.Errorf("place call: carrier returned no call sid")
	}
	return resp.SID, nil
}

// RedirectCall mutates a live call, pointing it at a new scripted-response
// URL. This is the out-of-band "push" that interrupts the current script.
func (c *Client) RedirectCall(ctx context.Context, callSID, twimlURL string) error {
	form := url.Values{}
	form.Set("Url", twimlURL)
	form.Set("Method", "POST")
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.apiURL, c.accountID, callSID)
	if _, err := c.postForm(ctx, endpoint, form); err != nil {
		return fmt.Errorf("redirect call %s: %w", callSID, err)
	}
	return nil
}

// EndCall asks the carrier to complete a live call immediately.
func (c *Client) EndCall(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.apiURL, c.accountID, callSID)
	if _, err := c.postForm(ctx, endpoint, form); err != nil {
		return fmt.Errorf("end call %s: %w", callSID, err)
	}
	return nil
}

// FetchRecording downloads a recording from the carrier's storage using the
// account credentials.
func (c *Client) FetchRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	var lastErr error
	attempts := c.retries + 1
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build recording request: %w", err)
		}
		req.SetBasicAuth(c.accountID, c.authToken)
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			data, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
			resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = readErr
			case resp.StatusCode == http.StatusOK:
				return data, nil
			default:
				lastErr = fmt.Errorf("recording fetch: %s", resp.Status)
			}
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("fetch recording failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	var lastErr error
	attempts := c.retries + 1
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("build carrier request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(c.accountID, c.authToken)
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = readErr
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return body, nil
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("carrier unavailable: %s", resp.Status)
			default:
				// 4xx will not improve on retry.
				return nil, fmt.Errorf("carrier rejected request: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("carrier request failed after %d attempts: %w", attempts, lastErr)
}
