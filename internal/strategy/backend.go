package strategy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/outdial/outdial/internal/models"
)

// backendClient wraps an analysis backend with per-attempt timeouts and
// exponential backoff. Shared by the model-backed strategies.
type backendClient struct {
	client  *http.Client
	timeout time.Duration
	retries int
}

func newBackendClient(timeout time.Duration, retries int) *backendClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &backendClient{
		client:  &http.Client{Timeout: timeout + time.Second},
		timeout: timeout,
		retries: retries,
	}
}

// do runs build+send with retries. build is called per attempt because an
// http.Request body cannot be reused after a failed send.
func (c *backendClient) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	attempts := c.retries + 1
	backoff := 200 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := build(attemptCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build backend request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
		} else {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			cancel()
			switch {
			case readErr != nil:
				lastErr = readErr
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("backend unavailable: %s", resp.Status)
			case resp.StatusCode != http.StatusOK:
				// Client errors will not improve on retry.
				return nil, fmt.Errorf("backend rejected request: %s", resp.Status)
			default:
				return body, nil
			}
		}
		if i < attempts-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}
	}
	return nil, fmt.Errorf("backend call failed after %d attempts: %w", attempts, lastErr)
}

// fallbackDetection is the conservative result returned when a backend is
// unreachable: UNDECIDED with zero confidence, which the decision policy
// routes through the safety-first branch.
func fallbackDetection(start time.Time) Detection {
	return Detection{
		Result:          models.ResultUndecided,
		Confidence:      0,
		DetectionTimeMs: int(time.Since(start).Milliseconds()),
		Fallback:        true,
	}
}
