package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sebastiankruger/battery-line-simulator/internal/config"
	"github.com/sebastiankruger/battery-line-simulator/internal/core"
	"github.com/sebastiankruger/battery-line-simulator/internal/metrics"
	"github.com/sebastiankruger/battery-line-simulator/internal/retry"
)

// maxErrorBody bounds how much of a failed response is kept for logging
const maxErrorBody = 2048

// Delivery is the outcome of forwarding one packet
type Delivery struct {
	Endpoint   string
	StatusCode int // 0 when no response was received
	Attempts   int
	Response   string // response body of a non-2xx reply
	Duration   time.Duration
	Err        error
}

// OK reports whether the backend accepted the packet
func (d Delivery) OK() bool {
	return d.Err == nil && d.StatusCode >= 200 && d.StatusCode < 300
}

// Forwarder posts packet bodies to the backend log endpoints
type Forwarder struct {
	baseURL    string
	httpClient *http.Client
	retryCfg   retry.Config
	metrics    *metrics.Relay
}

// NewForwarder creates a forwarder for the backend at cfg.BackendURL
func NewForwarder(cfg *config.Config, m *metrics.Relay) *Forwarder {
	rc := retry.DefaultConfig()
	if cfg.ForwardAttempts > 0 {
		rc.MaxAttempts = cfg.ForwardAttempts
	}
	if cfg.ForwardBackoff > 0 {
		rc.InitialDelay = cfg.ForwardBackoff
	}

	return &Forwarder{
		baseURL: cfg.BackendURL,
		httpClient: &http.Client{
			Timeout: cfg.BackendTimeout,
		},
		retryCfg: rc,
		metrics:  m,
	}
}

// SetRetryConfig overrides the delivery backoff
func (f *Forwarder) SetRetryConfig(rc retry.Config) {
	f.retryCfg = rc
}

// Forward delivers p to the endpoint of its type. Network errors and 5xx
// replies are retried; 4xx replies are final. Failures are reported in the
// returned Delivery and never propagate to the sender of the packet.
func (f *Forwarder) Forward(ctx context.Context, endpoint string, p core.Packet) Delivery {
	start := time.Now()
	d := Delivery{Endpoint: endpoint}

	attempts, err := retry.Do(ctx, f.retryCfg, func() error {
		code, body, err := f.post(ctx, endpoint, p.Body, p.Token)
		d.StatusCode = code
		d.Response = body
		if err != nil {
			return err
		}
		switch {
		case code >= 500:
			return fmt.Errorf("backend returned %d", code)
		case code >= 400:
			return retry.NonRetryable(fmt.Errorf("backend returned %d", code))
		}
		return nil
	})

	d.Attempts = attempts
	d.Duration = time.Since(start)
	d.Err = err
	if d.StatusCode >= 200 && d.StatusCode < 300 {
		d.Response = ""
	}

	if f.metrics != nil {
		result := "ok"
		switch {
		case d.OK():
		case d.StatusCode != 0:
			result = strconv.Itoa(d.StatusCode)
		default:
			result = "error"
		}
		f.metrics.Forwarded.WithLabelValues(string(p.Type), result).Inc()
		if attempts > 1 {
			f.metrics.ForwardRetries.Add(float64(attempts - 1))
		}
		f.metrics.ForwardLatency.WithLabelValues(string(p.Type)).Observe(d.Duration.Seconds())
	}

	return d
}

func (f *Forwarder) post(ctx context.Context, endpoint string, body []byte, token string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", retry.NonRetryable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("failed to post to backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, "", nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return resp.StatusCode, string(detail), nil
}
