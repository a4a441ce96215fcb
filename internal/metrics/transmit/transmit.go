// Package transmit ships aggregated metric records to the metrics endpoint.
// Transport failures retry with backoff; auth failures stop immediately and
// notify the credential layer; an unknown endpoint drops records silently so
// an older backend never breaks the assistant.
package transmit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	codemieerr "codemie/internal/errors"
	"codemie/internal/logging"
	"codemie/internal/metrics"
)

const metricsPath = "/v1/metrics"

// Client posts AggregatedMetric records to {baseURL}/v1/metrics.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	dryRun     bool
	retry      codemieerr.RetryConfig
	onAuthFail func()
	log        *logging.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDryRun logs records instead of sending them.
func WithDryRun(dryRun bool) Option {
	return func(c *Client) { c.dryRun = dryRun }
}

// WithRetryConfig overrides the transport retry policy.
func WithRetryConfig(cfg codemieerr.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithAuthFailureHook registers a callback invoked when the endpoint rejects
// the credentials; the credential store uses it to evict stale cookies.
func WithAuthFailureHook(hook func()) Option {
	return func(c *Client) { c.onAuthFail = hook }
}

// New creates a client for the given metrics endpoint.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry: codemieerr.RetryConfig{
			MaxAttempts:  2,
			BaseDelay:    500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			JitterFactor: 0.25,
		},
		log: logging.NewComponentLogger("Transmitter"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send transmits one record, retrying transient failures.
func (c *Client) Send(ctx context.Context, record metrics.AggregatedMetric) error {
	if c.dryRun {
		payload, _ := json.Marshal(record)
		c.log.Info("dry-run: would send %s", payload)
		return nil
	}
	return codemieerr.RetryWithLog(ctx, c.retry, func(ctx context.Context) error {
		return c.post(ctx, record)
	}, c.log)
}

// SendAll transmits records in order, stopping at the first error. It returns
// how many records were accepted.
func (c *Client) SendAll(ctx context.Context, records []metrics.AggregatedMetric) (int, error) {
	for i, record := range records {
		if err := c.Send(ctx, record); err != nil {
			return i, err
		}
	}
	return len(records), nil
}

func (c *Client) post(ctx context.Context, record metrics.AggregatedMetric) error {
	body, err := json.Marshal(record)
	if err != nil {
		return codemieerr.Wrap(codemieerr.KindTransmission, err, "encode metric record")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+metricsPath, bytes.NewReader(body))
	if err != nil {
		return codemieerr.Wrap(codemieerr.KindTransmission, err, "build metrics request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return codemieerr.Wrap(codemieerr.KindTransmission, err, "post metric record")
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if c.onAuthFail != nil {
			c.onAuthFail()
		}
		return codemieerr.New(codemieerr.KindAuth, fmt.Sprintf("metrics endpoint rejected credentials (%d)", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		// older backend without the metrics endpoint; drop rather than retry
		c.log.Debug("metrics endpoint not found, dropping %s record", record.Name)
		return nil
	default:
		return codemieerr.New(codemieerr.KindTransmission, fmt.Sprintf("metrics endpoint returned %d", resp.StatusCode))
	}
}
