package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/skypro1111/podcast-desilence-service/internal/library"
	"github.com/skypro1111/podcast-desilence-service/internal/metrics"
)

const (
	maxBackoff      = 30 * time.Second
	maxErrorBodyLen = 512
)

// Config contains webhook client configuration
type Config struct {
	URL           string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	// Backoff is the delay before the first retry. It doubles on every
	// further attempt, up to 30 seconds.
	Backoff time.Duration

	ServiceName    string
	ServiceVersion string
}

// Payload is the JSON body of one notification.
type Payload struct {
	ID      string            `json:"id"`
	Event   library.EventType `json:"event"`
	Episode library.Episode   `json:"episode"`
	Time    time.Time         `json:"time"`
	Service ServiceInfo       `json:"service"`
}

// ServiceInfo identifies the sender.
type ServiceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Body)
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Client delivers library events to a webhook endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
	sem        *semaphore.Weighted
	logger     *slog.Logger
	metrics    *metrics.Metrics

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// NewClient creates a new webhook client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("webhook URL cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		sem:        semaphore.NewWeighted(int64(config.MaxConcurrent)),
		logger:     logger,
		metrics:    m,
	}, nil
}

// Run delivers every event read from events until the channel is closed,
// then waits for deliveries in flight. Canceling ctx aborts pending
// deliveries and retries.
func (c *Client) Run(ctx context.Context, events <-chan library.Event) {
	var wg sync.WaitGroup
	defer wg.Wait()

	c.logger.Info("Webhook notifier started",
		slog.String("url", c.config.URL),
		slog.Int("max_concurrent", c.config.MaxConcurrent),
	)

	for ev := range events {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			// Canceled: drain the rest without delivering.
			c.incrementTotalRequests()
			c.recordFailure()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.sem.Release(1)

			if err := c.Send(ctx, ev); err != nil {
				c.logger.Error("Webhook delivery failed",
					slog.String("event", string(ev.Type)),
					slog.String("episode_id", ev.Episode.ID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	c.logger.Info("Webhook notifier stopped")
}

// Send delivers one event, retrying transient failures with exponential
// backoff.
func (c *Client) Send(ctx context.Context, ev library.Event) error {
	payload := Payload{
		ID:      uuid.NewString(),
		Event:   ev.Type,
		Episode: ev.Episode,
		Time:    ev.Time,
		Service: ServiceInfo{Name: c.config.ServiceName, Version: c.config.ServiceVersion},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordWebhookRetry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.recordFailure()
				return ctx.Err()
			}
		}

		lastErr = c.doRequest(ctx, payload.ID, body)
		if lastErr == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			c.metrics.RecordWebhookDelivery("success")
			c.logger.Debug("Webhook delivered",
				slog.String("request_id", payload.ID),
				slog.String("event", string(ev.Type)),
				slog.Int("attempts", attempt+1),
			)
			return nil
		}

		if ctx.Err() != nil || !isRetryable(lastErr) {
			break
		}
	}

	c.recordFailure()
	return fmt.Errorf("webhook failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.Backoff << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (c *Client) doRequest(ctx context.Context, requestID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.ServiceName+"/"+c.config.ServiceVersion)
	req.Header.Set("X-Request-Id", requestID)
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}

	// Drain so the connection is reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// isRetryable reports whether a failed delivery may succeed later: server
// errors, rate limiting and network failures.
func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) recordFailure() {
	c.incrementFailedRequests()
	c.metrics.RecordWebhookDelivery("failed")
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
	}
}
