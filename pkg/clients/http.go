package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// APIError is returned when a service responds with a non-2xx status
// after retries are exhausted.
type APIError struct {
	Service string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api %d: %s", e.Service, e.Status, e.Message)
}

// IsTimeout reports whether the error came from a cancelled or
// expired context rather than the remote service.
func IsTimeout(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "context canceled"))
}

// httpClient is the shared base for the service clients: JSON in/out,
// bounded retries with exponential backoff on 5xx and transport
// errors, and a circuit breaker per client.
type httpClient struct {
	service    string
	baseURL    string
	apiKey     string
	tenantHdr  string
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	breaker    *circuitBreaker
	sleep      func(context.Context, time.Duration) error
}

// Option configures a service client.
type Option func(*httpClient)

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *httpClient) { c.apiKey = key }
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) { c.client.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *httpClient) { c.client = client }
}

// WithRetries bounds the retry count for transient failures.
func WithRetries(n int) Option {
	return func(c *httpClient) { c.maxRetries = n }
}

// withBackoff tightens the retry delays; tests use it to avoid real
// sleeps.
func withBackoff(base, max time.Duration) Option {
	return func(c *httpClient) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

func newHTTPClient(service, baseURL string, opts ...Option) *httpClient {
	c := &httpClient{
		service:    service,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tenantHdr:  "X-Tenant-ID",
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		baseDelay:  time.Second,
		maxDelay:   10 * time.Second,
		breaker:    newCircuitBreaker(5, 10*time.Second),
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do runs one JSON round-trip with retries. 4xx responses are not
// retried: they are the service's verdict, not a transient fault.
func (c *httpClient) do(ctx context.Context, method, path, tenantID string, body, out any) error {
	var encoded []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", c.service, err)
		}
		encoded = b
	}

	if !c.breaker.allow() {
		return fmt.Errorf("%s: circuit breaker open", c.service)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return err
			}
		}

		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("%s: build request: %w", c.service, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if tenantID != "" {
			req.Header.Set(c.tenantHdr, tenantID)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = c.apiError(resp)
			resp.Body.Close()
			continue
		}
		if resp.StatusCode >= 400 {
			err := c.apiError(resp)
			resp.Body.Close()
			c.breaker.success()
			return err
		}

		if out != nil {
			err = json.NewDecoder(resp.Body).Decode(out)
		} else {
			_, err = io.Copy(io.Discard, resp.Body)
		}
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%s: decode response: %w", c.service, err)
		}
		c.breaker.success()
		return nil
	}

	c.breaker.failure()
	return fmt.Errorf("%s: request failed after %d attempts: %w", c.service, c.maxRetries+1, lastErr)
}

func (c *httpClient) backoff(attempt int) time.Duration {
	d := c.baseDelay << (attempt - 1)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

func (c *httpClient) apiError(resp *http.Response) error {
	message := "unknown error"
	var decoded struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil {
		switch {
		case decoded.Detail != "":
			message = decoded.Detail
		case decoded.Message != "":
			message = decoded.Message
		case decoded.Error != "":
			message = decoded.Error
		}
	}
	return &APIError{Service: c.service, Status: resp.StatusCode, Message: message}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// circuitBreaker trips after consecutive exhausted-retry failures and
// half-opens after the reset timeout.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	open         bool
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return true
	}
	if time.Since(cb.lastFailure) > cb.resetTimeout {
		// Half-open: let one request probe.
		return true
	}
	return false
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.open = false
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.open = true
	}
}
