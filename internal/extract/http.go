package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docflow/pkg/backoff"
	"docflow/pkg/circuitbreaker"

	"golang.org/x/time/rate"
)

// HTTPConfig holds configuration for the HTTP recognition client.
type HTTPConfig struct {
	Endpoint         string        // recognition URL (required)
	APIKey           string        // sent as a bearer token when set
	Timeout          time.Duration // per attempt (default: 60s)
	MaxAttempts      int           // including the first call (default: 3)
	RatePerSecond    float64       // default: 5
	Burst            int           // default: 1
	BreakerThreshold int           // default: 5
	BreakerCooldown  time.Duration // default: 30s
	MaxInlineBytes   int64         // largest local file sent inline (default: 32MiB)
	Backoff          backoff.Config
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxInlineBytes <= 0 {
		c.MaxInlineBytes = 32 << 20
	}
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = 0.2
	}
	return c
}

// HTTPClient posts documents to a remote recognition service. Calls are
// rate limited, retried with backoff on retryable failures and guarded by
// a circuit breaker.
type HTTPClient struct {
	config  HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewHTTPClient creates a client for cfg.Endpoint.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid extractor endpoint %q", cfg.Endpoint)
	}

	return &HTTPClient{
		config: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		logger: slog.With("component", "extractor", "endpoint", u.Host),
	}, nil
}

type requestBody struct {
	URL      string         `json:"url,omitempty"`
	Filename string         `json:"filename,omitempty"`
	Content  string         `json:"content,omitempty"` // base64
	Hint     string         `json:"hint,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Extract sends in to the recognition service.
func (c *HTTPClient) Extract(ctx context.Context, in Input) (Result, error) {
	body, err := c.encode(in)
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = backoff.Retry(ctx, c.config.MaxAttempts, &c.config.Backoff, IsRetryable, func(attempt int) error {
		if attempt > 0 {
			c.logger.Debug("Retrying extraction", "reference", in.Reference, "attempt", attempt+1)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := c.breaker.Do(func() error {
			var callErr error
			result, callErr = c.call(ctx, body)
			return callErr
		}, func(err error) bool {
			var e *Error
			if errors.As(err, &e) {
				return !e.Retryable
			}
			return errors.Is(err, context.Canceled)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return &Error{Code: CodeCircuitOpen, Message: "recognition service temporarily disabled", Cause: err}
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (c *HTTPClient) encode(in Input) ([]byte, error) {
	if strings.TrimSpace(in.Reference) == "" {
		return nil, &Error{Code: CodeInvalidInput, Message: "reference is empty"}
	}
	req := requestBody{Hint: in.Hint, Options: in.Options}

	if isURL(in.Reference) {
		req.URL = in.Reference
	} else {
		info, err := os.Stat(in.Reference)
		if err != nil {
			return nil, &Error{Code: CodeInvalidInput, Message: "cannot read input", Cause: err}
		}
		if info.Size() > c.config.MaxInlineBytes {
			return nil, &Error{Code: CodeInvalidInput, Message: fmt.Sprintf("input is %d bytes, limit is %d", info.Size(), c.config.MaxInlineBytes)}
		}
		data, err := os.ReadFile(in.Reference)
		if err != nil {
			return nil, &Error{Code: CodeInvalidInput, Message: "cannot read input", Cause: err}
		}
		req.Filename = filepath.Base(in.Reference)
		req.Content = base64.StdEncoding.EncodeToString(data)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return body, nil
}

func (c *HTTPClient) call(ctx context.Context, body []byte) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, &Error{Code: CodeTimeout, Message: fmt.Sprintf("no response within %s", c.config.Timeout), Retryable: true, Cause: err}
		}
		return Result{}, &Error{Code: CodeUnavailable, Message: "request failed", Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Result{}, &Error{Code: CodeUnavailable, Message: "failed to read response", Retryable: true, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, statusError(resp.StatusCode, payload)
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return Result{}, &Error{Code: CodeBadResponse, Message: "response is not valid JSON", StatusCode: resp.StatusCode, Cause: err}
	}
	return result, nil
}

func statusError(status int, payload []byte) *Error {
	e := &Error{StatusCode: status, Message: http.StatusText(status)}
	var eb errorBody
	if json.Unmarshal(payload, &eb) == nil && eb.Error.Message != "" {
		e.Message = eb.Error.Message
	}

	switch {
	case status == http.StatusTooManyRequests:
		e.Code, e.Retryable = CodeRateLimited, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Code, e.Retryable = CodeTimeout, true
	case status >= 500:
		e.Code, e.Retryable = CodeUnavailable, true
	default:
		e.Code = CodeRejected
	}
	if eb.Error.Code != "" && !e.Retryable {
		e.Code = eb.Error.Code
	}
	return e
}

// Ready fails while the circuit breaker is open.
func (c *HTTPClient) Ready(ctx context.Context) error {
	if c.breaker.State() == circuitbreaker.Open {
		return errors.New("extractor circuit breaker is open")
	}
	return nil
}

func isURL(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

var (
	_ Extractor = (*HTTPClient)(nil)
	_ Readiness = (*HTTPClient)(nil)
)
