// Package client wraps net/http for the auth engine: typed errors, optional
// retry with backoff, and cookie-jar sessions for the scripted login flow.
// Connection pooling and retries live here, outside the protocol core; the
// registration and login flows run with retries disabled so failures surface
// to the caller untouched.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Code   int
	Reason string
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d %s", e.Code, e.Reason)
}

// TimeoutError reports a request that exceeded the configured deadline.
// It is retryable from the caller's point of view.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// NetworkError reports an unreachable host or failed transport.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Config holds the HTTP client tunables.
type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	// WithJar enables a cookie jar so a login session keeps its cookies
	// across the whole challenge sequence.
	WithJar bool
}

// DefaultConfig returns conservative client settings with retries disabled.
func DefaultConfig() *Config {
	return &Config{
		Timeout:      30 * time.Second,
		MaxRetries:   0,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
	}
}

// HTTPClient is a thin transport for the login pages and token endpoints.
type HTTPClient struct {
	httpClient   *http.Client
	logger       *logrus.Logger
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

// New creates an HTTP client. A nil config uses DefaultConfig.
func New(cfg *Config, logger *logrus.Logger) (*HTTPClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if cfg.WithJar {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	return &HTTPClient{
		httpClient:   httpClient,
		logger:       logger,
		maxRetries:   cfg.MaxRetries,
		baseDelay:    cfg.BaseDelay,
		maxDelay:     cfg.MaxDelay,
		jitterFactor: cfg.JitterFactor,
	}, nil
}

// Jar exposes the session cookie jar, or nil when sessions are disabled.
func (c *HTTPClient) Jar() http.CookieJar {
	return c.httpClient.Jar
}

// Request describes one HTTP call.
type Request struct {
	Method string
	URL    string
	// Body is JSON-marshaled when RawBody is nil.
	Body    interface{}
	RawBody []byte
	Headers map[string]string
}

// Response captures status, headers, body and the final URL after redirects.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	URL        *url.URL
}

// Do executes a request. With MaxRetries set, transient failures are retried
// with exponential backoff and jitter; typed errors are returned either way.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	var lastErr error
	var lastResp *Response
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateDelay(attempt)
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Debug("Retrying request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.doRequest(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr, lastResp = err, resp

		if !shouldRetry(err) {
			return resp, err
		}
		c.logger.WithError(err).WithField("attempt", attempt+1).Warn("Request failed, will retry")
	}

	return lastResp, lastErr
}

// doRequest performs a single HTTP round trip and classifies failures.
func (c *HTTPClient) doRequest(ctx context.Context, req *Request) (*Response, error) {
	op := fmt.Sprintf("%s %s", req.Method, req.URL)

	var bodyReader io.Reader
	if req.RawBody != nil {
		bodyReader = bytes.NewReader(req.RawBody)
	} else if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		req.RawBody = raw
		bodyReader = bytes.NewReader(raw)
		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		if _, ok := req.Headers["Content-Type"]; !ok {
			req.Headers["Content-Type"] = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	c.logger.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL,
	}).Debug("Making HTTP request")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Headers:    httpResp.Header,
	}
	if httpResp.Request != nil {
		resp.URL = httpResp.Request.URL
	}

	c.logger.WithFields(logrus.Fields{
		"status_code": httpResp.StatusCode,
		"body_length": len(respBody),
	}).Debug("HTTP response received")

	if httpResp.StatusCode >= 400 {
		return resp, &StatusError{
			Code:   httpResp.StatusCode,
			Reason: http.StatusText(httpResp.StatusCode),
			Body:   respBody,
		}
	}
	return resp, nil
}

// classifyTransportError maps transport failures onto the error taxonomy.
func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	return &NetworkError{Op: op, Err: err}
}

// shouldRetry limits retries to transient failures: timeouts, transport
// errors and retryable status codes. Client errors never retry.
func shouldRetry(err error) bool {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var networkErr *NetworkError
	if errors.As(err, &networkErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// calculateDelay computes exponential backoff with jitter.
func (c *HTTPClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	jitter := delay * c.jitterFactor * (rand.Float64()*2 - 1)
	delay += jitter
	if delay < float64(c.baseDelay) {
		delay = float64(c.baseDelay)
	}
	return time.Duration(delay)
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// ParseJSON decodes a JSON response body into v.
func ParseJSON(resp *Response, v interface{}) error {
	if resp == nil {
		return fmt.Errorf("response is nil")
	}
	if len(resp.Body) == 0 {
		return fmt.Errorf("response body is empty")
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON response: %w", err)
	}
	return nil
}

// SeedCookies installs the device's initial cookie set for the login host so
// the server observes one consistent fingerprint for the whole session.
func (c *HTTPClient) SeedCookies(baseURL string, cookies map[string]string) error {
	if c.httpClient.Jar == nil {
		return fmt.Errorf("client has no cookie jar")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	set := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		set = append(set, &http.Cookie{
			Name:  name,
			Value: strings.ReplaceAll(value, " ", ""),
			Path:  "/",
		})
	}
	c.httpClient.Jar.SetCookies(u, set)
	return nil
}
