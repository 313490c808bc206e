package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(t *testing.T, cfg *Config) *HTTPClient {
	t.Helper()
	httpc, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { httpc.Close() })
	return httpc
}

func TestDoJSONRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"value"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	httpc := newTestClient(t, nil)
	resp, err := httpc.Do(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Body:   map[string]string{"name": "value"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, ParseJSON(resp, &parsed))
	assert.True(t, parsed.OK)
}

func TestDoStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"denied"}`)
	}))
	defer server.Close()

	httpc := newTestClient(t, nil)
	resp, err := httpc.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.Code)
	assert.Contains(t, string(statusErr.Body), "denied")

	// The response still carries the body for error extraction.
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDoTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	httpc := newTestClient(t, cfg)

	_, err := httpc.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestDoNetworkError(t *testing.T) {
	httpc := newTestClient(t, nil)

	_, err := httpc.Do(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1", // nothing listens here
	})

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestRetriesDisabledByDefault(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	httpc := newTestClient(t, nil)
	_, err := httpc.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryOnRetryableStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	httpc := newTestClient(t, cfg)

	resp, err := httpc.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BaseDelay = time.Millisecond
	httpc := newTestClient(t, cfg)

	_, err := httpc.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestResponseCapturesFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landed?code=abc", http.StatusFound)
	})
	mux.HandleFunc("/landed", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	httpc := newTestClient(t, nil)
	resp, err := httpc.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL + "/start"})
	require.NoError(t, err)

	assert.Equal(t, "/landed", resp.URL.Path)
	assert.Equal(t, "abc", resp.URL.Query().Get("code"))
}

func TestSeedCookies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("frc")
		require.NoError(t, err)
		assert.Equal(t, "token-value", cookie.Value)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.WithJar = true
	httpc := newTestClient(t, cfg)

	require.NoError(t, httpc.SeedCookies(server.URL, map[string]string{"frc": "token-value"}))

	_, err := httpc.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	require.NoError(t, err)
}

func TestSeedCookiesWithoutJar(t *testing.T) {
	httpc := newTestClient(t, nil)
	assert.Error(t, httpc.SeedCookies("https://example.com", map[string]string{"a": "b"}))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, shouldRetry(&TimeoutError{Op: "GET /"}))
	assert.True(t, shouldRetry(&NetworkError{Op: "GET /"}))
	assert.True(t, shouldRetry(&StatusError{Code: http.StatusTooManyRequests}))
	assert.True(t, shouldRetry(&StatusError{Code: http.StatusServiceUnavailable}))
	assert.False(t, shouldRetry(&StatusError{Code: http.StatusUnauthorized}))
	assert.False(t, shouldRetry(&StatusError{Code: http.StatusBadRequest}))
	assert.False(t, shouldRetry(fmt.Errorf("plain error")))
}
