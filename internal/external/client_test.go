package external

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerflow/internal/types"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: 50 * time.Millisecond}
}

func newTestClient(policy RetryPolicy, waits *[]time.Duration) *BaseClient {
	return NewBaseClient(
		&http.Client{Timeout: time.Second},
		"test-breaker",
		policy,
		"peerflow-test/1.0",
		WithSleepFunc(func(d time.Duration) {
			*waits = append(*waits, d)
		}),
	)
}

func TestDoSetsHeaders(t *testing.T) {
	var gotUserAgent, gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		gotTrace = r.Header.Get("X-B3-TraceId")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var waits []time.Duration
	client := newTestClient(testPolicy(), &waits)

	ctx := types.WithRequestID(context.Background(), "trace-42")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "peerflow-test/1.0", gotUserAgent)
	assert.Equal(t, "trace-42", gotTrace)
	assert.Empty(t, waits)
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	var waits []time.Duration
	client := newTestClient(testPolicy(), &waits)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, waits, 2)
}

func TestDoHonorsRetryAfterSeconds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var waits []time.Duration
	policy := testPolicy()
	policy.MaxWait = 10 * time.Second
	client := newTestClient(policy, &waits)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, waits, 1)
	assert.Equal(t, 3*time.Second, waits[0])
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	var waits []time.Duration
	client := newTestClient(testPolicy(), &waits)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, waits)
}

func TestDoExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var waits []time.Duration
	client := newTestClient(testPolicy(), &waits)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoReplaysBodyOnRetry(t *testing.T) {
	var calls atomic.Int32
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var waits []time.Duration
	client := newTestClient(testPolicy(), &waits)

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"q":1}`))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{`{"q":1}`, `{"q":1}`}, bodies)
}
