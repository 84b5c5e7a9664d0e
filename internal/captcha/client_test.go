package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSolver struct {
	t            *testing.T
	pendingPolls int32
	polls        atomic.Int32
	finalStatus  string
	token        string
	createError  string

	mu       sync.Mutex
	lastTask map[string]any
}

func (f *fakeSolver) sentTask() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTask
}

func (f *fakeSolver) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/createTask", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.lastTask, _ = body["task"].(map[string]any)
		f.mu.Unlock()
		if f.createError != "" {
			writeBody(w, map[string]any{"errorId": 1, "errorCode": f.createError})
			return
		}
		writeBody(w, map[string]any{"errorId": 0, "taskId": 4242})
	})
	mux.HandleFunc("/getTaskResult", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ClientKey string `json:"clientKey"`
			TaskID    int64  `json:"taskId"`
		}
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(f.t, int64(4242), body.TaskID)
		assert.Equal(f.t, "client-key", body.ClientKey)
		n := f.polls.Add(1)
		if n <= f.pendingPolls {
			writeBody(w, map[string]any{"errorId": 0, "status": "processing"})
			return
		}
		resp := map[string]any{"errorId": 0, "status": f.finalStatus}
		if f.finalStatus == "ready" {
			resp["solution"] = map[string]string{"gRecaptchaResponse": f.token}
		}
		writeBody(w, resp)
	})
	return mux
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, baseURL string, attempts int) *Client {
	t.Helper()
	return New(Config{
		BaseURL:      baseURL,
		ClientKey:    "client-key",
		WebsiteURL:   "https://pro.example.org/",
		WebsiteKey:   "site-key",
		PageAction:   "search",
		MinScore:     0.7,
		MaxAttempts:  attempts,
		PollInterval: time.Millisecond,
	}, zap.NewNop())
}

func TestAcquireReturnsTokenWhenReady(t *testing.T) {
	t.Parallel()

	solver := &fakeSolver{t: t, pendingPolls: 2, finalStatus: "ready", token: "tok-123"}
	srv := httptest.NewServer(solver.handler())
	defer srv.Close()

	result, err := newTestClient(t, srv.URL, 5).Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusReady, result.Status)
	require.Equal(t, "tok-123", result.Token)
	require.Equal(t, int64(4242), result.TaskID)
	require.Equal(t, 3, result.Attempts)

	sent := solver.sentTask()
	require.Equal(t, "RecaptchaV3TaskProxyless", sent["type"])
	require.Equal(t, "site-key", sent["websiteKey"])
	require.Equal(t, "search", sent["pageAction"])
	require.InDelta(t, 0.7, sent["minScore"], 0.0001)
}

func TestAcquireTimesOutAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	solver := &fakeSolver{t: t, pendingPolls: 100, finalStatus: "ready", token: "never"}
	srv := httptest.NewServer(solver.handler())
	defer srv.Close()

	result, err := newTestClient(t, srv.URL, 4).Acquire(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTokenUnavailable))
	require.Equal(t, StatusTimeout, result.Status)
	require.Equal(t, 4, result.Attempts)
	require.Equal(t, int32(4), solver.polls.Load())
	require.Empty(t, result.Token)
}

func TestAcquireReportsSolverFailure(t *testing.T) {
	t.Parallel()

	solver := &fakeSolver{t: t, finalStatus: "failed"}
	srv := httptest.NewServer(solver.handler())
	defer srv.Close()

	result, err := newTestClient(t, srv.URL, 10).Acquire(context.Background())
	require.ErrorIs(t, err, ErrTokenUnavailable)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, 1, result.Attempts)
}

func TestAcquireCreateTaskError(t *testing.T) {
	t.Parallel()

	solver := &fakeSolver{t: t, createError: "ERROR_KEY_DOES_NOT_EXIST"}
	srv := httptest.NewServer(solver.handler())
	defer srv.Close()

	result, err := newTestClient(t, srv.URL, 10).Acquire(context.Background())
	require.ErrorIs(t, err, ErrTokenUnavailable)
	require.Equal(t, StatusFailed, result.Status)
	require.Contains(t, result.Reason, "ERROR_KEY_DOES_NOT_EXIST")
	require.Zero(t, solver.polls.Load())
}

func TestAcquireStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	solver := &fakeSolver{t: t, pendingPolls: 100, finalStatus: "ready"}
	srv := httptest.NewServer(solver.handler())
	defer srv.Close()

	client := New(Config{
		BaseURL:      srv.URL,
		ClientKey:    "client-key",
		MaxAttempts:  30,
		PollInterval: time.Hour,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := client.Acquire(ctx)
	require.ErrorIs(t, err, ErrTokenUnavailable)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, 1, result.Attempts)
}

func TestAcquireHTTPErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	result, err := newTestClient(t, srv.URL, 3).Acquire(context.Background())
	require.ErrorIs(t, err, ErrTokenUnavailable)
	require.Equal(t, StatusFailed, result.Status)
	require.Contains(t, result.Reason, "503")
}
