package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/clock/system"
	"github.com/JakeFAU/court-records-scraper/internal/config"
	"github.com/JakeFAU/court-records-scraper/internal/court"
	"github.com/JakeFAU/court-records-scraper/internal/storage/memory"
)

type fakeRunner struct {
	mu   sync.Mutex
	sum  court.Summary
	err  error
	cats []court.Category
}

func (f *fakeRunner) Run(_ context.Context, cat court.Category) (court.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cats = append(f.cats, cat)
	sum := f.sum
	sum.Category = cat
	return sum, f.err
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type testEnv struct {
	server *Server
	runner *fakeRunner
	cases  *memory.CaseStore
	logs   *memory.LogStore
}

func newTestEnv(t *testing.T, cfg config.Config, pinger Pinger) *testEnv {
	t.Helper()
	env := &testEnv{
		runner: &fakeRunner{},
		cases:  memory.NewCaseStore(&seqIDs{}, system.NewFixed(time.Unix(1700000000, 0).UTC())),
		logs:   memory.NewLogStore(),
	}
	env.server = NewServer(env.runner, env.cases, env.logs, pinger, cfg, zap.NewNop())
	return env
}

func (e *testEnv) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", nil).Code)

	down := newTestEnv(t, config.Config{}, fakePinger{err: errors.New("connection refused")})
	assert.Equal(t, http.StatusServiceUnavailable, down.do(http.MethodGet, "/readyz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	env.do(http.MethodGet, "/healthz", nil)
	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestScrapeReturnsSummary(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	env.runner.sum = court.Summary{
		RunID:             "run-1",
		Outcome:           court.OutcomeSuccess,
		NewCasesAdded:     2,
		CasesUpdated:      1,
		SkippedCases:      1,
		TotalCasesScraped: 3,
		NewCaseNumbers:    []string{"2025 DR 00101", "2025 DR 00102"},
	}

	rec := env.do(http.MethodPost, "/v1/Divorce/scrape", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Scraping completed. Added 2 new cases, updated 1 cases, skipped 1 cases", body["message"])
	assert.EqualValues(t, 2, body["new_cases_added"])
	assert.EqualValues(t, 3, body["total_cases_scraped"])
	assert.Equal(t, []any{}, body["updated_case_numbers"])
	assert.Equal(t, []court.Category{court.CategoryDivorce}, env.runner.cats)
}

func TestScrapeErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "blocked", err: fmt.Errorf("%w: %w", court.ErrBlocked, court.ErrDiscovery), want: http.StatusBadGateway},
		{name: "in progress", err: fmt.Errorf("probate: %w", court.ErrRunInProgress), want: http.StatusConflict},
		{name: "no profile", err: fmt.Errorf("%w: probate", court.ErrUnknownCategory), want: http.StatusNotFound},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, config.Config{}, nil)
			env.runner.err = tt.err
			env.runner.sum = court.Summary{Outcome: court.OutcomeBlocked, Message: court.MessageCaptchaBlock}
			rec := env.do(http.MethodPost, "/v1/probate/scrape", nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestBlockedScrapeCarriesMessage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	env.runner.err = court.ErrBlocked
	env.runner.sum = court.Summary{Outcome: court.OutcomeBlocked, Message: court.MessageCaptchaBlock}

	rec := env.do(http.MethodPost, "/v1/foreclosure/scrape", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message":"CAPTCHA block"`)
}

func TestUnknownCategoryIs404(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/v1/bankruptcy/scrape", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/bankruptcy/cases", nil).Code)
	assert.Empty(t, env.runner.cats)
}

func TestListAndGetCases(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		_, err := env.cases.Create(ctx, court.CaseRecord{Category: court.CategoryForeclosure, CaseID: id, Plaintiff: "BANK " + id})
		require.NoError(t, err)
	}

	rec := env.do(http.MethodGet, "/v1/foreclosure/cases?skip=1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cases []court.PersistedCase
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cases))
	require.Len(t, cases, 1)

	rec = env.do(http.MethodGet, "/v1/foreclosure/cases/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pc court.PersistedCase
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pc))
	assert.Equal(t, "BANK 2", pc.Plaintiff)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/foreclosure/cases/404", nil).Code)
}

func TestPagingValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	for _, q := range []string{"limit=0", "limit=1001", "skip=-1", "limit=abc"} {
		assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/divorce/cases?"+q, nil).Code, q)
	}
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/divorce/cases?limit=1000", nil).Code)
}

func TestListScrapingLogs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	require.NoError(t, env.logs.Append(ctx, court.ScrapingLogEntry{ID: "a", Category: court.CategoryProbate, DateTime: base}))
	require.NoError(t, env.logs.Append(ctx, court.ScrapingLogEntry{ID: "b", Category: court.CategoryDivorce, DateTime: base.Add(time.Minute)}))

	rec := env.do(http.MethodGet, "/v1/scraping-logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []court.ScrapingLogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].ID)

	rec = env.do(http.MethodGet, "/v1/scraping-logs?category=probate", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/scraping-logs?category=traffic", nil).Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	env := newTestEnv(t, cfg, nil)

	assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/v1/scraping-logs", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/scraping-logs", http.Header{"X-Api-Key": {"secret"}}).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/scraping-logs?api_key=secret", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := env.do(http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/healthz", http.Header{"X-Request-Id": {"abc"}})
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	server net.Conn
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.server, h.client = net.Pipe()
	rw := bufio.NewReadWriter(bufio.NewReader(h.server), bufio.NewWriter(h.server))
	return h.server, rw, nil
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	plain := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := plain.Hijack()
	require.Error(t, err)

	hr := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := &responseWriter{ResponseWriter: hr}
	conn, _, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, hr.client.Close())
}
