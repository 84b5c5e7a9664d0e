package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/config"
	"github.com/JakeFAU/court-records-scraper/internal/court"
	"github.com/JakeFAU/court-records-scraper/internal/metrics"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Runner executes one scrape run.
type Runner interface {
	Run(ctx context.Context, cat court.Category) (court.Summary, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the coordinator and stores.
type Server struct {
	router chi.Router
	runner Runner
	cases  court.CaseRepository
	logs   court.AuditLog
	pinger Pinger
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. pinger may be nil.
func NewServer(
	runner Runner,
	cases court.CaseRepository,
	logs court.AuditLog,
	pinger Pinger,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner: runner,
		cases:  cases,
		logs:   logs,
		pinger: pinger,
		cfg:    cfg,
		logger: logger,
	}

	timeout := time.Duration(cfg.Server.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/scraping-logs", s.listLogs)
		r.Route("/{category}", func(r chi.Router) {
			r.Post("/scrape", s.scrape)
			r.Get("/cases", s.listCases)
			r.Get("/cases/{key}", s.getCase)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeResponse struct {
	RunID              string        `json:"run_id"`
	Outcome            court.Outcome `json:"outcome"`
	Message            string        `json:"message"`
	NewCasesAdded      int           `json:"new_cases_added"`
	CasesUpdated       int           `json:"cases_updated"`
	SkippedCases       int           `json:"skipped_cases"`
	TotalCasesScraped  int           `json:"total_cases_scraped"`
	NewCaseNumbers     []string      `json:"new_case_numbers"`
	UpdatedCaseNumbers []string      `json:"updated_case_numbers"`
	SkippedCaseNumbers []string      `json:"skipped_case_numbers"`
}

func newScrapeResponse(sum court.Summary) scrapeResponse {
	msg := sum.Message
	if msg == "" {
		msg = fmt.Sprintf("Scraping completed. Added %d new cases, updated %d cases, skipped %d cases",
			sum.NewCasesAdded, sum.CasesUpdated, sum.SkippedCases)
	}
	return scrapeResponse{
		RunID:              sum.RunID,
		Outcome:            sum.Outcome,
		Message:            msg,
		NewCasesAdded:      sum.NewCasesAdded,
		CasesUpdated:       sum.CasesUpdated,
		SkippedCases:       sum.SkippedCases,
		TotalCasesScraped:  sum.TotalCasesScraped,
		NewCaseNumbers:     nonNil(sum.NewCaseNumbers),
		UpdatedCaseNumbers: nonNil(sum.UpdatedCaseNumbers),
		SkippedCaseNumbers: nonNil(sum.SkippedCaseNumbers),
	}
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	cat, ok := s.category(w, r)
	if !ok {
		return
	}
	sum, err := s.runner.Run(r.Context(), cat)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, newScrapeResponse(sum))
	case errors.Is(err, court.ErrUnknownCategory):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, court.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, court.ErrBlocked):
		writeJSON(w, http.StatusBadGateway, newScrapeResponse(sum))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("scrape failed", zap.String("category", string(cat)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	cat, ok := s.category(w, r)
	if !ok {
		return
	}
	skip, limit, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cases, err := s.cases.List(r.Context(), cat, skip, limit)
	if err != nil {
		s.logger.Error("list cases failed", zap.String("category", string(cat)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list cases")
		return
	}
	writeJSON(w, http.StatusOK, cases)
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	cat, ok := s.category(w, r)
	if !ok {
		return
	}
	pc, err := s.cases.Get(r.Context(), cat, chi.URLParam(r, "key"))
	switch {
	case errors.Is(err, court.ErrNotFound):
		writeError(w, http.StatusNotFound, "case not found")
	case err != nil:
		s.logger.Error("get case failed", zap.String("category", string(cat)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch case")
	default:
		writeJSON(w, http.StatusOK, pc)
	}
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	var cat court.Category
	if raw := r.URL.Query().Get("category"); raw != "" {
		parsed, err := court.ParseCategory(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		cat = parsed
	}
	skip, limit, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.logs.ListLogs(r.Context(), cat, skip, limit)
	if err != nil {
		s.logger.Error("list scraping logs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list scraping logs")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) category(w http.ResponseWriter, r *http.Request) (court.Category, bool) {
	cat, err := court.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return cat, true
}

func paging(r *http.Request) (skip, limit int, err error) {
	q := r.URL.Query()
	skip, err = intParam(q.Get("skip"), 0)
	if err != nil || skip < 0 {
		return 0, 0, fmt.Errorf("skip must be a non-negative integer")
	}
	limit, err = intParam(q.Get("limit"), defaultLimit)
	if err != nil || limit < 1 || limit > maxLimit {
		return 0, 0, fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	return skip, limit, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	return v, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
