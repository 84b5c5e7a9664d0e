// Package session drives the court site's ASP.NET search form using gocolly.
//
// A Session owns one cookie jar and the hidden form state scraped from the
// landing page; it is opened once per scrape run and never shared.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/court"
	"github.com/JakeFAU/court-records-scraper/internal/metrics"
)

const (
	formPrefix = "ctl00$ContentPlaceHolder1$"

	acceptHeader   = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"
	acceptLanguage = "en-US,en;q=0.5"
)

// Request kinds used for metrics and logs.
const (
	KindLanding = "landing"
	KindSearch  = "search"
	KindDetail  = "detail"
)

var (
	errMissingViewState = errors.New("search form has no __VIEWSTATE")
	errAbandoned        = errors.New("court request abandoned")
)

// Config locates the court site and bounds outbound requests.
type Config struct {
	PageURL             string
	SearchURL           string
	DetailPath          string
	UserAgent           string
	Timeout             time.Duration
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
}

// Waiter paces outbound requests; *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// FormState is the hidden ASP.NET state echoed back on every postback.
type FormState struct {
	ViewState          string
	EventValidation    string
	ViewStateGenerator string
}

// Factory opens isolated sessions that share one pooled transport.
type Factory struct {
	cfg       Config
	transport http.RoundTripper
	limiter   Waiter
	logger    *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewFactory builds a Factory. limiter may be nil.
func NewFactory(cfg Config, limiter Waiter, logger *zap.Logger) *Factory {
	if cfg.SearchURL == "" {
		cfg.SearchURL = cfg.PageURL
	}
	if cfg.DetailPath == "" {
		cfg.DetailPath = "/Helpers/caseInformation.aspx"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		cfg:       cfg,
		transport: newHTTPTransport(cfg),
		limiter:   limiter,
		logger:    logger,
	}
}

// DetailURL returns the endpoint serving case detail pages.
func (f *Factory) DetailURL() string {
	return DetailURL(f.cfg.PageURL, f.cfg.DetailPath)
}

// Open starts a fresh session with an empty cookie jar.
func (f *Factory) Open() (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	// Clones share the base collector's HTTP backend, so transport, timeout
	// and jar are set once here and never on a clone.
	base := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	base.UserAgent = f.cfg.UserAgent
	base.WithTransport(f.transport)
	base.SetRequestTimeout(f.cfg.Timeout)
	base.SetCookieJar(jar)

	return &Session{
		cfg:     f.cfg,
		base:    base,
		jar:     jar,
		limiter: f.limiter,
		logger:  f.logger,
	}, nil
}

// Session is one cookie-bearing conversation with the court site.
type Session struct {
	cfg     Config
	base    *colly.Collector
	jar     http.CookieJar
	limiter Waiter
	logger  *zap.Logger
	state   FormState
}

// Search loads the landing page, captures its form state and submits the
// search form with the given filter and CAPTCHA token. Failures wrap
// court.ErrDiscovery unless the context ended first.
func (s *Session) Search(ctx context.Context, filter court.SearchFilter, token string) (court.Page, error) {
	landing, err := s.do(ctx, KindLanding, http.MethodGet, s.cfg.PageURL, nil)
	if err != nil {
		return court.Page{}, discoveryError(ctx, "load search form", err)
	}

	state, err := ParseFormState(landing.Body)
	if err != nil {
		return court.Page{}, discoveryError(ctx, "parse search form", err)
	}
	s.state = state

	page, err := s.do(ctx, KindSearch, http.MethodPost, s.cfg.SearchURL, searchForm(state, filter, token))
	if err != nil {
		return court.Page{}, discoveryError(ctx, "submit search", err)
	}
	return page, nil
}

// SearchLinks loads a link-style search page for its cookies and posts the
// case-year query. The result lists detail pages as plain anchors, so no
// CAPTCHA token is involved.
func (s *Session) SearchLinks(ctx context.Context, search court.LinkSearch) (court.Page, error) {
	if search.URL == "" {
		return court.Page{}, fmt.Errorf("%w: link search url is empty", court.ErrDiscovery)
	}
	if _, err := s.do(ctx, KindLanding, http.MethodGet, search.URL, nil); err != nil {
		return court.Page{}, discoveryError(ctx, "load link search", err)
	}
	form := map[string]string{
		"SEARCH":   "go",
		"caseyear": strconv.Itoa(search.CaseYear),
	}
	page, err := s.do(ctx, KindSearch, http.MethodPost, search.URL, form)
	if err != nil {
		return court.Page{}, discoveryError(ctx, "submit link search", err)
	}
	return page, nil
}

// FetchDetail GETs id.URL when the identifier carries one and otherwise
// posts the case id to the detail endpoint.
func (s *Session) FetchDetail(ctx context.Context, id court.CaseIdentifier) (court.Page, error) {
	if id.URL != "" {
		page, err := s.do(ctx, KindDetail, http.MethodGet, id.URL, nil)
		if err != nil {
			return court.Page{}, fmt.Errorf("fetch case %s: %w", id.URL, err)
		}
		return page, nil
	}

	form := map[string]string{
		"case_id": id.CaseID,
		"screen":  "summary",
	}
	page, err := s.do(ctx, KindDetail, http.MethodPost, DetailURL(s.cfg.PageURL, s.cfg.DetailPath), form)
	if err != nil {
		return court.Page{}, fmt.Errorf("fetch case %s: %w", id.CaseID, err)
	}
	return page, nil
}

func (s *Session) do(ctx context.Context, kind, method, target string, form map[string]string) (court.Page, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, target); err != nil {
			return court.Page{}, err
		}
	}

	var (
		result   court.Page
		status   int
		fetchErr error
	)
	start := time.Now()
	collector := s.buildCollector(ctx, &result, &status, &fetchErr)

	visit := func() error {
		if method == http.MethodPost {
			return collector.Post(target, form)
		}
		return collector.Visit(target)
	}
	err := runCollector(ctx, visit, &fetchErr)
	if errors.Is(err, errAbandoned) {
		// The visit goroutine may still write result and status.
		metrics.ObserveSiteRequest(kind, 0)
		return court.Page{}, err
	}
	if result.StatusCode != 0 {
		status = result.StatusCode
	}
	metrics.ObserveSiteRequest(kind, status)
	s.logger.Debug("court site request",
		zap.String("kind", kind),
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		return court.Page{}, err
	}
	return result, nil
}

func (s *Session) buildCollector(ctx context.Context, result *court.Page, status *int, fetchErr *error) *colly.Collector {
	collector := s.base.Clone()
	collector.Context = ctx
	s.configureCollectorHooks(collector, result, status, fetchErr)
	return collector
}

func (s *Session) configureCollectorHooks(hooks collectorHooks, result *court.Page, status *int, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		s.setHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = court.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

func (s *Session) setHeaders(r *colly.Request) {
	if r.Headers == nil {
		return
	}
	if s.cfg.UserAgent != "" {
		r.Headers.Set("User-Agent", s.cfg.UserAgent)
	}
	r.Headers.Set("Accept", acceptHeader)
	r.Headers.Set("Accept-Language", acceptLanguage)
	if s.cfg.PageURL != "" {
		r.Headers.Set("Origin", strings.TrimSuffix(s.cfg.PageURL, "/"))
		r.Headers.Set("Referer", s.cfg.PageURL)
	}
}

func runCollector(ctx context.Context, visit func() error, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errAbandoned, ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("court response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("court request failed: %w", err)
		}
		return nil
	}
}

func discoveryError(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return fmt.Errorf("%w: %s: %w", court.ErrDiscovery, step, err)
}

// ParseFormState reads the ASP.NET hidden inputs from a form page.
func ParseFormState(body []byte) (FormState, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return FormState{}, fmt.Errorf("parse form html: %w", err)
	}
	hidden := func(name string) string {
		return doc.Find(`input[name="` + name + `"]`).First().AttrOr("value", "")
	}
	state := FormState{
		ViewState:          hidden("__VIEWSTATE"),
		EventValidation:    hidden("__EVENTVALIDATION"),
		ViewStateGenerator: hidden("__VIEWSTATEGENERATOR"),
	}
	if state.ViewState == "" {
		return FormState{}, errMissingViewState
	}
	return state, nil
}

func searchForm(state FormState, filter court.SearchFilter, token string) map[string]string {
	form := map[string]string{
		"__VIEWSTATE":       state.ViewState,
		"__EVENTVALIDATION": state.EventValidation,
		"__EVENTTARGET":     "",
		"__EVENTARGUMENT":   "",
		"searchType":        "general",
		"captchaToken":      token,

		formPrefix + "txtCaseNumber":        "",
		formPrefix + "txtPartyName":         "",
		formPrefix + "txtAttorneyName":      "",
		formPrefix + "txtAttorneyBarNumber": "",
		formPrefix + "txtCaseType":          filter.CaseType,
		formPrefix + "txtCaseStatus":        filter.CaseStatus,
		formPrefix + "txtFilingDateFrom":    "",
		formPrefix + "txtFilingDateTo":      "",
		formPrefix + "btnSearch":            "Search",
	}
	if state.ViewStateGenerator != "" {
		form["__VIEWSTATEGENERATOR"] = state.ViewStateGenerator
	}
	return form
}

// DetailURL joins the landing page URL and the detail path.
func DetailURL(pageURL, detailPath string) string {
	return strings.TrimSuffix(pageURL, "/") + detailPath
}

// SourceURL is the stable link stored with each case record.
func SourceURL(detailURL, caseID string) string {
	return detailURL + "?case_id=" + caseID
}

func newHTTPTransport(cfg Config) *http.Transport {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 10 * time.Second
	}
	tlsTimeout := cfg.TLSHandshakeTimeout
	if tlsTimeout <= 0 {
		tlsTimeout = 15 * time.Second
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dial,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
