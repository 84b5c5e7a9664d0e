// Package coordinator executes scrape runs: at most one CAPTCHA token, one
// search session, batched detail extraction, idempotent persistence and
// exactly one audit entry per run.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/court-records-scraper/internal/archive"
	"github.com/JakeFAU/court-records-scraper/internal/captcha"
	"github.com/JakeFAU/court-records-scraper/internal/court"
	"github.com/JakeFAU/court-records-scraper/internal/extract"
	"github.com/JakeFAU/court-records-scraper/internal/metrics"
	"github.com/JakeFAU/court-records-scraper/internal/session"
)

// TokenSource produces one CAPTCHA token per run; *captcha.Client satisfies it.
type TokenSource interface {
	Acquire(ctx context.Context) (captcha.Result, error)
}

// Session is one search session against the court site.
type Session interface {
	Search(ctx context.Context, filter court.SearchFilter, token string) (court.Page, error)
	SearchLinks(ctx context.Context, search court.LinkSearch) (court.Page, error)
	court.DetailSource
}

// Opener starts a fresh Session for each run.
type Opener interface {
	Open() (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func() (Session, error)

// Open calls f.
func (f OpenerFunc) Open() (Session, error) { return f() }

// FromFactory adapts a session factory to Opener.
func FromFactory(f *session.Factory) Opener {
	return OpenerFunc(func() (Session, error) {
		s, err := f.Open()
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Config controls batching and notification.
type Config struct {
	BatchSize  int
	BatchPause time.Duration
	// Topic receives the run summary; empty disables publishing.
	Topic     string
	DetailURL string
	Profiles  map[court.Category]extract.Profile
}

// Deps are the collaborators of a Coordinator. Archive and Publisher may be nil.
type Deps struct {
	Tokens    TokenSource
	Sessions  Opener
	Repo      court.CaseRepository
	Audit     court.AuditLog
	Archive   *archive.Archiver
	Publisher court.Publisher
	Clock     court.Clock
	IDs       court.IDGenerator
}

// Coordinator runs scrapes, at most one per category at a time.
type Coordinator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	running map[court.Category]bool
}

// New validates deps and builds a Coordinator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	switch {
	case deps.Tokens == nil:
		return nil, fmt.Errorf("token source is required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("session opener is required")
	case deps.Repo == nil:
		return nil, fmt.Errorf("case repository is required")
	case deps.Audit == nil:
		return nil, fmt.Errorf("audit log is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		running: make(map[court.Category]bool),
	}, nil
}

// Categories lists the categories this coordinator has profiles for.
func (c *Coordinator) Categories() []court.Category {
	out := make([]court.Category, 0, len(c.cfg.Profiles))
	for _, cat := range court.Categories() {
		if _, ok := c.cfg.Profiles[cat]; ok {
			out = append(out, cat)
		}
	}
	return out
}

// Run executes one scrape for cat. It returns an error wrapping
// court.ErrBlocked when no token could be obtained or discovery failed, and
// the context error when canceled. Per-case failures only show up as skipped
// counts in the summary. The summary is populated in every case except
// ErrUnknownCategory and ErrRunInProgress.
func (c *Coordinator) Run(ctx context.Context, cat court.Category) (court.Summary, error) {
	profile, ok := c.cfg.Profiles[cat]
	if !ok {
		return court.Summary{}, fmt.Errorf("%w: %q", court.ErrUnknownCategory, cat)
	}
	if !c.claim(cat) {
		return court.Summary{}, fmt.Errorf("%s: %w", cat, court.ErrRunInProgress)
	}
	defer c.release(cat)

	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	runID, err := c.deps.IDs.NewID()
	if err != nil {
		return court.Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	sum := court.Summary{
		RunID:              runID,
		Category:           cat,
		StartedAt:          c.deps.Clock.Now(),
		NewCaseNumbers:     []string{},
		UpdatedCaseNumbers: []string{},
		SkippedCaseNumbers: []string{},
	}
	logger := c.logger.With(zap.String("category", string(cat)), zap.String("run_id", runID))
	logger.Info("scrape run started")

	runErr := c.execute(ctx, profile, &sum, logger)
	c.finish(ctx, profile, &sum, logger)
	return sum, runErr
}

func (c *Coordinator) claim(cat court.Category) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[cat] {
		return false
	}
	c.running[cat] = true
	return true
}

func (c *Coordinator) release(cat court.Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, cat)
}

func (c *Coordinator) execute(ctx context.Context, profile extract.Profile, sum *court.Summary, logger *zap.Logger) error {
	links := profile.Discovery == extract.DiscoveryLinks

	var token string
	if !links {
		tok, err := c.deps.Tokens.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return canceled(ctx, sum)
			}
			reason := tok.Reason
			if reason == "" {
				reason = err.Error()
			}
			sum.Outcome = court.OutcomeBlocked
			sum.Message = "CAPTCHA token unavailable: " + reason
			return fmt.Errorf("%w: %w", court.ErrBlocked, err)
		}
		token = tok.Token
	}

	sess, err := c.deps.Sessions.Open()
	if err != nil {
		return blocked(sum, fmt.Errorf("open session: %w", err))
	}

	var page court.Page
	if links {
		search := profile.Search
		if search.CaseYear == 0 {
			search.CaseYear = sum.StartedAt.Year()
		}
		page, err = sess.SearchLinks(ctx, search)
	} else {
		page, err = sess.Search(ctx, profile.Filter, token)
	}
	if err != nil {
		if ctx.Err() != nil {
			return canceled(ctx, sum)
		}
		logger.Warn("search failed", zap.Error(err))
		return blocked(sum, err)
	}
	c.deps.Archive.Record(ctx, profile.Category, sum.RunID, archive.KindSearch, page)

	ids, err := extract.Identifiers(page.Body, profile.Rows, logger)
	if err != nil {
		logger.Warn("identifier discovery failed", zap.Error(err))
		return blocked(sum, err)
	}
	if len(ids) == 0 {
		logger.Warn("search returned no matching cases")
		return blocked(sum, fmt.Errorf("%w: no case identifiers", court.ErrDiscovery))
	}
	logger.Info("case identifiers discovered", zap.Int("count", len(ids)))

	source := c.deps.Archive.Source(sess, profile.Category, sum.RunID)
	extractor := extract.NewDetailExtractor(source, profile, c.cfg.DetailURL, logger)

	for start := 0; start < len(ids); start += c.cfg.BatchSize {
		if start > 0 {
			if err := pause(ctx, c.cfg.BatchPause); err != nil {
				return canceled(ctx, sum)
			}
		}
		if ctx.Err() != nil {
			return canceled(ctx, sum)
		}
		end := min(start+c.cfg.BatchSize, len(ids))
		c.processBatch(ctx, extractor, ids[start:end], sum, logger)
	}
	if ctx.Err() != nil {
		return canceled(ctx, sum)
	}

	switch {
	case sum.Persisted() == 0:
		sum.Outcome = court.OutcomeNoData
		sum.Message = court.MessageNoData
	default:
		sum.Outcome = court.OutcomeSuccess
	}
	return nil
}

// processBatch extracts a batch concurrently, then persists in batch order.
func (c *Coordinator) processBatch(
	ctx context.Context,
	extractor *extract.DetailExtractor,
	batch []court.CaseIdentifier,
	sum *court.Summary,
	logger *zap.Logger,
) {
	records := make([]court.CaseRecord, len(batch))
	found := make([]bool, len(batch))

	var g errgroup.Group
	g.SetLimit(c.cfg.BatchSize)
	for i, id := range batch {
		g.Go(func() error {
			records[i], found[i] = extractor.Extract(ctx, id)
			return nil
		})
	}
	// Extract never fails; per-case outcomes come back through found.
	_ = g.Wait()

	for i, id := range batch {
		if !found[i] {
			skip(sum, displayKey(id))
			continue
		}
		sum.TotalCasesScraped++
		c.persist(ctx, records[i], sum, logger)
	}
}

func (c *Coordinator) persist(ctx context.Context, rec court.CaseRecord, sum *court.Summary, logger *zap.Logger) {
	key := rec.NaturalKey()
	exists, err := c.deps.Repo.Exists(ctx, rec.Category, key)
	if err != nil {
		logger.Error("case lookup failed", zap.String("key", key), zap.Error(err))
		skip(sum, rec.DisplayKey())
		return
	}
	if exists {
		if _, err := c.deps.Repo.Update(ctx, rec); err != nil {
			logger.Error("case update failed", zap.String("key", key), zap.Error(err))
			skip(sum, rec.DisplayKey())
			return
		}
		sum.CasesUpdated++
		sum.UpdatedCaseNumbers = append(sum.UpdatedCaseNumbers, rec.DisplayKey())
		return
	}
	if _, err := c.deps.Repo.Create(ctx, rec); err != nil {
		logger.Error("case insert failed", zap.String("key", key), zap.Error(err))
		skip(sum, rec.DisplayKey())
		return
	}
	sum.NewCasesAdded++
	sum.NewCaseNumbers = append(sum.NewCaseNumbers, rec.DisplayKey())
}

// finish writes the audit entry, publishes the summary and records metrics.
// It runs on a context detached from cancellation so a canceled run is still logged.
func (c *Coordinator) finish(ctx context.Context, profile extract.Profile, sum *court.Summary, logger *zap.Logger) {
	sum.FinishedAt = c.deps.Clock.Now()
	bg := context.WithoutCancel(ctx)

	entryID, err := c.deps.IDs.NewID()
	if err != nil {
		logger.Error("generate log id failed", zap.Error(err))
		entryID = sum.RunID
	}
	total := sum.Persisted()
	if sum.Outcome == court.OutcomeBlocked {
		total = 0
	}
	entry := court.ScrapingLogEntry{
		ID:            entryID,
		RunID:         sum.RunID,
		DateTime:      sum.StartedAt,
		Source:        profile.Source,
		Category:      sum.Category,
		Outcome:       sum.Outcome,
		TotalRecords:  total,
		SuccessStatus: sum.Outcome == court.OutcomeSuccess,
		ErrorMessage:  sum.Message,
	}
	if err := c.deps.Audit.Append(bg, entry); err != nil {
		logger.Error("audit log append failed", zap.Error(err))
	}

	if c.cfg.Topic != "" && c.deps.Publisher != nil {
		if _, err := c.deps.Publisher.Publish(bg, c.cfg.Topic, *sum); err != nil {
			logger.Warn("run summary publish failed", zap.Error(err))
		}
	}

	cat := string(sum.Category)
	metrics.ObserveRun(cat, string(sum.Outcome), sum.FinishedAt.Sub(sum.StartedAt))
	metrics.ObserveCases(cat, "new", sum.NewCasesAdded)
	metrics.ObserveCases(cat, "updated", sum.CasesUpdated)
	metrics.ObserveCases(cat, "skipped", sum.SkippedCases)

	logger.Info("scrape run finished",
		zap.String("outcome", string(sum.Outcome)),
		zap.Int("new", sum.NewCasesAdded),
		zap.Int("updated", sum.CasesUpdated),
		zap.Int("skipped", sum.SkippedCases),
		zap.Duration("duration", sum.FinishedAt.Sub(sum.StartedAt)),
	)
}

func blocked(sum *court.Summary, err error) error {
	sum.Outcome = court.OutcomeBlocked
	sum.Message = court.MessageCaptchaBlock
	return fmt.Errorf("%w: %w", court.ErrBlocked, err)
}

func canceled(ctx context.Context, sum *court.Summary) error {
	err := context.Cause(ctx)
	if err == nil {
		err = context.Canceled
	}
	sum.Outcome = court.OutcomeError
	sum.Message = err.Error()
	return fmt.Errorf("scrape %s canceled: %w", sum.Category, err)
}

func skip(sum *court.Summary, key string) {
	sum.SkippedCases++
	sum.SkippedCaseNumbers = append(sum.SkippedCaseNumbers, key)
}

func displayKey(id court.CaseIdentifier) string {
	switch {
	case id.CaseNumber != "":
		return id.CaseNumber
	case id.CaseID != "":
		return id.CaseID
	}
	return id.URL
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
