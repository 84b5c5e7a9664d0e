package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/archive"
	"github.com/JakeFAU/court-records-scraper/internal/captcha"
	"github.com/JakeFAU/court-records-scraper/internal/clock/system"
	"github.com/JakeFAU/court-records-scraper/internal/court"
	"github.com/JakeFAU/court-records-scraper/internal/extract"
	"github.com/JakeFAU/court-records-scraper/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/court-records-scraper/internal/publisher/memory"
	"github.com/JakeFAU/court-records-scraper/internal/storage/memory"
)

type fakeTokens struct {
	mu      sync.Mutex
	calls   int
	err     error
	reason  string
	entered chan struct{}
	release chan struct{}
}

func (f *fakeTokens) Acquire(ctx context.Context) (captcha.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return captcha.Result{Status: captcha.StatusFailed}, ctx.Err()
		}
	}
	if f.err != nil {
		return captcha.Result{Status: captcha.StatusFailed, Reason: f.reason}, f.err
	}
	return captcha.Result{Status: captcha.StatusReady, Token: "token-123"}, nil
}

type fakeSession struct {
	mu        sync.Mutex
	results   string
	searchErr error
	failIDs   map[string]bool
	onFetch   func(caseID string)
	tokens    []string
	links     []court.LinkSearch
	fetched   []string
	inFlight  int
	maxFlight int
}

func (s *fakeSession) Search(_ context.Context, _ court.SearchFilter, token string) (court.Page, error) {
	s.mu.Lock()
	s.tokens = append(s.tokens, token)
	s.mu.Unlock()
	if s.searchErr != nil {
		return court.Page{}, s.searchErr
	}
	return court.Page{URL: "https://court.example/search", StatusCode: 200, Body: []byte(s.results)}, nil
}

func (s *fakeSession) SearchLinks(_ context.Context, search court.LinkSearch) (court.Page, error) {
	s.mu.Lock()
	s.links = append(s.links, search)
	s.mu.Unlock()
	if s.searchErr != nil {
		return court.Page{}, s.searchErr
	}
	return court.Page{URL: search.URL, StatusCode: 200, Body: []byte(s.results)}, nil
}

func (s *fakeSession) FetchDetail(_ context.Context, id court.CaseIdentifier) (court.Page, error) {
	if id.URL != "" {
		s.mu.Lock()
		s.fetched = append(s.fetched, id.URL)
		s.mu.Unlock()
		if s.failIDs[id.URL] {
			return court.Page{}, errors.New("connection reset")
		}
		return court.Page{URL: id.URL, StatusCode: 200, Body: []byte(probateDetail(id.URL))}, nil
	}

	caseID := id.CaseID
	s.mu.Lock()
	s.fetched = append(s.fetched, caseID)
	s.inFlight++
	s.maxFlight = max(s.maxFlight, s.inFlight)
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	if s.onFetch != nil {
		s.onFetch(caseID)
	}
	if s.failIDs[caseID] {
		return court.Page{}, errors.New("connection reset")
	}
	return court.Page{URL: "https://court.example/detail", StatusCode: 200, Body: []byte(divorceDetail(caseID))}, nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}

func divorceResults(caseIDs ...int) string {
	var b strings.Builder
	b.WriteString(`<table><tbody id="tblSearchResults">`)
	for _, id := range caseIDs {
		fmt.Fprintf(&b, `<tr onclick="caseInfo('2025 DR %05d', case_id=%d)"><td>2025 DR %05d</td><td>DIVORCE WITH CHILDREN (DRC)</td><td>OPEN</td></tr>`, id, id, id)
	}
	b.WriteString(`</tbody></table>`)
	return b.String()
}

func divorceDetail(caseID string) string {
	return `<table>
<tr><td>File Date:</td><td>01-15-2025</td></tr>
<tr><td>Case Status:</td><td>OPEN</td></tr>
<tr><td>PLAINTIFF</td><td>PETITIONER ` + caseID + `</td></tr>
<tr><td>DEFENDANT</td><td>RESPONDENT ` + caseID + `</td></tr>
</table>`
}

func probateLinks(numbers ...int) string {
	var b strings.Builder
	b.WriteString(`<ul>`)
	for _, n := range numbers {
		fmt.Fprintf(&b, `<li><a href="casesearchresultx.cfm?caseno=%d">2025 EST %05d</a></li>`, n, n)
	}
	b.WriteString(`</ul>`)
	return b.String()
}

func probateDetail(link string) string {
	n := link[strings.LastIndex(link, "=")+1:]
	return `<table>
<tr><td>Decedent's Name</td><td>DECEDENT ` + n + `</td></tr>
<tr><td>Case Number</td><td>2025 EST ` + n + `</td></tr>
<tr><td>Case Status</td><td>OPEN 02-01-2025</td></tr>
</table>`
}

func linkProfile(t *testing.T) extract.Profile {
	t.Helper()
	p, err := extract.NewProfile(court.CategoryProbate, extract.Options{
		Discovery: extract.DiscoveryLinks,
		SearchURL: "https://probate.example/pcs/search.cfm",
	})
	require.NoError(t, err)
	return p
}

type harness struct {
	coord   *Coordinator
	tokens  *fakeTokens
	session *fakeSession
	opens   int
	repo    *memory.CaseStore
	audit   *memory.LogStore
	blobs   *memory.BlobStore
	pub     *pubmemory.Publisher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	profile, err := extract.NewProfile(court.CategoryDivorce, extract.Options{CaseTypeMatch: extract.FilingTypeDivorceWithChildren})
	require.NoError(t, err)
	probate, err := extract.NewProfile(court.CategoryProbate, extract.Options{})
	require.NoError(t, err)

	clk := system.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ids := &seqIDs{}
	h := &harness{
		tokens:  &fakeTokens{},
		session: &fakeSession{results: divorceResults(101, 102, 103)},
		repo:    memory.NewCaseStore(ids, clk),
		audit:   memory.NewLogStore(),
		blobs:   memory.NewBlobStore(),
		pub:     pubmemory.New(),
	}

	cfg.DetailURL = "https://court.example/Helpers/caseInformation.aspx"
	cfg.Profiles = map[court.Category]extract.Profile{court.CategoryDivorce: profile, court.CategoryProbate: probate}
	coord, err := New(Deps{
		Tokens: h.tokens,
		Sessions: OpenerFunc(func() (Session, error) {
			h.opens++
			return h.session, nil
		}),
		Repo:      h.repo,
		Audit:     h.audit,
		Archive:   archive.New(h.blobs, sha256.New(), "pages", "", zap.NewNop()),
		Publisher: h.pub,
		Clock:     clk,
		IDs:       ids,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	h.coord = coord
	return h
}

func (h *harness) logs(t *testing.T) []court.ScrapingLogEntry {
	t.Helper()
	entries, err := h.audit.ListLogs(context.Background(), "", 0, 100)
	require.NoError(t, err)
	return entries
}

func TestRunPersistsNewCases(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BatchSize: 5, Topic: "scrape-runs"})
	sum, err := h.coord.Run(context.Background(), court.CategoryDivorce)
	require.NoError(t, err)

	assert.Equal(t, court.OutcomeSuccess, sum.Outcome)
	assert.Equal(t, 3, sum.NewCasesAdded)
	assert.Equal(t, 0, sum.CasesUpdated)
	assert.Equal(t, 3, sum.TotalCasesScraped)
	assert.Equal(t, []string{"2025 DR 00101", "2025 DR 00102", "2025 DR 00103"}, sum.NewCaseNumbers)
	assert.Equal(t, []string{"token-123"}, h.session.tokens)
	assert.Equal(t, 1, h.opens)

	pc, err := h.repo.Get(context.Background(), court.CategoryDivorce, "102")
	require.NoError(t, err)
	assert.Equal(t, "PETITIONER 102", pc.PetitionerName)
	assert.Equal(t, "2025-01-15", pc.FilingDate)
	assert.Equal(t, "https://court.example/Helpers/caseInformation.aspx?case_id=102", pc.SourceURL)

	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, court.OutcomeSuccess, logs[0].Outcome)
	assert.True(t, logs[0].SuccessStatus)
	assert.Equal(t, 3, logs[0].TotalRecords)
	assert.Equal(t, "Montgomery Divorce", logs[0].Source)
	assert.Equal(t, sum.RunID, logs[0].RunID)

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "scrape-runs", msgs[0].Topic)
	published, ok := msgs[0].Payload.(court.Summary)
	require.True(t, ok)
	assert.Equal(t, sum.RunID, published.RunID)

	// one search page plus three detail pages
	assert.Len(t, h.blobs.Paths(), 4)
}

func TestRunCaptchaBlockWritesOneAuditEntryAndNoCases(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BatchSize: 5})
	h.session.results = `<html><body>Verification failed</body></html>`

	sum, err := h.coord.Run(context.Background(), court.CategoryDivorce)
	require.Error(t, err)
	assert.ErrorIs(t, err, court.ErrBlocked)
	assert.ErrorIs(t, err, court.ErrDiscovery)
	assert.Equal(t, court.OutcomeBlocked, sum.Outcome)

	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, 0, logs[0].TotalRecords)
	assert.False(t, logs[0].SuccessStatus)
	assert.Equal(t, "CAPTCHA block", logs[0].ErrorMessage)
	assert.Equal(t, court.OutcomeBlocked, logs[0].Outcome)

	cases, err := h.repo.List(context.Background(), court.CategoryDivorce, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, cases)
	assert.Empty(t, h.session.fetched)
}

func TestRunZeroIdentifiersIsBlocked(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.session.results = divorceResults()

	sum, err := h.coord.Run(context.Background(), court.CategoryDivorce)
	assert.ErrorIs(t, err, court.ErrBlocked)
	assert.Equal(t, court.MessageCaptchaBlock, sum.Message)
	require.Len(t, h.logs(t), 1)
}

func TestRunSearchFailureIsBlocked(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.session.searchErr = fmt.Errorf("post search form: %w", court.ErrDiscovery)

	sum, err := h.coord.Run(context.Background(), court.CategoryDivorce)
	assert.ErrorIs(t, err, court.ErrBlocked)
	assert.Equal(t, court.OutcomeBlocked, sum.Outcome)
	assert.Equal(t, court.MessageCaptchaBlock, h.logs(t)[0].ErrorMessage)
}

func TestRunTokenFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.tokens.err = fmt.Errorf("%w: ERROR_ZERO_BALANCE", captcha.ErrTokenUnavailable)
	h.tokens.reason = "ERROR_ZERO_BALANCE"

	sum, err := h.coord.Run(context.Background(), court.CategoryDivorce)
	require.Error(t, err)
	assert.ErrorIs(t, err, court.ErrBlocked)
	assert.ErrorIs(t, err, captcha.ErrTokenUnavailable)
	assert.Equal(t, court.OutcomeBlocked, sum.Outcome)
	assert.Equal(t, 0, h.opens)

	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "CAPTCHA token unavailable: ERROR_ZERO_BALANCE", logs[0].ErrorMessage)
	assert.False(t, logs[0].SuccessStatus)
}

func TestRunLinkDiscoverySkipsCaptcha(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BatchSize: 5})
	h.coord.cfg.Profiles[court.CategoryProbate] = linkProfile(t)
	h.session.results = probateLinks(1, 2, 1)
	h.session.failIDs = map[string]bool{"https://probate.example/pcs/casesearchresultx.cfm?caseno=2": true}

	sum, err := h.coord.Run(context.Background(), court.CategoryProbate)
	require.NoError(t, err)

	assert.Equal(t, court.OutcomeSuccess, sum.Outcome)
	assert.Equal(t, []string{"2025 EST 1"}, sum.NewCaseNumbers)
	assert.Equal(t, []string{"https://probate.example/pcs/casesearchresultx.cfm?caseno=2"}, sum.SkippedCaseNumbers)
	assert.Zero(t, h.tokens.calls)
	assert.Empty(t, h.session.tokens)
	assert.Equal(t, []court.LinkSearch{{URL: "https://probate.example/pcs/search.cfm", CaseYear: 2025}}, h.session.links)

	pc, err := h.repo.Get(context.Background(), court.CategoryProbate, "2025 EST 1")
	require.NoError(t, err)
	assert.Equal(t, "DECEDENT 1", pc.DecedentName)
	assert.Equal(t, "https://probate.example/pcs/casesearchresultx.cfm?caseno=1", pc.SourceURL)

	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "Montgomery Probate", logs[0].Source)
}

func TestRunLinkDiscoveryWithoutLinksIsBlocked(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.coord.cfg.Profiles[court.CategoryProbate] = linkProfile(t)
	h.session.results = `<html><body>Access denied</body></html>`

	sum, err := h.coord.Run(context.Background(), court.CategoryProbate)
	assert.ErrorIs(t, err, court.ErrBlocked)
	assert.Equal(t, court.MessageCaptchaBlock, sum.Message)
	assert.Empty(t, h.session.fetched)
}

func TestRunFailingDetailFetchPersistsOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BatchSize: 5})
	h.session.failIDs = map[string]bool{"102": true}

	sum, err := h.coord.Run(context.Background(), court.CategoryDivorce)
	require.NoError(t, err)
	assert.Equal(t, court.OutcomeSuccess, sum.Outcome)
	assert.Equal(t, 2, sum.NewCasesAdded)
	assert.Equal(t, 1, sum.SkippedCases)
	assert.Equal(t, []string{"2025 DR 00102"}, sum.SkippedCaseNumbers)
	assert.Equal(t, []string{"2025 DR 00101", "2025 DR 00103"}, sum.NewCaseNumbers)
	assert.Equal(t, 2, h.logs(t)[0].TotalRecords)
}

func TestRunSecondRunUpdatesInsteadOfInserting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.coord.Run(ctx, court.CategoryDivorce)
	require.NoError(t, err)
	before, err := h.repo.Get(ctx, court.CategoryDivorce, "101")
	require.NoError(t, err)

	sum, err := h.coord.Run(ctx, court.CategoryDivorce)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.NewCasesAdded)
	assert.Equal(t, 3, sum.CasesUpdated)
	assert.Equal(t, []string{"2025 DR 00101", "2025 DR 00102", "2025 DR 00103"}, sum.UpdatedCaseNumbers)

	after, err := h.repo.Get(ctx, court.CategoryDivorce, "101")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)

	all, err := h.repo.List(ctx, court.CategoryDivorce, 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Len(t, h.logs(t), 2)
}

func TestRunNothingPersistedIsNoData(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.session.failIDs = map[string]bool{"101": true, "102": true, "103": true}

	sum, err := h.coord.Run(context.Background(), court.CategoryDivorce)
	require.NoError(t, err)
	assert.Equal(t, court.OutcomeNoData, sum.Outcome)
	assert.Equal(t, 3, sum.SkippedCases)

	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "No data", logs[0].ErrorMessage)
	assert.False(t, logs[0].SuccessStatus)
}

func TestRunBatchesBoundConcurrencyAndKeepOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BatchSize: 2, BatchPause: time.Millisecond})
	h.session.results = divorceResults(1, 2, 3, 4, 5)

	sum, err := h.coord.Run(context.Background(), court.CategoryDivorce)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.NewCasesAdded)
	assert.Equal(t, []string{"2025 DR 00001", "2025 DR 00002", "2025 DR 00003", "2025 DR 00004", "2025 DR 00005"}, sum.NewCaseNumbers)
	assert.LessOrEqual(t, h.session.maxFlight, 2)
}

func TestRunCancellationLogsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BatchSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.session.onFetch = func(caseID string) {
		if caseID == "101" {
			cancel()
		}
	}

	sum, err := h.coord.Run(ctx, court.CategoryDivorce)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, court.ErrBlocked)
	assert.Equal(t, court.OutcomeError, sum.Outcome)
	assert.Equal(t, []string{"101"}, h.session.fetched)

	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, court.OutcomeError, logs[0].Outcome)
	assert.Equal(t, "context canceled", logs[0].ErrorMessage)
	assert.Equal(t, 1, logs[0].TotalRecords)
}

func TestRunRejectsConcurrentRunForSameCategory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.tokens.entered = make(chan struct{}, 1)
	h.tokens.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.Run(context.Background(), court.CategoryDivorce)
		done <- err
	}()
	<-h.tokens.entered

	_, err := h.coord.Run(context.Background(), court.CategoryDivorce)
	assert.ErrorIs(t, err, court.ErrRunInProgress)

	close(h.tokens.release)
	require.NoError(t, <-done)

	// the guard is released once the first run finishes
	h.tokens.entered = nil
	_, err = h.coord.Run(context.Background(), court.CategoryDivorce)
	require.NoError(t, err)
}

func TestRunUnknownCategory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	_, err := h.coord.Run(context.Background(), court.CategoryForeclosure)
	assert.ErrorIs(t, err, court.ErrUnknownCategory)
	assert.Empty(t, h.logs(t))
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}

func TestCategoriesFollowsProfiles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	assert.Equal(t, []court.Category{court.CategoryProbate, court.CategoryDivorce}, h.coord.Categories())
}
