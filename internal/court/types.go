// Package court defines the case-record domain shared across the scraping pipeline.
package court

import (
	"fmt"
	"strings"
	"time"
)

// Category names one family of court cases scraped from the records site.
type Category string

// Supported case categories.
const (
	CategoryForeclosure Category = "foreclosure"
	CategoryProbate     Category = "probate"
	CategoryDivorce     Category = "divorce"
)

// Categories lists every supported category in a stable order.
func Categories() []Category {
	return []Category{CategoryForeclosure, CategoryProbate, CategoryDivorce}
}

// ParseCategory validates a user-supplied category name.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	switch c {
	case CategoryForeclosure, CategoryProbate, CategoryDivorce:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
	}
}

// Outcome classifies a finished scrape run for the audit log.
type Outcome string

// Run outcome values.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeNoData  Outcome = "no_data"
	OutcomeBlocked Outcome = "blocked"
	OutcomeError   Outcome = "error"
)

// Audit-log messages shared by the coordinator and the API.
const (
	MessageCaptchaBlock = "CAPTCHA block"
	MessageNoData       = "No data"
)

// CaseIdentifier points at one case detail page.
type CaseIdentifier struct {
	CaseID     string `json:"case_id"`
	CaseNumber string `json:"case_number,omitempty"`
	// URL is set when the detail page is reached by a plain GET.
	URL string `json:"url,omitempty"`
}

// LinkSearch is a search page whose results are plain links to detail pages.
type LinkSearch struct {
	URL      string
	CaseYear int
}

// SearchFilter carries the server-side filter values for one search submission.
type SearchFilter struct {
	CaseType   string
	CaseStatus string
}

// Fiduciary is the court-appointed representative listed on probate cases.
type Fiduciary struct {
	Name   string `json:"name"`
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// CaseRecord is the structured result of parsing one case detail page.
// Fields that were not found on the page stay empty.
type CaseRecord struct {
	Category        Category  `json:"category"`
	CaseID          string    `json:"case_id"`
	CaseNumber      string    `json:"case_number"`
	FilingType      string    `json:"filing_type"`
	FilingDate      string    `json:"filing_date"`
	CaseStatus      string    `json:"case_status"`
	County          string    `json:"county"`
	PropertyAddress string    `json:"property_address"`
	ParcelNumber    string    `json:"parcel_number"`
	SourceURL       string    `json:"source_url"`
	Plaintiff       string    `json:"plaintiff"`
	Defendants      []string  `json:"defendants"`
	CaseFilingID    string    `json:"case_filing_id"`
	PetitionerName  string    `json:"petitioner_name"`
	RespondentName  string    `json:"respondent_name"`
	DecedentName    string    `json:"decedent_name"`
	Fiduciary       Fiduciary `json:"fiduciary"`
}

// NaturalKey returns the business identifier used for de-duplication.
func (r CaseRecord) NaturalKey() string {
	if r.Category == CategoryProbate {
		return r.CaseNumber
	}
	return r.CaseID
}

// DisplayKey is the identifier reported back to callers in run summaries.
func (r CaseRecord) DisplayKey() string {
	if r.CaseNumber != "" {
		return r.CaseNumber
	}
	return r.CaseID
}

// Normalize replaces nil slices so records serialize without nulls.
func (r CaseRecord) Normalize() CaseRecord {
	if r.Defendants == nil {
		r.Defendants = []string{}
	}
	return r
}

// PersistedCase is a CaseRecord plus its storage identity.
type PersistedCase struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CaseRecord
}

// ScrapingLogEntry is the single audit row written per scrape run.
type ScrapingLogEntry struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	DateTime      time.Time `json:"date_time"`
	Source        string    `json:"source"`
	Category      Category  `json:"category"`
	Outcome       Outcome   `json:"outcome"`
	TotalRecords  int       `json:"total_records"`
	SuccessStatus bool      `json:"success_status"`
	ErrorMessage  string    `json:"error_message"`
	CreatedAt     time.Time `json:"created_at"`
}

// Summary aggregates the per-record outcomes of one run.
type Summary struct {
	RunID              string    `json:"run_id"`
	Category           Category  `json:"category"`
	Outcome            Outcome   `json:"outcome"`
	Message            string    `json:"message"`
	NewCasesAdded      int       `json:"new_cases_added"`
	CasesUpdated       int       `json:"cases_updated"`
	SkippedCases       int       `json:"skipped_cases"`
	TotalCasesScraped  int       `json:"total_cases_scraped"`
	NewCaseNumbers     []string  `json:"new_case_numbers"`
	UpdatedCaseNumbers []string  `json:"updated_case_numbers"`
	SkippedCaseNumbers []string  `json:"skipped_case_numbers"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
}

// Persisted is the number of records created or updated during the run.
func (s Summary) Persisted() int {
	return s.NewCasesAdded + s.CasesUpdated
}

// Attributes are the message attributes attached to a run notification.
func (s Summary) Attributes() map[string]string {
	return map[string]string{
		"run_id":   s.RunID,
		"category": string(s.Category),
		"outcome":  string(s.Outcome),
	}
}

// Page is a fetched HTML document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
}
