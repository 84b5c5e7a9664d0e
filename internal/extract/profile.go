package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

// Setter writes one parsed cell into a record.
type Setter func(rec *court.CaseRecord, cell Cell)

// LabelRule assigns the cell that follows any cell containing one of Synonyms.
type LabelRule struct {
	Synonyms []string
	Set      Setter
}

// RowRule assigns the second cell of a row whose uppercased first cell
// equals Label (Exact) or contains it.
type RowRule struct {
	Label string
	Exact bool
	Set   Setter
}

// Field is a named accessor used for mandatory-field checks.
type Field struct {
	Name string
	Get  func(rec *court.CaseRecord) string
}

// Profile is everything that differs between categories.
type Profile struct {
	Category court.Category
	// Source names the category in the audit log.
	Source string
	County string
	Filter court.SearchFilter
	Rows   Rules

	// Discovery is DiscoveryLinks when cases are found through Search
	// instead of the CAPTCHA-gated form.
	Discovery Discovery
	Search    court.LinkSearch

	Labels    []LabelRule
	RowLabels []RowRule
	Required  []Field

	// DefaultFilingType seeds FilingType before the page is read.
	DefaultFilingType string
	// ExpectedFilingType, when set, discards records reporting another type or none.
	ExpectedFilingType string
	AllowedStatuses    []string
}

// Discovery selects how a category finds its case identifiers.
type Discovery string

// Discovery modes.
const (
	DiscoveryForm  Discovery = "form"
	DiscoveryLinks Discovery = "links"
)

// DefaultLinkContains marks probate detail links on the link search page.
const DefaultLinkContains = "casesearchresultx.cfm"

// Options carry the configurable parts of a Profile.
type Options struct {
	CaseTypeFilter   string
	CaseStatusFilter string
	CaseTypeMatch    string
	AllowedStatuses  []string

	// Discovery defaults to DiscoveryForm. The remaining fields apply to
	// DiscoveryLinks only; a zero CaseYear means the year the run starts.
	Discovery    Discovery
	SearchURL    string
	LinkContains string
	CaseYear     int
}

// Known filing types.
const (
	FilingTypeMortgageForeclosure = "MORTGAGE FORECLOSURE (MF)"
	FilingTypeDivorceWithChildren = "DIVORCE WITH CHILDREN (DRC)"
)

var (
	divorceNumberPattern = regexp.MustCompile(`'(\d{4}\s+DR\s+\d{5})'`)
	docketNumberPattern  = regexp.MustCompile(`'(\d{4}\s+[A-Z]{2,3}\s+\d{5,6})'`)

	fieldCaseID       = Field{Name: "case_id", Get: func(r *court.CaseRecord) string { return r.CaseID }}
	fieldCaseNumber   = Field{Name: "case_number", Get: func(r *court.CaseRecord) string { return r.CaseNumber }}
	fieldCaseStatus   = Field{Name: "case_status", Get: func(r *court.CaseRecord) string { return r.CaseStatus }}
	fieldFilingDate   = Field{Name: "filing_date", Get: func(r *court.CaseRecord) string { return r.FilingDate }}
	fieldDecedentName = Field{Name: "decedent_name", Get: func(r *court.CaseRecord) string { return r.DecedentName }}
	fieldSourceURL    = Field{Name: "source_url", Get: func(r *court.CaseRecord) string { return r.SourceURL }}
)

// NewProfile builds the extraction profile for a category.
func NewProfile(cat court.Category, opts Options) (Profile, error) {
	allowed := opts.AllowedStatuses
	if len(allowed) == 0 {
		allowed = []string{"OPEN", "REOPEN", "REOPENED"}
	}
	p := Profile{
		Category:        cat,
		Filter:          court.SearchFilter{CaseType: opts.CaseTypeFilter, CaseStatus: opts.CaseStatusFilter},
		AllowedStatuses: allowed,
		Rows: Rules{
			ResultsSelector: DefaultResultsSelector,
			CaseType:        opts.CaseTypeMatch,
			CaseTypeColumn:  1,
			StatusColumn:    -1,
			AllowedStatuses: allowed,
		},
	}

	switch cat {
	case court.CategoryForeclosure:
		p.Source = "Montgomery Foreclosure"
		p.County = "Montgomery"
		p.Rows.CaseNumberPattern = docketNumberPattern
		p.Labels = commonLabels()
		p.RowLabels = []RowRule{
			{Label: "PARCEL NUMBER", Set: setParcelNumber},
			{Label: "PLAINTIFF", Exact: true, Set: func(r *court.CaseRecord, c Cell) { r.Plaintiff = c.Text }},
			{Label: "DEFENDANT", Set: func(r *court.CaseRecord, c Cell) {
				if c.Text != "" {
					r.Defendants = append(r.Defendants, c.Text)
				}
			}},
			{Label: "CASE FILING ID", Set: func(r *court.CaseRecord, c Cell) { r.CaseFilingID = c.Text }},
		}
		p.Required = []Field{fieldCaseID, fieldCaseStatus}
		p.ExpectedFilingType = FilingTypeMortgageForeclosure

	case court.CategoryDivorce:
		p.Source = "Montgomery Divorce"
		p.County = "Montgomery"
		p.Rows.StatusColumn = 2
		p.Rows.CaseNumberPattern = divorceNumberPattern
		p.Rows.RequireCaseNumber = true
		p.Labels = commonLabels()
		p.RowLabels = []RowRule{
			{Label: "PARCEL NUMBER", Set: setParcelNumber},
			{Label: "PLAINTIFF", Exact: true, Set: func(r *court.CaseRecord, c Cell) { r.PetitionerName = c.Text }},
			{Label: "DEFENDANT", Set: func(r *court.CaseRecord, c Cell) {
				if c.Text != "" {
					r.RespondentName = c.Text
				}
			}},
		}
		p.Required = []Field{fieldCaseID, fieldCaseNumber, fieldFilingDate}
		p.DefaultFilingType = FilingTypeDivorceWithChildren

	case court.CategoryProbate:
		p.Source = "Montgomery Probate"
		p.County = "Montgomery County, Ohio"
		p.Rows.CaseNumberPattern = docketNumberPattern
		p.Labels = []LabelRule{
			{Synonyms: []string{"decedent's name", "decedent’s name", "decedent name"}, Set: func(r *court.CaseRecord, c Cell) {
				r.DecedentName = c.Text
			}},
			{Synonyms: []string{"case number"}, Set: func(r *court.CaseRecord, c Cell) {
				if c.Text != "" {
					r.CaseNumber = c.Text
				}
			}},
			{Synonyms: []string{"case status"}, Set: setStatus},
			{Synonyms: []string{"property address"}, Set: func(r *court.CaseRecord, c Cell) { r.PropertyAddress = c.Text }},
			{Synonyms: []string{"fiduciary"}, Set: func(r *court.CaseRecord, c Cell) { r.Fiduciary = parseFiduciary(c) }},
		}
		p.Required = []Field{fieldDecedentName, fieldFilingDate, fieldCaseNumber}

	default:
		return Profile{}, fmt.Errorf("%w: %q", court.ErrUnknownCategory, cat)
	}

	switch opts.Discovery {
	case "", DiscoveryForm:
		p.Discovery = DiscoveryForm
	case DiscoveryLinks:
		contains := opts.LinkContains
		if contains == "" {
			contains = DefaultLinkContains
		}
		p.Discovery = DiscoveryLinks
		p.Search = court.LinkSearch{URL: opts.SearchURL, CaseYear: opts.CaseYear}
		p.Rows = Rules{LinkContains: contains, BaseURL: opts.SearchURL}
		p.Required = append(p.Required, fieldSourceURL)
	default:
		return Profile{}, fmt.Errorf("unknown discovery mode %q", opts.Discovery)
	}
	return p, nil
}

// commonLabels covers the foreclosure and divorce detail layout. Order
// matters: the first rule whose synonym a cell contains wins.
func commonLabels() []LabelRule {
	return []LabelRule{
		{Synonyms: []string{"Case Action:", "Case Type:"}, Set: func(r *court.CaseRecord, c Cell) {
			if c.Text != "" {
				r.FilingType = c.Text
			}
		}},
		{Synonyms: []string{"File Date:", "Filing Date:"}, Set: setFilingDate},
		{Synonyms: []string{"Case Status"}, Set: setStatus},
		{Synonyms: []string{"Status:"}, Set: setStatus},
		{Synonyms: []string{"Property Address:"}, Set: func(r *court.CaseRecord, c Cell) { r.PropertyAddress = c.Text }},
		{Synonyms: []string{"Parcel Number:", "Parcel #:"}, Set: setParcelNumber},
		{Synonyms: []string{"Case Number:"}, Set: func(r *court.CaseRecord, c Cell) {
			if r.CaseNumber == "" {
				r.CaseNumber = c.Text
			}
		}},
	}
}

func setStatus(r *court.CaseRecord, c Cell) {
	status, date := ParseStatus(c.Text)
	if status == "" {
		return
	}
	r.CaseStatus = status
	if r.FilingDate == "" && date != "" {
		r.FilingDate = date
	}
}

func setFilingDate(r *court.CaseRecord, c Cell) {
	if date, ok := NormalizeDate(c.Text); ok {
		r.FilingDate = date
	}
}

func setParcelNumber(r *court.CaseRecord, c Cell) {
	if c.Text != "" {
		r.ParcelNumber = c.Text
	}
}

func (p Profile) statusAllowed(status string) bool {
	for _, s := range p.AllowedStatuses {
		if strings.EqualFold(strings.TrimSpace(s), status) {
			return true
		}
	}
	return false
}
