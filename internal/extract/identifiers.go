package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

// DefaultResultsSelector locates the search results body.
const DefaultResultsSelector = "#tblSearchResults"

var caseIDPattern = regexp.MustCompile(`case_id\s*=\s*(\d+)`)

// Rules decide which search result rows become case identifiers.
type Rules struct {
	ResultsSelector string
	// CaseType, when set, must equal the CaseTypeColumn cell (case-insensitive).
	CaseType       string
	CaseTypeColumn int
	// StatusColumn selects the status cell; negative means any cell may match.
	StatusColumn    int
	AllowedStatuses []string
	// CaseNumberPattern finds the docket number in the row's onclick handler.
	// A first capture group, when present, is used as the number.
	CaseNumberPattern *regexp.Regexp
	RequireCaseNumber bool

	// LinkContains switches to link mode: every anchor whose href contains it
	// becomes an identifier, resolved against BaseURL. The row rules above
	// are ignored.
	LinkContains string
	BaseURL      string
}

// Identifiers parses a search results page into de-duplicated case
// identifiers in first-seen order. A page without the results container is a
// discovery failure.
func Identifiers(html []byte, rules Rules, logger *zap.Logger) ([]court.CaseIdentifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse results html: %w", err)
	}
	if rules.LinkContains != "" {
		return linkIdentifiers(doc, rules, logger)
	}

	selector := rules.ResultsSelector
	if selector == "" {
		selector = DefaultResultsSelector
	}
	container := doc.Find(selector)
	if container.Length() == 0 {
		return nil, fmt.Errorf("%w: results container %q not found", court.ErrDiscovery, selector)
	}

	allowed := statusSet(rules.AllowedStatuses)
	seen := make(map[string]struct{})
	var ids []court.CaseIdentifier

	container.Find("tr").Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 || !rules.matches(cells, allowed) {
			return
		}

		handler := onclick(row)
		m := caseIDPattern.FindStringSubmatch(handler)
		if m == nil {
			logger.Warn("matching row without case id", zap.Int("row", i), zap.String("onclick", handler))
			return
		}
		id := court.CaseIdentifier{CaseID: m[1]}
		if rules.CaseNumberPattern != nil {
			id.CaseNumber = findCaseNumber(rules.CaseNumberPattern, handler)
		}
		if rules.RequireCaseNumber && id.CaseNumber == "" {
			logger.Warn("matching row without case number", zap.Int("row", i), zap.String("onclick", handler))
			return
		}
		if _, dup := seen[id.CaseID]; dup {
			return
		}
		seen[id.CaseID] = struct{}{}
		ids = append(ids, id)
	})

	return ids, nil
}

func linkIdentifiers(doc *goquery.Document, rules Rules, logger *zap.Logger) ([]court.CaseIdentifier, error) {
	base, err := url.Parse(rules.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", rules.BaseURL, err)
	}

	seen := make(map[string]struct{})
	var ids []court.CaseIdentifier
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if !strings.Contains(href, rules.LinkContains) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			logger.Warn("unparseable case link", zap.String("href", href), zap.Error(err))
			return
		}
		abs := base.ResolveReference(ref).String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}

		id := court.CaseIdentifier{URL: abs}
		if m := caseIDPattern.FindStringSubmatch(href); m != nil {
			id.CaseID = m[1]
		}
		ids = append(ids, id)
	})
	return ids, nil
}

func (r Rules) matches(cells *goquery.Selection, allowed map[string]struct{}) bool {
	if r.CaseType != "" {
		if r.CaseTypeColumn >= cells.Length() {
			return false
		}
		if !strings.EqualFold(collapse(cells.Eq(r.CaseTypeColumn).Text()), r.CaseType) {
			return false
		}
	}

	if r.StatusColumn >= 0 {
		if r.StatusColumn >= cells.Length() {
			return false
		}
		return statusAllowed(cells.Eq(r.StatusColumn).Text(), allowed)
	}
	found := false
	cells.EachWithBreak(func(_ int, c *goquery.Selection) bool {
		found = statusAllowed(c.Text(), allowed)
		return !found
	})
	return found
}

func onclick(row *goquery.Selection) string {
	if v, ok := row.Attr("onclick"); ok {
		return v
	}
	return row.Find("[onclick]").First().AttrOr("onclick", "")
}

func findCaseNumber(pattern *regexp.Regexp, handler string) string {
	m := pattern.FindStringSubmatch(handler)
	if m == nil {
		return ""
	}
	number := m[0]
	if len(m) > 1 && m[1] != "" {
		number = m[1]
	}
	return collapse(strings.Trim(number, `'"`))
}

func statusSet(statuses []string) map[string]struct{} {
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		set[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return set
}

func statusAllowed(text string, allowed map[string]struct{}) bool {
	_, ok := allowed[strings.ToUpper(collapse(text))]
	return ok
}
