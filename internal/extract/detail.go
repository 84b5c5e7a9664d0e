package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/court"
	"github.com/JakeFAU/court-records-scraper/internal/session"
)

// Reasons a parsed detail page is discarded.
var (
	ErrStatusRejected     = errors.New("case status not permitted")
	ErrFilingTypeMismatch = errors.New("unexpected filing type")
	ErrMissingField       = errors.New("mandatory field missing")
)

// DetailExtractor fetches and parses case detail pages for one category.
type DetailExtractor struct {
	source    court.DetailSource
	profile   Profile
	detailURL string
	logger    *zap.Logger
}

// NewDetailExtractor wires a detail source to a category profile. detailURL
// is the detail endpoint used to build each record's source URL.
func NewDetailExtractor(source court.DetailSource, profile Profile, detailURL string, logger *zap.Logger) *DetailExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetailExtractor{
		source:    source,
		profile:   profile,
		detailURL: detailURL,
		logger:    logger,
	}
}

// Extract fetches and parses one case. Any failure is logged and reported
// as ok=false so a single bad case never stops the batch.
func (e *DetailExtractor) Extract(ctx context.Context, id court.CaseIdentifier) (court.CaseRecord, bool) {
	logger := e.logger.With(zap.String("case_id", id.CaseID), zap.String("case_number", id.CaseNumber))
	if id.URL != "" {
		logger = logger.With(zap.String("url", id.URL))
	}

	page, err := e.source.FetchDetail(ctx, id)
	if err != nil {
		logger.Warn("detail fetch failed", zap.Error(err))
		return court.CaseRecord{}, false
	}
	rec, err := e.Parse(id, page.Body)
	if err != nil {
		logger.Info("case discarded", zap.Error(err))
		return court.CaseRecord{}, false
	}
	return rec, true
}

// Parse builds a record from a detail page and applies the profile's
// status, filing-type and mandatory-field checks.
func (e *DetailExtractor) Parse(id court.CaseIdentifier, body []byte) (court.CaseRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return court.CaseRecord{}, fmt.Errorf("parse detail html: %w", err)
	}

	rec := court.CaseRecord{
		Category:   e.profile.Category,
		CaseID:     id.CaseID,
		CaseNumber: id.CaseNumber,
		County:     e.profile.County,
		FilingType: e.profile.DefaultFilingType,
		Defendants: []string{},
	}
	switch {
	case id.URL != "":
		rec.SourceURL = id.URL
	case e.detailURL != "" && id.CaseID != "":
		rec.SourceURL = session.SourceURL(e.detailURL, id.CaseID)
	}

	e.applyLabels(&rec, leafCells(doc))
	e.applyRows(&rec, doc)

	if err := e.validate(&rec); err != nil {
		return court.CaseRecord{}, err
	}
	return rec.Normalize(), nil
}

func (e *DetailExtractor) applyLabels(rec *court.CaseRecord, cells []Cell) {
	for i := 0; i < len(cells)-1; i++ {
		rule, ok := e.labelFor(cells[i].Text)
		if !ok {
			continue
		}
		rule.Set(rec, cells[i+1])
		// The value cell is consumed so it is never read as a label.
		i++
	}
}

func (e *DetailExtractor) labelFor(text string) (LabelRule, bool) {
	if text == "" {
		return LabelRule{}, false
	}
	for _, rule := range e.profile.Labels {
		for _, syn := range rule.Synonyms {
			if containsFold(text, syn) {
				return rule, true
			}
		}
	}
	return LabelRule{}, false
}

func (e *DetailExtractor) applyRows(rec *court.CaseRecord, doc *goquery.Document) {
	if len(e.profile.RowLabels) == 0 {
		return
	}
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td")
		if cells.Length() < 2 {
			return
		}
		label := strings.ToUpper(collapse(cells.First().Text()))
		for _, rule := range e.profile.RowLabels {
			if (rule.Exact && label == rule.Label) || (!rule.Exact && strings.Contains(label, rule.Label)) {
				rule.Set(rec, newCell(cells.Eq(1)))
				return
			}
		}
	})
}

func (e *DetailExtractor) validate(rec *court.CaseRecord) error {
	if rec.CaseStatus != "" && !e.profile.statusAllowed(rec.CaseStatus) {
		return fmt.Errorf("%w: %s", ErrStatusRejected, rec.CaseStatus)
	}
	if want := e.profile.ExpectedFilingType; want != "" && !strings.EqualFold(rec.FilingType, want) {
		if rec.FilingType == "" {
			return fmt.Errorf("%w: filing_type", ErrMissingField)
		}
		return fmt.Errorf("%w: %s", ErrFilingTypeMismatch, rec.FilingType)
	}
	for _, f := range e.profile.Required {
		if strings.TrimSpace(f.Get(rec)) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f.Name)
		}
	}
	if rec.NaturalKey() == "" {
		return fmt.Errorf("%w: natural key", ErrMissingField)
	}
	return nil
}
