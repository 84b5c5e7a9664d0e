package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

// DefaultTables maps each category to its default table name.
var DefaultTables = map[court.Category]string{
	court.CategoryForeclosure: "foreclosure_cases",
	court.CategoryProbate:     "probate_cases",
	court.CategoryDivorce:     "divorce_cases",
}

// column maps one record field to a table column.
type column struct {
	name string
	ddl  string
	get  func(r *court.CaseRecord) any
	dst  func(s *scanRow) any
}

// scanRow receives one table row; dates go through pgtype.Date.
type scanRow struct {
	pc         court.PersistedCase
	filingDate pgtype.Date
}

func (s *scanRow) finish() court.PersistedCase {
	if s.filingDate.Valid {
		s.pc.FilingDate = s.filingDate.Time.Format(time.DateOnly)
	}
	s.pc.CaseRecord = s.pc.CaseRecord.Normalize()
	return s.pc
}

func textColumn(name string, field func(r *court.CaseRecord) *string) column {
	return column{
		name: name,
		ddl:  name + " TEXT NOT NULL DEFAULT ''",
		get:  func(r *court.CaseRecord) any { return *field(r) },
		dst:  func(s *scanRow) any { return field(&s.pc.CaseRecord) },
	}
}

var (
	colCaseID          = textColumn("case_id", func(r *court.CaseRecord) *string { return &r.CaseID })
	colCaseNumber      = textColumn("case_number", func(r *court.CaseRecord) *string { return &r.CaseNumber })
	colFilingType      = textColumn("filing_type", func(r *court.CaseRecord) *string { return &r.FilingType })
	colCaseStatus      = textColumn("case_status", func(r *court.CaseRecord) *string { return &r.CaseStatus })
	colCounty          = textColumn("county", func(r *court.CaseRecord) *string { return &r.County })
	colPropertyAddress = textColumn("property_address", func(r *court.CaseRecord) *string { return &r.PropertyAddress })
	colParcelNumber    = textColumn("parcel_number", func(r *court.CaseRecord) *string { return &r.ParcelNumber })
	colSourceURL       = textColumn("source_url", func(r *court.CaseRecord) *string { return &r.SourceURL })

	colFilingDate = column{
		name: "filing_date",
		ddl:  "filing_date DATE",
		get:  func(r *court.CaseRecord) any { return dateArg(r.FilingDate) },
		dst:  func(s *scanRow) any { return &s.filingDate },
	}
	colDefendants = column{
		name: "defendants",
		ddl:  "defendants TEXT[] NOT NULL DEFAULT '{}'",
		get: func(r *court.CaseRecord) any {
			if r.Defendants == nil {
				return []string{}
			}
			return r.Defendants
		},
		dst: func(s *scanRow) any { return &s.pc.Defendants },
	}
)

// tableSpec describes one category table. key is the natural-key column.
type tableSpec struct {
	category court.Category
	table    string
	key      column
	columns  []column
}

func specFor(cat court.Category, table string) (tableSpec, error) {
	if err := checkTable(table); err != nil {
		return tableSpec{}, err
	}
	common := []column{
		colCaseID, colCaseNumber, colFilingType, colFilingDate, colCaseStatus,
		colCounty, colPropertyAddress, colParcelNumber, colSourceURL,
	}
	spec := tableSpec{category: cat, table: table, key: colCaseID}
	switch cat {
	case court.CategoryForeclosure:
		spec.columns = append(common,
			textColumn("plaintiff", func(r *court.CaseRecord) *string { return &r.Plaintiff }),
			colDefendants,
			textColumn("case_filing_id", func(r *court.CaseRecord) *string { return &r.CaseFilingID }),
		)
	case court.CategoryDivorce:
		spec.columns = append(common,
			textColumn("petitioner_name", func(r *court.CaseRecord) *string { return &r.PetitionerName }),
			textColumn("respondent_name", func(r *court.CaseRecord) *string { return &r.RespondentName }),
		)
	case court.CategoryProbate:
		spec.key = colCaseNumber
		spec.columns = append(common,
			textColumn("decedent_name", func(r *court.CaseRecord) *string { return &r.DecedentName }),
			textColumn("fiduciary_name", func(r *court.CaseRecord) *string { return &r.Fiduciary.Name }),
			textColumn("fiduciary_street", func(r *court.CaseRecord) *string { return &r.Fiduciary.Street }),
			textColumn("fiduciary_city", func(r *court.CaseRecord) *string { return &r.Fiduciary.City }),
			textColumn("fiduciary_state", func(r *court.CaseRecord) *string { return &r.Fiduciary.State }),
			textColumn("fiduciary_zip", func(r *court.CaseRecord) *string { return &r.Fiduciary.Zip }),
		)
	default:
		return tableSpec{}, fmt.Errorf("%w: %q", court.ErrUnknownCategory, cat)
	}
	return spec, nil
}

func (t tableSpec) columnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	return names
}

func (t tableSpec) selectList() string {
	return "id, " + strings.Join(t.columnNames(), ", ") + ", created_at, updated_at"
}

func (t tableSpec) args(r *court.CaseRecord) []any {
	out := make([]any, len(t.columns))
	for i, c := range t.columns {
		out[i] = c.get(r)
	}
	return out
}

func (t tableSpec) scanTargets(s *scanRow) []any {
	s.pc.Category = t.category
	out := make([]any, 0, len(t.columns)+3)
	out = append(out, &s.pc.ID)
	for _, c := range t.columns {
		out = append(out, c.dst(s))
	}
	return append(out, &s.pc.CreatedAt, &s.pc.UpdatedAt)
}

func (t tableSpec) insertSQL() string {
	names := t.columnNames()
	placeholders := make([]string, len(names))
	for i := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
	}
	return fmt.Sprintf(`INSERT INTO %s (id, %s, created_at, updated_at)
VALUES ($1, %s, now(), now())
RETURNING id, created_at, updated_at`,
		t.table, strings.Join(names, ", "), strings.Join(placeholders, ", "))
}

// updateSQL binds the natural key as $1 and the columns from $2 on.
func (t tableSpec) updateSQL() string {
	sets := make([]string, len(t.columns))
	for i, c := range t.columns {
		sets[i] = fmt.Sprintf("%s = $%d", c.name, i+2)
	}
	return fmt.Sprintf(`UPDATE %s SET %s, updated_at = now()
WHERE %s = $1
RETURNING id, created_at, updated_at`,
		t.table, strings.Join(sets, ", "), t.key.name)
}

func (t tableSpec) createSQL() string {
	defs := []string{"id TEXT PRIMARY KEY"}
	for _, c := range t.columns {
		defs = append(defs, c.ddl)
	}
	defs = append(defs,
		"created_at TIMESTAMPTZ NOT NULL DEFAULT now()",
		"updated_at TIMESTAMPTZ NOT NULL DEFAULT now()",
		fmt.Sprintf("CONSTRAINT %s_%s_key UNIQUE (%s)", t.table, t.key.name, t.key.name),
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.table, strings.Join(defs, ",\n\t"))
}

func dateArg(iso string) pgtype.Date {
	t, err := time.Parse(time.DateOnly, iso)
	if err != nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: t, Valid: true}
}
