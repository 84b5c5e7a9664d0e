package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

var (
	dateLayouts = []string{"01-02-2006", "01/02/2006", "1/2/2006", "1-2-2006", "2006-01-02"}
	stateToken  = regexp.MustCompile(`^[A-Z]{2}$`)
)

// NormalizeDate converts the site's date formats to YYYY-MM-DD.
func NormalizeDate(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// ParseStatus splits a status cell such as "OPEN 01-02-2025" into the
// uppercased status code and the ISO date that follows it, if any.
func ParseStatus(raw string) (status, date string) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", ""
	}
	status = strings.ToUpper(strings.Trim(fields[0], ":,;"))
	if len(fields) > 1 {
		date, _ = NormalizeDate(strings.Join(fields[1:], " "))
	}
	return status, date
}

// ParseAddress splits "street, city ST zip" into its parts. Comma-separated
// segments before the city ("123 Main St, Apt 4, Dayton OH") stay in the
// street. Addresses without a two-letter state token fall back to the last
// three tokens as city, state and zip; anything shorter is kept whole as the
// street.
func ParseAddress(raw string) court.Fiduciary {
	full := collapse(raw)
	whole := court.Fiduciary{Street: full}

	street, rest, ok := strings.Cut(full, ",")
	if !ok {
		return whole
	}
	parts := strings.Fields(rest)
	if len(parts) < 2 {
		return whole
	}

	addr := court.Fiduciary{Street: strings.TrimSpace(street)}
	for i := len(parts) - 1; i >= 0; i-- {
		token := strings.Trim(parts[i], ".,")
		if !stateToken.MatchString(token) {
			continue
		}
		addr.State = token
		addr.Street, addr.City = splitCity(addr.Street, strings.Join(parts[:i], " "))
		if i < len(parts)-1 {
			addr.Zip = parts[len(parts)-1]
		}
		return addr
	}

	if len(parts) < 3 {
		return whole
	}
	n := len(parts)
	if extra := strings.TrimRight(strings.Join(parts[:n-3], " "), ","); extra != "" {
		addr.Street += ", " + extra
	}
	addr.City = strings.TrimRight(parts[n-3], ",")
	addr.State = parts[n-2]
	addr.Zip = parts[n-1]
	return addr
}

// splitCity keeps the text after the last comma as the city and appends
// anything before it to the street.
func splitCity(street, text string) (string, string) {
	text = strings.TrimRight(strings.TrimSpace(text), ",")
	i := strings.LastIndex(text, ",")
	if i < 0 {
		return street, text
	}
	if extra := strings.TrimSpace(text[:i]); extra != "" {
		street += ", " + extra
	}
	return street, strings.TrimSpace(text[i+1:])
}

// parseFiduciary reads a fiduciary cell: the name line, then the address.
func parseFiduciary(cell Cell) court.Fiduciary {
	if len(cell.Lines) == 0 {
		return court.Fiduciary{}
	}
	var f court.Fiduciary
	if len(cell.Lines) > 1 {
		f = ParseAddress(strings.Join(cell.Lines[1:], " "))
	}
	f.Name = cell.Lines[0]
	return f
}
