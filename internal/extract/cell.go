// Package extract turns court-site HTML into case identifiers and case records.
//
// Parsing is table driven: a Profile carries the row predicate for search
// results and the label rules for detail pages, so one pipeline serves every
// category. Rules only see Cell values, never goquery selections.
package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Cell is the markup-independent view of one table cell.
type Cell struct {
	// Text is the cell text with whitespace collapsed.
	Text string
	// Lines holds the text split on <br>, blank lines dropped.
	Lines []string
}

func newCell(s *goquery.Selection) Cell {
	var (
		lines []string
		cur   strings.Builder
	)
	flush := func() {
		if line := collapse(cur.String()); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, n *goquery.Selection) {
			switch goquery.NodeName(n) {
			case "br":
				flush()
			case "#text":
				cur.WriteString(n.Text())
			default:
				walk(n)
			}
		})
	}
	walk(s)
	flush()
	return Cell{Text: collapse(s.Text()), Lines: lines}
}

// leafCells returns every td/th without nested cells, in document order.
func leafCells(doc *goquery.Document) []Cell {
	var cells []Cell
	doc.Find("td, th").Each(func(_ int, s *goquery.Selection) {
		if s.Find("td, th").Length() > 0 {
			return
		}
		cells = append(cells, newCell(s))
	})
	return cells
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
