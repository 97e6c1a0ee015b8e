// Package markdown renders and parses the pipe tables used in plugperf
// reports.
package markdown

import (
	"regexp"
	"strings"
)

// Align is a column alignment.
type Align int

const (
	AlignLeft Align = iota
	AlignRight
)

// Table is a markdown pipe table.
type Table struct {
	Headers []string
	Rows    [][]string
	// Align holds per-column alignment; missing entries are left-aligned.
	Align []Align
}

// AddRow appends a row, padding or truncating it to the header width.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.Headers))
	copy(row, cells)
	t.Rows = append(t.Rows, row)
}

// Render returns the table as markdown, one trailing newline included.
func (t Table) Render() string {
	if len(t.Headers) == 0 {
		return ""
	}
	var b strings.Builder
	writeRow(&b, t.Headers)
	b.WriteString("|")
	for i := range t.Headers {
		if i < len(t.Align) && t.Align[i] == AlignRight {
			b.WriteString(" ---: |")
		} else {
			b.WriteString(" --- |")
		}
	}
	b.WriteString("\n")
	for _, row := range t.Rows {
		writeRow(&b, row)
	}
	return b.String()
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("|")
	for _, cell := range cells {
		b.WriteString(" ")
		b.WriteString(Escape(cell))
		b.WriteString(" |")
	}
	b.WriteString("\n")
}

// Escape makes a value safe inside a table cell.
func Escape(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}

// tableRowRegex matches markdown table rows
var tableRowRegex = regexp.MustCompile(`^\s*\|(.+)\|\s*$`)

// separatorRegex matches table separator rows (|---|---|)
var separatorRegex = regexp.MustCompile(`^\s*\|[\s\-:|]+\|\s*$`)

// FindTables parses every pipe table in text. Alignment is not recovered.
func FindTables(text string) []Table {
	var tables []Table
	lines := strings.Split(text, "\n")

	for i := 0; i < len(lines); {
		if tableRowRegex.MatchString(lines[i]) {
			if table, end := parseTable(lines, i); table != nil {
				tables = append(tables, *table)
				i = end
				continue
			}
		}
		i++
	}
	return tables
}

// parseTable parses a table starting at lineIdx and returns it with the line
// index after the table, or nil if no valid table starts there.
func parseTable(lines []string, lineIdx int) (*Table, int) {
	headers := parseCells(lines[lineIdx])
	if len(headers) == 0 {
		return nil, lineIdx
	}
	if lineIdx+1 >= len(lines) || !separatorRegex.MatchString(lines[lineIdx+1]) {
		return nil, lineIdx
	}

	table := &Table{Headers: headers}
	end := lineIdx + 2
	for end < len(lines) && tableRowRegex.MatchString(lines[end]) {
		cells := parseCells(lines[end])
		for len(cells) < len(headers) {
			cells = append(cells, "")
		}
		table.Rows = append(table.Rows, cells)
		end++
	}
	return table, end
}

// parseCells splits a row on unescaped pipes and unescapes the cells.
func parseCells(row string) []string {
	row = strings.TrimSpace(row)
	row = strings.TrimPrefix(row, "|")
	if strings.HasSuffix(row, "|") && !strings.HasSuffix(row, `\|`) {
		row = strings.TrimSuffix(row, "|")
	}

	var cells []string
	var cur strings.Builder
	for i := 0; i < len(row); i++ {
		switch {
		case row[i] == '\\' && i+1 < len(row) && row[i+1] == '|':
			cur.WriteByte('|')
			i++
		case row[i] == '|':
			cells = append(cells, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(row[i])
		}
	}
	return append(cells, strings.TrimSpace(cur.String()))
}
