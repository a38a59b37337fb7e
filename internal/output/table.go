package output

import (
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Table is a titled grid of rows.
type Table struct {
	Title  string
	Header []string
	Rows   [][]any
	// Empty is shown in a plain box in place of the grid when there are no rows.
	Empty string
}

// Render draws the table with rounded borders.
func (t Table) Render() string {
	if len(t.Rows) == 0 {
		empty := t.Empty
		if empty == "" {
			empty = "(none)"
		}
		lines := []string{empty}
		if t.Title != "" {
			lines = []string{t.Title, "", empty}
		}
		return strings.TrimRight(ascii.DrawBox(strings.Join(lines, "\n"), 0), "\n")
	}

	w := table.NewWriter()
	w.SetStyle(table.StyleRounded)
	if t.Title != "" {
		w.SetTitle(t.Title)
	}

	header := make(table.Row, 0, len(t.Header))
	for _, h := range t.Header {
		header = append(header, h)
	}
	w.AppendHeader(header)

	for _, row := range t.Rows {
		w.AppendRow(table.Row(row))
	}
	return w.Render()
}
