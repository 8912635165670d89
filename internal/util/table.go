package util

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// TableColumn is one column of a rendered table.
type TableColumn struct {
	Header string
	Width  int // computed by RenderTable
}

// RenderTable writes rows under columns, each column padded to its widest
// cell. Rows shorter than columns are padded with empty cells.
func RenderTable(w io.Writer, columns []TableColumn, rows [][]string) {
	for i := range columns {
		columns[i].Width = utf8.RuneCountInString(columns[i].Header)
		for _, row := range rows {
			if i < len(row) {
				columns[i].Width = max(columns[i].Width, utf8.RuneCountInString(row[i]))
			}
		}
	}

	line := func(cell func(i int) string) {
		parts := make([]string, len(columns))
		for i, col := range columns {
			parts[i] = padRight(cell(i), col.Width)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(func(i int) string { return columns[i].Header })
	line(func(i int) string { return strings.Repeat("-", columns[i].Width) })
	for _, row := range rows {
		line(func(i int) string {
			if i < len(row) {
				return row[i]
			}
			return ""
		})
	}
}

func padRight(s string, width int) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}
