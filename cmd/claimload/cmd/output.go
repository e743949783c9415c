package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const timeFormat = "2006-01-02 15:04:05"

func printTable(w io.Writer, headers table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(headers)
	t.AppendRows(rows)
	t.Render()
}

// die prints err to stderr and exits with a failure status.
func die(err error) {
	_, _ = fmt.Fprintln(os.Stderr, text.FgHiRed.Sprint("Error: ", err))
	os.Exit(1)
}
