package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openfroyo/toscaflow/pkg/config"
	"github.com/openfroyo/toscaflow/pkg/topology"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes tab-separated rows in aligned columns.
type table struct {
	tw *tabwriter.Writer
}

func newTable(w io.Writer, headers ...string) *table {
	t := &table{tw: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)}
	t.row(headers...)
	return t
}

func (t *table) row(cells ...string) {
	fmt.Fprintln(t.tw, strings.Join(cells, "\t"))
}

func (t *table) flush() error {
	return t.tw.Flush()
}

func ago(at time.Time) string {
	if at.IsZero() {
		return "-"
	}
	return humanize.Time(at)
}

func agoPtr(at *time.Time) string {
	if at == nil {
		return "-"
	}
	return ago(*at)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printIssues(w io.Writer, issues []topology.Issue) {
	for _, issue := range issues {
		fmt.Fprintf(w, "  %s\n", issue)
	}
}

func printDocumentErrors(w io.Writer, errs []config.ValidationError) {
	for _, e := range errs {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
