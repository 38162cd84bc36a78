package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// renderJSON marshals v as indented JSON, used by every command's
// "json" output mode.
func renderJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(b), nil
}

// newTableWriter returns a tabwriter preconfigured the way every table
// renderer in this package uses it.
func newTableWriter(buf *strings.Builder) *tabwriter.Writer {
	return tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
}

func render(format string, v any, table func() (string, error)) (string, error) {
	switch format {
	case formatJSON:
		return renderJSON(v)
	case formatTable, "":
		return table()
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
