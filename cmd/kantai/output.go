package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// outputter prints command results in the format chosen with --output.
type outputter struct {
	format string
	w      io.Writer
}

func newOutputter(cmd *cobra.Command) *outputter {
	format, _ := cmd.Flags().GetString("output")
	return &outputter{format: format, w: os.Stdout}
}

func (o *outputter) isTable() bool {
	return o.format == outputTable || o.format == ""
}

// print writes data as JSON or YAML. Table output is handled per command
// through table.
func (o *outputter) print(data any) error {
	switch o.format {
	case outputJSON:
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case outputYAML:
		enc := yaml.NewEncoder(o.w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	case outputTable, "":
		return fmt.Errorf("table output is not available for this command")
	default:
		return fmt.Errorf("unknown output format: %s", o.format)
	}
}

func (o *outputter) table(headers []string, rows [][]string) {
	t := tablewriter.NewWriter(o.w)
	h := make([]any, len(headers))
	for i, v := range headers {
		h[i] = v
	}
	t.Header(h...)
	for _, row := range rows {
		t.Append(row)
	}
	t.Render()
}
