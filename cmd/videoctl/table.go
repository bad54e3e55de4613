package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/Logicbevers/AI-Voice/internal/orchestrator"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range r {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render() + "\n"
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult renders one job result as a two-column table.
func printResult(cmd *cobra.Command, ctx *commandContext, res orchestrator.Result) error {
	if ctx.jsonOutput {
		return writeJSON(cmd, res)
	}
	rows := [][]string{
		{"Job", res.JobID},
		{"Project", res.WorkItemID},
		{"Provider job", dash(res.ProviderJobID)},
		{"Status", string(res.Status)},
		{"Media", dash(res.MediaURL)},
		{"Duration", formatDuration(res.Duration)},
		{"Error", dash(res.ErrorDetail)},
	}
	if res.Reclassified {
		rows = append(rows, []string{"Reclassified", "yes"})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDuration(d *float64) string {
	if d == nil {
		return "-"
	}
	return strconv.FormatFloat(*d, 'f', 1, 64) + "s"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
