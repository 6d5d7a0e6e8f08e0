package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/jedib0t/go-pretty/v6/table"

	"netconverge/internal/domain"
)

const renderWidth = 100

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderMarkdown styles md for the terminal. plain returns md unchanged.
func renderMarkdown(md string, plain bool) string {
	if plain {
		return md
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(renderWidth),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

// mdCell escapes a value for a markdown table cell.
func mdCell(s string) string {
	if s == "" {
		return "-"
	}
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func driftTable(b *strings.Builder, records []domain.DriftRecord) {
	if len(records) == 0 {
		b.WriteString("_none_\n\n")
		return
	}
	b.WriteString("| Interface | Classification | Expected | Observed |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, d := range records {
		observed := d.Observed
		if d.Error != "" {
			observed = d.Error
		}
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n",
			mdCell(d.Interface.String()), d.Classification, mdCell(d.Expected), mdCell(observed))
	}
	b.WriteString("\n")
}

// reportMarkdown lays a report out as markdown.
func reportMarkdown(r domain.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Report %s\n\n", r.ID)
	fmt.Fprintf(&b, "**Outcome:** `%s`  \n", r.Outcome)
	fmt.Fprintf(&b, "**Request:** %s  \n", r.RequestID)
	if r.Description != "" {
		fmt.Fprintf(&b, "**Description:** %s  \n", r.Description)
	}
	fmt.Fprintf(&b, "**Endpoints:** %s  \n", strings.Join(r.Endpoints, ", "))
	if len(r.Devices) > 0 {
		fmt.Fprintf(&b, "**Devices:** %s  \n", strings.Join(r.Devices, ", "))
	}
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "**Duration:** %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}

	fmt.Fprintf(&b, "\n## Problem\n\n%s\n", orDash(r.Problem))
	fmt.Fprintf(&b, "\n## Root cause\n\n%s\n", orDash(r.RootCause))

	b.WriteString("\n## Drift observed\n\n")
	driftTable(&b, r.Drift)

	fmt.Fprintf(&b, "## Actions taken\n\n%d diagnostic commands, %d remediation attempts.\n\n", r.Diagnostics, r.Attempts)
	for _, o := range r.Tasks {
		status := "ok"
		if o.Error != "" {
			status = "error: " + o.Error
		} else if o.Result.Apply != nil && !o.Result.Apply.Changed {
			status = "no change"
		}
		fmt.Fprintf(&b, "- `%s` on %s: %s (%s)\n", o.Task.Kind, o.Task.Target, o.Task.Payload(), status)
	}

	fmt.Fprintf(&b, "\n## Proof of resolution\n\n%s\n\n", orDash(r.Proof))
	if len(r.Verification) > 0 {
		driftTable(&b, r.Verification)
	}

	b.WriteString("## Ticket\n\n")
	if r.Incident == nil {
		b.WriteString("none opened\n")
	} else {
		fmt.Fprintf(&b, "%s (%s)", r.Incident.Ticket.Display(), r.Incident.State)
		if r.Incident.Unresolved {
			b.WriteString(", left unresolved")
		}
		b.WriteString("\n")
	}

	if r.Error != "" {
		fmt.Fprintf(&b, "\n## Error\n\n`%s` %s\n", r.ErrorCode, r.Error)
	}

	if len(r.Transitions) > 0 {
		b.WriteString("\n## Timeline\n\n")
		for _, t := range r.Transitions {
			fmt.Fprintf(&b, "- %s %s -> %s\n", t.At.Format("15:04:05.000"), t.From, t.To)
		}
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeDevicesTable(w io.Writer, devices []domain.Description) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Device ID", "Name", "Address", "Transport", "Platform", "Writable"})
	for _, d := range devices {
		tw.AppendRow(table.Row{d.DeviceID, d.Name, d.Address, d.Transport, d.Platform, d.Writable})
	}
	tw.SetStyle(table.StyleLight)
	tw.Render()
}

func writeReportsTable(w io.Writer, reports []domain.ReportSummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Report", "Outcome", "Finished", "Ticket", "Notified", "Description"})
	for _, r := range reports {
		notified := "yes"
		if !r.Notified {
			notified = "no"
			if r.NotifyError != "" {
				notified = "failed"
			}
		}
		tw.AppendRow(table.Row{
			r.ID,
			r.Outcome,
			r.FinishedAt.Local().Format(time.DateTime),
			r.Ticket,
			notified,
			truncate(r.Description, 48),
		})
	}
	tw.SetStyle(table.StyleLight)
	tw.Render()
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-3]) + "..."
}

// outcomeError maps a report outcome to a process exit status.
func outcomeError(r domain.Report) error {
	switch r.Outcome {
	case domain.OutcomeNoIssue, domain.OutcomeResolved:
		return nil
	case domain.OutcomeEscalated:
		return &exitError{code: 3}
	default:
		return &exitError{code: 2}
	}
}
