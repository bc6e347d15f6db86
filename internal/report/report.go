// ABOUTME: Renders planning session snapshots as Markdown and as standalone HTML pages
// ABOUTME: Markdown is converted with goldmark; raw HTML in agent output is never passed through

// Package report turns a planning session snapshot into a human-readable
// passage plan document.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/passage-gateway/internal/planning"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; color: #1b2a3a; }
table { border-collapse: collapse; }
th, td { border: 1px solid #c8d3de; padding: .25rem .5rem; text-align: left; }
pre { background: #f2f5f8; padding: .75rem; overflow-x: auto; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// Markdown renders snap as a Markdown document.
func Markdown(snap planning.Snapshot) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "# Passage plan %s\n\n", snap.RequestID)

	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Plan type | %s |\n", cell(snap.PlanType))
	fmt.Fprintf(&b, "| Status | %s |\n", snap.Status)
	fmt.Fprintf(&b, "| Progress | %d%% |\n", snap.Progress)
	fmt.Fprintf(&b, "| Created | %s |\n", snap.CreatedAt.UTC().Format(time.RFC3339))
	if !snap.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "| Finished | %s |\n", snap.CompletedAt.UTC().Format(time.RFC3339))
	}
	if snap.Requester != "" {
		fmt.Fprintf(&b, "| Requested by | %s |\n", cell(snap.Requester))
	}
	b.WriteString("\n")

	if snap.Error != "" {
		fmt.Fprintf(&b, "> **Error:** %s\n\n", strings.ReplaceAll(snap.Error, "\n", " "))
	}

	if plan := snap.PassagePlan; plan != nil {
		if len(plan.Params) > 0 {
			b.WriteString("## Parameters\n\n")
			for _, k := range sortedKeys(plan.Params) {
				fmt.Fprintf(&b, "- **%s**: %v\n", k, plan.Params[k])
			}
			b.WriteString("\n")
		}

		b.WriteString("## Agent results\n\n")
		for _, id := range sortedKeys(plan.Results) {
			fmt.Fprintf(&b, "### %s\n\n```json\n%s\n```\n\n", id, prettyJSON(plan.Results[id]))
		}

		if len(plan.Failed) > 0 {
			b.WriteString("## Missing contributions\n\n")
			for _, id := range sortedKeys(plan.Failed) {
				fmt.Fprintf(&b, "- **%s**: %s\n", id, plan.Failed[id])
			}
			b.WriteString("\n")
		}
	}

	if len(snap.Activity) > 0 {
		b.WriteString("## Activity\n\n| Time | Agent | Status | Message |\n|---|---|---|---|\n")
		for _, ev := range snap.Activity {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				ev.Timestamp.UTC().Format("15:04:05.000"),
				cell(ev.AgentName),
				ev.Status,
				cell(ev.Message))
		}
	}

	return []byte(b.String())
}

// HTML writes snap as a standalone HTML page.
func HTML(w io.Writer, snap planning.Snapshot) error {
	var body bytes.Buffer
	if err := md.Convert(Markdown(snap), &body); err != nil {
		return fmt.Errorf("converting markdown: %w", err)
	}
	return page.Execute(w, struct {
		Title string
		Body  template.HTML
	}{
		Title: "Passage plan " + snap.RequestID,
		Body:  template.HTML(body.String()),
	})
}

// cell escapes text for a Markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func prettyJSON(raw json.RawMessage) string {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	// Keep agent output from closing the fence early.
	return strings.ReplaceAll(out.String(), "```", "`\u200b``")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
