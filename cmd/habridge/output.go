package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/nugget/ha-area-bridge/internal/area"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// printer writes command output as indented JSON or as text.
type printer struct {
	w      io.Writer
	format string
}

// emit writes v as JSON, or calls text in text mode.
func (p *printer) emit(v any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(v)
	}
	text(p.w)
	return nil
}

// result writes an operation envelope. A failed operation is also
// returned as an error so the process exits non-zero.
func (p *printer) result(res result.Result) error {
	if err := p.emit(res, func(w io.Writer) { writeResult(w, res) }); err != nil {
		return err
	}
	if !res.Success {
		if res.Kind != "" {
			return fmt.Errorf("%s: %s", res.Kind, res.Message)
		}
		return errors.New(res.Message)
	}
	return nil
}

func writeResult(w io.Writer, res result.Result) {
	if res.Success {
		fmt.Fprintf(w, "ok: %s\n", res.Message)
	}
	switch data := res.Data.(type) {
	case *area.AuditResult:
		fmt.Fprintf(w, "scanned %d, ignored %d, in target %d, elsewhere %d, unavailable %d\n",
			data.Scanned, data.Ignored, data.AssignedInTarget, data.AssignedElsewhere, data.SkippedUnavailable)
		fmt.Fprintf(w, "%d unassigned, %d with a suggestion\n", data.Unassigned, data.Suggested)
		for _, f := range data.Findings {
			suggestion := "-"
			if f.SuggestedArea != "" {
				suggestion = fmt.Sprintf("%s (%s)", f.SuggestedArea, f.MatchedToken)
			}
			fmt.Fprintf(w, "  %-40s %-20s %s\n", f.EntityID, suggestion, f.FriendlyName)
		}
	case *area.ReconciliationPlan:
		writeActions(w, "create", data.Created)
		writeActions(w, "rename", data.Renamed)
		writeActions(w, "keep", data.Kept)
		writeActions(w, "delete", data.Deleted)
		writeActions(w, "skip", data.Skipped)
		for _, e := range data.Errors {
			fmt.Fprintf(w, "  error   %s %s: %s\n", e.Action, e.Target, e.Message)
		}
	case *area.AssignmentPlan:
		fmt.Fprintf(w, "planned %d, updated %d, failed %d, skipped %d\n",
			data.PlannedCount, data.UpdatedCount, data.FailedCount, data.SkippedCount)
		for _, it := range data.Planned {
			fmt.Fprintf(w, "  plan    %-40s -> %s\n", it.EntityID, it.Area)
		}
		for _, it := range data.Updated {
			fmt.Fprintf(w, "  update  %-40s -> %s\n", it.EntityID, it.Area)
		}
		for _, it := range data.Failed {
			fmt.Fprintf(w, "  fail    %-40s %s\n", it.EntityID, it.Message)
		}
		for _, it := range data.Skipped {
			fmt.Fprintf(w, "  skip    %-40s %s\n", it.EntityID, it.Reason)
		}
	case map[string]any:
		if inv, ok := data["service_data"]; ok {
			fmt.Fprintf(w, "  %v.%v %s\n", data["domain"], data["service"], compactJSON(inv))
		}
		if retry, ok := data["retry"].(map[string]any); ok {
			fmt.Fprintf(w, "  retry: %v\n", retry["state"])
		}
	}
}

func writeActions(w io.Writer, verb string, actions []area.AreaAction) {
	for _, a := range actions {
		line := fmt.Sprintf("  %-7s %s", verb, a.Name)
		if a.From != "" {
			line += " (was " + a.From + ")"
		}
		if a.AreaID != "" {
			line += " [" + a.AreaID + "]"
		}
		if a.Reason != "" {
			line += ": " + a.Reason
		}
		if a.Pending {
			line += " (dry run)"
		}
		fmt.Fprintln(w, line)
	}
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
