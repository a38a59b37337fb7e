package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/core/engine"
	"github.com/atelierhq/atelier/internal/core/store"
	"github.com/atelierhq/atelier/internal/output"
)

const timeLayout = time.RFC3339

type rateWindowRow struct {
	Key         string    `json:"key" yaml:"key"`
	Count       int       `json:"count" yaml:"count"`
	Limit       int       `json:"limit" yaml:"limit"`
	WindowStart time.Time `json:"window_start" yaml:"window_start"`
	ResetsAt    time.Time `json:"resets_at" yaml:"resets_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

type rateWindowList struct {
	Windows []rateWindowRow `json:"windows" yaml:"windows"`
}

func newRateWindowList(entries []store.RateWindowEntry, limit int, window time.Duration) rateWindowList {
	list := rateWindowList{Windows: make([]rateWindowRow, 0, len(entries))}
	for _, e := range entries {
		start := e.Window.Start()
		list.Windows = append(list.Windows, rateWindowRow{
			Key:         e.Window.Key,
			Count:       e.Window.Count,
			Limit:       limit,
			WindowStart: start,
			ResetsAt:    start.Add(window),
			UpdatedAt:   e.UpdatedAt.UTC(),
		})
	}
	sort.Slice(list.Windows, func(i, j int) bool { return list.Windows[i].Key < list.Windows[j].Key })
	return list
}

func (l rateWindowList) Table() output.Table {
	t := output.Table{
		Title:  "Rate Windows",
		Header: []string{"Caller", "Count", "Window Start", "Resets At"},
		Empty:  "(no stored rate windows)",
	}
	for _, w := range l.Windows {
		t.Rows = append(t.Rows, []any{
			w.Key,
			fmt.Sprintf("%d/%d", w.Count, w.Limit),
			w.WindowStart.Format(timeLayout),
			w.ResetsAt.Format(timeLayout),
		})
	}
	return t
}

type quotaRow struct {
	Key         string    `json:"key" yaml:"key"`
	Capability  string    `json:"capability" yaml:"capability"`
	Count       int       `json:"count" yaml:"count"`
	Limit       int       `json:"limit" yaml:"limit"`
	WindowStart time.Time `json:"window_start" yaml:"window_start"`
	ResetsAt    time.Time `json:"resets_at" yaml:"resets_at"`
	Calls       int       `json:"calls" yaml:"calls"`
}

type quotaList struct {
	Usage []quotaRow `json:"usage" yaml:"usage"`
}

// newQuotaList flattens records into one row per caller and capability.
// A non-empty capability keeps only that capability's rows.
func newQuotaList(entries []store.QuotaRecordEntry, capability string, limits map[string]int, window time.Duration) quotaList {
	list := quotaList{Usage: []quotaRow{}}
	for _, e := range entries {
		for name, usage := range e.Record.Capabilities {
			if usage == nil || (capability != "" && name != capability) {
				continue
			}
			limit, ok := limits[name]
			if !ok {
				limit = usage.Limit
			}
			start := time.UnixMilli(usage.WindowStart).UTC()
			list.Usage = append(list.Usage, quotaRow{
				Key:         e.Record.Key,
				Capability:  name,
				Count:       usage.Count,
				Limit:       limit,
				WindowStart: start,
				ResetsAt:    start.Add(window),
				Calls:       len(usage.CallLog),
			})
		}
	}
	sort.Slice(list.Usage, func(i, j int) bool {
		a, b := list.Usage[i], list.Usage[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Capability < b.Capability
	})
	return list
}

func (l quotaList) Table() output.Table {
	t := output.Table{
		Title:  "Capability Quotas",
		Header: []string{"Caller", "Capability", "Used", "Resets At", "Calls"},
		Empty:  "(no stored quota usage)",
	}
	for _, u := range l.Usage {
		t.Rows = append(t.Rows, []any{
			u.Key,
			u.Capability,
			fmt.Sprintf("%d/%d", u.Count, u.Limit),
			u.ResetsAt.Format(timeLayout),
			u.Calls,
		})
	}
	return t
}

type resetResult struct {
	Kind    string `json:"kind" yaml:"kind"`
	Scope   string `json:"scope" yaml:"scope"`
	Matched int    `json:"matched" yaml:"matched"`
	Deleted int64  `json:"deleted" yaml:"deleted"`
	DryRun  bool   `json:"dry_run" yaml:"dry_run"`
}

func (r resetResult) Table() output.Table {
	action := fmt.Sprintf("deleted %d/%d", r.Deleted, r.Matched)
	if r.DryRun {
		action = fmt.Sprintf("would delete %d", r.Matched)
	}
	return output.Table{
		Title:  "Reset " + r.Kind,
		Header: []string{"Scope", "Result"},
		Rows:   [][]any{{r.Scope, action}},
	}
}

// describeQuery renders a counter query for reset output.
func describeQuery(q store.CounterQuery) string {
	switch {
	case q.All:
		return "all callers"
	case strings.TrimSpace(q.Key) != "":
		return "caller " + strings.TrimSpace(q.Key)
	default:
		return "callers with prefix " + strings.TrimSpace(q.Prefix)
	}
}

const transcriptPreview = 60

type transcriptList struct {
	Transcripts []core.Transcript `json:"transcripts" yaml:"transcripts"`
}

func (l transcriptList) Table() output.Table {
	t := output.Table{
		Title:  "Transcripts",
		Header: []string{"Created", "Session", "Turn", "Role", "Content", "Tools"},
		Empty:  "(no transcripts)",
	}
	for _, tr := range l.Transcripts {
		role := string(tr.Role)
		if tr.Partial {
			role += " (partial)"
		}
		t.Rows = append(t.Rows, []any{
			tr.CreatedAt.UTC().Format(timeLayout),
			tr.SessionID,
			tr.TurnID,
			role,
			preview(tr.Content, transcriptPreview),
			len(tr.ToolCalls),
		})
	}
	return t
}

func preview(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-1]) + "…"
}

type sweepView struct {
	Backend      string `json:"backend" yaml:"backend"`
	RateWindows  int64  `json:"rate_windows" yaml:"rate_windows"`
	QuotaRecords int64  `json:"quota_records" yaml:"quota_records"`
}

func newSweepView(backend string, result engine.SweepResult) sweepView {
	return sweepView{Backend: backend, RateWindows: result.RateWindows, QuotaRecords: result.QuotaRecords}
}

func (v sweepView) Table() output.Table {
	return output.Table{
		Title:  "Counter Sweep",
		Header: []string{"Backend", "Rate Windows", "Quota Records"},
		Rows:   [][]any{{v.Backend, v.RateWindows, v.QuotaRecords}},
	}
}
