// Package area resolves free-text area references to entities and
// reconciles Home Assistant's area registry with a target taxonomy:
// resolve, audit, sync, assign and reassign.
package area

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/ha-area-bridge/internal/catalog"
	"github.com/nugget/ha-area-bridge/internal/config"
	"github.com/nugget/ha-area-bridge/internal/oplog"
)

// Options is the configuration snapshot an Engine works from.
type Options struct {
	// AreaEntityMap is capability → area label → entity ids.
	AreaEntityMap map[string]map[string][]string
	// IgnorePrefixes are entity id prefixes the audit never reports.
	IgnorePrefixes []string
	// DefaultDomains are audited when a request names none.
	DefaultDomains []string
}

// OptionsFromConfig copies the relevant config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	m := make(map[string]map[string][]string, len(cfg.AreaEntityMap))
	for capability, areas := range cfg.AreaEntityMap {
		inner := make(map[string][]string, len(areas))
		for label, ids := range areas {
			inner[label] = append([]string(nil), ids...)
		}
		m[capability] = inner
	}
	return Options{
		AreaEntityMap:  m,
		IgnorePrefixes: append([]string(nil), cfg.Audit.IgnorePrefixes...),
		DefaultDomains: append([]string(nil), cfg.Audit.DefaultDomains...),
	}
}

// Engine runs area operations against one Home Assistant instance. It
// holds no state of its own between calls; everything is read fresh.
type Engine struct {
	platform Platform
	catalog  catalog.Repository
	opts     Options
	recorder *oplog.Recorder
	logger   *slog.Logger
}

// NewEngine creates an engine. repo may be nil when no catalog is
// available; recorder may be nil to disable operation logging.
func NewEngine(platform Platform, repo catalog.Repository, opts Options, recorder *oplog.Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		platform: platform,
		catalog:  repo,
		opts:     opts,
		recorder: recorder,
		logger:   logger,
	}
}

func (e *Engine) logOp(ctx context.Context, action string, started time.Time, err error, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	if err != nil {
		detail["message"] = err.Error()
	}
	e.recorder.Log(oplog.Event{
		EventType:  oplog.TypeAreaOp,
		Source:     "area",
		Action:     action,
		DurationMS: oplog.Millis(time.Since(started)),
		TraceID:    oplog.TraceID(ctx),
		Success:    oplog.Bool(err == nil),
		Detail:     detail,
	})
}

// cleanList trims items and drops blanks and exact duplicates.
func cleanList(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
