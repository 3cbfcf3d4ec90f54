package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/nugget/ha-area-bridge/internal/area"
	"github.com/nugget/ha-area-bridge/internal/catalog"
	"github.com/nugget/ha-area-bridge/internal/discovery"
	"github.com/nugget/ha-area-bridge/internal/result"
	"github.com/nugget/ha-area-bridge/internal/toolcall"
)

type command func(ctx context.Context, a *app, p *printer, args []string) error

var commands = map[string]command{
	"areas":    runAreas,
	"entities": runEntities,
	"state":    runState,
	"services": runServices,
	"overview": runOverview,
	"context":  runContext,
	"resolve":  runResolve,
	"call":     runCall,
	"audit":    runAudit,
	"sync":     runSync,
	"assign":   runAssign,
	"reassign": runReassign,
	"catalog":  runCatalog,
	"oplog":    runOpLog,
}

// newFlagSet returns a private FlagSet whose errors come back to the
// caller instead of exiting.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("habridge "+name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// csv splits a comma separated flag value, dropping blanks.
func csv(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseKeyValues turns key=value arguments into a tool argument map.
// Values that parse as JSON keep their JSON type, so temperature=24
// is a number and entity_id=["a","b"] is a list.
func parseKeyValues(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func runAreas(ctx context.Context, a *app, p *printer, args []string) error {
	fs := newFlagSet("areas")
	validate := fs.Bool("validate", false, "check that each entity exists")
	if err := fs.Parse(args); err != nil {
		return err
	}
	listing := a.engine.ListAreas(a.traced(ctx), *validate)
	return p.emit(listing, func(w io.Writer) {
		fmt.Fprintf(w, "%d areas (source: %s)\n", listing.AreaCount, listing.Source)
		for _, info := range listing.Areas {
			fmt.Fprintf(w, "%-20s %s\n", info.AreaID, info.AreaName)
			for _, id := range info.Entities {
				fmt.Fprintf(w, "    %s\n", id)
			}
			if info.MissingCount != nil && *info.MissingCount > 0 {
				fmt.Fprintf(w, "    missing: %s\n", strings.Join(info.MissingEntities, ", "))
			}
		}
		for _, e := range listing.Errors {
			fmt.Fprintf(w, "warning: %s\n", e)
		}
	})
}

func runEntities(ctx context.Context, a *app, p *printer, args []string) error {
	fs := newFlagSet("entities")
	var q discovery.EntityQuery
	fs.StringVar(&q.Domain, "domain", "", "entity domain")
	fs.StringVar(&q.Area, "area", "", "area id or name")
	fs.StringVar(&q.Query, "q", "", "substring of id, name or state")
	fs.IntVar(&q.Limit, "limit", 0, "maximum rows")
	fs.BoolVar(&q.IncludeAttributes, "attrs", false, "include attributes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	list, err := a.discovery.Entities(a.traced(ctx), q)
	if err != nil {
		return err
	}
	return p.emit(list, func(w io.Writer) {
		for _, row := range list.Entities {
			fmt.Fprintf(w, "%-40s %-12s %s\n", row.EntityID, row.State, row.FriendlyName)
		}
		fmt.Fprintf(w, "%d of %d entities\n", list.Returned, list.Total)
	})
}

func runState(ctx context.Context, a *app, p *printer, args []string) error {
	fs := newFlagSet("state")
	attrs := fs.Bool("attrs", true, "include attributes")
	if len(args) == 0 {
		return errors.New("usage: habridge state <entity_id> [-attrs=false]")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	row, err := a.discovery.EntityState(a.traced(ctx), args[0], *attrs)
	if err != nil {
		return err
	}
	return p.emit(row, func(w io.Writer) {
		fmt.Fprintf(w, "%s = %s\n", row.EntityID, row.State)
		if row.FriendlyName != "" {
			fmt.Fprintf(w, "  name:         %s\n", row.FriendlyName)
		}
		fmt.Fprintf(w, "  last_changed: %s\n", row.LastChanged.Format("2006-01-02 15:04:05"))
		keys := make([]string, 0, len(row.Attributes))
		for k := range row.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, row.Attributes[k])
		}
	})
}

func runServices(ctx context.Context, a *app, p *printer, args []string) error {
	domain := ""
	if len(args) > 0 {
		domain = args[0]
	}
	list, err := a.discovery.Services(a.traced(ctx), domain)
	if err != nil {
		return err
	}
	return p.emit(list, func(w io.Writer) {
		for _, sd := range list.Services {
			fmt.Fprintf(w, "%s: %s\n", sd.Domain, strings.Join(sd.Services, ", "))
		}
	})
}

func runOverview(ctx context.Context, a *app, p *printer, _ []string) error {
	ov := a.discovery.Overview(a.traced(ctx))
	return p.emit(ov, func(w io.Writer) {
		fmt.Fprintf(w, "connected:       %v\n", ov.HAConnected)
		fmt.Fprintf(w, "entities:        %d\n", ov.EntityCount)
		fmt.Fprintf(w, "areas:           %d (%s)\n", ov.AreaCount, ov.AreasSource)
		fmt.Fprintf(w, "service domains: %d\n", ov.ServiceDomainCount)
		for _, d := range ov.TopDomains {
			fmt.Fprintf(w, "  %-20s %d\n", d.Domain, d.Count)
		}
		for _, e := range ov.Errors {
			fmt.Fprintf(w, "warning: %s\n", e)
		}
	})
}

func runContext(ctx context.Context, a *app, p *printer, _ []string) error {
	sum := a.discovery.ContextSummary(a.traced(ctx))
	return p.emit(sum, func(w io.Writer) {
		fmt.Fprintf(w, "%s (connected: %v)\n", sum.HABaseURL, sum.HAConnected)
		if sum.Message != "" {
			fmt.Fprintln(w, sum.Message)
		}
		fmt.Fprintf(w, "%d tools:\n", len(sum.ToolCatalog))
		for _, it := range sum.ToolCatalog {
			fmt.Fprintf(w, "  %-32s %s\n", it.ToolName, it.Description)
		}
		ids := make([]string, 0, len(sum.EntityStates))
		for id := range sum.EntityStates {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			st := sum.EntityStates[id]
			if st.Available {
				fmt.Fprintf(w, "  %-40s %s\n", id, st.State)
			} else {
				fmt.Fprintf(w, "  %-40s unavailable\n", id)
			}
		}
		for _, e := range sum.Errors {
			fmt.Fprintf(w, "warning: %s\n", e)
		}
	})
}

func toolRequest(a *app, args []string, dryRun bool) (toolcall.Request, error) {
	if len(args) == 0 {
		return toolcall.Request{}, errors.New("a tool name is required")
	}
	kv, err := parseKeyValues(args[1:])
	if err != nil {
		return toolcall.Request{}, err
	}
	return toolcall.Request{ToolName: args[0], Arguments: kv, TraceID: a.traceID, DryRun: dryRun}, nil
}

// runResolve is call with dry run forced on.
func runResolve(ctx context.Context, a *app, p *printer, args []string) error {
	req, err := toolRequest(a, args, true)
	if err != nil {
		return fmt.Errorf("usage: habridge resolve <tool> [key=value ...]: %w", err)
	}
	return p.result(a.tools.Call(ctx, req))
}

func runCall(ctx context.Context, a *app, p *printer, args []string) error {
	req, err := toolRequest(a, args, a.dryRun)
	if err != nil {
		return fmt.Errorf("usage: habridge call <tool> [key=value ...]: %w", err)
	}
	return p.result(a.tools.Call(ctx, req))
}

// deviceCommand builds the lights, curtains and climate commands.
func deviceCommand(kind string) command {
	return func(ctx context.Context, a *app, p *printer, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("usage: habridge %s <action> [area=...] [entity_id=...]", kind)
		}
		kv, err := parseKeyValues(args[1:])
		if err != nil {
			return err
		}
		req := toolcall.DeviceRequest{
			Action:   args[0],
			EntityID: kv["entity_id"],
			TraceID:  a.traceID,
			DryRun:   a.dryRun,
		}
		if v, ok := kv["area"]; ok {
			req.Area = fmt.Sprint(v)
		}
		if v, ok := kv["temperature"]; ok {
			t, err := toolcall.ParseTemperature(v)
			if err != nil {
				return err
			}
			req.Temperature = &t
		}

		var res result.Result
		switch kind {
		case "lights":
			res = a.tools.Lights(ctx, req)
		case "curtains":
			res = a.tools.Curtains(ctx, req)
		default:
			res = a.tools.Climate(ctx, req)
		}
		return p.result(res)
	}
}

func init() {
	for _, kind := range []string{"lights", "curtains", "climate"} {
		commands[kind] = deviceCommand(kind)
	}
}

func runAudit(ctx context.Context, a *app, p *printer, args []string) error {
	fs := newFlagSet("audit")
	targets := fs.String("targets", "", "comma separated target areas")
	domains := fs.String("domains", "", "comma separated domains")
	unavailable := fs.Bool("include-unavailable", false, "include unavailable entities")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return p.result(a.tools.Audit(a.traced(ctx), area.AuditRequest{
		TargetAreas:        csv(*targets),
		Domains:            csv(*domains),
		IncludeUnavailable: *unavailable,
	}))
}

func runSync(ctx context.Context, a *app, p *printer, args []string) error {
	fs := newFlagSet("sync")
	targets := fs.String("targets", "", "comma separated target areas")
	keep := fs.Bool("keep-unused", false, "do not delete areas outside the targets")
	force := fs.Bool("force", false, "delete areas even when entities use them")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return p.result(a.tools.Sync(a.traced(ctx), area.SyncRequest{
		TargetAreas:      csv(*targets),
		DeleteUnused:     !*keep,
		ForceDeleteInUse: *force,
		DryRun:           a.dryRun,
	}))
}

func runAssign(ctx context.Context, a *app, p *printer, args []string) error {
	fs := newFlagSet("assign")
	targets := fs.String("targets", "", "comma separated target areas")
	domains := fs.String("domains", "", "comma separated domains")
	unavailable := fs.Bool("include-unavailable", false, "include unavailable entities")
	all := fs.Bool("all", false, "also plan entities without a suggestion")
	limit := fs.Int("max", 0, "maximum updates (default 200)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return p.result(a.tools.Assign(a.traced(ctx), area.AssignRequest{
		TargetAreas:        csv(*targets),
		Domains:            csv(*domains),
		IncludeUnavailable: *unavailable,
		OnlyWithSuggestion: !*all,
		MaxUpdates:         *limit,
		DryRun:             a.dryRun,
	}))
}

func runReassign(ctx context.Context, a *app, p *printer, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: habridge reassign <entity_id=area> ...")
	}
	req := area.ReassignRequest{DryRun: a.dryRun}
	for _, arg := range args {
		id, name, _ := strings.Cut(arg, "=")
		req.Assignments = append(req.Assignments, area.Assignment{EntityID: id, Area: name})
	}
	return p.result(a.tools.Reassign(a.traced(ctx), req))
}

func runCatalog(ctx context.Context, a *app, p *printer, args []string) error {
	action := "list"
	if len(args) > 0 {
		action = args[0]
	}
	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	if action != "list" && action != "reload" && name == "" {
		return fmt.Errorf("usage: habridge catalog %s <tool>", action)
	}

	switch action {
	case "list":
		items := catalog.Sorted(a.catalog.Snapshot())
		return p.emit(items, func(w io.Writer) {
			for _, it := range items {
				state := "enabled"
				if !it.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(w, "%-32s %-26s %s.%s (%s)\n", it.ToolName, it.Strategy, it.Domain, it.Service, state)
			}
		})
	case "show":
		it, ok := a.catalog.Get(name)
		if !ok {
			return fmt.Errorf("%w: %s", catalog.ErrNotFound, name)
		}
		return p.emit(it, func(w io.Writer) {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			enc.Encode(it)
		})
	case "enable", "disable":
		it, ok := a.catalog.Get(name)
		if !ok {
			return fmt.Errorf("%w: %s", catalog.ErrNotFound, name)
		}
		it.Enabled = action == "enable"
		if err := a.catalog.Upsert(ctx, it); err != nil {
			return err
		}
		return p.emit(it, func(w io.Writer) { fmt.Fprintf(w, "%s %sd\n", name, action) })
	case "delete":
		if err := a.catalog.Delete(ctx, name); err != nil {
			return err
		}
		return p.emit(map[string]string{"deleted": name}, func(w io.Writer) { fmt.Fprintf(w, "%s deleted\n", name) })
	case "reload":
		n, err := a.catalog.Reload(ctx)
		if err != nil {
			return err
		}
		return p.emit(map[string]int{"tools": n}, func(w io.Writer) { fmt.Fprintf(w, "%d tools loaded\n", n) })
	default:
		return fmt.Errorf("unknown catalog action: %s", action)
	}
}

func runOpLog(ctx context.Context, a *app, p *printer, args []string) error {
	fs := newFlagSet("oplog")
	trace := fs.String("trace", "", "only events with this trace id")
	limit := fs.Int("limit", 50, "maximum events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	events, err := a.oplogDB.Recent(ctx, *trace, *limit)
	if err != nil {
		return err
	}
	return p.emit(events, func(w io.Writer) {
		for _, e := range events {
			status := "ok"
			if e.Success != nil && !*e.Success {
				status = "FAIL"
			}
			fmt.Fprintf(w, "%s %-10s %-24s %-4s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType, e.Action, status, e.TraceID)
		}
	})
}
