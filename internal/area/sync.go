package area

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/ha-area-bridge/internal/areaname"
	"github.com/nugget/ha-area-bridge/internal/homeassistant"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// SyncRequest describes the target area set.
type SyncRequest struct {
	TargetAreas      []string `json:"target_areas"`
	DeleteUnused     bool     `json:"delete_unused"`
	ForceDeleteInUse bool     `json:"force_delete_in_use"`
	DryRun           bool     `json:"dry_run"`
}

// AreaAction is one planned or applied change to an area.
type AreaAction struct {
	AreaID      string `json:"area_id,omitempty"`
	Name        string `json:"name"`
	From        string `json:"from,omitempty"`
	Reason      string `json:"reason,omitempty"`
	EntityCount int    `json:"entity_count,omitempty"`
	Pending     bool   `json:"pending,omitempty"`
}

// PlanError is one failed remote call within a plan.
type PlanError struct {
	Action  string `json:"action"`
	Target  string `json:"target"`
	AreaID  string `json:"area_id,omitempty"`
	Message string `json:"message"`
}

// ReconciliationPlan is what a sync did, or under dry run would do.
// Created, Renamed and Kept follow the order of TargetAreas; Deleted and
// Skipped follow the registry's order.
type ReconciliationPlan struct {
	TargetAreas []string     `json:"target_areas"`
	DryRun      bool         `json:"dry_run"`
	Created     []AreaAction `json:"created"`
	Renamed     []AreaAction `json:"renamed"`
	Kept        []AreaAction `json:"kept"`
	Deleted     []AreaAction `json:"deleted"`
	Skipped     []AreaAction `json:"skipped"`
	Errors      []PlanError  `json:"errors"`
}

// Skip reasons.
const (
	ReasonInUse = "in_use"
)

// Sync reconciles the area registry with req.TargetAreas over a single
// registry session. Failed remote calls are recorded in the plan and do
// not stop later items, except that a broken session fails everything
// after it. Any recorded error makes the returned error a
// PartialFailure; the plan is returned either way.
func (e *Engine) Sync(ctx context.Context, req SyncRequest) (*ReconciliationPlan, error) {
	started := time.Now()
	plan, err := e.sync(ctx, req)
	detail := map[string]any{"target_areas": req.TargetAreas, "dry_run": req.DryRun}
	if plan != nil {
		detail["created"] = len(plan.Created)
		detail["renamed"] = len(plan.Renamed)
		detail["kept"] = len(plan.Kept)
		detail["deleted"] = len(plan.Deleted)
		detail["skipped"] = len(plan.Skipped)
		detail["errors"] = len(plan.Errors)
	}
	e.logOp(ctx, "area.sync", started, err, detail)
	if err != nil {
		e.logger.Warn("area sync failed", "error", err)
	}
	return plan, err
}

type syncRun struct {
	e       *Engine
	ctx     context.Context
	reg     Registry
	plan    *ReconciliationPlan
	aborted error
}

// call runs fn unless the session already broke, recording failures.
func (r *syncRun) call(action, target, areaID string, fn func() error) bool {
	if r.aborted != nil {
		r.record(action, target, areaID, fmt.Errorf("session aborted: %w", r.aborted))
		return false
	}
	if err := fn(); err != nil {
		if homeassistant.IsConnError(err) {
			r.aborted = err
		}
		r.record(action, target, areaID, err)
		return false
	}
	return true
}

func (r *syncRun) record(action, target, areaID string, err error) {
	r.e.logger.Warn("area sync step failed", "action", action, "target", target, "area_id", areaID, "error", err)
	r.plan.Errors = append(r.plan.Errors, PlanError{Action: action, Target: target, AreaID: areaID, Message: err.Error()})
}

func (e *Engine) sync(ctx context.Context, req SyncRequest) (*ReconciliationPlan, error) {
	targets := CanonicalTargets(req.TargetAreas)
	if len(targets) == 0 {
		return nil, result.Errorf(result.TargetAreasRequired, "target_areas is required")
	}
	if !e.platform.HasToken() {
		return nil, homeassistant.ErrTokenMissing
	}

	reg, err := e.platform.OpenRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("open registry session: %w", err)
	}
	defer reg.Close()

	areas, err := reg.ListAreas(ctx)
	if err != nil {
		return nil, err
	}

	plan := &ReconciliationPlan{
		TargetAreas: targets,
		DryRun:      req.DryRun,
		Created:     []AreaAction{},
		Renamed:     []AreaAction{},
		Kept:        []AreaAction{},
		Deleted:     []AreaAction{},
		Skipped:     []AreaAction{},
		Errors:      []PlanError{},
	}
	run := &syncRun{e: e, ctx: ctx, reg: reg, plan: plan}

	used := make(map[string]bool)
	exact := make([]*homeassistant.Area, len(targets))

	// Claim exact names first, so an alias match cannot steal an area
	// that another target names verbatim.
	for i, t := range targets {
		for j := range areas {
			a := &areas[j]
			if used[a.AreaID] || strings.TrimSpace(a.Name) != t {
				continue
			}
			used[a.AreaID] = true
			exact[i] = a
			break
		}
	}

	// One pass in target order, so plan sections follow it.
	for i, t := range targets {
		if a := exact[i]; a != nil {
			plan.Kept = append(plan.Kept, AreaAction{AreaID: a.AreaID, Name: a.Name})
			continue
		}
		if a, ok := findAlias(areas, used, t); ok {
			used[a.AreaID] = true
			run.rename(a, t)
			continue
		}
		if created, ok := run.create(t, areas); ok {
			used[created.AreaID] = true
			areas = append(areas, created)
		}
	}

	if req.DeleteUnused {
		counts, err := e.areaEntityCounts(ctx, reg)
		if err != nil {
			if homeassistant.IsConnError(err) {
				run.aborted = err
			}
			run.record("delete", "*", "", fmt.Errorf("in-use check: %w", err))
			if !req.ForceDeleteInUse {
				areas = nil
			}
		}
		for _, a := range areas {
			if used[a.AreaID] {
				continue
			}
			n := counts[a.AreaID]
			if n > 0 && !req.ForceDeleteInUse {
				plan.Skipped = append(plan.Skipped, AreaAction{AreaID: a.AreaID, Name: a.Name, Reason: ReasonInUse, EntityCount: n})
				continue
			}
			if req.DryRun {
				plan.Deleted = append(plan.Deleted, AreaAction{AreaID: a.AreaID, Name: a.Name, EntityCount: n, Pending: true})
				continue
			}
			area := a
			if run.call("delete", a.Name, a.AreaID, func() error { return reg.DeleteArea(ctx, area.AreaID) }) {
				plan.Deleted = append(plan.Deleted, AreaAction{AreaID: a.AreaID, Name: a.Name, EntityCount: n})
			}
		}
	}

	if n := len(plan.Errors); n > 0 {
		return plan, result.Errorf(result.PartialFailure, "area sync finished with %d error(s)", n)
	}
	return plan, nil
}

func findAlias(areas []homeassistant.Area, used map[string]bool, target string) (homeassistant.Area, bool) {
	for _, c := range areaname.LookupCandidates(target) {
		for _, a := range areas {
			if used[a.AreaID] {
				continue
			}
			if areaname.SameArea(c, a.Name) || areaname.SameArea(c, a.AreaID) {
				return a, true
			}
		}
	}
	return homeassistant.Area{}, false
}

func (r *syncRun) rename(a homeassistant.Area, target string) {
	if strings.TrimSpace(a.Name) == target {
		r.plan.Kept = append(r.plan.Kept, AreaAction{AreaID: a.AreaID, Name: a.Name})
		return
	}
	action := AreaAction{AreaID: a.AreaID, Name: target, From: a.Name}
	if r.plan.DryRun {
		action.Pending = true
		r.plan.Renamed = append(r.plan.Renamed, action)
		return
	}
	if r.call("rename", target, a.AreaID, func() error {
		_, err := r.reg.UpdateArea(r.ctx, a.AreaID, target)
		return err
	}) {
		r.plan.Renamed = append(r.plan.Renamed, action)
	}
}

// create adds an area named by its seed slug, then renames it to the
// display name if they differ. The slug gets a numeric suffix when an
// existing area already uses it.
func (r *syncRun) create(target string, areas []homeassistant.Area) (homeassistant.Area, bool) {
	slug := uniqueSlug(areaname.SeedSlug(target), areas)
	if r.plan.DryRun {
		r.plan.Created = append(r.plan.Created, AreaAction{AreaID: slug, Name: target, Pending: true})
		return homeassistant.Area{AreaID: slug, Name: target}, true
	}

	var created homeassistant.Area
	if !r.call("create", target, "", func() error {
		var err error
		created, err = r.reg.CreateArea(r.ctx, slug)
		return err
	}) {
		return homeassistant.Area{}, false
	}

	if created.Name != target {
		id := created.AreaID
		if r.call("rename", target, id, func() error {
			_, err := r.reg.UpdateArea(r.ctx, id, target)
			return err
		}) {
			created.Name = target
		}
	}
	r.plan.Created = append(r.plan.Created, AreaAction{AreaID: created.AreaID, Name: created.Name})
	return created, true
}

func uniqueSlug(slug string, areas []homeassistant.Area) string {
	taken := func(s string) bool {
		for _, a := range areas {
			if areaname.SameArea(s, a.Name) || areaname.SameArea(s, a.AreaID) {
				return true
			}
		}
		return false
	}
	if !taken(slug) {
		return slug
	}
	for n := 2; ; n++ {
		candidate := slug + "_" + strconv.Itoa(n)
		if !taken(candidate) {
			return candidate
		}
	}
}

// areaEntityCounts counts entities per area from the entity registry
// and, when reachable, the template membership (which also sees
// entities placed through their device). Without the registry nothing
// can be called unused, so that failure is returned.
func (e *Engine) areaEntityCounts(ctx context.Context, reg Registry) (map[string]int, error) {
	members := make(map[string]map[string]bool)
	add := func(areaID, entityID string) {
		if areaID == "" || entityID == "" {
			return
		}
		if members[areaID] == nil {
			members[areaID] = make(map[string]bool)
		}
		members[areaID][entityID] = true
	}

	entries, err := reg.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	for _, en := range entries {
		add(en.AreaID, en.EntityID)
	}
	if dir, err := e.LoadDirectory(ctx); err != nil {
		e.logger.Warn("area membership unavailable for in-use check", "error", err)
	} else {
		for _, a := range dir.Areas {
			for _, id := range a.EntityIDs {
				add(a.AreaID, id)
			}
		}
	}

	counts := make(map[string]int, len(members))
	for id, set := range members {
		counts[id] = len(set)
	}
	return counts, nil
}
