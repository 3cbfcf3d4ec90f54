package area

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/ha-area-bridge/internal/areaname"
	"github.com/nugget/ha-area-bridge/internal/homeassistant"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// AuditRequest selects what to audit.
type AuditRequest struct {
	TargetAreas        []string `json:"target_areas"`
	Domains            []string `json:"domains"`
	IncludeUnavailable bool     `json:"include_unavailable"`
}

// Finding is one entity that sits in no area.
type Finding struct {
	EntityID      string `json:"entity_id"`
	Domain        string `json:"domain"`
	FriendlyName  string `json:"friendly_name"`
	State         string `json:"state"`
	SuggestedArea string `json:"suggested_area,omitempty"`
	MatchedToken  string `json:"matched_token,omitempty"`
	Score         int    `json:"score,omitempty"`
	MatchReason   string `json:"match_reason"`
}

// MarshalJSON writes an unsuggested finding's suggested_area as null.
func (f Finding) MarshalJSON() ([]byte, error) {
	type plain Finding
	var suggested *string
	if f.SuggestedArea != "" {
		suggested = &f.SuggestedArea
	}
	return json.Marshal(struct {
		plain
		SuggestedArea *string `json:"suggested_area"`
	}{plain(f), suggested})
}

// AuditResult is the outcome of an audit.
type AuditResult struct {
	TargetAreas []string `json:"target_areas"`
	Domains     []string `json:"domains"`
	// TargetAreaIDs maps each target to the remote area id it matched,
	// or "" when the area does not exist yet.
	TargetAreaIDs      map[string]string `json:"target_area_ids"`
	Scanned            int               `json:"scanned_count"`
	Ignored            int               `json:"ignored_count"`
	AssignedInTarget   int               `json:"assigned_in_target_count"`
	AssignedElsewhere  int               `json:"assigned_elsewhere_count"`
	SkippedUnavailable int               `json:"skipped_unavailable_count"`
	Unassigned         int               `json:"unassigned_count"`
	Suggested          int               `json:"suggested_count"`
	Findings           []Finding         `json:"unassigned"`

	// inTarget lists entities already placed in a target area, with
	// SuggestedArea set to that target. Assign reports them as
	// already assigned.
	inTarget []Finding
}

// Match reasons.
const (
	ReasonTokenMatch = "token_match"
	ReasonNoMatch    = "no_match"
)

// CanonicalTargets canonicalizes area names and drops blanks and
// entries naming an area already listed.
func CanonicalTargets(targets []string) []string {
	var out []string
	for _, t := range cleanList(targets) {
		name := areaname.CanonicalName(t)
		if slices.ContainsFunc(out, func(o string) bool { return areaname.SameArea(o, name) }) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// IsIgnored reports whether an entity is infrastructure the audit never
// reports (bridge permit-join switches and the like).
func (e *Engine) IsIgnored(entityID string) bool {
	for _, p := range e.opts.IgnorePrefixes {
		if p != "" && strings.HasPrefix(entityID, p) {
			return true
		}
	}
	return false
}

func (e *Engine) auditDomains(domains []string) []string {
	var out []string
	for _, d := range domains {
		out = append(out, strings.ToLower(strings.TrimSpace(d)))
	}
	out = cleanList(out)
	if len(out) == 0 {
		out = append(out, e.opts.DefaultDomains...)
	}
	return out
}

// Audit scans entities in the requested domains and reports those in no
// area, each with the target area its name points at, if any.
func (e *Engine) Audit(ctx context.Context, req AuditRequest) (*AuditResult, error) {
	started := time.Now()
	res, err := e.audit(ctx, req)
	detail := map[string]any{"target_areas": req.TargetAreas}
	if res != nil {
		detail["scanned"] = res.Scanned
		detail["unassigned"] = res.Unassigned
		detail["suggested"] = res.Suggested
	}
	e.logOp(ctx, "area.audit", started, err, detail)
	if err != nil {
		e.logger.Warn("area audit failed", "error", err)
	}
	return res, err
}

func (e *Engine) audit(ctx context.Context, req AuditRequest) (*AuditResult, error) {
	targets := CanonicalTargets(req.TargetAreas)
	if len(targets) == 0 {
		return nil, result.Errorf(result.TargetAreasRequired, "target_areas is required")
	}
	if !e.platform.HasToken() {
		return nil, homeassistant.ErrTokenMissing
	}
	domains := e.auditDomains(req.Domains)

	dir, err := e.LoadDirectory(ctx)
	if err != nil {
		return nil, err
	}
	states, err := e.platform.GetStates(homeassistant.WithOpContext(ctx, "area.audit"))
	if err != nil {
		return nil, fmt.Errorf("fetch states: %w", err)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })

	res := &AuditResult{
		TargetAreas:   targets,
		Domains:       domains,
		TargetAreaIDs: make(map[string]string, len(targets)),
		Findings:      []Finding{},
	}
	targetByID := make(map[string]string)
	for _, t := range targets {
		a, ok := dir.Match(areaname.LookupCandidates(t))
		if ok {
			res.TargetAreaIDs[t] = a.AreaID
			if _, dup := targetByID[a.AreaID]; !dup {
				targetByID[a.AreaID] = t
			}
		} else {
			res.TargetAreaIDs[t] = ""
		}
	}
	owners := dir.Owners()

	for _, s := range states {
		domain := areaname.Domain(s.EntityID)
		if !slices.Contains(domains, domain) {
			continue
		}
		res.Scanned++
		if e.IsIgnored(s.EntityID) {
			res.Ignored++
			continue
		}
		if owner, ok := owners[s.EntityID]; ok {
			if t, ok := targetByID[owner]; ok {
				res.AssignedInTarget++
				res.inTarget = append(res.inTarget, Finding{
					EntityID:      s.EntityID,
					Domain:        domain,
					FriendlyName:  s.FriendlyName(),
					State:         s.State,
					SuggestedArea: t,
				})
			} else {
				res.AssignedElsewhere++
			}
			continue
		}
		if !req.IncludeUnavailable && (s.State == "unknown" || s.State == "unavailable") {
			res.SkippedUnavailable++
			continue
		}

		f := Finding{
			EntityID:     s.EntityID,
			Domain:       domain,
			FriendlyName: s.FriendlyName(),
			State:        s.State,
			MatchReason:  ReasonNoMatch,
		}
		if area, token, score := SuggestArea(s.EntityID, f.FriendlyName, targets); area != "" {
			f.SuggestedArea, f.MatchedToken, f.Score = area, token, score
			f.MatchReason = ReasonTokenMatch
			res.Suggested++
		}
		res.Unassigned++
		res.Findings = append(res.Findings, f)
	}

	order := make(map[string]int, len(targets))
	for i, t := range targets {
		order[t] = i
	}
	sort.SliceStable(res.Findings, func(i, j int) bool {
		a, b := res.Findings[i], res.Findings[j]
		if (a.SuggestedArea != "") != (b.SuggestedArea != "") {
			return a.SuggestedArea != ""
		}
		if a.SuggestedArea != b.SuggestedArea {
			return order[a.SuggestedArea] < order[b.SuggestedArea]
		}
		return a.EntityID < b.EntityID
	})
	return res, nil
}

// SuggestArea picks the target whose match tokens best cover the
// entity's name and id. The score is the total rune length of matched
// tokens; ties go to the longer single token, then to the earlier
// target. It returns "" when no target matches at all.
func SuggestArea(entityID, friendlyName string, targets []string) (area, token string, score int) {
	hay := areaname.NormalizeLabel(friendlyName + " " + entityID)
	bestLongest := 0
	for _, t := range targets {
		total, longest, longestToken := 0, 0, ""
		for _, tok := range areaname.MatchTokens(t) {
			if !strings.Contains(hay, tok) {
				continue
			}
			n := utf8.RuneCountInString(tok)
			total += n
			if n > longest {
				longest, longestToken = n, tok
			}
		}
		if total == 0 {
			continue
		}
		if total > score || (total == score && longest > bestLongest) {
			area, token, score, bestLongest = t, longestToken, total, longest
		}
	}
	return area, token, score
}
