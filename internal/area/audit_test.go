package area

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/nugget/ha-area-bridge/internal/homeassistant"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// auditHome has one of each kind of entity the audit distinguishes.
func auditHome() *fakeHome {
	h := newFakeHome()
	h.addArea("ke_ting", "客厅")
	h.addArea("can_ting", "餐厅")
	h.addArea("zhu_wo", "主卧")
	h.addEntity("switch.zigbee2mqtt_bridge_permit_join", "Permit Join", "off", "")
	h.addEntity("switch.ke_ting_can_ting_deng_l2", "餐厅灯", "on", "")
	h.addEntity("light.kitchen_ceiling", "Kitchen Ceiling", "off", "")
	h.addEntity("light.ke_ting_main", "客厅主灯", "on", "ke_ting")
	h.addEntity("light.bed", "Bed Lamp", "off", "zhu_wo")
	h.addEntity("light.mystery", "Mystery", "off", "")
	h.addEntity("light.dead", "Dead Bulb", "unavailable", "")
	h.addEntity("sensor.kitchen_temp", "Kitchen Temp", "21", "")
	return h
}

func TestAudit(t *testing.T) {
	e := testEngine(auditHome())
	res, err := e.Audit(context.Background(), AuditRequest{
		TargetAreas: []string{"客厅", "dining room", "Kitchen", "餐厅"},
	})
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}

	if want := []string{"客厅", "餐厅", "厨房"}; !reflect.DeepEqual(res.TargetAreas, want) {
		t.Errorf("TargetAreas = %v, want %v", res.TargetAreas, want)
	}
	wantIDs := map[string]string{"客厅": "ke_ting", "餐厅": "can_ting", "厨房": ""}
	if !reflect.DeepEqual(res.TargetAreaIDs, wantIDs) {
		t.Errorf("TargetAreaIDs = %v, want %v", res.TargetAreaIDs, wantIDs)
	}

	counts := []struct {
		name      string
		got, want int
	}{
		{"scanned", res.Scanned, 7},
		{"ignored", res.Ignored, 1},
		{"assigned in target", res.AssignedInTarget, 1},
		{"assigned elsewhere", res.AssignedElsewhere, 1},
		{"skipped unavailable", res.SkippedUnavailable, 1},
		{"unassigned", res.Unassigned, 3},
		{"suggested", res.Suggested, 2},
	}
	for _, c := range counts {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}

	var order []string
	for _, f := range res.Findings {
		order = append(order, f.EntityID)
	}
	wantOrder := []string{"switch.ke_ting_can_ting_deng_l2", "light.kitchen_ceiling", "light.mystery"}
	if !reflect.DeepEqual(order, wantOrder) {
		t.Fatalf("findings = %v, want %v", order, wantOrder)
	}

	dining := res.Findings[0]
	if dining.SuggestedArea != "餐厅" || dining.MatchedToken != "canting" || dining.MatchReason != ReasonTokenMatch {
		t.Errorf("dining finding = %+v", dining)
	}
	if dining.FriendlyName != "餐厅灯" || dining.Domain != "switch" || dining.State != "on" {
		t.Errorf("dining finding details = %+v", dining)
	}
	if res.Findings[1].SuggestedArea != "厨房" || res.Findings[1].MatchedToken != "kitchen" {
		t.Errorf("kitchen finding = %+v", res.Findings[1])
	}
	if mystery := res.Findings[2]; mystery.SuggestedArea != "" || mystery.MatchReason != ReasonNoMatch {
		t.Errorf("mystery finding = %+v", mystery)
	}
}

func TestAudit_IncludeUnavailableAndDomains(t *testing.T) {
	e := testEngine(auditHome())
	res, err := e.Audit(context.Background(), AuditRequest{
		TargetAreas:        []string{"客厅"},
		Domains:            []string{" Light "},
		IncludeUnavailable: true,
	})
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !reflect.DeepEqual(res.Domains, []string{"light"}) {
		t.Errorf("Domains = %v", res.Domains)
	}
	if res.Scanned != 5 || res.SkippedUnavailable != 0 || res.Unassigned != 3 {
		t.Errorf("scanned=%d skipped=%d unassigned=%d, want 5/0/3", res.Scanned, res.SkippedUnavailable, res.Unassigned)
	}
	for _, f := range res.Findings {
		if f.Domain != "light" {
			t.Errorf("finding outside requested domain: %s", f.EntityID)
		}
	}
}

func TestAudit_Errors(t *testing.T) {
	t.Run("no targets", func(t *testing.T) {
		_, err := testEngine(auditHome()).Audit(context.Background(), AuditRequest{TargetAreas: []string{" ", ""}})
		if result.KindOf(err) != result.TargetAreasRequired {
			t.Errorf("kind = %q (err %v)", result.KindOf(err), err)
		}
	})
	t.Run("no token", func(t *testing.T) {
		h := auditHome()
		h.noToken = true
		_, err := testEngine(h).Audit(context.Background(), AuditRequest{TargetAreas: []string{"客厅"}})
		if !errors.Is(err, homeassistant.ErrTokenMissing) {
			t.Errorf("err = %v, want ErrTokenMissing", err)
		}
	})
	t.Run("states unavailable", func(t *testing.T) {
		h := auditHome()
		h.failures["states"] = &homeassistant.ConnError{Op: "GET /api/states", Err: context.DeadlineExceeded}
		_, err := testEngine(h).Audit(context.Background(), AuditRequest{TargetAreas: []string{"客厅"}})
		if homeassistant.Kind(err) != result.UpstreamUnavailable {
			t.Errorf("kind = %q (err %v)", homeassistant.Kind(err), err)
		}
	})
}

func TestSuggestArea(t *testing.T) {
	tests := []struct {
		name      string
		entityID  string
		friendly  string
		targets   []string
		wantArea  string
		wantToken string
		wantScore int
	}{
		{
			name:     "romanized and native tokens outscore a weaker match",
			entityID: "switch.ke_ting_can_ting_deng_l2", friendly: "餐厅灯",
			targets:  []string{"客厅", "餐厅"},
			wantArea: "餐厅", wantToken: "canting", wantScore: 9,
		},
		{
			name:     "english alias",
			entityID: "light.kitchen_ceiling", friendly: "Kitchen Ceiling",
			targets:  []string{"客厅", "厨房"},
			wantArea: "厨房", wantToken: "kitchen", wantScore: 7,
		},
		{
			name:     "tie keeps the earlier target",
			entityID: "light.garage_garden", friendly: "",
			targets:  []string{"Garage", "Garden"},
			wantArea: "Garage", wantToken: "garage", wantScore: 6,
		},
		{
			name:     "no match",
			entityID: "light.mystery", friendly: "Mystery",
			targets:  []string{"客厅", "厨房"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			area, token, score := SuggestArea(tt.entityID, tt.friendly, tt.targets)
			if area != tt.wantArea || token != tt.wantToken || score != tt.wantScore {
				t.Errorf("SuggestArea = (%q, %q, %d), want (%q, %q, %d)",
					area, token, score, tt.wantArea, tt.wantToken, tt.wantScore)
			}
		})
	}
}

func TestIsIgnored(t *testing.T) {
	e := testEngine(newFakeHome())
	if !e.IsIgnored("switch.zigbee2mqtt_bridge_permit_join") {
		t.Error("bridge permit switch should be ignored")
	}
	if e.IsIgnored("switch.kitchen_light") {
		t.Error("kitchen light should not be ignored")
	}
}

func TestFinding_JSONSuggestedArea(t *testing.T) {
	tests := []struct {
		finding Finding
		want    any
	}{
		{Finding{EntityID: "light.mystery", MatchReason: ReasonNoMatch}, nil},
		{Finding{EntityID: "light.kitchen_ceiling", SuggestedArea: "厨房", MatchedToken: "kitchen", Score: 7, MatchReason: ReasonTokenMatch}, "厨房"},
	}
	for _, tt := range tests {
		b, err := json.Marshal(tt.finding)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatal(err)
		}
		got, ok := m["suggested_area"]
		if !ok || got != tt.want {
			t.Errorf("%s: suggested_area = %v (present %v), want %v", tt.finding.EntityID, got, ok, tt.want)
		}
		if m["entity_id"] != tt.finding.EntityID {
			t.Errorf("entity_id = %v", m["entity_id"])
		}

		var back Finding
		if err := json.Unmarshal(b, &back); err != nil || back != tt.finding {
			t.Errorf("round trip = %+v, %v", back, err)
		}
	}
}
