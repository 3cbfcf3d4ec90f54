package toolcall

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/ha-area-bridge/internal/area"
	"github.com/nugget/ha-area-bridge/internal/catalog"
	"github.com/nugget/ha-area-bridge/internal/config"
	"github.com/nugget/ha-area-bridge/internal/homeassistant"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// fakeHA serves the REST endpoints a tool call touches. Service calls
// are recorded; failNext makes the next N service calls return 500.
type fakeHA struct {
	mu       sync.Mutex
	calls    []string
	bodies   []map[string]any
	failNext int
}

func (f *fakeHA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/template":
		io.WriteString(w, `[
			{"area_id":"shu_fang","area_name":"书房","entities":["light.shu_fang_main","climate.shu_fang_ac","sensor.shu_fang_temp"]},
			{"area_id":"ke_ting","area_name":"客厅","entities":["cover.ke_ting_curtain"]}
		]`)
	case r.URL.Path == "/api/states":
		io.WriteString(w, `[
			{"entity_id":"light.shu_fang_main","state":"off","attributes":{"friendly_name":"书房主灯"}},
			{"entity_id":"light.kitchen_strip","state":"off","attributes":{"friendly_name":"Kitchen Strip"}}
		]`)
	case strings.HasPrefix(r.URL.Path, "/api/services/"):
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.calls = append(f.calls, strings.TrimPrefix(r.URL.Path, "/api/services/"))
		f.bodies = append(f.bodies, body)
		fail := f.failNext > 0
		if fail {
			f.failNext--
		}
		f.mu.Unlock()
		if fail {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `[]`)
	default:
		http.NotFound(w, r)
	}
}

func testService(t *testing.T, ha *fakeHA, items ...catalog.Item) *Service {
	t.Helper()
	srv := httptest.NewServer(ha)
	t.Cleanup(srv.Close)

	client := homeassistant.NewClient(config.HomeAssistantConfig{
		URL:            srv.URL,
		Token:          "test-token",
		Timeout:        2 * time.Second,
		ContextTimeout: 2 * time.Second,
	}, nil, nil)

	if items == nil {
		items = catalog.Defaults()
	}
	repo := catalog.NewMemory(items...)
	engine := area.NewEngine(area.HAPlatform(client), repo, area.Options{
		AreaEntityMap:  map[string]map[string][]string{"light": {"bedroom": {"light.bedroom"}}},
		DefaultDomains: []string{"light"},
	}, nil, nil)
	return NewService(repo, engine, NewExecutor(client, time.Millisecond, nil, nil), nil, nil)
}

func TestCall_ToolNotAllowed(t *testing.T) {
	s := testService(t, &fakeHA{}, catalog.Item{ToolName: "home.off", Domain: "light", Service: "turn_off", Strategy: "light_area"})

	for _, name := range []string{"home.missing", "home.off"} {
		res := s.Call(context.Background(), Request{ToolName: name, Arguments: map[string]any{"area": "study"}, TraceID: "req-9"})
		if res.Success || res.Kind != result.ToolNotAllowed || res.Message != "tool not allowed: "+name {
			t.Errorf("%s: res = %+v", name, res)
		}
		if res.TraceID != "req-9" {
			t.Errorf("%s: trace id = %q", name, res.TraceID)
		}
	}
}

func TestCall_ResolvesLiveArea(t *testing.T) {
	ha := &fakeHA{}
	s := testService(t, ha)

	res := s.Call(context.Background(), Request{
		ToolName:  "home.lights.on",
		Arguments: map[string]any{"area": "study"},
		TraceID:   "req-001",
		DryRun:    true,
	})
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	data := res.Data.(map[string]any)
	if data["domain"] != "light" || data["service"] != "turn_on" {
		t.Errorf("data = %v", data)
	}
	sd := data["service_data"].(map[string]any)
	if sd["entity_id"] != "light.shu_fang_main" {
		t.Errorf("entity_id = %v", sd["entity_id"])
	}
	if len(ha.calls) != 0 {
		t.Errorf("dry run called %v", ha.calls)
	}
}

func TestCall_CatalogAreaDefaultIgnored(t *testing.T) {
	s := testService(t, &fakeHA{}, catalog.Item{
		ToolName: "home.bedroom.lights", Domain: "auto", Service: "turn_on", Strategy: "light_area", Enabled: true,
		DefaultArguments: map[string]any{"area": "bedroom"},
	})
	res := s.Call(context.Background(), Request{ToolName: "home.bedroom.lights", DryRun: true})
	if res.Success || res.Kind != result.AreaRequired || res.Message != "area is required for light strategy" {
		t.Errorf("res = %+v", res)
	}
}

func TestCall_NotConfiguredNeverFallsBack(t *testing.T) {
	ha := &fakeHA{}
	s := testService(t, ha)
	res := s.Call(context.Background(), Request{ToolName: "home.curtains.open", Arguments: map[string]any{"area": "balcony"}})
	if res.Success || res.Kind != result.AreaNotConfigured {
		t.Errorf("res = %+v", res)
	}
	if res.Message != "cover entity is not configured for area: balcony" {
		t.Errorf("message = %q", res.Message)
	}
	if len(ha.calls) != 0 {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestCall_AreaAudit(t *testing.T) {
	s := testService(t, &fakeHA{})
	res := s.Call(context.Background(), Request{
		ToolName:  "home.areas.audit",
		Arguments: map[string]any{"target_areas": []any{"书房", "Kitchen"}},
	})
	if !res.Success || res.Message != "area audit completed" {
		t.Fatalf("res = %+v", res)
	}
	audit := res.Data.(*area.AuditResult)
	if audit.Unassigned != 1 || audit.Findings[0].EntityID != "light.kitchen_strip" || audit.Findings[0].SuggestedArea != "厨房" {
		t.Errorf("audit = %+v", audit)
	}
}

func TestCall_AreaAssignBadLimit(t *testing.T) {
	s := testService(t, &fakeHA{})
	res := s.Call(context.Background(), Request{
		ToolName:  "home.areas.assign",
		Arguments: map[string]any{"target_areas": "Kitchen", "max_updates": "lots"},
	})
	if res.Success || res.Kind != result.InvalidArgument {
		t.Errorf("res = %+v", res)
	}
}

func TestClimate_SetTemperatureRetry(t *testing.T) {
	ha := &fakeHA{failNext: 1}
	s := testService(t, ha)
	temp := 24

	res := s.Climate(context.Background(), DeviceRequest{Action: "set_temperature", Area: "书房", Temperature: &temp, TraceID: "t-1"})
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	want := []string{"climate/set_temperature", "climate/turn_on", "climate/set_temperature"}
	if strings.Join(ha.calls, " ") != strings.Join(want, " ") {
		t.Errorf("calls = %v, want %v", ha.calls, want)
	}
	if ha.bodies[0]["entity_id"] != "climate.shu_fang_ac" || ha.bodies[0]["temperature"] != float64(24) {
		t.Errorf("body = %v", ha.bodies[0])
	}
	if res.TraceID != "t-1" {
		t.Errorf("trace id = %q", res.TraceID)
	}
}

func TestDevices(t *testing.T) {
	tests := []struct {
		name     string
		call     func(*Service) result.Result
		wantCall string
		wantKind result.Kind
	}{
		{
			name:     "lights off",
			call:     func(s *Service) result.Result { return s.Lights(context.Background(), DeviceRequest{Action: "off", Area: "书房"}) },
			wantCall: "light/turn_off",
		},
		{
			name: "curtains close by entity",
			call: func(s *Service) result.Result {
				return s.Curtains(context.Background(), DeviceRequest{Action: "close", EntityID: "cover.ke_ting_curtain"})
			},
			wantCall: "cover/close_cover",
		},
		{
			name:     "climate off",
			call:     func(s *Service) result.Result { return s.Climate(context.Background(), DeviceRequest{Action: "turn_off", Area: "study"}) },
			wantCall: "climate/turn_off",
		},
		{
			name:     "bad light action",
			call:     func(s *Service) result.Result { return s.Lights(context.Background(), DeviceRequest{Action: "dim", Area: "书房"}) },
			wantKind: result.InvalidArgument,
		},
		{
			name:     "temperature required",
			call:     func(s *Service) result.Result { return s.Climate(context.Background(), DeviceRequest{Action: "set_temperature", Area: "书房"}) },
			wantKind: result.InvalidArgument,
		},
		{
			name: "custom",
			call: func(s *Service) result.Result {
				return s.Custom(context.Background(), Request{ToolName: "home.scene.activate", Arguments: map[string]any{"scene_id": "scene.movie"}})
			},
			wantCall: "scene/turn_on",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ha := &fakeHA{}
			res := tt.call(testService(t, ha))
			if tt.wantKind != "" {
				if res.Success || res.Kind != tt.wantKind {
					t.Errorf("res = %+v, want kind %q", res, tt.wantKind)
				}
				if len(ha.calls) != 0 {
					t.Errorf("calls = %v", ha.calls)
				}
				return
			}
			if !res.Success {
				t.Fatalf("res = %+v", res)
			}
			if len(ha.calls) != 1 || ha.calls[0] != tt.wantCall {
				t.Errorf("calls = %v, want [%s]", ha.calls, tt.wantCall)
			}
		})
	}
}
