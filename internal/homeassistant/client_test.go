package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/ha-area-bridge/internal/config"
	"github.com/nugget/ha-area-bridge/internal/oplog"
	"github.com/nugget/ha-area-bridge/internal/result"
)

func testClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.HomeAssistantConfig{
		URL:            srv.URL,
		Token:          "test-token",
		Timeout:        2 * time.Second,
		ContextTimeout: 2 * time.Second,
	}, nil, nil)
}

func TestClient_TokenMissing(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewClient(config.HomeAssistantConfig{URL: srv.URL}, nil, nil)
	if c.HasToken() {
		t.Fatal("HasToken() = true with empty token")
	}

	_, err := c.GetStates(context.Background())
	if !errors.Is(err, ErrTokenMissing) {
		t.Fatalf("GetStates error = %v, want ErrTokenMissing", err)
	}
	if Kind(err) != result.UpstreamAuthFailed {
		t.Errorf("Kind = %q, want %q", Kind(err), result.UpstreamAuthFailed)
	}
	if _, err := c.OpenSession(context.Background()); !errors.Is(err, ErrTokenMissing) {
		t.Errorf("OpenSession error = %v, want ErrTokenMissing", err)
	}
	if called {
		t.Error("server was contacted without a token")
	}
}

func TestClient_GetStates(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		io.WriteString(w, `[
			{"entity_id":"light.study","state":"on","attributes":{"friendly_name":"Study Lamp"}},
			{"entity_id":"switch.ke_ting_deng","state":"off","attributes":{}}
		]`)
	}))

	states, err := c.GetStates(context.Background())
	if err != nil {
		t.Fatalf("GetStates: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	if states[0].FriendlyName() != "Study Lamp" {
		t.Errorf("FriendlyName = %q", states[0].FriendlyName())
	}
	if states[1].FriendlyName() != "" {
		t.Errorf("FriendlyName without attribute = %q", states[1].FriendlyName())
	}
}

func TestClient_GetStateNotFound(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Entity not found."}`, http.StatusNotFound)
	}))

	_, err := c.GetState(context.Background(), "light.nowhere")
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound(%v) = false", err)
	}
}

func TestClient_CallService(t *testing.T) {
	var gotBody map[string]any
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/services/light/turn_on" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		io.WriteString(w, `[{"entity_id":"light.study","state":"on"}]`)
	}))

	raw, err := c.CallService(context.Background(), "light", "turn_on", map[string]any{"entity_id": "light.study"})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if gotBody["entity_id"] != "light.study" {
		t.Errorf("request body = %v", gotBody)
	}
	if !strings.Contains(string(raw), "light.study") {
		t.Errorf("response = %s", raw)
	}
}

func TestClient_CallServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   result.Kind
	}{
		{"server error", http.StatusInternalServerError, result.UpstreamUnavailable},
		{"unauthorized", http.StatusUnauthorized, result.UpstreamAuthFailed},
		{"bad request", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, " boom \n")
			}))
			_, err := c.CallService(context.Background(), "climate", "set_temperature", nil)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Body != "boom" {
				t.Errorf("APIError = %+v", apiErr)
			}
			if Kind(err) != tt.want {
				t.Errorf("Kind = %q, want %q", Kind(err), tt.want)
			}
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(config.HomeAssistantConfig{
		URL:            srv.URL,
		Token:          "t",
		Timeout:        50 * time.Millisecond,
		ContextTimeout: 50 * time.Millisecond,
	}, nil, nil)

	_, err := c.GetServices(context.Background())
	if !IsConnError(err) {
		t.Fatalf("error = %v, want ConnError", err)
	}
	if Kind(err) != result.UpstreamUnavailable {
		t.Errorf("Kind = %q", Kind(err))
	}
}

func TestClient_AreaCatalog(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/template" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if !strings.Contains(body["template"], "area_entities(a)") {
			t.Errorf("template = %q", body["template"])
		}
		io.WriteString(w, `
[{"area_id":"ke_ting","area_name":"客厅","entities":["light.ke_ting"]},
 {"area_id":"","area_name":"ghost","entities":[]},
 {"area_id":"study","area_name":" ","entities":[]}]
`)
	}))

	areas, err := c.AreaCatalog(context.Background())
	if err != nil {
		t.Fatalf("AreaCatalog: %v", err)
	}
	if len(areas) != 2 {
		t.Fatalf("got %d areas, want 2: %+v", len(areas), areas)
	}
	if areas[0].AreaName != "客厅" || areas[0].Entities[0] != "light.ke_ting" {
		t.Errorf("areas[0] = %+v", areas[0])
	}
	if areas[1].AreaName != "study" {
		t.Errorf("blank name should fall back to id, got %q", areas[1].AreaName)
	}
}

func TestClient_AreaCatalogBadPayload(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `not json`)
	}))
	if _, err := c.AreaCatalog(context.Background()); err == nil {
		t.Fatal("expected error for non-list payload")
	}
}

type captureWriter struct {
	events []oplog.Event
}

func (c *captureWriter) Write(_ context.Context, events []oplog.Event) error {
	c.events = append(c.events, events...)
	return nil
}

func TestClient_LogsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	w := &captureWriter{}
	rec := oplog.NewRecorder(10, nil, w)
	rec.Start()

	c := NewClient(config.HomeAssistantConfig{URL: srv.URL, Token: "t", ContextTimeout: time.Second}, rec, nil)
	ctx := oplog.WithTraceID(WithOpContext(context.Background(), "summary.services"), "trace-1")
	if _, err := c.GetServices(ctx); err != nil {
		t.Fatalf("GetServices: %v", err)
	}
	rec.Close()

	if len(w.events) != 1 {
		t.Fatalf("logged %d events, want 1", len(w.events))
	}
	e := w.events[0]
	if e.EventType != oplog.TypeHARequest || e.Path != "/api/services" || e.StatusCode != 200 {
		t.Errorf("event = %+v", e)
	}
	if e.TraceID != "trace-1" || e.Detail["context"] != "summary.services" {
		t.Errorf("trace/context not propagated: %+v", e)
	}
	if e.Success == nil || !*e.Success {
		t.Error("success flag not set")
	}
}

func TestServiceDomainNames(t *testing.T) {
	d := ServiceDomain{Domain: "light", Services: map[string]json.RawMessage{
		"turn_on": nil, "toggle": nil, "turn_off": nil,
	}}
	got := strings.Join(d.Names(), ",")
	if got != "toggle,turn_off,turn_on" {
		t.Errorf("Names() = %s", got)
	}
}
