package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeHA serves the REST endpoints the CLI reaches without a registry
// session and records service calls.
type fakeHA struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeHA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/template":
		io.WriteString(w, `[{"area_id":"shu_fang","area_name":"书房","entities":["light.shu_fang_main"]}]`)
	case r.URL.Path == "/api/states":
		io.WriteString(w, `[{"entity_id":"light.shu_fang_main","state":"off","attributes":{"friendly_name":"书房主灯"}}]`)
	case r.URL.Path == "/api/services":
		io.WriteString(w, `[{"domain":"light","services":{"turn_on":{},"turn_off":{}}}]`)
	case strings.HasPrefix(r.URL.Path, "/api/services/"):
		f.mu.Lock()
		f.calls = append(f.calls, strings.TrimPrefix(r.URL.Path, "/api/services/"))
		f.mu.Unlock()
		io.WriteString(w, `[]`)
	default:
		http.NotFound(w, r)
	}
}

// writeConfig points a config file at srv and a fresh data dir.
func writeConfig(t *testing.T, srvURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `homeassistant:
  url: ` + srvURL + `
  token: test-token
area_entity_map:
  light:
    bedroom: light.bedroom
data_dir: ` + filepath.Join(dir, "db") + `
log_level: error
climate_retry:
  delay: 1ms
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}} {
		out, err := runCLI(t, args...)
		if err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out, "Usage: habridge") {
			t.Errorf("usage missing from %q", out)
		}
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"-bogus"}, "unknown flag: -bogus"},
		{[]string{"-config", "/nonexistent/config.yaml", "areas"}, "config file not found"},
		{[]string{"frobnicate"}, "unknown command: frobnicate"},
	}
	for _, tt := range tests {
		_, err := runCLI(t, tt.args...)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) = %v, want %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_VersionJSON(t *testing.T) {
	out, err := runCLI(t, "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_Resolve(t *testing.T) {
	ha := &fakeHA{}
	srv := httptest.NewServer(ha)
	defer srv.Close()
	cfg := writeConfig(t, srv.URL)

	out, err := runCLI(t, "-config", cfg, "-o", "json", "-trace", "req-42", "resolve", "home.lights.on", "area=study")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var res struct {
		Success bool   `json:"success"`
		TraceID string `json:"trace_id"`
		Data    struct {
			Domain      string         `json:"domain"`
			ServiceData map[string]any `json:"service_data"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if !res.Success || res.TraceID != "req-42" || res.Data.Domain != "light" {
		t.Errorf("res = %+v", res)
	}
	if res.Data.ServiceData["entity_id"] != "light.shu_fang_main" {
		t.Errorf("service_data = %v", res.Data.ServiceData)
	}
	if len(ha.calls) != 0 {
		t.Errorf("resolve called %v", ha.calls)
	}
}

func TestRun_CallAndOpLog(t *testing.T) {
	ha := &fakeHA{}
	srv := httptest.NewServer(ha)
	defer srv.Close()
	cfg := writeConfig(t, srv.URL)

	out, err := runCLI(t, "-config", cfg, "-trace", "t-1", "call", "home.lights.off", "area=书房")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(out, "ok: HA call succeeded") {
		t.Errorf("output = %q", out)
	}
	if len(ha.calls) != 1 || ha.calls[0] != "light/turn_off" {
		t.Errorf("calls = %v", ha.calls)
	}

	// The first run closed its recorder, so its events are on disk.
	out, err = runCLI(t, "-config", cfg, "-o", "json", "oplog", "-trace", "t-1")
	if err != nil {
		t.Fatalf("oplog: %v", err)
	}
	var events []struct {
		EventType string `json:"event_type"`
		TraceID   string `json:"trace_id"`
	}
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	types := make(map[string]bool)
	for _, e := range events {
		if e.TraceID != "t-1" {
			t.Errorf("event from another trace: %+v", e)
		}
		types[e.EventType] = true
	}
	for _, want := range []string{"ha_request", "ha_call", "tool_call"} {
		if !types[want] {
			t.Errorf("no %s event in %v", want, types)
		}
	}
}

func TestRun_FailedCallExitsNonZero(t *testing.T) {
	ha := &fakeHA{}
	srv := httptest.NewServer(ha)
	defer srv.Close()
	cfg := writeConfig(t, srv.URL)

	_, err := runCLI(t, "-config", cfg, "call", "home.curtains.open", "area=balcony")
	if err == nil || err.Error() != "area_not_configured: cover entity is not configured for area: balcony" {
		t.Errorf("err = %v", err)
	}
	if len(ha.calls) != 0 {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestRun_CatalogDisable(t *testing.T) {
	ha := &fakeHA{}
	srv := httptest.NewServer(ha)
	defer srv.Close()
	cfg := writeConfig(t, srv.URL)

	if _, err := runCLI(t, "-config", cfg, "catalog", "disable", "home.lights.on"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	_, err := runCLI(t, "-config", cfg, "resolve", "home.lights.on", "area=study")
	if err == nil || !strings.Contains(err.Error(), "tool not allowed: home.lights.on") {
		t.Errorf("err = %v", err)
	}

	out, err := runCLI(t, "-config", cfg, "catalog")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "home.lights.on") || !strings.Contains(out, "(disabled)") {
		t.Errorf("catalog list = %q", out)
	}
}

func TestRun_DeviceDryRun(t *testing.T) {
	ha := &fakeHA{}
	srv := httptest.NewServer(ha)
	defer srv.Close()
	cfg := writeConfig(t, srv.URL)

	out, err := runCLI(t, "-config", cfg, "-dry-run", "climate", "set_temperature", "area=study", "entity_id=climate.shu_fang_ac", "temperature=24")
	if err != nil {
		t.Fatalf("climate: %v", err)
	}
	if !strings.Contains(out, "dry run only") || !strings.Contains(out, `"temperature":24`) {
		t.Errorf("output = %q", out)
	}

	if _, err := runCLI(t, "-config", cfg, "-dry-run", "climate", "set_temperature", "area=study", "temperature=40"); err == nil {
		t.Error("out of range temperature accepted")
	}
	if _, err := runCLI(t, "-config", cfg, "lights", "dim", "area=study"); err == nil || !strings.Contains(err.Error(), "unsupported lights action: dim") {
		t.Errorf("err = %v", err)
	}
	if len(ha.calls) != 0 {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestRun_Entities(t *testing.T) {
	srv := httptest.NewServer(&fakeHA{})
	defer srv.Close()
	cfg := writeConfig(t, srv.URL)

	out, err := runCLI(t, "-config", cfg, "entities", "-area", "书房")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "light.shu_fang_main") || !strings.Contains(out, "1 of 1 entities") {
		t.Errorf("output = %q", out)
	}
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"area=study", "temperature=24", `entity_id=["a","b"]`, "scene_id=scene.movie", "note="})
	if err != nil {
		t.Fatal(err)
	}
	if got["area"] != "study" || got["temperature"] != float64(24) || got["scene_id"] != "scene.movie" || got["note"] != "" {
		t.Errorf("got = %v", got)
	}
	if ids, ok := got["entity_id"].([]any); !ok || len(ids) != 2 {
		t.Errorf("entity_id = %#v", got["entity_id"])
	}

	for _, bad := range []string{"study", "=x"} {
		if _, err := parseKeyValues([]string{bad}); err == nil {
			t.Errorf("parseKeyValues(%q) accepted", bad)
		}
	}
}
