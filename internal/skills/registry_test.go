package skills

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, manifestName), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

const weatherManifest = `name: Weather
summary: Look up weather forecasts.
tools:
  - name: weather_lookup
    description: Fetch the forecast for a city.
    command: ./lookup.sh
    parameters:
      type: object
      properties:
        city:
          type: string
      required: [city]
`

const browserManifest = `name: Browser
summary: Drive a persistent browser session.
local: true
tools:
  - name: browser_open
    description: Open a URL.
    command: ./open.sh
  - name: browser_read
    description: Read the current page.
    command: ./read.sh
`

func TestDiscoverLoadsValidManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "weather", weatherManifest)
	writeManifest(t, dir, "broken", "name: Broken\ntools: []\n")
	// Files at the top level are ignored; only directories hold skills.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	r := NewRegistry(dir, nil, testLogger())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	if _, ok := r.Get("weather"); !ok {
		t.Fatal("weather skill not loaded")
	}
	if _, ok := r.Get("broken"); ok {
		t.Fatal("manifest without tools was loaded")
	}
	owner, ok := r.SkillForTool("weather_lookup")
	if !ok || owner != "Weather" {
		t.Fatalf("SkillForTool = %q/%v", owner, ok)
	}
}

func TestDiscoverMissingDirIsNotAnError(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "nope"), nil, testLogger())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover on missing dir: %v", err)
	}
}

func TestActivateUnknownSkillListsAvailable(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "weather", weatherManifest)
	r := NewRegistry(dir, nil, testLogger())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	_, err := r.Activate("time-travel")
	if err == nil {
		t.Fatal("expected error for unknown skill")
	}
	if !strings.Contains(err.Error(), "Weather") {
		t.Fatalf("error does not list available skills: %v", err)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "weather", weatherManifest)
	r := NewRegistry(dir, nil, testLogger())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	first, err := r.Activate("Weather")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	second, err := r.Activate("weather") // case-insensitive
	if err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if len(first) != 1 || len(second) != 1 || first[0].Name != second[0].Name {
		t.Fatalf("tool defs differ across activations: %v vs %v", first, second)
	}
	if !r.IsActive("WEATHER") {
		t.Fatal("skill not marked active")
	}
}

func TestRegisterRejectsToolNameCollision(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil, testLogger())
	first := &Skill{Name: "alpha", Tools: []ToolSpec{{Name: "shared_tool"}}}
	if err := r.Register(first, "test"); err != nil {
		t.Fatalf("register: %v", err)
	}
	second := &Skill{Name: "beta", Tools: []ToolSpec{{Name: "shared_tool"}}}
	if err := r.Register(second, "test"); err == nil {
		t.Fatal("expected collision error")
	}
	// Re-registering the owner itself is allowed.
	if err := r.Register(first, "test"); err != nil {
		t.Fatalf("re-register owner: %v", err)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil, testLogger())
	bad := &Skill{Name: "bad", Tools: []ToolSpec{{
		Name:       "bad_tool",
		Parameters: map[string]any{"type": 42},
	}}}
	if err := r.Register(bad, "test"); err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestInactiveSummaries(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "weather", weatherManifest)
	writeManifest(t, dir, "browser", browserManifest)
	r := NewRegistry(dir, nil, testLogger())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	summaries := r.InactiveSummaries()
	if len(summaries) != 2 {
		t.Fatalf("summaries = %v, want 2 entries", summaries)
	}
	if _, err := r.Activate("Browser"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	summaries = r.InactiveSummaries()
	if len(summaries) != 1 || !strings.HasPrefix(summaries[0], "Weather:") {
		t.Fatalf("summaries after activation = %v", summaries)
	}
}

func TestLocalToolNames(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "weather", weatherManifest)
	writeManifest(t, dir, "browser", browserManifest)
	r := NewRegistry(dir, nil, testLogger())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	got := r.LocalToolNames()
	want := []string{"browser_open", "browser_read"}
	if len(got) != len(want) {
		t.Fatalf("local tools = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("local tools = %v, want %v", got, want)
		}
	}
}

func TestActiveToolDefsDefaultsParameters(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil, testLogger())
	skill := &Skill{Name: "bare", Tools: []ToolSpec{{Name: "bare_tool", Description: "no params"}}}
	if err := r.Register(skill, "test"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Activate("bare"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	defs := r.ActiveToolDefs()
	if len(defs) != 1 {
		t.Fatalf("defs = %v", defs)
	}
	if typ, _ := defs[0].Parameters["type"].(string); typ != "object" {
		t.Fatalf("default parameters = %v", defs[0].Parameters)
	}
}

func TestNormalizeSchema(t *testing.T) {
	in := map[any]any{
		"type": "object",
		"properties": map[any]any{
			"count": map[any]any{"type": "integer", "maximum": 10},
		},
	}
	out, ok := normalizeSchema(in).(map[string]any)
	if !ok {
		t.Fatalf("normalized to %T", normalizeSchema(in))
	}
	props, ok := out["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties = %T", out["properties"])
	}
	count, ok := props["count"].(map[string]any)
	if !ok {
		t.Fatalf("count = %T", props["count"])
	}
	if max, ok := count["maximum"].(float64); !ok || max != 10 {
		t.Fatalf("maximum = %v (%T), want float64 10", count["maximum"], count["maximum"])
	}
}
