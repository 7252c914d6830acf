// Package skills owns the skill registry: discovery from manifest files,
// activation state for progressive disclosure, and cross-process sync of
// dynamically registered skills.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/quiethour/quill/internal/bus"
	"github.com/quiethour/quill/internal/llm"
)

const manifestName = "skill.yaml"

// maxManifestSize caps skill.yaml reads (1 MiB).
const maxManifestSize = 1 << 20

// ToolSpec declares one tool a skill exposes. Parameters is a JSON Schema
// validated at load time so a malformed skill cannot poison the LLM tool set.
// Command is the shell command the executor runs; the call arguments arrive
// as JSON on stdin.
type ToolSpec struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	Command     string         `yaml:"command"`
}

// Skill is a loaded manifest plus its on-disk location. Local skills must
// execute in-process rather than on a tool worker (they hold per-process
// state, such as a persistent browser handle).
type Skill struct {
	Name        string            `yaml:"name"`
	Summary     string            `yaml:"summary"`
	Description string            `yaml:"description"`
	Tools       []ToolSpec        `yaml:"tools"`
	Config      map[string]string `yaml:"config"`
	Local       bool              `yaml:"local"`
	Dir         string            `yaml:"-"`
}

// CanonicalKey normalizes a skill name for lookup and collision detection.
func CanonicalKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Registry maps skill names to skills and tool names to their owning skill.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	skills    map[string]*Skill // canonical name -> skill
	toolOwner map[string]string // tool name -> canonical skill name
	active    map[string]struct{}

	dir    string
	bus    *bus.Bus
	logger *slog.Logger
}

func NewRegistry(dir string, eventBus *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		skills:    make(map[string]*Skill),
		toolOwner: make(map[string]string),
		active:    make(map[string]struct{}),
		dir:       dir,
		bus:       eventBus,
		logger:    logger,
	}
}

// Initialize discovers skills from disk and subscribes to registration events
// so skills created by another process become visible here. Duplicate events
// are harmless: re-registering a known skill is a no-op.
func (r *Registry) Initialize(ctx context.Context) error {
	if err := r.Discover(ctx); err != nil {
		return err
	}
	if r.bus != nil {
		events := r.bus.Subscribe(bus.TopicSkillRegistered)
		go func() {
			for {
				select {
				case <-ctx.Done():
					r.bus.Unsubscribe(bus.TopicSkillRegistered, events)
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					reg, ok := ev.Payload.(bus.SkillRegisteredEvent)
					if !ok || reg.Origin == bus.OriginLocal {
						continue
					}
					if err := r.loadFromDir(filepath.Join(r.dir, reg.Name)); err != nil {
						r.logger.Warn("skill sync load failed", "skill", reg.Name, "error", err)
					}
				}
			}
		}()
	}
	return nil
}

// Discover scans the skills directory for manifest files and registers every
// valid skill found. Invalid manifests are logged and skipped.
func (r *Registry) Discover(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, ent := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !ent.IsDir() {
			continue
		}
		dir := filepath.Join(r.dir, ent.Name())
		if _, err := os.Stat(filepath.Join(dir, manifestName)); err != nil {
			continue
		}
		if err := r.loadFromDir(dir); err != nil {
			r.logger.Warn("skipping invalid skill", "dir", dir, "error", err)
		}
	}
	return nil
}

func (r *Registry) loadFromDir(dir string) error {
	path := filepath.Join(dir, manifestName)
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}
	if fi.Size() > maxManifestSize {
		return fmt.Errorf("manifest too large: %d bytes", fi.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var skill Skill
	if err := yaml.Unmarshal(data, &skill); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	skill.Dir = dir
	return r.Register(&skill, bus.OriginLocal)
}

// Register validates and adds a skill. Re-registering the same name replaces
// the previous definition, which makes duplicate sync events idempotent.
func (r *Registry) Register(skill *Skill, origin string) error {
	if skill == nil || strings.TrimSpace(skill.Name) == "" {
		return fmt.Errorf("skill name required")
	}
	if len(skill.Tools) == 0 {
		return fmt.Errorf("skill %q declares no tools", skill.Name)
	}
	for _, tool := range skill.Tools {
		if tool.Name == "" {
			return fmt.Errorf("skill %q has a tool without a name", skill.Name)
		}
		if err := validateParameters(skill.Name, tool); err != nil {
			return err
		}
	}

	key := CanonicalKey(skill.Name)
	r.mu.Lock()
	if old, ok := r.skills[key]; ok {
		for _, tool := range old.Tools {
			delete(r.toolOwner, tool.Name)
		}
	}
	for _, tool := range skill.Tools {
		if owner, taken := r.toolOwner[tool.Name]; taken && owner != key {
			r.mu.Unlock()
			return fmt.Errorf("tool %q already owned by skill %q", tool.Name, owner)
		}
	}
	r.skills[key] = skill
	for _, tool := range skill.Tools {
		r.toolOwner[tool.Name] = key
	}
	r.mu.Unlock()

	r.logger.Info("skill registered", "skill", skill.Name, "tools", len(skill.Tools), "origin", origin)
	if r.bus != nil && origin == bus.OriginLocal {
		r.bus.Publish(bus.TopicSkillRegistered, bus.SkillRegisteredEvent{
			Name:    skill.Name,
			Summary: skill.Summary,
			Origin:  bus.OriginLocal,
		})
	}
	return nil
}

// validateParameters compiles the tool's parameter schema so broken schemas
// surface at registration rather than mid-turn.
func validateParameters(skillName string, tool ToolSpec) error {
	if tool.Parameters == nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://%s/%s.json", CanonicalKey(skillName), tool.Name)
	if err := compiler.AddResource(url, normalizeSchema(tool.Parameters)); err != nil {
		return fmt.Errorf("skill %q tool %q schema: %w", skillName, tool.Name, err)
	}
	if _, err := compiler.Compile(url); err != nil {
		return fmt.Errorf("skill %q tool %q schema: %w", skillName, tool.Name, err)
	}
	return nil
}

// normalizeSchema converts YAML-decoded values to the JSON-typed shapes the
// schema compiler expects (map[string]any keys, no map[any]any).
func normalizeSchema(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeSchema(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeSchema(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeSchema(item)
		}
		return out
	case int:
		return float64(val)
	default:
		return val
	}
}

// Unregister removes a skill and its tools.
func (r *Registry) Unregister(name string) {
	key := CanonicalKey(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	skill, ok := r.skills[key]
	if !ok {
		return
	}
	for _, tool := range skill.Tools {
		delete(r.toolOwner, tool.Name)
	}
	delete(r.skills, key)
	delete(r.active, key)
}

// Reload drops activation state and re-discovers from disk.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	r.skills = make(map[string]*Skill)
	r.toolOwner = make(map[string]string)
	r.active = make(map[string]struct{})
	r.mu.Unlock()
	return r.Discover(ctx)
}

// Activate marks a skill active and returns its tool definitions. Activating
// an already-active skill is not an error: the same tool list comes back.
func (r *Registry) Activate(name string) ([]llm.ToolDef, error) {
	key := CanonicalKey(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	skill, ok := r.skills[key]
	if !ok {
		names := make([]string, 0, len(r.skills))
		for _, s := range r.skills {
			names = append(names, s.Name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown skill %q; available: %s", name, strings.Join(names, ", "))
	}
	r.active[key] = struct{}{}
	return toolDefs(skill), nil
}

// ActivateAll marks every known skill active.
func (r *Registry) ActivateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.skills {
		r.active[key] = struct{}{}
	}
}

// IsActive reports whether a skill is currently activated.
func (r *Registry) IsActive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[CanonicalKey(name)]
	return ok
}

// Get returns the skill by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[CanonicalKey(name)]
	return skill, ok
}

// SkillForTool resolves the skill that owns a tool name.
func (r *Registry) SkillForTool(toolName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.toolOwner[toolName]
	if !ok {
		return "", false
	}
	return r.skills[key].Name, true
}

// ActiveToolDefs returns the full tool schemas of all activated skills.
func (r *Registry) ActiveToolDefs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.active))
	for key := range r.active {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var out []llm.ToolDef
	for _, key := range keys {
		skill, ok := r.skills[key]
		if !ok {
			continue
		}
		out = append(out, toolDefs(skill)...)
	}
	return out
}

// LocalToolNames returns the tool names of all skills marked local.
func (r *Registry) LocalToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, skill := range r.skills {
		if !skill.Local {
			continue
		}
		for _, tool := range skill.Tools {
			out = append(out, tool.Name)
		}
	}
	sort.Strings(out)
	return out
}

// InactiveSummaries returns one-line summaries for skills not yet activated,
// for progressive disclosure in the system prompt.
func (r *Registry) InactiveSummaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for key := range r.skills {
		if _, active := r.active[key]; active {
			continue
		}
		names = append(names, key)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, key := range names {
		skill := r.skills[key]
		summary := skill.Summary
		if summary == "" {
			summary = skill.Description
		}
		out = append(out, fmt.Sprintf("%s: %s", skill.Name, summary))
	}
	return out
}

func toolDefs(skill *Skill) []llm.ToolDef {
	out := make([]llm.ToolDef, 0, len(skill.Tools))
	for _, tool := range skill.Tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		} else if norm, ok := normalizeSchema(params).(map[string]any); ok {
			params = norm
		}
		out = append(out, llm.ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
	}
	return out
}
