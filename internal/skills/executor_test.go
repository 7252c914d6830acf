package skills

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newExecutorFixture(t *testing.T, skill *Skill) *SubprocessExecutor {
	t.Helper()
	r := NewRegistry(t.TempDir(), nil, testLogger())
	if err := r.Register(skill, "test"); err != nil {
		t.Fatalf("register: %v", err)
	}
	return NewSubprocessExecutor(r, t.TempDir(), testLogger())
}

func TestExecutePassesArgsOnStdin(t *testing.T) {
	e := newExecutorFixture(t, &Skill{
		Name: "echoer",
		Tools: []ToolSpec{{
			Name:    "echo_args",
			Command: "cat",
		}},
	})

	args := json.RawMessage(`{"city":"Lisbon"}`)
	out, err := e.Execute(context.Background(), "echo_args", args)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out) != `{"city":"Lisbon"}` {
		t.Fatalf("output = %q", out)
	}
}

func TestExecuteEnvironment(t *testing.T) {
	e := newExecutorFixture(t, &Skill{
		Name:   "envcheck",
		Config: map[string]string{"api-key": "secret"},
		Tools: []ToolSpec{{
			Name:    "env_dump",
			Command: `printf '%s|%s|%s\n' "$QUILL_SKILL" "$QUILL_CFG_API_KEY" "$HOME"`,
		}},
	})

	out, err := e.Execute(context.Background(), "env_dump", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	parts := strings.Split(strings.TrimSpace(out), "|")
	if len(parts) != 3 {
		t.Fatalf("output = %q", out)
	}
	if parts[0] != "envcheck" || parts[1] != "secret" {
		t.Fatalf("env = %v", parts)
	}
	// HOME points inside the per-skill workspace, not the real home.
	if !strings.HasSuffix(parts[2], "envcheck") {
		t.Fatalf("HOME = %q, want per-skill workspace", parts[2])
	}
}

func TestExecuteReportsCommandFailure(t *testing.T) {
	e := newExecutorFixture(t, &Skill{
		Name: "failing",
		Tools: []ToolSpec{{
			Name:    "boom",
			Command: "echo diagnostics; exit 3",
		}},
	})

	out, err := e.Execute(context.Background(), "boom", nil)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "diagnostics") {
		t.Fatalf("error lacks command output: %v", err)
	}
	if !strings.Contains(out, "diagnostics") {
		t.Fatalf("partial output not returned: %q", out)
	}
}

func TestExecuteCancellation(t *testing.T) {
	e := newExecutorFixture(t, &Skill{
		Name: "sleeper",
		Tools: []ToolSpec{{
			Name:    "sleep_forever",
			Command: "sleep 60",
		}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, "sleep_forever", nil)
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("err = %v, want cancellation", err)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newExecutorFixture(t, &Skill{
		Name:  "known",
		Tools: []ToolSpec{{Name: "known_tool", Command: "true"}},
	})
	if _, err := e.Execute(context.Background(), "mystery_tool", nil); err == nil {
		t.Fatal("expected error for unowned tool")
	}
}

func TestExecuteRequiresCommand(t *testing.T) {
	e := newExecutorFixture(t, &Skill{
		Name:  "declarative",
		Tools: []ToolSpec{{Name: "no_command"}},
	})
	if _, err := e.Execute(context.Background(), "no_command", nil); err == nil {
		t.Fatal("expected error for tool without command")
	}
}
