package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// maxToolOutput caps captured tool output (256 KiB). Larger output is
// truncated rather than fed whole into the model context.
const maxToolOutput = 256 << 10

// SubprocessExecutor runs skill tools as shell commands declared in the
// skill manifest. Call arguments arrive as JSON on stdin; whatever the
// command prints is the tool result. Produced files are reported on a
// trailing "New files:" block by convention.
type SubprocessExecutor struct {
	registry     *Registry
	workspaceDir string
	logger       *slog.Logger
}

func NewSubprocessExecutor(registry *Registry, workspaceDir string, logger *slog.Logger) *SubprocessExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessExecutor{
		registry:     registry,
		workspaceDir: workspaceDir,
		logger:       logger,
	}
}

func (e *SubprocessExecutor) Execute(ctx context.Context, toolName string, args json.RawMessage) (string, error) {
	skillName, ok := e.registry.SkillForTool(toolName)
	if !ok {
		return "", fmt.Errorf("no skill owns tool %q", toolName)
	}
	skill, ok := e.registry.Get(skillName)
	if !ok {
		return "", fmt.Errorf("skill %q not loaded", skillName)
	}
	var spec *ToolSpec
	for i := range skill.Tools {
		if skill.Tools[i].Name == toolName {
			spec = &skill.Tools[i]
			break
		}
	}
	if spec == nil || strings.TrimSpace(spec.Command) == "" {
		return "", fmt.Errorf("tool %q declares no command", toolName)
	}

	workDir := filepath.Join(e.workspaceDir, CanonicalKey(skill.Name))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create tool workspace: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", spec.Command)
	cmd.Dir = workDir
	cmd.Env = buildToolEnv(workDir, skill)
	if len(args) > 0 {
		cmd.Stdin = bytes.NewReader(args)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := out.String()
	if len(output) > maxToolOutput {
		output = output[:maxToolOutput] + "\n[output truncated]"
	}
	if err != nil {
		if ctx.Err() != nil {
			return output, fmt.Errorf("tool %q cancelled: %w", toolName, ctx.Err())
		}
		return output, fmt.Errorf("tool %q failed: %w; output: %s", toolName, err, strings.TrimSpace(output))
	}
	e.logger.Debug("tool executed", "skill", skill.Name, "tool", toolName, "bytes", len(output))
	return output, nil
}

// buildToolEnv forwards a safe allowlist of host variables plus the skill's
// declared config, never the whole process environment.
func buildToolEnv(workDir string, skill *Skill) []string {
	env := []string{
		"HOME=" + workDir,
		"QUILL_WORKSPACE=" + workDir,
		"QUILL_SKILL=" + skill.Name,
	}
	for _, key := range []string{"PATH", "TERM", "LANG", "LC_ALL", "USER"} {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	for key, val := range skill.Config {
		name := "QUILL_CFG_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		env = append(env, name+"="+val)
	}
	return env
}
