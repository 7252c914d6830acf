package agent

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// newFilesDelimiter is the explicit marker tool executors emit ahead of a
// newline-separated list of files they produced.
const newFilesDelimiter = "New files:"

// filePathPattern is the best-effort fallback: quoted or bare absolute paths
// with a file extension.
var filePathPattern = regexp.MustCompile(`"(/[^"\s]+\.\w{1,8})"|(/[^\s"',;)]+\.\w{1,8})`)

// RecoverFiles extracts produced file paths from tool output text. Paths
// after an explicit delimiter are trusted; the rest of the text is scanned
// best-effort. Results are deduplicated, filtered to files that exist, and
// returned absolute.
func RecoverFiles(toolOutputs []string) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(path string) {
		path = strings.TrimSpace(strings.Trim(path, `"'`))
		if path == "" {
			return
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}

	for _, text := range toolOutputs {
		if idx := strings.Index(text, newFilesDelimiter); idx >= 0 {
			for _, line := range strings.Split(text[idx+len(newFilesDelimiter):], "\n") {
				line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
				if line == "" {
					continue
				}
				add(line)
			}
		}
		for _, match := range filePathPattern.FindAllStringSubmatch(text, -1) {
			if match[1] != "" {
				add(match[1])
			} else {
				add(match[2])
			}
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}
