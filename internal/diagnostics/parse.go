// Package diagnostics extracts structured compiler errors from raw tool output.
package diagnostics

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"stylus-builder/internal/protocol"
)

var (
	// CSI sequences (colors, cursor movement) and OSC sequences (hyperlinks).
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

	severityPattern = regexp.MustCompile(`^\s*(error|warning)(?:\[[A-Za-z0-9_-]+\])?:\s*(.*)$`)
	locationPattern = regexp.MustCompile(`^\s*-->\s*(.+?):(\d+):(\d+)\s*$`)
)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// Parse returns one Diagnostic per block whose location points at entryPoint,
// in order of appearance. It never fails; unrecognised text is ignored.
func Parse(raw, entryPoint string) []protocol.Diagnostic {
	out := []protocol.Diagnostic{}
	entry := normalize(entryPoint)

	var (
		message string
		open    bool
	)
	for _, line := range strings.Split(StripANSI(raw), "\n") {
		line = strings.TrimRight(line, "\r")

		if m := severityPattern.FindStringSubmatch(line); m != nil {
			message = strings.TrimSpace(m[2])
			open = true
			continue
		}
		if !open {
			continue
		}

		m := locationPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		// Only the primary location of a block counts.
		open = false
		if !matchesEntry(m[1], entry) {
			continue
		}
		lineNo, err1 := strconv.Atoi(m[2])
		col, err2 := strconv.Atoi(m[3])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, protocol.Diagnostic{Line: lineNo, Column: col, Message: message})
	}
	return out
}

func normalize(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	return path.Clean(p)
}

func matchesEntry(file, entry string) bool {
	if entry == "" {
		return false
	}
	file = normalize(file)
	return file == entry || strings.HasSuffix(file, "/"+entry)
}
