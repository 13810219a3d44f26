// Package artifact measures build outputs and optionally archives them.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"stylus-builder/internal/protocol"
	"stylus-builder/internal/stream"
)

// Report is the result of inspecting a workspace for its artifact.
type Report struct {
	Exists    bool
	Path      string
	SizeBytes int64
}

// Inspect looks for the artifact at rel inside workspace and reports its size
// against limit. Exceeding the limit emits an error-classified event but is
// informational only; callers must not change the build outcome because of it.
func Inspect(workspace, rel string, limit int64, em *stream.Emitter) Report {
	full := filepath.Join(workspace, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return Report{Path: full}
	}

	size := info.Size()
	rep := Report{Exists: true, Path: full, SizeBytes: size}
	if em == nil {
		return rep
	}

	if size > limit {
		_ = em.Emit(protocol.EventError, fmt.Sprintf(
			"contract size %s (%d bytes) exceeds the %s limit by %d bytes",
			humanize.IBytes(uint64(size)), size, humanize.IBytes(uint64(limit)), size-limit,
		))
	} else {
		_ = em.Emit(protocol.EventStdout, fmt.Sprintf(
			"contract size %s (%d bytes), within the %s limit",
			humanize.IBytes(uint64(size)), size, humanize.IBytes(uint64(limit)),
		))
	}
	return rep
}
