// Package watcher observes the workspace root so the registry notices
// workspaces that disappear or appear behind its back.
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"stylus-builder/internal/protocol"
)

const (
	debounceInterval = 500 * time.Millisecond
	MaxTreeDepth     = 4
)

// excludedDirs are directories excluded from file counting and tree generation.
var excludedDirs = map[string]bool{
	"target": true,
	".git":   true,
}

// Tracker is the subset of the session registry the watcher needs.
type Tracker interface {
	Tracked(id string) bool
	Forget(id string) bool
}

// Watcher monitors the top level of the workspace root.
type Watcher struct {
	root      string
	tracker   Tracker
	logger    *zap.Logger
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
	once      sync.Once
}

// New starts watching root. Call Shutdown to stop.
func New(root string, tracker Tracker, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsW.Add(root); err != nil {
		fsW.Close()
		return nil, err
	}

	w := &Watcher{
		root:      root,
		tracker:   tracker,
		logger:    logger,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// watchLoop processes fsnotify events; usage reporting is debounced.
func (w *Watcher) watchLoop() {
	defer close(w.done)
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only direct children of the root are session workspaces.
			if filepath.Dir(event.Name) != w.root {
				continue
			}
			id := filepath.Base(event.Name)

			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				if w.tracker != nil {
					w.tracker.Forget(id)
				}
			case event.Has(fsnotify.Create):
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if w.tracker != nil && !w.tracker.Tracked(id) {
						w.logger.Warn("untracked workspace directory", zap.String("dir", event.Name))
					}
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, w.reportUsage)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.String("root", w.root), zap.Error(err))
		}
	}
}

func (w *Watcher) reportUsage() {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return
	}
	dirs := 0
	for _, e := range entries {
		if e.IsDir() {
			dirs++
		}
	}
	files, size := Usage(w.root)
	w.logger.Debug("workspace root usage",
		zap.Int("workspaces", dirs),
		zap.Int("files", files),
		zap.String("size", humanize.IBytes(uint64(size))),
	)
}

// Shutdown stops the watcher and waits for its loop to exit.
func (w *Watcher) Shutdown() {
	w.once.Do(func() {
		close(w.cancel)
		w.fsWatcher.Close()
		<-w.done
	})
}

// Usage counts regular files and their total size under dir, build output included.
func Usage(dir string) (files int, size int64) {
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			files++
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return files, size
}

// CountFiles counts all non-excluded, non-hidden files in a directory.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()
		if d.IsDir() {
			if path != dir && (excludedDirs[name] || isHidden(name)) {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(name) {
			return nil
		}

		count++
		return nil
	})
	return count
}

// BuildFileTree generates a FileNode tree for a directory up to maxDepth levels.
func BuildFileTree(dir string, maxDepth int) []protocol.FileNode {
	return buildTreeRecursive(dir, dir, 0, maxDepth)
}

func buildTreeRecursive(rootDir, currentDir string, depth, maxDepth int) []protocol.FileNode {
	if depth >= maxDepth {
		return nil
	}

	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil
	}

	// Separate dirs and files, then sort: dirs first, files second.
	var dirs, files []os.DirEntry
	for _, entry := range entries {
		name := entry.Name()
		if excludedDirs[name] || isHidden(name) {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, entry)
		} else {
			files = append(files, entry)
		}
	}

	nodes := make([]protocol.FileNode, 0, len(dirs)+len(files))

	for _, d := range dirs {
		fullPath := filepath.Join(currentDir, d.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		nodes = append(nodes, protocol.FileNode{
			Name:     d.Name(),
			Path:     filepath.ToSlash(relPath),
			IsDir:    true,
			Children: buildTreeRecursive(rootDir, fullPath, depth+1, maxDepth),
		})
	}

	for _, f := range files {
		fullPath := filepath.Join(currentDir, f.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		var size int64
		if info, err := f.Info(); err == nil {
			size = info.Size()
		}
		nodes = append(nodes, protocol.FileNode{
			Name: f.Name(),
			Path: filepath.ToSlash(relPath),
			Size: size,
		})
	}

	return nodes
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
