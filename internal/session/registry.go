package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown, cleaned, or vanished sessions.
var ErrNotFound = errors.New("session not found")

// Registry tracks session workspaces under a single root directory and
// guarantees they are eventually removed.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	root      string
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistry creates the workspace root if needed.
func NewRegistry(root string, retention time.Duration, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		root:      abs,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Root returns the absolute workspace root.
func (r *Registry) Root() string { return r.root }

// Create allocates a new session with its own empty workspace directory.
func (r *Registry) Create() (*Session, error) {
	id := uuid.New().String()
	dir := filepath.Join(r.root, id)

	// Mkdir, not MkdirAll: an existing directory must never be shared.
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	sess := &Session{
		ID:            id,
		State:         StateCreated,
		WorkspacePath: dir,
		CreatedAt:     r.now().UTC(),
	}

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	r.logger.Debug("session created", zap.String("session", id), zap.String("workspace", dir))
	cp := *sess
	return &cp, nil
}

// Get returns a snapshot of a session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		cp := *sess
		result = append(result, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Resolve returns the workspace of a session whose directory still exists.
func (r *Registry) Resolve(id string) (string, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	var dir string
	var state State
	if ok {
		dir, state = sess.WorkspacePath, sess.State
	}
	r.mu.RUnlock()

	if !ok || state == StateCleaned {
		return "", ErrNotFound
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", ErrNotFound
	}
	return dir, nil
}

// SetState records a state transition.
func (r *Registry) SetState(id string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.State == StateCleaned {
		return fmt.Errorf("session %s already cleaned", id)
	}
	sess.State = state
	return nil
}

// Transition moves a session from one state to another atomically. It fails
// if the session is not currently in from.
func (r *Registry) Transition(id string, from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok || sess.State == StateCleaned {
		return ErrNotFound
	}
	if sess.State != from {
		return fmt.Errorf("session %s is %s, not %s", id, sess.State, from)
	}
	sess.State = to
	return nil
}

// Retain records a terminal state but keeps the workspace for a later
// step. The sweep still removes it after the retention window.
func (r *Registry) Retain(id string, state State) {
	if err := r.SetState(id, state); err != nil {
		r.logger.Debug("retain skipped", zap.String("session", id), zap.Error(err))
	}
}

// MarkTerminal records the terminal state and removes the workspace.
// Removal errors are logged, never returned.
func (r *Registry) MarkTerminal(id string, state State) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	var dir string
	if ok {
		dir = sess.WorkspacePath
		if sess.State != StateCleaned {
			sess.LastState = state
			sess.State = StateCleaned
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.remove(id, dir)
}

// Forget marks a session cleaned because its directory vanished externally.
func (r *Registry) Forget(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok || sess.State == StateCleaned {
		return false
	}
	sess.LastState = sess.State
	sess.State = StateCleaned
	r.logger.Info("workspace removed externally", zap.String("session", id))
	return true
}

// Tracked reports whether id names a live (not cleaned) session.
func (r *Registry) Tracked(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	return ok && sess.State != StateCleaned
}

// Sweep removes sessions older than the retention window, whatever their
// state, plus any directory under the root that is older than the window
// and not owned by a live session. It returns the number of directories
// removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.retention)

	type victim struct{ id, dir string }
	var victims []victim

	r.mu.Lock()
	for id, sess := range r.sessions {
		if !sess.CreatedAt.Before(cutoff) {
			continue
		}
		if sess.State != StateCleaned {
			sess.LastState = sess.State
			sess.State = StateCleaned
			victims = append(victims, victim{id, sess.WorkspacePath})
		}
		// Forget old cleaned entries so the registry does not grow forever.
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	removed := 0
	for _, v := range victims {
		if r.remove(v.id, v.dir) {
			removed++
		}
	}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		r.logger.Warn("sweep: read workspace root", zap.Error(err))
		return removed
	}
	for _, e := range entries {
		if !e.IsDir() || r.Tracked(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if r.remove(e.Name(), filepath.Join(r.root, e.Name())) {
			removed++
		}
	}

	if removed > 0 {
		r.logger.Info("sweep removed workspaces", zap.Int("count", removed))
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Shutdown removes every tracked workspace.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if sess.State != StateCleaned {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.MarkTerminal(id, StateCleaned)
	}
}

// remove deletes dir; a missing directory is not an error.
func (r *Registry) remove(id, dir string) bool {
	if err := os.RemoveAll(dir); err != nil {
		r.logger.Error("remove workspace", zap.String("session", id), zap.String("workspace", dir), zap.Error(err))
		return false
	}
	r.logger.Debug("workspace removed", zap.String("session", id))
	return true
}
