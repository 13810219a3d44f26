package session

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "ws"), 30*time.Minute, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestNewRegistry_CreatesRoot(t *testing.T) {
	reg := newTestRegistry(t)
	info, err := os.Stat(reg.Root())
	if err != nil {
		t.Fatalf("stat root: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected root to be a directory")
	}
}

func TestRegistry_CreateAndResolve(t *testing.T) {
	reg := newTestRegistry(t)

	sess, err := reg.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.State != StateCreated {
		t.Errorf("expected state created, got %s", sess.State)
	}
	if filepath.Dir(sess.WorkspacePath) != reg.Root() {
		t.Errorf("workspace %q not under root %q", sess.WorkspacePath, reg.Root())
	}

	dir, err := reg.Resolve(sess.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dir != sess.WorkspacePath {
		t.Errorf("expected %q, got %q", sess.WorkspacePath, dir)
	}
}

func TestRegistry_ConcurrentCreatesAreDistinct(t *testing.T) {
	reg := newTestRegistry(t)

	const n = 32
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		paths = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := reg.Create()
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			mu.Lock()
			paths[sess.WorkspacePath] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(paths) != n {
		t.Errorf("expected %d distinct workspaces, got %d", n, len(paths))
	}
	if got := len(reg.List()); got != n {
		t.Errorf("expected %d sessions, got %d", n, got)
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Resolve("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_ResolveVanishedDirectory(t *testing.T) {
	reg := newTestRegistry(t)
	sess, _ := reg.Create()
	if err := os.RemoveAll(sess.WorkspacePath); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Resolve(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_MarkTerminalRemovesWorkspace(t *testing.T) {
	reg := newTestRegistry(t)
	sess, _ := reg.Create()
	if err := os.WriteFile(filepath.Join(sess.WorkspacePath, "Cargo.toml"), []byte("[package]"), 0o600); err != nil {
		t.Fatal(err)
	}

	reg.MarkTerminal(sess.ID, StateFailed)

	if _, err := os.Stat(sess.WorkspacePath); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, stat err = %v", err)
	}
	got, err := reg.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateCleaned || got.LastState != StateFailed {
		t.Errorf("expected cleaned/failed, got %s/%s", got.State, got.LastState)
	}
	if _, err := reg.Resolve(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after cleanup, got %v", err)
	}

	// Second call is a no-op and keeps the first terminal state.
	reg.MarkTerminal(sess.ID, StateDeployed)
	got, _ = reg.Get(sess.ID)
	if got.LastState != StateFailed {
		t.Errorf("expected last state to stay failed, got %s", got.LastState)
	}
}

func TestRegistry_SetState(t *testing.T) {
	reg := newTestRegistry(t)
	sess, _ := reg.Create()

	if err := reg.SetState(sess.ID, StateBuilding); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	got, _ := reg.Get(sess.ID)
	if got.State != StateBuilding {
		t.Errorf("expected building, got %s", got.State)
	}

	reg.MarkTerminal(sess.ID, StateFailed)
	if err := reg.SetState(sess.ID, StateDeploying); err == nil {
		t.Error("expected error when changing a cleaned session")
	}
	if err := reg.SetState("nonexistent", StateBuilding); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_Forget(t *testing.T) {
	reg := newTestRegistry(t)
	sess, _ := reg.Create()

	if !reg.Forget(sess.ID) {
		t.Fatal("expected Forget to report a change")
	}
	if reg.Tracked(sess.ID) {
		t.Error("expected session to be untracked")
	}
	if reg.Forget(sess.ID) {
		t.Error("expected second Forget to be a no-op")
	}
}

func TestRegistry_SweepRemovesExpiredSessions(t *testing.T) {
	reg := newTestRegistry(t)
	old, _ := reg.Create()
	_ = reg.SetState(old.ID, StateBuilding)

	reg.now = func() time.Time { return time.Now().Add(time.Hour) }
	fresh, _ := reg.Create()

	if n := reg.Sweep(); n != 1 {
		t.Fatalf("expected 1 removal, got %d", n)
	}
	if _, err := os.Stat(old.WorkspacePath); !os.IsNotExist(err) {
		t.Error("expected expired workspace removed")
	}
	if _, err := reg.Get(old.ID); !errors.Is(err, ErrNotFound) {
		t.Error("expected expired session forgotten")
	}
	if _, err := reg.Resolve(fresh.ID); err != nil {
		t.Errorf("expected fresh session kept: %v", err)
	}
}

func TestRegistry_SweepRemovesOrphans(t *testing.T) {
	reg := newTestRegistry(t)
	orphan := filepath.Join(reg.Root(), "left-behind")
	if err := os.Mkdir(orphan, 0o700); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(orphan, stale, stale); err != nil {
		t.Fatal(err)
	}
	recent := filepath.Join(reg.Root(), "just-created")
	if err := os.Mkdir(recent, 0o700); err != nil {
		t.Fatal(err)
	}

	if n := reg.Sweep(); n != 1 {
		t.Fatalf("expected 1 removal, got %d", n)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("expected orphan removed")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Error("expected recent directory kept")
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	reg := newTestRegistry(t)
	a, _ := reg.Create()
	b, _ := reg.Create()

	reg.Shutdown()

	for _, s := range []*Session{a, b} {
		if _, err := os.Stat(s.WorkspacePath); !os.IsNotExist(err) {
			t.Errorf("expected %s removed", s.ID)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateSucceeded, StateFailed, StateTimedOut, StateSpawnError, StateDeployed, StateCleaned} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []State{StateCreated, StateBuilding, StateDeploying, StateValidatingCredential} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestRegistry_Transition(t *testing.T) {
	reg := newTestRegistry(t)
	sess, _ := reg.Create()
	reg.Retain(sess.ID, StateSucceeded)

	if err := reg.Transition(sess.ID, StateSucceeded, StateValidatingCredential); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// A second caller racing for the same session loses.
	if err := reg.Transition(sess.ID, StateSucceeded, StateValidatingCredential); err == nil {
		t.Fatal("expected second transition to fail")
	}
	if _, err := os.Stat(sess.WorkspacePath); err != nil {
		t.Errorf("expected retained workspace to exist: %v", err)
	}

	reg.MarkTerminal(sess.ID, StateDeployed)
	if err := reg.Transition(sess.ID, StateValidatingCredential, StateDeploying); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for cleaned session, got %v", err)
	}
}
