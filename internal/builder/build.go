package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"stylus-builder/internal/artifact"
	"stylus-builder/internal/diagnostics"
	"stylus-builder/internal/protocol"
	"stylus-builder/internal/runner"
	"stylus-builder/internal/session"
	"stylus-builder/internal/stream"
	"stylus-builder/internal/workspace"
)

// Build runs one build session and streams its events to sink, which may
// be nil. Every outcome, including validation failures, is reported in the
// returned result. The stream always ends with a result event followed by
// a complete event.
func (s *Service) Build(ctx context.Context, req protocol.BuildRequest, sink stream.Sink) protocol.CompilationResult {
	em := stream.NewEmitter(sink)
	res := protocol.CompilationResult{ExitCode: -1, Errors: []protocol.Diagnostic{}}

	if err := ValidateBuild(req); err != nil {
		_ = em.Emit(protocol.EventError, err.Error())
		res.Error = err.Error()
		return s.finish(em, res)
	}

	if s.builds != nil {
		if err := s.builds.Acquire(ctx, 1); err != nil {
			res.Error = "cancelled"
			return s.finish(em, res)
		}
		defer s.builds.Release(1)
	}

	sess, err := s.registry.Create()
	if err != nil {
		s.logger.Error("create session", zap.Error(err))
		_ = em.Emit(protocol.EventError, err.Error())
		res.Error = err.Error()
		return s.finish(em, res)
	}
	res.SessionID = sess.ID

	log := s.logger.With(zap.String("session", sess.ID))
	log.Info("build started")

	state := s.runBuild(ctx, sess, req, em, &res)
	if state == session.StateSucceeded && s.settings.RetainOnSuccess {
		s.registry.Retain(sess.ID, state)
	} else {
		s.registry.MarkTerminal(sess.ID, state)
	}

	log.Info("build finished",
		zap.String("state", string(state)),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("diagnostics", len(res.Errors)),
	)
	return s.finish(em, res)
}

// ValidateBuild rejects requests that must not create a session.
func ValidateBuild(req protocol.BuildRequest) error {
	if err := protocol.ValidateBuildRequest(req); err != nil {
		return err
	}
	if len(req.Files) > 0 {
		return workspace.ValidatePaths(req.Files)
	}
	return nil
}

func (s *Service) runBuild(ctx context.Context, sess *session.Session, req protocol.BuildRequest, em *stream.Emitter, res *protocol.CompilationResult) session.State {
	deadline := time.Now().Add(s.settings.BuildTimeout)
	dir := sess.WorkspacePath

	s.setState(sess.ID, session.StateMaterializing)
	entry, err := s.materializer.Materialize(dir, req)
	if err != nil {
		msg := fmt.Sprintf("failed to write project files: %v", err)
		_ = em.Emit(protocol.EventError, msg)
		res.Error = msg
		return session.StateFailed
	}

	s.setState(sess.ID, session.StateInstallingPrerequisites)
	prereq := s.adapter.Prerequisite(dir)
	out, state, ok := s.step(ctx, prereq, deadline, em, res)
	if !ok {
		return state
	}
	if out.ExitCode != 0 {
		msg := fmt.Sprintf("build prerequisite could not be installed: %s exited with code %d", prereq.String(), out.ExitCode)
		_ = em.Emit(protocol.EventError, msg)
		res.ExitCode = out.ExitCode
		res.Error = msg
		return session.StateFailed
	}

	out, state, ok = s.step(ctx, s.adapter.Lockfile(dir), deadline, em, res)
	if !ok {
		return state
	}
	if out.ExitCode != 0 {
		// The build resolves dependencies itself; a missing lockfile only
		// costs reproducibility.
		_ = em.Emit(protocol.EventStderr, fmt.Sprintf("lockfile generation exited with code %d, continuing", out.ExitCode))
	}

	s.setState(sess.ID, session.StateBuilding)
	mark := len(em.Events())
	out, state, ok = s.step(ctx, s.adapter.Build(dir), deadline, em, res)
	if !ok {
		return state
	}
	res.ExitCode = out.ExitCode

	if out.ExitCode != 0 {
		res.Errors = diagnostics.Parse(collect(em.Events()[mark:], protocol.EventStderr), entry)
		return session.StateFailed
	}

	res.Success = true
	rep := artifact.Inspect(dir, s.adapter.ArtifactPath(dir), s.settings.ArtifactLimitBytes, em)
	if rep.Exists {
		size := rep.SizeBytes
		res.ArtifactSizeBytes = &size
		s.archiveArtifact(ctx, sess.ID, rep, em, res)
	}
	return session.StateSucceeded
}

// step runs one toolchain command within the session deadline. ok is false
// when the session must stop; state is then the terminal state to record.
func (s *Service) step(ctx context.Context, c runner.Command, deadline time.Time, em *stream.Emitter, res *protocol.CompilationResult) (out runner.Outcome, state session.State, ok bool) {
	if c.Name == "" {
		return out, "", true
	}
	if ctx.Err() != nil {
		res.Error = "cancelled"
		return out, session.StateFailed, false
	}

	c.Timeout = time.Until(deadline)
	if c.Timeout <= 0 {
		_ = em.Emit(protocol.EventError, fmt.Sprintf("build timed out after %s", s.settings.BuildTimeout))
		res.Error = "timeout"
		return out, session.StateTimedOut, false
	}

	out, err := s.runner.Run(ctx, c, em)
	var spawnErr *runner.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		res.Error = err.Error()
		return out, session.StateSpawnError, false
	case errors.Is(err, runner.ErrSinkClosed):
		res.Error = err.Error()
		return out, session.StateFailed, false
	case err != nil:
		res.Error = "cancelled"
		return out, session.StateFailed, false
	case out.TimedOut:
		res.Error = "timeout"
		return out, session.StateTimedOut, false
	}
	return out, "", true
}

func (s *Service) archiveArtifact(ctx context.Context, id string, rep artifact.Report, em *stream.Emitter, res *protocol.CompilationResult) {
	if s.archive == nil {
		return
	}
	log := s.logger.With(zap.String("session", id))

	data, err := os.ReadFile(rep.Path)
	if err != nil {
		log.Warn("read artifact for archive", zap.Error(err))
		return
	}
	key, err := s.archive.Put(ctx, id, filepath.Base(rep.Path), data)
	if err != nil {
		log.Warn("archive artifact", zap.Error(err))
		_ = em.Emit(protocol.EventStderr, fmt.Sprintf("artifact archive upload failed: %v", err))
		return
	}
	res.ArtifactKey = key
	log.Debug("artifact archived", zap.String("key", key))
}

// finish snapshots the output, emits the closing events, and caches the result.
func (s *Service) finish(em *stream.Emitter, res protocol.CompilationResult) protocol.CompilationResult {
	res.Output = em.Events()

	summary := res
	summary.Output = nil
	if data, err := json.Marshal(summary); err == nil {
		_ = em.Emit(protocol.EventResult, string(data))
	}
	_ = em.Emit(protocol.EventComplete, "")

	if err := em.Err(); err != nil {
		s.logger.Info("result not delivered, consumer gone",
			zap.String("session", res.SessionID), zap.Error(err))
	}
	if res.SessionID != "" {
		s.results.Add(res.SessionID, res)
	}
	return res
}

func (s *Service) setState(id string, state session.State) {
	if err := s.registry.SetState(id, state); err != nil {
		s.logger.Debug("set state", zap.String("session", id), zap.String("state", string(state)), zap.Error(err))
	}
}

// collect joins the data of events of the given type, one per line.
func collect(events []protocol.Event, typ protocol.EventType) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type != typ {
			continue
		}
		b.WriteString(ev.Data)
		b.WriteByte('\n')
	}
	return b.String()
}
