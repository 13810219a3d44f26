// Package runner spawns external toolchain commands and streams their output.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stylus-builder/internal/protocol"
	"stylus-builder/internal/stream"
)

const (
	defaultScannerBufSize = 1024 * 1024 // 1 MB
	defaultWaitDelay      = 2 * time.Second
)

// Runner is the single primitive used for every external invocation.
type Runner struct {
	logger    *zap.Logger
	waitDelay time.Duration
}

// New creates a runner. A nil logger discards logs.
func New(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger:    logger,
		waitDelay: defaultWaitDelay,
	}
}

// Run executes c in c.Dir and streams each stdout/stderr line to em.
//
// A non-zero exit is not an error: it is reported through Outcome.ExitCode.
// Errors are *SpawnError when the process never started, ErrSinkClosed when
// em's consumer failed, or the parent context's error.
func (r *Runner) Run(ctx context.Context, c Command, em *stream.Emitter) (Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		timedOut atomic.Bool
		timer    *time.Timer
	)
	if c.Timeout > 0 {
		timer = time.AfterFunc(c.Timeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	var (
		killed     atomic.Bool
		sinkFailed atomic.Bool
	)

	cmd := exec.CommandContext(runCtx, c.Name, c.argv()...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	setupProcessGroup(cmd)
	cmd.Cancel = func() error {
		killed.Store(true)
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = r.waitDelay

	outR, outW, err := os.Pipe()
	if err != nil {
		return Outcome{ExitCode: -1}, fmt.Errorf("stdout pipe: %w", err)
	}
	defer outR.Close()
	errR, errW, err := os.Pipe()
	if err != nil {
		outW.Close()
		return Outcome{ExitCode: -1}, fmt.Errorf("stderr pipe: %w", err)
	}
	defer errR.Close()
	// *os.File outputs go straight to the child, so Wait returns when the
	// leader exits even if something else still holds the pipes.
	cmd.Stdout = outW
	cmd.Stderr = errW

	log := r.logger.With(zap.String("step", c.Step), zap.String("dir", c.Dir))
	log.Debug("starting command", zap.String("command", c.String()))

	start := time.Now()
	err = cmd.Start()
	outW.Close()
	errW.Close()
	if err != nil {
		serr := &SpawnError{Command: c.Name, Err: err}
		log.Warn("command could not be started", zap.Error(err))
		_ = em.Emit(protocol.EventError, serr.Error())
		return Outcome{ExitCode: -1}, serr
	}

	pump := func(rd io.Reader, typ protocol.EventType) error {
		scanner := bufio.NewScanner(rd)
		scanner.Buffer(make([]byte, 64*1024), defaultScannerBufSize)
		for scanner.Scan() {
			// Output after a kill is drained but not trusted.
			if killed.Load() || sinkFailed.Load() {
				continue
			}
			if err := em.Emit(typ, scanner.Text()); err != nil {
				sinkFailed.Store(true)
				cancel()
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
			// Keep draining so the child never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, rd)
			return fmt.Errorf("%s: %w", typ, err)
		}
		return nil
	}

	var g errgroup.Group
	g.Go(func() error { return pump(outR, protocol.EventStdout) })
	g.Go(func() error { return pump(errR, protocol.EventStderr) })

	waitErr := cmd.Wait()
	if timer != nil {
		timer.Stop()
	}

	// The group belongs to this command alone; nothing in it may outlive
	// the leader.
	if err := killProcessGroup(cmd); err != nil {
		log.Debug("kill process group", zap.Error(err))
	}

	pumped := make(chan error, 1)
	go func() { pumped <- g.Wait() }()
	drain := time.NewTimer(r.waitDelay)
	select {
	case err := <-pumped:
		if err != nil {
			log.Debug("output pump error", zap.Error(err))
		}
	case <-drain.C:
		// A process that left the group still holds the pipes.
		log.Warn("output pipes still open after exit, closing")
		outR.Close()
		errR.Close()
		<-pumped
	}
	drain.Stop()

	out := Outcome{ExitCode: -1, Duration: time.Since(start)}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case sinkFailed.Load():
		log.Warn("consumer gone, command killed", zap.Duration("duration", out.Duration))
		return out, ErrSinkClosed

	case timedOut.Load() && killed.Load():
		out.TimedOut = true
		log.Warn("command timed out", zap.Duration("timeout", c.Timeout))
		_ = em.Emit(protocol.EventError, fmt.Sprintf("%s timed out after %s", c.Step, c.Timeout))
		return out, nil

	case ctx.Err() != nil && killed.Load():
		log.Info("command cancelled", zap.Error(ctx.Err()))
		return out, ctx.Err()
	}

	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			log.Warn("command wait failed", zap.Error(waitErr))
		}
	}

	log.Info("command finished",
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}
