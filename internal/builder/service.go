// Package builder orchestrates build and deploy sessions: it allocates a
// workspace, drives the toolchain through the runner, interprets the
// outcome, and guarantees the workspace is cleaned up.
package builder

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"stylus-builder/internal/artifact"
	"stylus-builder/internal/protocol"
	"stylus-builder/internal/runner"
	"stylus-builder/internal/session"
	"stylus-builder/internal/toolchain"
	"stylus-builder/internal/workspace"
)

// Settings are the tunable limits of the orchestrator.
type Settings struct {
	ArtifactLimitBytes int64
	BuildTimeout       time.Duration
	DeployTimeout      time.Duration
	// MaxConcurrentBuilds bounds parallel builds; zero means unbounded.
	MaxConcurrentBuilds int
	// RetainOnSuccess keeps a successful build's workspace so it can be
	// deployed. It is still removed by the sweep.
	RetainOnSuccess bool
	DefaultRPC      string
	ResultCacheSize int
}

// Service runs build and deploy sessions.
type Service struct {
	settings     Settings
	registry     *session.Registry
	adapter      toolchain.Adapter
	materializer *workspace.Materializer
	runner       *runner.Runner
	archive      artifact.Archive
	results      *lru.Cache[string, protocol.CompilationResult]
	builds       *semaphore.Weighted
	logger       *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithArchive uploads every produced artifact to a.
func WithArchive(a artifact.Archive) Option {
	return func(s *Service) { s.archive = a }
}

// New wires a Service.
func New(settings Settings, registry *session.Registry, adapter toolchain.Adapter, logger *zap.Logger, opts ...Option) (*Service, error) {
	if registry == nil {
		return nil, errors.New("builder: registry is required")
	}
	if adapter == nil {
		return nil, errors.New("builder: toolchain adapter is required")
	}
	if settings.BuildTimeout <= 0 || settings.DeployTimeout <= 0 {
		return nil, fmt.Errorf("builder: timeouts must be positive (build %s, deploy %s)", settings.BuildTimeout, settings.DeployTimeout)
	}
	if settings.ResultCacheSize <= 0 {
		settings.ResultCacheSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New[string, protocol.CompilationResult](settings.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("builder: result cache: %w", err)
	}

	s := &Service{
		settings:     settings,
		registry:     registry,
		adapter:      adapter,
		materializer: workspace.New(adapter),
		runner:       runner.New(logger.Named("runner")),
		results:      cache,
		logger:       logger,
	}
	if settings.MaxConcurrentBuilds > 0 {
		s.builds = semaphore.NewWeighted(int64(settings.MaxConcurrentBuilds))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Result returns a finished build from the cache.
func (s *Service) Result(sessionID string) (protocol.CompilationResult, bool) {
	return s.results.Get(sessionID)
}

// Registry exposes the session registry the service allocates from.
func (s *Service) Registry() *session.Registry { return s.registry }
