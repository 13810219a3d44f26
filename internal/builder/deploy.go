package builder

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"stylus-builder/internal/credential"
	"stylus-builder/internal/diagnostics"
	"stylus-builder/internal/protocol"
	"stylus-builder/internal/runner"
	"stylus-builder/internal/session"
	"stylus-builder/internal/stream"
)

// Deploy error strings callers can match on.
const (
	ErrMsgSessionNotFound = "session not found"
	ErrMsgTimeout         = "timeout"
	ErrMsgNoAddress       = "no contract address found in deploy output"
)

var (
	addressPattern = regexp.MustCompile(`\b0x[0-9a-fA-F]{40}\b`)
	hashPattern    = regexp.MustCompile(`\b0x[0-9a-fA-F]{64}\b`)
	addressLabel   = regexp.MustCompile(`(?i)address`)
	txLabel        = regexp.MustCompile(`(?i)tx hash|transaction`)
	activationLine = regexp.MustCompile(`(?i)activat`)
)

// Deploy publishes the artifact of a previously built session. The
// credential exists only in the deploy process's argument list for the
// duration of the call. Deploy terminal states remove the workspace;
// input rejected up front leaves it in place for a corrected retry.
func (s *Service) Deploy(ctx context.Context, req protocol.DeployRequest) protocol.DeploymentResult {
	endpoint := strings.TrimSpace(req.RPCURL)
	if endpoint == "" {
		endpoint = s.settings.DefaultRPC
	}
	res := protocol.DeploymentResult{RPCUsed: endpoint, Output: []protocol.Event{}}

	if err := protocol.ValidateDeployRequest(req); err != nil {
		res.Error = err.Error()
		return res
	}

	dir, err := s.registry.Resolve(req.SessionID)
	if err != nil {
		res.Error = ErrMsgSessionNotFound
		return res
	}
	log := s.logger.With(zap.String("session", req.SessionID))

	if err := s.registry.Transition(req.SessionID, session.StateSucceeded, session.StateValidatingCredential); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			res.Error = ErrMsgSessionNotFound
		} else {
			res.Error = fmt.Sprintf("session is not ready for deployment: %v", err)
		}
		return res
	}

	key, err := credential.Normalize(req.PrivateKey)
	if err == nil {
		err = ValidateEndpoint(endpoint)
	}
	if err != nil {
		res.Error = err.Error()
		// Back to deployable.
		s.setState(req.SessionID, session.StateSucceeded)
		log.Info("deploy rejected", zap.Error(err))
		return res
	}

	s.setState(req.SessionID, session.StateDeploying)
	em := stream.NewEmitter(nil)
	c := s.adapter.Deploy(dir, key, endpoint)
	c.Timeout = s.settings.DeployTimeout

	state := s.runDeploy(ctx, c, em, &res)
	s.registry.MarkTerminal(req.SessionID, state)
	res.Output = em.Events()

	log.Info("deploy finished",
		zap.String("state", string(state)),
		zap.String("endpoint", endpoint),
		zap.String("address", res.ContractAddress),
	)
	return res
}

func (s *Service) runDeploy(ctx context.Context, c runner.Command, em *stream.Emitter, res *protocol.DeploymentResult) session.State {
	if c.Name == "" {
		res.Error = "toolchain has no deploy command"
		return session.StateFailed
	}

	out, err := s.runner.Run(ctx, c, em)
	var spawnErr *runner.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		res.Error = err.Error()
		return session.StateFailed
	case err != nil:
		res.Error = "cancelled"
		return session.StateFailed
	case out.TimedOut:
		res.Error = ErrMsgTimeout
		return session.StateTimedOut
	}

	ids := parseDeployOutput(collect(em.Events(), protocol.EventStdout) + collect(em.Events(), protocol.EventStderr))
	res.ContractAddress = ids.address
	res.DeploymentTxHash = ids.tx
	res.ActivationTxHash = ids.activation

	switch {
	case out.ExitCode != 0:
		res.Error = fmt.Sprintf("deploy exited with code %d", out.ExitCode)
		return session.StateFailed
	case ids.address == "":
		res.Error = ErrMsgNoAddress
		return session.StateFailed
	}
	res.Success = true
	return session.StateDeployed
}

// ValidateEndpoint accepts absolute http and https URLs.
func ValidateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid rpc url %q: expected an http or https URL", raw)
	}
	return nil
}

type deployIDs struct {
	address    string
	tx         string
	activation string
}

// parseDeployOutput extracts the first contract address and transaction
// hashes from deploy output. Labelled lines win over bare matches.
func parseDeployOutput(text string) deployIDs {
	var ids deployIDs
	var bareAddress, bareTx string

	for _, line := range strings.Split(diagnostics.StripANSI(text), "\n") {
		if hash := hashPattern.FindString(line); hash != "" {
			switch {
			case activationLine.MatchString(line):
				if ids.activation == "" {
					ids.activation = hash
				}
			case txLabel.MatchString(line):
				if ids.tx == "" {
					ids.tx = hash
				}
			case bareTx == "":
				bareTx = hash
			}
		}
		if addr := addressPattern.FindString(line); addr != "" {
			if addressLabel.MatchString(line) {
				if ids.address == "" {
					ids.address = addr
				}
			} else if bareAddress == "" {
				bareAddress = addr
			}
		}
	}

	if ids.address == "" {
		ids.address = bareAddress
	}
	if ids.tx == "" {
		ids.tx = bareTx
	}
	return ids
}
