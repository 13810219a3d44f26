package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"stylus-builder/internal/builder"
	"stylus-builder/internal/credential"
	"stylus-builder/internal/protocol"
	"stylus-builder/internal/session"
	"stylus-builder/internal/stream"
	"stylus-builder/internal/watcher"
)

const maxRequestBytes = 8 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req protocol.BuildRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := builder.ValidateBuild(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The request context is cancelled when the client disconnects, which
	// kills the build.
	res := s.builds.Build(r.Context(), req, nil)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCompileStream(w http.ResponseWriter, r *http.Request) {
	var req protocol.BuildRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := builder.ValidateBuild(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := stream.NewChannelSink(0, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sink.Finish()
		s.builds.Build(ctx, req, sink)
	}()

	// The deadline covers a single write; a step may stay silent for as long
	// as the build timeout allows.
	err := stream.WriteNDJSON(sink, w, func() error {
		// Not every ResponseWriter supports deadlines.
		_ = rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		return nil
	}, func() error {
		if err := rc.Flush(); err != nil {
			return err
		}
		_ = rc.SetWriteDeadline(time.Time{})
		return nil
	})
	if err != nil {
		s.logger.Info("stream consumer gone", zap.Error(err))
		cancel()
		for range sink.C() {
		}
	}
	<-done
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeployRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := validateDeploy(req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.DeploymentResult{
			RPCUsed: req.RPCURL,
			Error:   err.Error(),
			Output:  []protocol.Event{},
		})
		return
	}

	res := s.builds.Deploy(r.Context(), req)
	status := http.StatusOK
	if res.Error == builder.ErrMsgSessionNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

// validateDeploy rejects malformed input before the session is touched.
// The normalized credential is discarded; Deploy normalizes it again.
func validateDeploy(req protocol.DeployRequest) error {
	if err := protocol.ValidateDeployRequest(req); err != nil {
		return err
	}
	if _, err := credential.Normalize(req.PrivateKey); err != nil {
		return err
	}
	if endpoint := strings.TrimSpace(req.RPCURL); endpoint != "" {
		return builder.ValidateEndpoint(endpoint)
	}
	return nil
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	res, ok := s.builds.Result(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "build not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionFiles(w http.ResponseWriter, r *http.Request) {
	dir, err := s.registry.Resolve(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("X-File-Count", strconv.Itoa(watcher.CountFiles(dir)))
	writeJSON(w, http.StatusOK, watcher.BuildFileTree(dir, watcher.MaxTreeDepth))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !sess.State.Terminal() {
		writeError(w, http.StatusConflict, "session is "+string(sess.State)+"; wait for it to finish")
		return
	}

	last := sess.State
	if last == session.StateCleaned {
		last = sess.LastState
	}
	s.registry.MarkTerminal(id, last)

	writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	live := 0
	for _, sess := range s.registry.List() {
		if sess.State != session.StateCleaned {
			live++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": live,
	})
}

