package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies a single streamed output event.
type EventType string

const (
	EventStdout   EventType = "stdout"
	EventStderr   EventType = "stderr"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
	EventResult   EventType = "result"
)

// Event is one unit of the streaming protocol. Offsets are measured from the
// start of the owning session and never decrease within it.
type Event struct {
	Type              EventType `json:"type"`
	Data              string    `json:"data"`
	TimestampOffsetMs int64     `json:"timestamp_offset_ms"`
}

// ProjectFile is a workspace-relative path and its full text content.
type ProjectFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Diagnostic is a compiler error location extracted from raw tool output.
type Diagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// CompilationResult is the outcome of one build session.
type CompilationResult struct {
	Success           bool         `json:"success"`
	ExitCode          int          `json:"exit_code"`
	Output            []Event      `json:"output"`
	ArtifactSizeBytes *int64       `json:"artifact_size_bytes,omitempty"`
	Errors            []Diagnostic `json:"errors"`
	SessionID         string       `json:"session_id"`
	Error             string       `json:"error,omitempty"`
	ArtifactKey       string       `json:"artifact_key,omitempty"`
}

// DeploymentResult is the outcome of one deploy invocation.
type DeploymentResult struct {
	Success          bool    `json:"success"`
	ContractAddress  string  `json:"contract_address,omitempty"`
	DeploymentTxHash string  `json:"deployment_tx_hash,omitempty"`
	ActivationTxHash string  `json:"activation_tx_hash,omitempty"`
	RPCUsed          string  `json:"rpc_used"`
	Error            string  `json:"error,omitempty"`
	Output           []Event `json:"output"`
}

// BuildRequest carries either a single entry-point blob or a full project.
type BuildRequest struct {
	Code  string        `json:"code,omitempty"`
	Files []ProjectFile `json:"files,omitempty"`
}

// DeployRequest asks for a previously built session to be deployed.
// PrivateKey must never be logged or persisted.
type DeployRequest struct {
	SessionID  string `json:"session_id"`
	PrivateKey string `json:"private_key"`
	RPCURL     string `json:"rpc_url"`
}

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeBuildOutput  = "build.output"
	TypeBuildResult  = "build.result"
	TypeDeployResult = "deploy.result"
	TypeError        = "error"
)

// Client → Server message types.
const (
	TypeBuildStart  = "build.start"
	TypeDeployStart = "deploy.start"
	TypeBuildCancel = "build.cancel"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrBuildBusy       = "BUILD_IN_PROGRESS"
	ErrBuildNotFound   = "BUILD_NOT_FOUND"
	ErrShuttingDown    = "SHUTTING_DOWN"
)

// Client → Server payloads.

// BuildStartPayload is a BuildRequest plus an optional client-chosen id used
// to correlate output and to cancel. The server assigns one when empty.
type BuildStartPayload struct {
	RequestID string `json:"requestId,omitempty"`
	BuildRequest
}

type BuildCancelPayload struct {
	RequestID string `json:"requestId"`
}

// Server → Client payloads.

type BuildOutputPayload struct {
	RequestID string `json:"requestId"`
	Event     Event  `json:"event"`
}

type BuildResultPayload struct {
	RequestID string            `json:"requestId"`
	Result    CompilationResult `json:"result"`
}

type DeployResultPayload struct {
	SessionID string           `json:"sessionId"`
	Result    DeploymentResult `json:"result"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// FileNode represents a file or directory in a workspace tree.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []FileNode `json:"children,omitempty"`
	Size     int64      `json:"size,omitempty"`
}
