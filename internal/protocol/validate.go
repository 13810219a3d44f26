package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeBuildStart:  true,
	TypeDeployStart: true,
	TypeBuildCancel: true,
}

// ValidateBuildRequest checks that exactly one of code or files is usable.
func ValidateBuildRequest(req BuildRequest) error {
	if strings.TrimSpace(req.Code) == "" && len(req.Files) == 0 {
		return fmt.Errorf("either 'code' or 'files' is required")
	}
	for i, f := range req.Files {
		if strings.TrimSpace(f.Path) == "" {
			return fmt.Errorf("files[%d]: missing required field 'path'", i)
		}
	}
	return nil
}

// ValidateDeployRequest checks required deploy fields. Credential format is
// validated separately so the error can carry the offending length.
func ValidateDeployRequest(req DeployRequest) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return fmt.Errorf("missing required field 'session_id'")
	}
	if strings.TrimSpace(req.PrivateKey) == "" {
		return fmt.Errorf("missing required field 'private_key'")
	}
	return nil
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeBuildStart:
		var p BuildRequest
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if err := ValidateBuildRequest(p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}

	case TypeDeployStart:
		var p DeployRequest
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if err := ValidateDeployRequest(p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}

	case TypeBuildCancel:
		var p BuildCancelPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if strings.TrimSpace(p.RequestID) == "" {
			return nil, fmt.Errorf("invalid payload for %s: missing required field 'requestId'", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
