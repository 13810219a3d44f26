package session

import "time"

// State represents the lifecycle state of a session.
type State string

const (
	StateCreated                 State = "created"
	StateMaterializing           State = "materializing"
	StateInstallingPrerequisites State = "installing_prerequisites"
	StateBuilding                State = "building"
	StateSucceeded               State = "succeeded"
	StateFailed                  State = "failed"
	StateTimedOut                State = "timed_out"
	StateSpawnError              State = "spawn_error"
	StateValidatingCredential    State = "validating_credential"
	StateDeploying               State = "deploying"
	StateDeployed                State = "deployed"
	StateCleaned                 State = "cleaned"
)

// Terminal reports whether no further work will run in the session.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateSpawnError, StateDeployed, StateCleaned:
		return true
	}
	return false
}

// Session holds metadata and state for a single build workspace.
type Session struct {
	ID            string    `json:"id"`
	State         State     `json:"state"`
	WorkspacePath string    `json:"workspacePath"`
	CreatedAt     time.Time `json:"createdAt"`
	// LastState is the terminal state reached before cleanup.
	LastState State `json:"lastState,omitempty"`
}
