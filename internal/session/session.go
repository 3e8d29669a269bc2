// Package session holds the controller's record of one user's use of
// a proxy spec, and the store that keeps those records consistent
// across concurrent requests and controller restarts.
package session

import "time"

type State string

const (
	// StateClaiming is the reserved-but-unprovisioned slot created by a
	// successful claim, before any backend exists.
	StateClaiming State = "claiming"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// transitions is the state machine graph. Failed always proceeds to
// Stopping so failed sessions are cleaned up, never left dangling.
var transitions = map[State][]State{
	StateClaiming: {StateStarting, StateFailed, StateStopping},
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped},
	StateFailed:   {StateStopping},
	StateStopped:  {},
}

// CanTransition reports whether from → to is a valid edge.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Live states hold or will hold a backend and count against the
// per-user limit.
func (s State) Live() bool {
	return s == StateClaiming || s == StateStarting || s == StateRunning
}

func (s State) Terminal() bool {
	return s == StateStopped
}

// Session is the unit of orchestration. State transitions go through
// the engine only; LastActivityAt is tracked separately by the store
// (see Store.Touch) because the traffic router writes it concurrently.
type Session struct {
	ID     string   `json:"id"`
	Owner  string   `json:"owner"`
	Groups []string `json:"groups,omitempty"`
	SpecID string   `json:"spec_id"`

	State State `json:"state"`

	// BackendRef is set at most once, entering Starting, and never
	// reassigned.
	BackendRef string `json:"backend_ref,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`

	// FailureReason is recorded for user-facing display when the
	// session fails to provision or dies.
	FailureReason string `json:"failure_reason,omitempty"`
	StopReason    string `json:"stop_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`

	// LastActivityAt is filled from the activity key on load; the
	// value inside the record itself is not authoritative.
	LastActivityAt time.Time `json:"last_activity_at,omitzero"`

	// Version guards optimistic-concurrency updates.
	Version int64 `json:"version"`
}
