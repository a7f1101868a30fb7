// Package events carries session lifecycle notifications out of the state
// machine, so interested parties (UI shells, audit sinks) observe logins,
// warnings and expiries without polling session state.
package events

import "time"

// Type identifies a session lifecycle event
type Type string

const (
	TypeLogin        Type = "login"
	TypeMFAChallenge Type = "mfa_challenge"
	TypeWarning      Type = "warning"
	TypeTimeout      Type = "timeout"
	TypeExpired      Type = "expired"
	TypeLogout       Type = "logout"
)

// Event is a session lifecycle notification
type Event struct {
	Type        Type      `json:"type"`
	PrincipalID string    `json:"principal_id,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher publishes session lifecycle events. Publishing is best-effort;
// a failing publisher never blocks a state transition.
type Publisher interface {
	Publish(event Event) error
}
