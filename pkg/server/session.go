package server

import (
	"github.com/everything-os/shift/pkg/ids"
)

// Role distinguishes the privileged Admin client (creates/switches sessions)
// from an ordinary Normal session (renders content, readies itself).
type Role string

const (
	RoleAdmin  Role = "Admin"
	RoleNormal Role = "Session"
)

// Stage is a session's position in its lifecycle, independent of whether it
// is currently active or awake (those are orchestrator-wide overlay state,
// see Orchestrator.IsAwake).
type Stage int

const (
	// StagePending: a token has been issued but no client has bound to it.
	StagePending Stage = iota
	// StageLoading: a Normal client has bound but not yet sent session_ready.
	StageLoading
	// StageOccupied: a Normal session has readied itself and is eligible to
	// become active. Admin sessions move directly to Occupied on bind,
	// since they have no session_ready step.
	StageOccupied
)

func (s Stage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageLoading:
		return "loading"
	case StageOccupied:
		return "occupied"
	default:
		return "unknown"
	}
}

// Session is the server's record of one session's identity and lifecycle
// stage. Active/awake status is tracked separately by the Orchestrator,
// since it is a relationship between sessions, not a property any one
// session owns.
type Session struct {
	ID          ids.SessionID
	Role        Role
	DisplayName string
	Stage       Stage
	Ready       bool
}

// Info is the wire-visible projection of a Session, sent in SessionInfo
// payloads.
type Info struct {
	ID          ids.SessionID
	Role        Role
	Ready       bool
	DisplayName string
}

func (s *Session) Info() Info {
	return Info{ID: s.ID, Role: s.Role, Ready: s.Ready, DisplayName: s.DisplayName}
}
