package session

import (
	"time"
)

// Kind identifies a session's position in the suite hierarchy.
type Kind string

const (
	KindSuite Kind = "suite"
	KindRepo  Kind = "repo"
	KindTest  Kind = "test"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Session is a tracked unit of work. Instances returned by the registry
// are snapshots; mutating them has no effect on the registry's state.
type Session struct {
	ID        string     `json:"id"`
	ParentID  string     `json:"parent_id,omitempty"`
	Kind      Kind       `json:"kind"`
	Label     string     `json:"label"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
