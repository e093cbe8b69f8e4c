package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registry allocates hierarchical session ids and tracks lifecycle state.
// It is owned by one suite execution and discarded with it; nothing here
// is process-global.
type Registry interface {
	// Create registers a new session. parentID must name an existing
	// session unless kind is KindSuite.
	Create(parentID string, kind Kind, label string) (*Session, error)

	// Transition moves a session along pending -> running -> terminal.
	// Any other edge is rejected, including re-entering running.
	Transition(id string, status Status) error

	// Get returns a snapshot of the session.
	Get(id string) (*Session, error)

	// Children returns snapshots of the session's children in creation
	// order.
	Children(id string) ([]*Session, error)
}

// Compile-time interface check.
var _ Registry = (*registry)(nil)

type registry struct {
	log      logrus.FieldLogger
	mu       sync.Mutex
	sessions map[string]*Session
	children map[string][]string
	order    []string
}

// NewRegistry creates an empty session registry.
func NewRegistry(log logrus.FieldLogger) Registry {
	return &registry{
		log:      log.WithField("component", "session-registry"),
		sessions: make(map[string]*Session),
		children: make(map[string][]string),
	}
}

// Create registers a new session in pending state.
func (r *registry) Create(parentID string, kind Kind, label string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch kind {
	case KindSuite:
		if parentID != "" {
			return nil, fmt.Errorf("suite session must not have a parent")
		}
	case KindRepo, KindTest:
		parent, ok := r.sessions[parentID]
		if !ok {
			return nil, fmt.Errorf("parent session %q does not exist", parentID)
		}

		if kind == KindRepo && parent.Kind != KindSuite {
			return nil, fmt.Errorf("repo session parent must be a suite session, got %s", parent.Kind)
		}

		if kind == KindTest && parent.Kind != KindRepo {
			return nil, fmt.Errorf("test session parent must be a repo session, got %s", parent.Kind)
		}
	default:
		return nil, fmt.Errorf("unknown session kind %q", kind)
	}

	s := &Session{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Kind:      kind,
		Label:     label,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)

	if parentID != "" {
		r.children[parentID] = append(r.children[parentID], s.ID)
	}

	r.log.WithFields(logrus.Fields{
		"session": s.ID,
		"kind":    kind,
		"label":   label,
	}).Debug("Session created")

	return snapshot(s), nil
}

// Transition enforces the session state machine. Concurrent transitions on
// the same session are a programming error; the losing caller gets an
// invalid-edge error rather than silently overwriting.
func (r *registry) Transition(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session %q does not exist", id)
	}

	valid := (s.Status == StatusPending && status == StatusRunning) ||
		(s.Status == StatusRunning && status.Terminal())
	if !valid {
		return fmt.Errorf(
			"invalid session transition %s -> %s for %q", s.Status, status, id,
		)
	}

	now := time.Now()
	s.Status = status

	switch {
	case status == StatusRunning:
		s.StartedAt = &now
	case status.Terminal():
		// EndedAt is set exactly once, here, when status leaves running.
		s.EndedAt = &now
	}

	r.log.WithFields(logrus.Fields{
		"session": id,
		"status":  status,
	}).Debug("Session transitioned")

	return nil
}

// Get returns a snapshot of the session.
func (r *registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q does not exist", id)
	}

	return snapshot(s), nil
}

// Children returns the session's children in creation order.
func (r *registry) Children(id string) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return nil, fmt.Errorf("session %q does not exist", id)
	}

	ids := r.children[id]
	out := make([]*Session, 0, len(ids))

	for _, childID := range ids {
		out = append(out, snapshot(r.sessions[childID]))
	}

	return out, nil
}

// snapshot returns a copy so callers never observe later mutations.
func snapshot(s *Session) *Session {
	c := *s

	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}

	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}

	return &c
}
