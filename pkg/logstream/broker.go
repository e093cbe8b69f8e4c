package logstream

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is one log line attributed to a session. Sequence is assigned by
// the broker at append time and is monotonically increasing per session.
// Heartbeat entries carry no sequence and are never buffered.
type Entry struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Heartbeat bool      `json:"heartbeat,omitempty"`
}

// Broker buffers log lines per session and fans them out to any number of
// subscribers. A subscriber connecting after N appends replays all N
// retained entries before receiving live ones. All methods are safe for
// concurrent use without external locking.
type Broker interface {
	// Append stores a log line under the session and pushes it to all
	// current subscribers for that session.
	Append(sessionID, message string)

	// Subscribe returns a subscription that first replays the session's
	// buffered entries in sequence order, then streams new ones.
	Subscribe(sessionID string) *Subscription

	// Entries returns a snapshot of the session's retained buffer, for
	// polling transports and diagnostics.
	Entries(sessionID string) []Entry
}

// Config for the broker.
type Config struct {
	// Retention caps the number of buffered entries per session; the
	// oldest entries are dropped first. Zero means a default cap.
	Retention int

	// Keepalive is the idle interval after which an open subscription
	// receives a synthetic heartbeat. Zero disables heartbeats.
	Keepalive time.Duration
}

// DefaultRetention is used when Config.Retention is zero.
const DefaultRetention = 10000

// Compile-time interface check.
var _ Broker = (*broker)(nil)

type broker struct {
	log      logrus.FieldLogger
	cfg      Config
	mu       sync.Mutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	entries []Entry
	nextSeq uint64
	subs    map[*Subscription]struct{}
}

// NewBroker creates a new log broker.
func NewBroker(log logrus.FieldLogger, cfg Config) Broker {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	return &broker{
		log:      log.WithField("component", "log-broker"),
		cfg:      cfg,
		sessions: make(map[string]*sessionLog),
	}
}

func (b *broker) sessionLocked(sessionID string) *sessionLog {
	sl, ok := b.sessions[sessionID]
	if !ok {
		sl = &sessionLog{subs: make(map[*Subscription]struct{})}
		b.sessions[sessionID] = sl
	}

	return sl
}

// Append assigns the next sequence, stores the entry and pushes it to all
// current subscribers.
func (b *broker) Append(sessionID, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sl := b.sessionLocked(sessionID)

	entry := Entry{
		SessionID: sessionID,
		Sequence:  sl.nextSeq,
		Timestamp: time.Now(),
		Message:   message,
	}
	sl.nextSeq++

	sl.entries = append(sl.entries, entry)
	if len(sl.entries) > b.cfg.Retention {
		sl.entries = sl.entries[len(sl.entries)-b.cfg.Retention:]
	}

	for sub := range sl.subs {
		sub.push(entry)
	}
}

// Subscribe registers a new subscription, seeding it with the retained
// buffer under the same lock that serializes appends so the stream has no
// gap between replay and live delivery.
func (b *broker) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sl := b.sessionLocked(sessionID)

	sub := &Subscription{
		broker:    b,
		sessionID: sessionID,
		keepalive: b.cfg.Keepalive,
		out:       make(chan Entry),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	sub.queue = make([]Entry, len(sl.entries))
	copy(sub.queue, sl.entries)

	sl.subs[sub] = struct{}{}

	go sub.pump()

	return sub
}

// Entries returns a copy of the session's retained buffer.
func (b *broker) Entries(sessionID string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	sl, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}

	out := make([]Entry, len(sl.entries))
	copy(out, sl.entries)

	return out
}

// remove detaches a subscription; idempotent.
func (b *broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sl, ok := b.sessions[sub.sessionID]; ok {
		delete(sl.subs, sub)
	}
}
