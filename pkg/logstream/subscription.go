package logstream

import (
	"sync"
	"time"
)

// Subscription is one subscriber's view of a session's log stream.
// Entries arrive on C in non-decreasing sequence order with no gaps and
// no duplicates. The subscriber owns its replay cursor; closing the
// subscription affects neither other subscribers nor the buffer.
type Subscription struct {
	broker    *broker
	sessionID string
	keepalive time.Duration

	mu    sync.Mutex
	queue []Entry

	out    chan Entry
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// C returns the entry channel. It is closed after Close.
func (s *Subscription) C() <-chan Entry {
	return s.out
}

// SessionID returns the subscribed session id.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Close detaches the subscription and releases its resources. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.done)
	})
}

// push enqueues an entry for delivery. Appends never block on slow
// subscribers; the pending queue absorbs the backlog.
func (s *Subscription) push(e Entry) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump delivers queued entries to the output channel, emitting a
// heartbeat when the stream has been idle for the keepalive interval.
// Heartbeats are synthesized here and never touch the buffer.
func (s *Subscription) pump() {
	defer close(s.out)

	for {
		entry, ok := s.pop()
		if ok {
			select {
			case s.out <- entry:
				continue
			case <-s.done:
				return
			}
		}

		var idle <-chan time.Time
		if s.keepalive > 0 {
			idle = time.After(s.keepalive)
		}

		select {
		case <-s.notify:
		case <-idle:
			hb := Entry{
				SessionID: s.sessionID,
				Timestamp: time.Now(),
				Heartbeat: true,
			}

			select {
			case s.out <- hb:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) pop() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return Entry{}, false
	}

	entry := s.queue[0]
	s.queue = s.queue[1:]

	return entry, true
}
