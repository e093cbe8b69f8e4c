package logstream_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapsuite/zapsuite/pkg/logstream"
)

func newBroker(t *testing.T, cfg logstream.Config) logstream.Broker {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return logstream.NewBroker(log, cfg)
}

// collect reads n non-heartbeat entries from the subscription, failing the
// test if they do not arrive within the deadline.
func collect(t *testing.T, sub *logstream.Subscription, n int) []logstream.Entry {
	t.Helper()

	out := make([]logstream.Entry, 0, n)
	deadline := time.After(5 * time.Second)

	for len(out) < n {
		select {
		case e, ok := <-sub.C():
			require.True(t, ok, "subscription closed early")

			if e.Heartbeat {
				continue
			}

			out = append(out, e)
		case <-deadline:
			t.Fatalf("timed out waiting for entries, got %d of %d", len(out), n)
		}
	}

	return out
}

func TestBroker_ReplayThenLive(t *testing.T) {
	b := newBroker(t, logstream.Config{})

	for i := range 5 {
		b.Append("s1", fmt.Sprintf("line %d", i))
	}

	sub := b.Subscribe("s1")
	defer sub.Close()

	for i := 5; i < 10; i++ {
		b.Append("s1", fmt.Sprintf("line %d", i))
	}

	entries := collect(t, sub, 10)

	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Sequence)
		assert.Equal(t, fmt.Sprintf("line %d", i), e.Message)
		assert.Equal(t, "s1", e.SessionID)
	}
}

func TestBroker_NoGapsOrDuplicatesUnderConcurrency(t *testing.T) {
	b := newBroker(t, logstream.Config{})

	const (
		writers  = 4
		perWrite = 50
		total    = writers * perWrite
	)

	// Subscribe mid-stream while appends race, then assert the delivered
	// sequences form exactly 0..total-1.
	var wg sync.WaitGroup

	for w := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range perWrite {
				b.Append("s1", fmt.Sprintf("w%d-%d", w, i))
			}
		}()
	}

	sub := b.Subscribe("s1")
	defer sub.Close()

	wg.Wait()

	entries := collect(t, sub, total)
	seen := make(map[uint64]bool, total)

	var last int64 = -1

	for _, e := range entries {
		assert.False(t, seen[e.Sequence], "duplicate sequence %d", e.Sequence)
		seen[e.Sequence] = true

		assert.Greater(t, int64(e.Sequence), last, "out of order sequence %d", e.Sequence)
		last = int64(e.Sequence)
	}

	assert.Len(t, seen, total)
}

func TestBroker_IndependentSessions(t *testing.T) {
	b := newBroker(t, logstream.Config{})

	b.Append("a", "for a")
	b.Append("b", "for b")

	sub := b.Subscribe("a")
	defer sub.Close()

	entries := collect(t, sub, 1)
	assert.Equal(t, "for a", entries[0].Message)
	assert.Equal(t, uint64(0), entries[0].Sequence)

	// Each session numbers from zero.
	bEntries := b.Entries("b")
	require.Len(t, bEntries, 1)
	assert.Equal(t, uint64(0), bEntries[0].Sequence)
}

func TestBroker_RetentionDropsOldest(t *testing.T) {
	b := newBroker(t, logstream.Config{Retention: 3})

	for i := range 10 {
		b.Append("s1", fmt.Sprintf("line %d", i))
	}

	entries := b.Entries("s1")
	require.Len(t, entries, 3)

	// Later subscribers replay only what is retained; sequences still
	// reflect the original append order.
	assert.Equal(t, uint64(7), entries[0].Sequence)
	assert.Equal(t, uint64(9), entries[2].Sequence)

	sub := b.Subscribe("s1")
	defer sub.Close()

	replayed := collect(t, sub, 3)
	assert.Equal(t, "line 7", replayed[0].Message)
	assert.Equal(t, "line 9", replayed[2].Message)
}

func TestBroker_Heartbeats(t *testing.T) {
	b := newBroker(t, logstream.Config{Keepalive: 10 * time.Millisecond})

	sub := b.Subscribe("s1")
	defer sub.Close()

	select {
	case e := <-sub.C():
		assert.True(t, e.Heartbeat)
		assert.Equal(t, "s1", e.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat received")
	}

	// Heartbeats are synthetic and never stored.
	assert.Empty(t, b.Entries("s1"))
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	b := newBroker(t, logstream.Config{})

	sub := b.Subscribe("s1")
	sub.Close()
	sub.Close()

	// The output channel closes once the pump drains.
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after Close")
	}

	// Appending after a subscriber leaves must not panic or block.
	b.Append("s1", "still fine")
	assert.Len(t, b.Entries("s1"), 1)
}

func TestBroker_SlowSubscriberDoesNotBlockAppends(t *testing.T) {
	b := newBroker(t, logstream.Config{})

	sub := b.Subscribe("s1")
	defer sub.Close()

	// Nobody reads from sub while appending; Append must never block.
	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := range 1000 {
			b.Append("s1", fmt.Sprintf("line %d", i))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("appends blocked on a slow subscriber")
	}

	entries := collect(t, sub, 1000)
	assert.Equal(t, uint64(999), entries[999].Sequence)
}
