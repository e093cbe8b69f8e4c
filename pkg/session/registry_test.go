package session_test

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapsuite/zapsuite/pkg/session"
)

func newRegistry(t *testing.T) session.Registry {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return session.NewRegistry(log)
}

func TestRegistry_Hierarchy(t *testing.T) {
	r := newRegistry(t)

	suite, err := r.Create("", session.KindSuite, "suite")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, suite.Status)
	assert.Empty(t, suite.ParentID)

	repo, err := r.Create(suite.ID, session.KindRepo, "repo-a")
	require.NoError(t, err)
	assert.Equal(t, suite.ID, repo.ParentID)

	test, err := r.Create(repo.ID, session.KindTest, "case.txt#1")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, test.ParentID)

	// Wrong parent kinds are rejected.
	_, err = r.Create(suite.ID, session.KindTest, "bad")
	require.Error(t, err)

	_, err = r.Create(repo.ID, session.KindRepo, "bad")
	require.Error(t, err)

	// Unknown parents are rejected.
	_, err = r.Create("nope", session.KindRepo, "bad")
	require.Error(t, err)

	// A suite session must not have a parent.
	_, err = r.Create(suite.ID, session.KindSuite, "bad")
	require.Error(t, err)
}

func TestRegistry_Transitions(t *testing.T) {
	r := newRegistry(t)

	suite, err := r.Create("", session.KindSuite, "suite")
	require.NoError(t, err)

	// pending -> terminal is not a valid edge.
	require.Error(t, r.Transition(suite.ID, session.StatusSucceeded))

	require.NoError(t, r.Transition(suite.ID, session.StatusRunning))

	got, err := r.Get(suite.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)

	// Re-entering running is rejected.
	require.Error(t, r.Transition(suite.ID, session.StatusRunning))

	require.NoError(t, r.Transition(suite.ID, session.StatusSucceeded))

	got, err = r.Get(suite.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSucceeded, got.Status)
	require.NotNil(t, got.EndedAt)

	endedAt := *got.EndedAt

	// Terminal sessions reject every further edge; EndedAt is set once.
	require.Error(t, r.Transition(suite.ID, session.StatusFailed))
	require.Error(t, r.Transition(suite.ID, session.StatusRunning))

	got, err = r.Get(suite.ID)
	require.NoError(t, err)
	assert.Equal(t, endedAt, *got.EndedAt)
}

func TestRegistry_ConcurrentTransitionsFailLoudly(t *testing.T) {
	r := newRegistry(t)

	suite, err := r.Create("", session.KindSuite, "suite")
	require.NoError(t, err)
	require.NoError(t, r.Transition(suite.ID, session.StatusRunning))

	const goroutines = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)

	for range goroutines {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := r.Transition(suite.ID, session.StatusSucceeded); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	// Exactly one writer wins; the rest get loud errors.
	assert.Equal(t, 1, succeeded)
}

func TestRegistry_ChildrenOrder(t *testing.T) {
	r := newRegistry(t)

	suite, err := r.Create("", session.KindSuite, "suite")
	require.NoError(t, err)

	labels := []string{"a", "b", "c", "d"}
	for _, label := range labels {
		_, err := r.Create(suite.ID, session.KindRepo, label)
		require.NoError(t, err)
	}

	children, err := r.Children(suite.ID)
	require.NoError(t, err)
	require.Len(t, children, len(labels))

	for i, child := range children {
		assert.Equal(t, labels[i], child.Label)
	}
}

func TestRegistry_SnapshotsAreImmutable(t *testing.T) {
	r := newRegistry(t)

	suite, err := r.Create("", session.KindSuite, "suite")
	require.NoError(t, err)

	suite.Status = session.StatusFailed
	suite.Label = "mutated"

	got, err := r.Get(suite.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, got.Status)
	assert.Equal(t, "suite", got.Label)
}
