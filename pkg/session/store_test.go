package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lucid-vigil/shellguard/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func evt(user, sid, cmd string, at time.Time) events.CommandEvent {
	return events.CommandEvent{Username: user, SessionID: sid, Command: cmd, Timestamp: at, Source: events.SourceLog}
}

func TestSessionWindowIsBounded(t *testing.T) {
	s := New("alice", "s1", t0, 3)
	for i := 0; i < 5; i++ {
		s.Push(evt("alice", "s1", fmt.Sprintf("cmd-%d", i), t0.Add(time.Duration(i)*time.Second)), float64(i)/10)
	}
	require.Len(t, s.Window, 3)
	assert.Equal(t, "cmd-2", s.Window[0].Event.Command)
	assert.Equal(t, "cmd-4", s.Window[2].Event.Command)
	assert.Equal(t, 5, s.Commands)
	assert.Equal(t, []float64{0.2, 0.3, 0.4}, s.History().Scores)
	assert.Equal(t, 4*time.Second, s.Duration())
}

func TestStoreWithCreatesAndReuses(t *testing.T) {
	st := NewStore(10, 30*time.Minute)

	st.With("alice", "s1", t0, func(s *Session) {
		assert.True(t, s.First())
		s.Cumulative = 0.4
		s.Push(evt("alice", "s1", "id", t0), 0.3)
	})
	st.With("alice", "s1", t0.Add(time.Minute), func(s *Session) {
		assert.False(t, s.First())
		assert.Equal(t, 0.4, s.Cumulative)
	})

	assert.Equal(t, 1, st.Len())
	assert.Equal(t, int64(1), st.Created())

	snap, ok := st.Get("alice", "s1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Commands)
	assert.Equal(t, StateActive, snap.State)
}

func TestStoreIdleSessionStartsFresh(t *testing.T) {
	st := NewStore(10, 30*time.Minute)
	st.With("bob", "s1", t0, func(s *Session) {
		s.Cumulative = 0.9
		s.Push(evt("bob", "s1", "sudo su", t0), 0.9)
	})

	// Not swept yet, but idle past the timeout.
	st.With("bob", "s1", t0.Add(31*time.Minute), func(s *Session) {
		assert.True(t, s.First())
		assert.Equal(t, 0.0, s.Cumulative)
	})
	assert.Equal(t, int64(2), st.Created())
}

func TestStoreSweep(t *testing.T) {
	st := NewStore(10, 30*time.Minute)
	st.With("a", "1", t0, func(s *Session) { s.Push(evt("a", "1", "ls", t0), 0.05) })
	later := t0.Add(20 * time.Minute)
	st.With("b", "2", later, func(s *Session) { s.Push(evt("b", "2", "ls", later), 0.05) })

	assert.Equal(t, 0, st.Sweep(t0.Add(10*time.Minute)))
	assert.Equal(t, 1, st.Sweep(t0.Add(35*time.Minute)))
	_, ok := st.Get("a", "1")
	assert.False(t, ok)
	_, ok = st.Get("b", "2")
	assert.True(t, ok)
}

func TestStoreForUser(t *testing.T) {
	st := NewStore(10, time.Hour)
	st.With("carol", "s1", t0, func(s *Session) { s.Push(evt("carol", "s1", "ls", t0), 0.05) })
	st.With("carol", "s2", t0.Add(time.Minute), func(s *Session) {
		s.Push(evt("carol", "s2", "id", t0.Add(time.Minute)), 0.3)
		s.MarkSuspicious("id")
	})
	st.With("dave", "s3", t0, func(s *Session) {})

	snaps := st.ForUser("carol")
	require.Len(t, snaps, 2)
	assert.Equal(t, "s2", snaps[0].SessionID)
	assert.Equal(t, 1, snaps[0].SuspiciousCount)
	assert.Empty(t, st.ForUser("nobody"))
}

func TestStoreConcurrentSessions(t *testing.T) {
	st := NewStore(100, time.Hour)
	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			user := fmt.Sprintf("user%d", u)
			for i := 0; i < 50; i++ {
				at := t0.Add(time.Duration(i) * time.Second)
				st.With(user, "s", at, func(s *Session) {
					s.Push(evt(user, "s", "ls", at), 0.05)
				})
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 8, st.Len())
	for u := 0; u < 8; u++ {
		snap, ok := st.Get(fmt.Sprintf("user%d", u), "s")
		require.True(t, ok)
		assert.Equal(t, 50, snap.Commands)
	}
}
