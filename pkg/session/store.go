package session

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ShardCount is the number of independently locked shards.
const ShardCount = 32

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Store holds active sessions keyed by (username, session id). Different
// sessions can be updated concurrently; updates to one session are exclusive.
type Store struct {
	shards    [ShardCount]*shard
	maxWindow int
	timeout   time.Duration
	created   atomic.Int64
}

// NewStore creates a store whose sessions keep at most maxWindow commands and
// expire after timeout without activity.
func NewStore(maxWindow int, timeout time.Duration) *Store {
	st := &Store{maxWindow: maxWindow, timeout: timeout}
	for i := range st.shards {
		st.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return st
}

func key(username, sessionID string) string {
	return username + "\x00" + sessionID
}

func (st *Store) shardFor(k string) *shard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return st.shards[h.Sum32()%ShardCount]
}

// With runs fn on the session for (username, sessionID) while holding its
// shard lock, creating the session if needed. A session that went idle past
// the timeout, or was marked expired, is replaced by a fresh one.
func (st *Store) With(username, sessionID string, at time.Time, fn func(s *Session)) {
	k := key(username, sessionID)
	sh := st.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[k]
	if ok && (s.State == StateExpired || s.Idle(at, st.timeout)) {
		ok = false
	}
	if !ok {
		s = New(username, sessionID, at, st.maxWindow)
		sh.sessions[k] = s
		st.created.Add(1)
	}
	fn(s)
}

// Get returns a snapshot of one session.
func (st *Store) Get(username, sessionID string) (Snapshot, bool) {
	k := key(username, sessionID)
	sh := st.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[k]
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// ForUser returns snapshots of the user's sessions, most recently active first.
func (st *Store) ForUser(username string) []Snapshot {
	var out []Snapshot
	for _, sh := range st.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			if s.Username == username {
				out = append(out, s.Snapshot())
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Len returns the number of sessions held.
func (st *Store) Len() int {
	n := 0
	for _, sh := range st.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// Created returns how many sessions have been opened since start.
func (st *Store) Created() int64 {
	return st.created.Load()
}

// Sweep expires and evicts sessions idle past the timeout as of now and
// returns how many were removed. Cumulative risk does not survive eviction.
func (st *Store) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range st.shards {
		sh.mu.Lock()
		for k, s := range sh.sessions {
			if s.State == StateExpired || s.Idle(now, st.timeout) {
				s.State = StateExpired
				delete(sh.sessions, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
