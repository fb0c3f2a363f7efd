package transport

import (
	"sync"

	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/logs"
)

// SessionStore holds live sessions indexed by session id.
type SessionStore struct {
	lock sync.Mutex
	ids  *SessionIDs

	sessCache map[string]*Session
}

// NewSessionStore initializes a session store.
func NewSessionStore(ids *SessionIDs) *SessionStore {
	return &SessionStore{
		ids:       ids,
		sessCache: make(map[string]*Session),
	}
}

// NewSession creates a session for the peer and saves it to the store. It returns
// the session and the number of live sessions.
func (ss *SessionStore) NewSession(hub *bus.Hub, peer Peer, cfg SessionConfig) (*Session, int) {
	s := NewSession(hub, ss.ids.Next(), peer, cfg)
	s.onClose = func(s *Session) { ss.Delete(s) }

	ss.lock.Lock()
	ss.sessCache[s.sid] = s
	count := len(ss.sessCache)
	ss.lock.Unlock()

	return s, count
}

// Get fetches a session by id.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.sessCache[sid]
}

// Count returns the number of live sessions.
func (ss *SessionStore) Count() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return len(ss.sessCache)
}

// Delete removes a session from the store.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	delete(ss.sessCache, s.sid)
	return len(ss.sessCache)
}

// Shutdown closes all sessions.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	sessions := make([]*Session, 0, len(ss.sessCache))
	for _, s := range ss.sessCache {
		sessions = append(sessions, s)
	}
	ss.lock.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	logs.Info.Printf("SessionStore shut down, sessions terminated: %d", len(sessions))
}
