package transport

import (
	"sync"

	utls "github.com/sardanioss/utls"
)

// SessionCache stores the latest TLS session state per origin key so that
// a new tunnel to a previously visited origin can attempt an abbreviated
// handshake. Last writer wins per key; entries live until evicted or the
// process exits.
type SessionCache struct {
	mu sync.RWMutex
	m  map[string]*utls.ClientSessionState
}

func NewSessionCache() *SessionCache {
	return &SessionCache{m: make(map[string]*utls.ClientSessionState)}
}

// Get returns the cached session for key, if any. Unknown keys miss silently.
func (s *SessionCache) Get(key string) (*utls.ClientSessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.m[key]
	return cs, ok
}

// Put stores cs as the latest session for key, replacing any previous entry.
func (s *SessionCache) Put(key string, cs *utls.ClientSessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = cs
}

// Evict drops the entry for key. Called when a tunnel for that origin
// closes with an error, so a stale ticket is never handed out again.
func (s *SessionCache) Evict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Len reports the number of cached origins.
func (s *SessionCache) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// originSessionCache pins the TLS library's per-handshake cache lookups to
// one origin key in the agent-wide cache, ignoring whatever key the library
// derives itself. A pre-supplied session, when present, is served before
// anything cached.
type originSessionCache struct {
	cache    *SessionCache
	key      string
	mu       sync.Mutex
	override *utls.ClientSessionState
}

var _ utls.ClientSessionCache = (*originSessionCache)(nil)

func (o *originSessionCache) Get(string) (*utls.ClientSessionState, bool) {
	o.mu.Lock()
	override := o.override
	o.override = nil
	o.mu.Unlock()
	if override != nil {
		return override, true
	}
	return o.cache.Get(o.key)
}

func (o *originSessionCache) Put(_ string, cs *utls.ClientSessionState) {
	// The TLS library puts nil to invalidate a session it failed with.
	if cs == nil {
		o.cache.Evict(o.key)
		return
	}
	o.cache.Put(o.key, cs)
}
