// Package hub tracks which relay connections belong to which session.
package hub

import (
	"errors"
	"sort"
	"sync"

	"github.com/vango-go/vai-interpret/pkg/core/types"
)

// ErrClosed is returned by Join after Close.
var ErrClosed = errors.New("hub: registry closed")

// Peer is one connected socket.
type Peer interface {
	ID() string
	// Enqueue queues a frame for writing without blocking. It returns false if
	// the peer's queue is full or the peer is closed.
	Enqueue(frame []byte) bool
	// Close sends a close frame with code and reason and tears the peer down.
	Close(code int, reason string)
}

type member struct {
	peer     Peer
	role     string
	language string
}

// Registry maps session ids to their members under a single lock. Sessions are
// removed as soon as their last member leaves.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[string]*member
	closed   bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]map[string]*member)}
}

// Join adds p to sessionID. The returned leave func is idempotent.
func (r *Registry) Join(sessionID string, p Peer) (leave func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	members := r.sessions[sessionID]
	if members == nil {
		members = make(map[string]*member)
		r.sessions[sessionID] = members
	}
	m := &member{peer: p}
	members[p.ID()] = m

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(sessionID, p.ID(), m) })
	}, nil
}

func (r *Registry) remove(sessionID, peerID string, m *member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.sessions[sessionID]
	if members == nil || members[peerID] != m {
		return
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(r.sessions, sessionID)
	}
}

// SetProfile records a member's announced role and language. It reports
// whether anything changed.
func (r *Registry) SetProfile(sessionID, peerID, role, language string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.sessions[sessionID][peerID]
	if m == nil {
		return false
	}
	if m.role == role && m.language == language {
		return false
	}
	m.role = role
	m.language = language
	return true
}

// Profile returns a member's role and language.
func (r *Registry) Profile(sessionID, peerID string) (role, language string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.sessions[sessionID][peerID]
	if m == nil {
		return "", "", false
	}
	return m.role, m.language, true
}

// Broadcast enqueues frame to every member of sessionID except the one with id
// from (which may be empty). Peers that could not accept the frame are
// returned so the caller can close them.
func (r *Registry) Broadcast(sessionID, from string, frame []byte) (delivered int, slow []Peer) {
	for _, p := range r.Members(sessionID) {
		if p.ID() == from {
			continue
		}
		if p.Enqueue(frame) {
			delivered++
		} else {
			slow = append(slow, p)
		}
	}
	return delivered, slow
}

// Members returns a snapshot of sessionID's peers, ordered by id.
func (r *Registry) Members(sessionID string) []Peer {
	r.mu.Lock()
	members := r.sessions[sessionID]
	out := make([]Peer, 0, len(members))
	for _, m := range members {
		out = append(out, m.peer)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Audience counts members that announced themselves as audience.
func (r *Registry) Audience(sessionID string) types.AudienceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := types.AudienceInfo{LanguageDistribution: map[string]int{}}
	for _, m := range r.sessions[sessionID] {
		if m.role != string(types.RoleAudience) {
			continue
		}
		info.TotalListeners++
		if m.language != "" {
			info.LanguageDistribution[m.language]++
		}
	}
	return info
}

// Each calls fn for every peer of every session, outside the lock.
func (r *Registry) Each(fn func(sessionID string, p Peer)) {
	type pair struct {
		sessionID string
		peer      Peer
	}
	r.mu.Lock()
	all := make([]pair, 0)
	for sid, members := range r.sessions {
		for _, m := range members {
			all = append(all, pair{sid, m.peer})
		}
	}
	r.mu.Unlock()
	for _, p := range all {
		fn(p.sessionID, p.peer)
	}
}

// Sessions returns the number of sessions with at least one member.
func (r *Registry) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Count returns the total number of members.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, members := range r.sessions {
		n += len(members)
	}
	return n
}

// Has reports whether sessionID currently has members.
func (r *Registry) Has(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Close empties the registry, refuses further joins and returns every peer
// that was registered so the caller can close them.
func (r *Registry) Close() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var out []Peer
	for _, members := range r.sessions {
		for _, m := range members {
			out = append(out, m.peer)
		}
	}
	r.sessions = make(map[string]map[string]*member)
	return out
}
