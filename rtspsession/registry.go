// Package rtspsession owns the server-side session registry: per-session
// state, keyed by identifier and by the peer address that last touched it.
package rtspsession

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is a server session's lifecycle state.
type State int

const (
	// StateInit is the state a session begins in, before PLAY.
	StateInit State = iota
	// StateReady means SETUP succeeded but PLAY has not started delivery.
	StateReady
	// StatePlaying means PLAY is actively delivering RTP packets.
	StatePlaying
	// StateRecording is reserved for RECORD support (not implemented; the
	// state exists so StateRecording transitions can be rejected explicitly
	// rather than falling through to "unknown state").
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StatePlaying:
		return "PLAYING"
	case StateRecording:
		return "RECORDING"
	default:
		return "UNKNOWN"
	}
}

// Sender is the subset of an RTP sender's lifecycle the session needs to
// drive; it decouples rtspsession from rtpsender to avoid an import cycle.
type Sender interface {
	Start()
	Stop()
}

// Session is a single server-side RTSP session.
type Session struct {
	ID         string
	State      State
	LastPeer   string // last-seen peer address, e.g. "203.0.113.7:51000"
	Sender     Sender
}

// ErrNotFound is returned by Find when no session matches.
var ErrNotFound = errors.New("session not found")

// Registry owns every live server session, indexed by identifier and by
// peer address. All mutations are serialized by a single exclusive lock,
// as spec.md §4.2/§5 requires.
type Registry struct {
	mu        sync.Mutex
	byID      map[string]*Session
	byAddress map[string]map[string]struct{} // address -> set of session IDs
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]*Session),
		byAddress: make(map[string]map[string]struct{}),
	}
}

// Create mints a fresh UUID session identifier, inserts a new session in
// StateInit, and records it in the by-address index for peerAddr.
func (r *Registry) Create(peerAddr string) (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess := &Session{
		ID:       id.String(),
		State:    StateInit,
		LastPeer: peerAddr,
	}
	r.byID[sess.ID] = sess
	r.indexAddressLocked(peerAddr, sess.ID)
	return sess, nil
}

// Find looks up a session by identifier.
func (r *Registry) Find(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// WithLock runs fn while holding the registry's exclusive lock, passing the
// session found by id. It is how callers mutate a session's fields or
// invoke method handlers that touch the session, without widening the lock
// scope to the whole dispatch path. fn must not call back into the
// registry.
func (r *Registry) WithLock(id string, fn func(*Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	return fn(sess)
}

// UpdateLastSeen records peerAddr as the session's last-seen address,
// maintaining the by-address index.
func (r *Registry) UpdateLastSeen(id string, peerAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if sess.LastPeer != peerAddr {
		r.deindexAddressLocked(sess.LastPeer, id)
		sess.LastPeer = peerAddr
		r.indexAddressLocked(peerAddr, id)
	}
	return nil
}

// Delete removes a specific session, used on TEARDOWN.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byID[id]
	if !ok {
		return
	}
	r.deindexAddressLocked(sess.LastPeer, id)
	delete(r.byID, id)
}

// Purge removes every session whose last-seen address equals addr, used on
// TCP idle timeout or connection reset. It returns the removed sessions so
// the caller can stop their senders outside the lock.
func (r *Registry) Purge(addr string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byAddress[addr]
	if len(ids) == 0 {
		return nil
	}
	removed := make([]*Session, 0, len(ids))
	for id := range ids {
		if sess, ok := r.byID[id]; ok {
			removed = append(removed, sess)
			delete(r.byID, id)
		}
	}
	delete(r.byAddress, addr)
	return removed
}

// Count returns the number of live sessions. Intended for statistics only.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *Registry) indexAddressLocked(addr, id string) {
	set, ok := r.byAddress[addr]
	if !ok {
		set = make(map[string]struct{})
		r.byAddress[addr] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) deindexAddressLocked(addr, id string) {
	set, ok := r.byAddress[addr]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.byAddress, addr)
	}
}
