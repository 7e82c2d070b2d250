// Package registry tracks the logical peer connections multiplexed over the
// broadcast channel: identity↔handle mapping, per-connection state, and
// activity timestamps for timeout eviction.
package registry

import (
	"time"

	"github.com/1ureka/broadlink/internal/util"
)

// Handle identifies one logical peer link as seen by the consuming framework.
type Handle = uint64

const (
	// ServerHandle is the reserved handle for the host side of a session.
	ServerHandle Handle = 0

	// handleBase is the first allocatable handle. Everything below it is
	// reserved for framework-assigned IDs.
	handleBase Handle = 1000
)

// Role describes which side of the session a record represents.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// State is the per-connection lifecycle state. Transitions only move
// forward; Connecting and Connected may additionally be removed abruptly.
type State uint8

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Record is the registry's view of one logical connection. The registry
// owns Record lifetime exclusively; callers must treat returned pointers as
// read-only snapshots valid until the next registry mutation.
type Record struct {
	Handle       Handle
	Peer         string // platform-assigned peer identity, natural key
	Role         Role
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	Payload      []byte // connection payload supplied with the request, owned by the record
}

// Registry is the connection table. It is owned by the poll goroutine: the
// medium delivery callback never touches it (it only enqueues), so no
// locking is needed here. It is not safe for concurrent use.
type Registry struct {
	byHandle map[Handle]*Record
	byPeer   map[string]Handle
	next     Handle
}

// New creates an empty registry. Handles are allocated monotonically from
// the base of the non-reserved range and are never reused while the
// registry is alive.
func New() *Registry {
	return &Registry{
		byHandle: make(map[Handle]*Record),
		byPeer:   make(map[string]Handle),
		next:     handleBase,
	}
}

// Create inserts a record in state Connecting and returns its handle. If
// peer already has a live record, the existing handle is returned with
// created=false and no second record is minted. The payload is deep-copied.
//
// Capacity is the caller's concern: the approval protocol checks Len()
// against the configured maximum before admitting a peer.
func (r *Registry) Create(peer string, role Role, payload []byte) (Handle, bool) {
	if h, ok := r.byPeer[peer]; ok {
		util.LogWarning("registry: duplicate identity %q, reusing handle %d", peer, h)
		return h, false
	}

	now := time.Now()
	rec := &Record{
		Handle:       r.next,
		Peer:         peer,
		Role:         role,
		State:        StateConnecting,
		CreatedAt:    now,
		LastActivity: now,
	}
	if len(payload) > 0 {
		rec.Payload = make([]byte, len(payload))
		copy(rec.Payload, payload)
	}

	r.byHandle[rec.Handle] = rec
	r.byPeer[peer] = rec.Handle
	r.next++

	util.Stats.AddPeer()
	return rec.Handle, true
}

// CreateServer inserts the client-side record for the host at the reserved
// ServerHandle. Like Create, a duplicate identity reuses the existing entry.
func (r *Registry) CreateServer(peer string) Handle {
	if h, ok := r.byPeer[peer]; ok {
		return h
	}
	if _, ok := r.byHandle[ServerHandle]; ok {
		util.LogWarning("registry: server record already present, ignoring %q", peer)
		return ServerHandle
	}

	now := time.Now()
	r.byHandle[ServerHandle] = &Record{
		Handle:       ServerHandle,
		Peer:         peer,
		Role:         RoleServer,
		State:        StateConnecting,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.byPeer[peer] = ServerHandle

	util.Stats.AddPeer()
	return ServerHandle
}

// ByHandle returns the record for handle, or nil if unknown.
func (r *Registry) ByHandle(h Handle) *Record {
	return r.byHandle[h]
}

// HandleOf returns the handle mapped to peer. The second result reports
// whether a mapping exists.
func (r *Registry) HandleOf(peer string) (Handle, bool) {
	h, ok := r.byPeer[peer]
	return h, ok
}

// SetState moves the record to state and refreshes its activity timestamp.
// An unknown handle is a warning, not an error.
func (r *Registry) SetState(h Handle, state State) {
	rec, ok := r.byHandle[h]
	if !ok {
		util.LogWarning("registry: SetState(%d, %s) on unknown handle", h, state)
		return
	}
	rec.State = state
	rec.LastActivity = time.Now()
}

// Touch refreshes the activity timestamp of handle, if it exists.
func (r *Registry) Touch(h Handle, now time.Time) {
	if rec, ok := r.byHandle[h]; ok {
		rec.LastActivity = now
	}
}

// Remove deletes both index entries for handle and releases the attached
// payload. Removing an absent handle returns false and does nothing.
func (r *Registry) Remove(h Handle) bool {
	rec, ok := r.byHandle[h]
	if !ok {
		return false
	}
	delete(r.byHandle, h)
	delete(r.byPeer, rec.Peer)
	rec.Payload = nil

	util.Stats.RemovePeer()
	return true
}

// Sweep removes every record whose inactivity window exceeds timeout and
// returns their handles. Each eviction goes through Remove so both indices
// stay consistent.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) []Handle {
	var expired []Handle
	for h, rec := range r.byHandle {
		if now.Sub(rec.LastActivity) > timeout {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		util.LogDebug("registry: handle %d timed out, evicting", h)
		r.Remove(h)
	}
	return expired
}

// Handles returns the live handles in unspecified order.
func (r *Registry) Handles() []Handle {
	out := make([]Handle, 0, len(r.byHandle))
	for h := range r.byHandle {
		out = append(out, h)
	}
	return out
}

// Len reports the number of live records.
func (r *Registry) Len() int {
	return len(r.byHandle)
}

// Clear removes every record. Used on transport shutdown so no residual
// state leaks into a subsequent session.
func (r *Registry) Clear() {
	for h := range r.byHandle {
		r.Remove(h)
	}
}
