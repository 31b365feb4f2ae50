// Package peer implements the process-wide device-id → session handle map
// used for friend/peer message relay.
//
// The concurrency shape follows config.Registry's single RWMutex-guarded map
// (here keyed by device-id instead of provider name) and mcphost.Host's
// connection-map idiom of storing a narrow capability handle rather than the
// whole owning object, so a lookup never lets a caller reach into session
// internals or keep a session alive.
package peer

import "sync"

// Handle is the narrow, non-blocking capability a registered session exposes
// to the registry. The registry never blocks the caller: Offer always
// returns immediately.
type Handle interface {
	// Offer attempts to deliver a relay message without blocking. Returns
	// OfferAccepted, OfferFull (outbound queue saturated), or OfferClosed
	// (session gone).
	Offer(message []byte) OfferResult
}

// OfferResult reports the outcome of a non-blocking Handle.Offer call.
type OfferResult int

const (
	// OfferAccepted indicates the message was queued for delivery.
	OfferAccepted OfferResult = iota
	// OfferFull indicates the peer's outbound queue is saturated.
	OfferFull
	// OfferClosed indicates the peer session is no longer registered.
	OfferClosed
)

// Registry is a process-wide mapping from device-id to a relay Handle. It
// holds no reference that keeps a session alive: entries are inserted at
// handshake and removed at close, and a lookup miss simply means "no such
// peer right now."
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Handle
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Handle)}
}

// Publish registers handle under deviceID, replacing any prior registration
// for the same device-id. Must be called before the handshake ack is sent so
// that a peer lookup arriving immediately after never misses a live session.
func (r *Registry) Publish(deviceID string, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[deviceID] = handle
}

// Revoke removes deviceID's registration, if present. Must be called before
// the session's close notification is processed.
func (r *Registry) Revoke(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, deviceID)
}

// Lookup returns the handle registered under deviceID, or false if none is
// registered.
func (r *Registry) Lookup(deviceID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[deviceID]
	return h, ok
}

// Len reports the number of currently registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
