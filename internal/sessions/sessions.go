// Package sessions holds the process-wide mapping of PTY session IDs to
// the device that owns them. It survives client reconnects — the mapping
// lives independently of any single WebSocket connection.
package sessions

import "sync"

// Registry is the single owned map of sessionId -> deviceId. All access
// goes through its three atomic operations.
type Registry struct {
	mu     sync.RWMutex
	owners map[string]string
}

func New() *Registry {
	return &Registry{owners: make(map[string]string)}
}

// Claim records deviceId as the owner of sessionId. Called after a PTY is
// created.
func (r *Registry) Claim(sessionID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[sessionID] = deviceID
}

// Owner returns the device owning sessionId, if any.
func (r *Registry) Owner(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deviceID, ok := r.owners[sessionID]
	return deviceID, ok
}

// Release removes sessionId from the registry. Called after close or on
// PTY exit.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, sessionID)
}

// SessionsOwnedBy returns every session ID currently attributed to
// deviceId. Used to rebuild a reconnecting client's ownership set.
func (r *Registry) SessionsOwnedBy(deviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for sessionID, owner := range r.owners {
		if owner == deviceID {
			out = append(out, sessionID)
		}
	}
	return out
}
