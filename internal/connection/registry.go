package connection

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// State is the per-device connection lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StatePairing       State = "pairing"
	StateConnected     State = "connected"
	StateClosing       State = "closing"
	StateReconnecting  State = "reconnecting"
	// StateLoggedOut is terminal: the remote side invalidated the session and
	// the device must be explicitly re-paired.
	StateLoggedOut State = "logged_out"
	// StateFailed is terminal: the reconnect budget is exhausted.
	StateFailed State = "failed"
)

// Registry is the process-scoped set of live device entries. The map itself
// is guarded by one mutex; each entry carries its own lock so state
// transitions for one device serialize without blocking other devices.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*deviceEntry
	closed  bool
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*deviceEntry)}
}

type deviceEntry struct {
	mu sync.Mutex

	deviceID string
	userID   uuid.UUID
	tenantID uuid.UUID

	state     State
	transport Transport
	authState *authSnapshot
	// gen increments on every transport handoff; event handlers from a
	// superseded transport see a stale gen and drop out.
	gen uint64

	pairingCode      string
	pairingExpiresAt time.Time
	pairingReady     chan struct{}
	pairingOnce      sync.Once

	retries int
	bo      *backoff.ExponentialBackOff
}

// authSnapshot is the entry's mutable copy of the session material, updated
// by credential events and flushed through the credential store.
type authSnapshot struct {
	mu          sync.Mutex
	credentials map[string]any
}

func (a *authSnapshot) set(creds map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.credentials == nil {
		a.credentials = make(map[string]any)
	}
	for k, v := range creds {
		a.credentials[k] = v
	}
}

func (a *authSnapshot) get() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.credentials))
	for k, v := range a.credentials {
		out[k] = v
	}
	return out
}

// acquire returns the entry for a device, creating it if needed. The caller
// must release with entry.mu.Unlock. Returns nil after Shutdown.
func (r *Registry) acquire(deviceID string, userID, tenantID uuid.UUID) *deviceEntry {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	e, ok := r.entries[deviceID]
	if !ok {
		e = &deviceEntry{
			deviceID:     deviceID,
			userID:       userID,
			tenantID:     tenantID,
			state:        StateUninitialized,
			authState:    &authSnapshot{},
			pairingReady: make(chan struct{}),
		}
		r.entries[deviceID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	return e
}

// get returns the entry without creating one, already locked, or nil.
func (r *Registry) get(deviceID string) *deviceEntry {
	r.mu.Lock()
	e, ok := r.entries[deviceID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	return e
}

// peek returns the entry unlocked, for read-only snapshots.
func (r *Registry) peek(deviceID string) *deviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[deviceID]
}

// remove drops the entry from the map. The caller tears down its transport.
func (r *Registry) remove(deviceID string) {
	r.mu.Lock()
	delete(r.entries, deviceID)
	r.mu.Unlock()
}

// drain marks the registry closed and hands back every entry for teardown.
func (r *Registry) drain() []*deviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]*deviceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.entries = make(map[string]*deviceEntry)
	return out
}

// connectedIDs lists the devices currently in the connected state.
func (r *Registry) connectedIDs() []string {
	r.mu.Lock()
	entries := make([]*deviceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var out []string
	for _, e := range entries {
		e.mu.Lock()
		if e.state == StateConnected && e.transport != nil {
			out = append(out, e.deviceID)
		}
		e.mu.Unlock()
	}
	return out
}

// size reports how many devices are currently tracked.
func (r *Registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// signalPairing records a fresh artifact and wakes anyone waiting for the
// first one. Caller holds e.mu.
func (e *deviceEntry) signalPairing(code string, expiresAt time.Time) {
	e.pairingCode = code
	e.pairingExpiresAt = expiresAt
	e.state = StatePairing
	e.pairingOnce.Do(func() { close(e.pairingReady) })
}

// hasValidPairing checks the artifact against wall-clock time.
func (e *deviceEntry) hasValidPairing(now time.Time) bool {
	return e.pairingCode != "" && now.Before(e.pairingExpiresAt)
}
