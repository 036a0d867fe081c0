package tunnel

import (
	"sync"
)

// RegistryStats is a snapshot of Registry counters.
type RegistryStats struct {
	Tunnels int
}

// CreateResult is returned by Registry.Create on success.
type CreateResult struct {
	ID           string
	Port         int
	MaxConnCount int
}

// Registry maps subdomain ids to live Tunnels, serializing creation with a
// coarse lock so two simultaneous connect requests for the same id can
// never both win.
//
// localtunnel-server has a known quirk where a stale tunnel's close event
// can remove a newly created tunnel sharing its id after a collision. Here
// map entries are only ever deleted by removeIfCurrent, which a Tunnel's own
// OnClose callback invokes with that specific *Tunnel pointer (Remove just
// closes the tunnel and lets that callback do the deletion) — a stale
// tunnel's callback therefore always fails the identity check and leaves
// the replacement tunnel untouched.
type Registry struct {
	createMu sync.Mutex

	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tunnels: make(map[string]*Tunnel),
	}
}

// Get returns the tunnel currently registered for id, if any.
func (r *Registry) Get(id string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	return t, ok
}

// Has reports whether id currently has a live tunnel.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Create builds a SocketPool sized maxClientSockets (hard cap
// 2·maxClientSockets), binds a Tunnel to it, and starts
// listening. Any existing tunnel under id is closed first (collision
// policy: new wins). The replacement is inserted into the map before the
// pool starts listening, so a concurrent Create(id) call observes the
// reservation rather than racing past it; createMu serializes the whole
// sequence so two concurrent Create calls for the same id can't interleave.
func (r *Registry) Create(id string, maxClientSockets int) (CreateResult, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if old, ok := r.Get(id); ok {
		old.Close()
	}

	pool := NewSocketPool(maxClientSockets, maxClientSockets*2)
	t := New(id, pool)
	t.OnClose(func() { r.removeIfCurrent(id, t) })

	r.mu.Lock()
	r.tunnels[id] = t
	r.mu.Unlock()

	port, err := pool.Start()
	if err != nil {
		r.removeIfCurrent(id, t)
		return CreateResult{}, err
	}

	return CreateResult{ID: id, Port: port, MaxConnCount: maxClientSockets}, nil
}

// Remove closes and deregisters the tunnel at id, if any. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	t, ok := r.tunnels[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	t.Close()
}

// removeIfCurrent deletes id from the map only if the tunnel stored there is
// still the same pointer passed in — the fix for the stale-close-event
// quirk described on Registry.
func (r *Registry) removeIfCurrent(id string, t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tunnels[id]; ok && cur == t {
		delete(r.tunnels, id)
	}
}

// Stats returns a snapshot of the registry's tunnel count.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{Tunnels: len(r.tunnels)}
}

// Ids returns a snapshot slice of all currently registered tunnel ids, for
// diagnostics and the daemon's periodic metrics gauge polling.
func (r *Registry) Ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tunnels))
	for id := range r.tunnels {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every registered tunnel, for server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	r.mu.Unlock()

	for _, t := range tunnels {
		t.Close()
	}
}
