// Package registry provides a process-wide, keyed table of live
// transports, since a process can legitimately run more than one
// transport (distinct TSIs, distinct multicast groups) at once.
package registry

import (
	"sync"

	"github.com/pkg/errors"
)

// Handle is the minimal surface a registered transport must expose; it is
// satisfied by *pgm.Transport without this package importing pgm (which
// would invert the dependency direction pgm -> registry callers expect).
type Handle interface {
	Destroy() error
}

var (
	errAlreadyRegistered = errors.New("registry: key already registered")
	errNotFound          = errors.New("registry: key not found")
)

// Registry is a process-wide lookup table of live transports, keyed by
// whatever identity the caller chooses (typically a TSI's string form).
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]Handle
}

// New creates an empty registry. Most processes want exactly one,
// constructed once at startup and shared.
func New() *Registry {
	return &Registry{byKey: make(map[string]Handle)}
}

// Global is the process-wide registry every Transport self-registers with
// on New and deregisters from on Destroy, so a process hosting multiple
// transports has one place to enumerate or tear them all down from.
var Global = New()

// Register adds h under key, failing if key is already in use.
func (r *Registry) Register(key string, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[key]; ok {
		return errors.Wrapf(errAlreadyRegistered, "key=%s", key)
	}
	r.byKey[key] = h
	return nil
}

// Lookup returns the transport registered under key, if any.
func (r *Registry) Lookup(key string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byKey[key]
	return h, ok
}

// Unregister removes key from the table without destroying its transport;
// callers that also want to tear it down should call Handle.Destroy first.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, key)
}

// DestroyAndUnregister destroys the transport registered under key and
// removes it from the table, e.g. on process shutdown.
func (r *Registry) DestroyAndUnregister(key string) error {
	r.mu.Lock()
	h, ok := r.byKey[key]
	if ok {
		delete(r.byKey, key)
	}
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(errNotFound, "key=%s", key)
	}
	return h.Destroy()
}

// Len reports the number of currently registered transports.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Each calls fn once per registered (key, handle) pair. fn must not call
// back into the registry.
func (r *Registry) Each(fn func(key string, h Handle)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, h := range r.byKey {
		fn(k, h)
	}
}

// DestroyAll destroys every registered transport and empties the table,
// collecting (not stopping at) the first error.
func (r *Registry) DestroyAll() error {
	r.mu.Lock()
	handles := make(map[string]Handle, len(r.byKey))
	for k, h := range r.byKey {
		handles[k] = h
	}
	r.byKey = make(map[string]Handle)
	r.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
