package callsite

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Handlers names the shims and hook pairs directives may refer to.
type Handlers struct {
	mu    sync.RWMutex
	shims map[string]ShimFunc
	hooks map[string]Hooks
	// called records shims that ran at least once, for diagnostics
	called mapset.Set[string]
}

// NewHandlers returns an empty handler registry.
func NewHandlers() *Handlers {
	return &Handlers{
		shims:  make(map[string]ShimFunc),
		hooks:  make(map[string]Hooks),
		called: mapset.NewSet[string](),
	}
}

// RegisterShim makes fn available as "$name". A later registration under
// the same name replaces the earlier one.
func (h *Handlers) RegisterShim(name string, fn ShimFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shims[name] = fn
}

// RegisterHooks makes hooks available as "%name:ENC".
func (h *Handlers) RegisterHooks(name string, hooks Hooks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[name] = hooks
}

// Shim returns the shim registered as name. The returned function records
// its first use.
func (h *Handlers) Shim(name string) (ShimFunc, bool) {
	h.mu.RLock()
	fn, ok := h.shims[name]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return func(ctx *ShimContext) (uint64, error) {
		h.called.Add(name)
		return fn(ctx)
	}, true
}

// Hooks returns the hook pair registered as name.
func (h *Handlers) Hooks(name string) (Hooks, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hooks, ok := h.hooks[name]
	return hooks, ok
}

// ShimNames lists the registered shim names, sorted.
func (h *Handlers) ShimNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.shims)
}

// HookNames lists the registered hook names, sorted.
func (h *Handlers) HookNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.hooks)
}

// Called reports whether the named shim has run.
func (h *Handlers) Called(name string) bool {
	return h.called.ContainsOne(name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
