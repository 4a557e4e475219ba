package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/starwalker/kvlayer/kverrors"
)

// registry is a process-wide map from backend name (storage_type) to
// constructor, built at process start by each backend subpackage's
// init() calling Register -- the same pattern database/sql drivers use
// to register themselves via blank import.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a named backend constructor to the registry. It panics on
// duplicate registration of the same name, since that can only happen
// from a programming error at init time (two backend packages claiming
// the same storage_type), not from user input.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("storage: backend %q already registered", name))
	}
	registry[name] = ctor
}

// New resolves cfg's storage_type against the registry and constructs the
// backend. It fails with kverrors.BadConfig if storage_type is missing or
// unregistered.
func New(cfg Config) (Backend, error) {
	name, _ := cfg["storage_type"].(string)
	if name == "" {
		return nil, kverrors.New(kverrors.BadConfig, "config missing required storage_type")
	}
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, kverrors.New(kverrors.BadConfig, "unregistered storage_type %q (available: %v)", name, Available())
	}
	return ctor(cfg)
}

// Available lists the currently registered backend names, sorted for
// stable diagnostics.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
