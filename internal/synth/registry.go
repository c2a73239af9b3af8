package synth

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vnttslabs/vntts-core/internal/config"
)

// Factory builds a backend from daemon configuration. Backends register a
// factory from init so the runtime only depends on names.
type Factory func(cfg *config.Config, log *slog.Logger) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a backend factory under name. Duplicate names are a
// programming error.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("synth: duplicate backend registration %q", name))
	}
	registry[name] = factory
}

// Create instantiates the named backend.
func Create(name string, cfg *config.Config, log *slog.Logger) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown synthesis backend %q (registered: %v)", name, Names())
	}
	return factory(cfg, log)
}

// Names lists registered backends in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
