package relay

import (
	"fmt"
	"strings"
	"sync"
)

type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory makes OpenStore route scheme to factory. Registered
// factories take precedence over the built-in schemes.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// OpenStore builds a Store from a DSN: memory://, file:///path/state.json
// (or a bare path), sqlite://path (sqlite://:memory: included),
// postgres://... . An empty DSN yields a memory store.
func OpenStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	scheme, rest, found := strings.Cut(dsn, "://")
	if !found {
		scheme, rest = "", dsn
	}
	scheme = normalizeScheme(scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "", "file":
		if strings.TrimSpace(rest) == "" {
			return nil, fmt.Errorf("%w: dsn %q has no path", ErrInvalidInput, dsn)
		}
		return NewFileStore(rest)
	case "sqlite", "sqlite3":
		if strings.TrimSpace(rest) == "" {
			return nil, fmt.Errorf("%w: dsn %q has no path", ErrInvalidInput, dsn)
		}
		return NewSQLiteStore(rest)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("%w: store scheme %s", ErrNotImplemented, scheme)
	}
}
