package commentqueue

import (
	"strings"
	"sync"
)

type StoreFactory func(dsn string, opts Options) (Store, error)
type SettingsFactory func(dsn string, opts Options) (SettingsStore, error)

var backendFactoryRegistry = struct {
	mu                sync.RWMutex
	storeFactories    map[string]StoreFactory
	settingsFactories map[string]SettingsFactory
}{
	storeFactories:    map[string]StoreFactory{},
	settingsFactories: map[string]SettingsFactory{},
}

// RegisterStoreFactory makes OpenFromDSN delegate the given scheme to factory.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.storeFactories[scheme] = factory
}

func RegisterSettingsFactory(scheme string, factory SettingsFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.settingsFactories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.storeFactories[scheme]
	return factory, ok
}

func lookupSettingsFactory(scheme string) (SettingsFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.settingsFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
