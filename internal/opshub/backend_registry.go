package opshub

import (
	"strings"
	"sync"
)

type HistoryBackendFactory func(dsn string) (HistoryBackend, error)
type EventQueueFactory func(dsn string, capacity int) (EventQueue, error)

var backendFactoryRegistry = struct {
	mu               sync.RWMutex
	historyFactories map[string]HistoryBackendFactory
	queueFactories   map[string]EventQueueFactory
}{
	historyFactories: map[string]HistoryBackendFactory{},
	queueFactories:   map[string]EventQueueFactory{},
}

func RegisterHistoryBackendFactory(scheme string, factory HistoryBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.historyFactories[scheme] = factory
}

func RegisterEventQueueFactory(scheme string, factory EventQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupHistoryBackendFactory(scheme string) (HistoryBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.historyFactories[scheme]
	return factory, ok
}

func lookupEventQueueFactory(scheme string) (EventQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
