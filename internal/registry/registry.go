// Package registry maps printer names to their device adapters.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/openfab/printfleet/internal/printer"
)

// Registry is a thread-safe name → adapter map. It owns no adapter lifecycle
// beyond lookup; Unregister does not disconnect the adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]printer.Controller
	logger   *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]printer.Controller),
		logger:   logger,
	}
}

// Register adds or replaces the adapter for name.
func (r *Registry) Register(name string, ctrl printer.Controller) {
	r.mu.Lock()
	r.adapters[name] = ctrl
	r.mu.Unlock()
	r.logger.Info("printer registered", "printer", name)
}

// Unregister removes name. Returns false if it was not registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.adapters[name]
	delete(r.adapters, name)
	r.mu.Unlock()
	if ok {
		r.logger.Info("printer unregistered", "printer", name)
	}
	return ok
}

// Get returns the adapter registered under name, or a KindNotFound error.
func (r *Registry) Get(name string) (printer.Controller, error) {
	r.mu.RLock()
	ctrl, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, printer.NewError(printer.KindNotFound, "registry.get", "printer "+name+" is not registered")
	}
	return ctrl, nil
}

// Names returns all registered printer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
