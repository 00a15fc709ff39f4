package gateway

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps gateway names to adapter instances. It is populated once at
// startup and validated against the configured gateway records, so an
// unknown or misconfigured gateway fails fast instead of at request time.
// Adapters cache configuration only; they hold no mutable financial state.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Gateway
	transfer TransferGateway
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Gateway)}
}

// Register adds an adapter. Registering the same name twice is a programming
// error and panics.
func (r *Registry) Register(gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[gw.Name()]; exists {
		panic(fmt.Sprintf("gateway %q registered twice", gw.Name()))
	}
	r.byName[gw.Name()] = gw
}

// SetTransferGateway sets the cross-border transfer adapter.
func (r *Registry) SetTransferGateway(tg TransferGateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfer = tg
}

// Get returns the adapter for a gateway name.
func (r *Registry) Get(name string) (Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.byName[name]
	return gw, ok
}

// TransferGateway returns the cross-border transfer adapter.
func (r *Registry) TransferGateway() (TransferGateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transfer, r.transfer != nil
}

// Names returns registered gateway names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every active gateway record has a registered adapter.
// Called at startup; an active record without an adapter is a fatal
// misconfiguration.
func (r *Registry) Validate(records []*Record) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range records {
		if !rec.Active {
			continue
		}
		if _, ok := r.byName[rec.Name]; !ok {
			return fmt.Errorf("active gateway %q has no registered adapter", rec.Name)
		}
	}
	return nil
}
