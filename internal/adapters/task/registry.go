package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
)

// DriverRegistry maps a node's driver name to its composed capabilities.
type DriverRegistry struct {
	mu      sync.RWMutex
	drivers map[string]*ports.DriverSet
}

func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{drivers: make(map[string]*ports.DriverSet)}
}

func (r *DriverRegistry) Register(name string, set *ports.DriverSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = set
}

func (r *DriverRegistry) Resolve(node *domain.Node) (*ports.DriverSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.drivers[node.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: driver %q for node %s is not loaded", domain.ErrNotFound, node.Driver, node.UUID)
	}
	return set, nil
}

func (r *DriverRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
