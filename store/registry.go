package store

import "sync"

// Collection maps a logical collection to its DynamoDB table.
type Collection struct {
	// Name is the collection name used by the engine (e.g., "orders").
	Name string

	// TableName is the DynamoDB table holding the collection (e.g., "pos_orders").
	TableName string
}

// Registry holds all known collections. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Collection
	byTable map[string]Collection
	order   []string
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]Collection),
		byTable: make(map[string]Collection),
	}
}

// Register adds a collection to the registry, replacing an earlier
// registration with the same name.
func (r *Registry) Register(c Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byName[c.Name]; ok {
		delete(r.byTable, old.TableName)
	} else {
		r.order = append(r.order, c.Name)
	}
	r.byName[c.Name] = c
	r.byTable[c.TableName] = c
}

// Table returns the table name for a collection.
func (r *Registry) Table(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c.TableName, ok
}

// ByTable returns the collection stored in a table.
func (r *Registry) ByTable(table string) (Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTable[table]
	return c, ok
}

// All returns every registered collection in registration order.
func (r *Registry) All() []Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Collection, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}
