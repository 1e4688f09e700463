package scopedstore

import (
	"errors"
	"sort"
)

var ErrUnknownEntity = errors.New("unknown entity")

// Entity describes one table the scoped store may touch. TenantOwned is an
// explicit allow-list decision, never inferred: adding a tenant-owned table
// means adding it here, and nowhere else.
type Entity struct {
	Name        string
	Table       string
	TenantOwned bool
	// TenantColumn defaults to "tenant_id" for tenant-owned entities.
	TenantColumn string
}

type Registry struct {
	entities map[string]Entity
}

func NewRegistry(entities ...Entity) *Registry {
	r := &Registry{entities: make(map[string]Entity, len(entities))}
	for _, entity := range entities {
		if entity.TenantOwned && entity.TenantColumn == "" {
			entity.TenantColumn = "tenant_id"
		}
		r.entities[entity.Name] = entity
	}
	return r
}

func (r *Registry) Get(name string) (Entity, error) {
	entity, ok := r.entities[name]
	if !ok {
		return Entity{}, ErrUnknownEntity
	}
	return entity, nil
}

func (r *Registry) TenantOwnedNames() []string {
	names := make([]string, 0, len(r.entities))
	for name, entity := range r.entities {
		if entity.TenantOwned {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the platform entity set. Tenants and plans are
// platform-level and intentionally outside tenant scoping.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Entity{Name: "menus", Table: "menus", TenantOwned: true},
		Entity{Name: "menu_items", Table: "menu_items", TenantOwned: true},
		Entity{Name: "orders", Table: "orders", TenantOwned: true},
		Entity{Name: "order_items", Table: "order_items", TenantOwned: true},
		Entity{Name: "payments", Table: "payments", TenantOwned: true},
		Entity{Name: "users", Table: "users", TenantOwned: true},
		Entity{Name: "tenants", Table: "tenants", TenantOwned: false},
		Entity{Name: "plans", Table: "plans", TenantOwned: false},
	)
}
