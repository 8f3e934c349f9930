// Package gen implements the container generator collaborator from
// spec.md §4.5 (C5): for every reflected type carrying the
// resource_provider_type_meta marker, synthesize a container wrapper
// holding a container_id alongside the payload, plus the three
// indexed-repository query handles (insert, update_by_id, delete_by_id)
// a resource provider mutator needs to manage instances of that type.
//
// The source synthesizes a wrapper struct and its query handles purely
// from a runtime reflect.Type, once per type, from a hook fired at
// reflection-registration time. Go generics are resolved at compile
// time, not from a runtime reflect.Type, so the payload type parameter
// must be supplied by the caller as a type argument: RegisterContainer
// is called once per concrete resource payload type (typically next to
// that type's kanreflect.Registry.Register call); this package does not
// hook Registry.OnStructRegistered at all, and the payload's init/shutdown
// hooks are dispatched from the bindings RegisterContainer creates. See
// DESIGN.md.
package gen

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kan-engine/kanrt/kanreflect"
	"github.com/kan-engine/kanrt/kanrecord"
)

// Container is the synthesized wrapper from spec.md §4.5: "a wrapper
// struct... containing an unsigned 64-bit container_id and the payload".
type Container[T any] struct {
	ContainerID uint64
	Payload     T
}

// initer and shutdowner are the optional payload hooks the generator
// delegates init/shutdown functors to, per spec.md §4.5's "register
// init/shutdown functors that delegate to the payload's init/shutdown".
type initer interface{ ResourceInit() error }
type shutdowner interface{ ResourceShutdown() }

// ContainerTable is the per-type backing store RegisterContainer
// creates: a kanrecord.Table[Container[T]] keyed directly by
// container_id (the table row ID and the container_id are the same
// number), so a lookup by container_id is a plain Table.Get.
type ContainerTable[T any] struct {
	table *kanrecord.Table[Container[T]]
}

// Table exposes the underlying table for type-safe callers (tests, or
// a consumer system that already knows T).
func (c *ContainerTable[T]) Table() *kanrecord.Table[Container[T]] { return c.table }

// Get returns the payload stored under containerID.
func (c *ContainerTable[T]) Get(containerID uint64) (T, bool) {
	row, ok := c.table.Get(kanrecord.ID(containerID))
	return row.Payload, ok
}

// binding is the type-erased "mutator trailing record" from spec.md
// §4.5: the three query handles a resource provider mutator (which only
// ever knows a type by name) needs to drive a ContainerTable[T] without
// itself being generic over T.
type binding struct {
	typeName   string
	insert     func(containerID uint64, payload any) error
	updateByID func(containerID uint64, payload any) error
	deleteByID func(containerID uint64)
}

// Generator is the registry-generation-time collaborator. One Generator
// is normally shared by every resource payload type in a process.
type Generator struct {
	mu       sync.Mutex
	bindings []*binding
}

// NewGenerator returns an empty generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// RegisterContainer synthesizes Container[T]'s backing table and trailing
// record for the type registered under typeName, which must already
// carry the resource_provider_type_meta marker (kanreflect.Registry.
// MarkResourceType). Re-registering the same name is an error: each
// resource type gets exactly one container table.
func RegisterContainer[T any](gen *Generator, registry *kanreflect.Registry, typeName string) (*ContainerTable[T], error) {
	info, ok := registry.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("kanresource/gen: unknown type %q", typeName)
	}
	if !info.IsResourceType() {
		return nil, fmt.Errorf("kanresource/gen: type %q is not marked as a resource type", typeName)
	}

	gen.mu.Lock()
	for _, b := range gen.bindings {
		if b.typeName == typeName {
			gen.mu.Unlock()
			return nil, fmt.Errorf("kanresource/gen: container already generated for %q", typeName)
		}
	}
	gen.mu.Unlock()

	ct := &ContainerTable[T]{table: kanrecord.NewTable[Container[T]]()}

	b := &binding{
		typeName: typeName,
		insert: func(containerID uint64, payload any) error {
			p, ok := payload.(T)
			if !ok {
				return fmt.Errorf("kanresource/gen: payload for %q has the wrong Go type", typeName)
			}
			if initer, ok := any(p).(initer); ok {
				if err := initer.ResourceInit(); err != nil {
					return err
				}
			}
			ct.table.InsertWithID(kanrecord.ID(containerID), Container[T]{ContainerID: containerID, Payload: p})
			return nil
		},
		updateByID: func(containerID uint64, payload any) error {
			p, ok := payload.(T)
			if !ok {
				return fmt.Errorf("kanresource/gen: payload for %q has the wrong Go type", typeName)
			}
			return ct.table.Update(kanrecord.ID(containerID), Container[T]{ContainerID: containerID, Payload: p})
		},
		deleteByID: func(containerID uint64) {
			if row, ok := ct.table.Get(kanrecord.ID(containerID)); ok {
				if s, ok := any(row.Payload).(shutdowner); ok {
					s.ResourceShutdown()
				}
			}
			ct.table.Delete(kanrecord.ID(containerID))
		},
	}

	gen.mu.Lock()
	gen.bindings = append(gen.bindings, b)
	sort.Slice(gen.bindings, func(i, j int) bool { return gen.bindings[i].typeName < gen.bindings[j].typeName })
	gen.mu.Unlock()

	return ct, nil
}

// lookup binary-searches the sorted trailing records by type name, per
// spec.md §4.5: "sorted by contained-type name so container lookup is a
// binary search".
func (g *Generator) lookup(typeName string) (*binding, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := sort.Search(len(g.bindings), func(i int) bool { return g.bindings[i].typeName >= typeName })
	if i < len(g.bindings) && g.bindings[i].typeName == typeName {
		return g.bindings[i], true
	}
	return nil, false
}

// Insert creates a new container row of the named type under containerID,
// running the payload's ResourceInit if it implements one.
func (g *Generator) Insert(typeName string, containerID uint64, payload any) error {
	b, ok := g.lookup(typeName)
	if !ok {
		return fmt.Errorf("kanresource/gen: no container generated for %q", typeName)
	}
	return b.insert(containerID, payload)
}

// Update replaces the payload of an existing container row in place.
func (g *Generator) Update(typeName string, containerID uint64, payload any) error {
	b, ok := g.lookup(typeName)
	if !ok {
		return fmt.Errorf("kanresource/gen: no container generated for %q", typeName)
	}
	return b.updateByID(containerID, payload)
}

// Delete removes a container row, running the payload's ResourceShutdown
// if it implements one.
func (g *Generator) Delete(typeName string, containerID uint64) error {
	b, ok := g.lookup(typeName)
	if !ok {
		return fmt.Errorf("kanresource/gen: no container generated for %q", typeName)
	}
	b.deleteByID(containerID)
	return nil
}

// Has reports whether a container table has been generated for typeName.
func (g *Generator) Has(typeName string) bool {
	_, ok := g.lookup(typeName)
	return ok
}
