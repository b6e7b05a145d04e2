package world

import "sync"

// EntityID is an opaque, caller-assigned entity identifier.
type EntityID uint64

// Component is a named datum attached to an entity. Names are unique within
// an entity; Data is application-defined.
type Component struct {
	Name string
	Data any
}

// Entity pairs an ID with a snapshot of its component list.
type Entity struct {
	ID         EntityID
	Components []Component
}

// tables holds the entity table and the component-name reverse index.
// Invariant: (name, id) is in index iff entities[id] has a component called
// name. Every mutating method updates both under the same lock so the
// invariant holds after any single call.
type tables struct {
	mu       sync.RWMutex
	entities map[EntityID][]Component
	index    map[string]map[EntityID]struct{}
}

// Query is a copyable capability granting direct access to a world's tables
// without routing through the owning actor. Individual calls are atomic, but
// compound sequences (read a component, then write it back) from concurrent
// holders interleave freely — callers needing cross-call atomicity must run
// inside the owning actor, e.g. from a system during Step.
type Query struct {
	t     *tables
	world string
}

// World reports the name of the world this handle belongs to.
func (q Query) World() string { return q.world }

// CreateEntity ensures id exists with an empty component list.
// Idempotent: an existing entity is left untouched.
func (q Query) CreateEntity(id EntityID) {
	q.t.mu.Lock()
	defer q.t.mu.Unlock()
	if _, ok := q.t.entities[id]; !ok {
		q.t.entities[id] = nil
	}
}

// RemoveEntity deletes the entity row and every index pair it held.
// No-op if the entity does not exist.
func (q Query) RemoveEntity(id EntityID) {
	q.t.mu.Lock()
	defer q.t.mu.Unlock()
	comps, ok := q.t.entities[id]
	if !ok {
		return
	}
	for _, c := range comps {
		q.unindex(c.Name, id)
	}
	delete(q.t.entities, id)
}

// GetEntity returns a snapshot of the entity's component list.
func (q Query) GetEntity(id EntityID) (Entity, bool) {
	q.t.mu.RLock()
	defer q.t.mu.RUnlock()
	comps, ok := q.t.entities[id]
	if !ok {
		return Entity{}, false
	}
	return Entity{ID: id, Components: cloneComponents(comps)}, true
}

// ListEntities returns all entities in unspecified order.
func (q Query) ListEntities() []Entity {
	q.t.mu.RLock()
	defer q.t.mu.RUnlock()
	out := make([]Entity, 0, len(q.t.entities))
	for id, comps := range q.t.entities {
		out = append(out, Entity{ID: id, Components: cloneComponents(comps)})
	}
	return out
}

// SetComponent attaches (name, data) to the entity, creating the entity if
// needed. Replaces in place when the entity already has the component, and
// guards the index against duplicate pairs in that case.
func (q Query) SetComponent(name string, data any, id EntityID) {
	q.t.mu.Lock()
	defer q.t.mu.Unlock()
	comps := q.t.entities[id]
	replaced := false
	for i := range comps {
		if comps[i].Name == name {
			comps[i].Data = data
			replaced = true
			break
		}
	}
	if !replaced {
		comps = append(comps, Component{Name: name, Data: data})
	}
	q.t.entities[id] = comps

	set, ok := q.t.index[name]
	if !ok {
		set = make(map[EntityID]struct{})
		q.t.index[name] = set
	}
	set[id] = struct{}{}
}

// RemoveComponent detaches name from the entity and drops the matching index
// pair. No-op if the entity lacks the component.
func (q Query) RemoveComponent(name string, id EntityID) {
	q.t.mu.Lock()
	defer q.t.mu.Unlock()
	comps, ok := q.t.entities[id]
	if !ok {
		return
	}
	for i := range comps {
		if comps[i].Name == name {
			q.t.entities[id] = append(comps[:i], comps[i+1:]...)
			q.unindex(name, id)
			return
		}
	}
}

// TryGetComponent reports via the index whether the entity holds name, and on
// success returns the entity's full component list, not just the one
// component. Callers wanting a single datum filter the returned slice.
func (q Query) TryGetComponent(name string, id EntityID) ([]Component, bool) {
	q.t.mu.RLock()
	defer q.t.mu.RUnlock()
	set, ok := q.t.index[name]
	if !ok {
		return nil, false
	}
	if _, ok := set[id]; !ok {
		return nil, false
	}
	return cloneComponents(q.t.entities[id]), true
}

// MatchComponent returns every entity holding name, resolved via the index.
func (q Query) MatchComponent(name string) []Entity {
	q.t.mu.RLock()
	defer q.t.mu.RUnlock()
	set := q.t.index[name]
	out := make([]Entity, 0, len(set))
	for id := range set {
		out = append(out, Entity{ID: id, Components: cloneComponents(q.t.entities[id])})
	}
	return out
}

// MatchComponents returns entities holding all of the given components,
// computed as the intersection of the per-name index sets.
func (q Query) MatchComponents(names []string) []Entity {
	if len(names) == 0 {
		return nil
	}
	q.t.mu.RLock()
	defer q.t.mu.RUnlock()

	// Start from the smallest set, probe the rest.
	smallest := names[0]
	for _, n := range names[1:] {
		if len(q.t.index[n]) < len(q.t.index[smallest]) {
			smallest = n
		}
	}

	out := make([]Entity, 0, len(q.t.index[smallest]))
outer:
	for id := range q.t.index[smallest] {
		for _, n := range names {
			if n == smallest {
				continue
			}
			if _, ok := q.t.index[n][id]; !ok {
				continue outer
			}
		}
		out = append(out, Entity{ID: id, Components: cloneComponents(q.t.entities[id])})
	}
	return out
}

// unindex removes the (name, id) pair. Caller holds the write lock.
func (q Query) unindex(name string, id EntityID) {
	if set, ok := q.t.index[name]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(q.t.index, name)
		}
	}
}

func cloneComponents(comps []Component) []Component {
	if len(comps) == 0 {
		return nil
	}
	out := make([]Component, len(comps))
	copy(out, comps)
	return out
}
