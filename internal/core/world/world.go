// Package world implements the indexed entity/component store that zone
// extensions use for per-room simulation state: an entity table keyed by
// caller-assigned IDs, a component-name reverse index kept in lockstep with
// it, and a priority-ordered system pipeline stepped once per tick.
package world

import (
	"reflect"
	"sort"

	"github.com/zonekit/server/internal/core/actor"
	"go.uber.org/zap"
)

// DefaultPriority is used by AddSystem when the caller has no ordering needs.
const DefaultPriority = 100

// SystemFunc is invoked once per Step with the world's query handle.
// Systems perform their own entity/component reads and writes; the world
// does not inspect their results.
type SystemFunc func(q Query)

type systemEntry struct {
	priority int
	seq      uint64 // first-registration order, ties execute in this order
	key      uintptr
	fn       SystemFunc
}

// World owns one simulated space. The systems list is managed exclusively by
// the world's own actor goroutine (AddSystem/RemoveSystem/Step serialize
// through its mailbox); the entity and index tables are reachable directly
// through the Query handle without that serialization.
type World struct {
	name    string
	tables  *tables
	systems []systemEntry
	nextSeq uint64
	mbox    *actor.Mailbox
	log     *zap.Logger
}

func New(name string, log *zap.Logger) *World {
	w := &World{
		name: name,
		tables: &tables{
			entities: make(map[EntityID][]Component),
			index:    make(map[string]map[EntityID]struct{}),
		},
		systems: make([]systemEntry, 0, 8),
		mbox:    actor.NewMailbox(),
		log:     log.With(zap.String("world", name)),
	}
	go w.mbox.Run()
	return w
}

func (w *World) Name() string { return w.name }

// Query returns the copyable handle granting direct table access.
// See the Query doc for the concurrency contract.
func (w *World) Query() Query {
	return Query{t: w.tables, world: w.name}
}

// Stop shuts the world's actor down after draining queued operations.
func (w *World) Stop() {
	w.mbox.Close()
	<-w.mbox.Done()
}

// AddSystem registers fn at the given priority. Lower priorities execute
// first; equal priorities execute in first-registration order. Re-adding a
// callback updates its priority but keeps its original order slot.
func (w *World) AddSystem(fn SystemFunc, priority int) error {
	key := reflect.ValueOf(fn).Pointer()
	return w.mbox.Call(func() {
		for i := range w.systems {
			if w.systems[i].key == key {
				w.systems[i].priority = priority
				w.systems[i].fn = fn
				w.resort()
				return
			}
		}
		w.nextSeq++
		w.systems = append(w.systems, systemEntry{
			priority: priority,
			seq:      w.nextSeq,
			key:      key,
			fn:       fn,
		})
		w.resort()
	})
}

// RemoveSystem unregisters fn by identity. No-op if it was never added.
func (w *World) RemoveSystem(fn SystemFunc) error {
	key := reflect.ValueOf(fn).Pointer()
	return w.mbox.Call(func() {
		for i := range w.systems {
			if w.systems[i].key == key {
				w.systems = append(w.systems[:i], w.systems[i+1:]...)
				return
			}
		}
	})
}

// Step runs every registered system in priority order, each receiving the
// query handle. Blocks the caller until the pass completes.
func (w *World) Step() error {
	q := w.Query()
	return w.mbox.Call(func() {
		for _, s := range w.systems {
			s.fn(q)
		}
	})
}

func (w *World) resort() {
	sort.SliceStable(w.systems, func(i, j int) bool {
		if w.systems[i].priority != w.systems[j].priority {
			return w.systems[i].priority < w.systems[j].priority
		}
		return w.systems[i].seq < w.systems[j].seq
	})
}
