package world

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	w := New("arena", zap.NewNop())
	t.Cleanup(w.Stop)
	return w
}

// checkIndexConsistency asserts the component index equals the projection of
// the entity table in both directions.
func checkIndexConsistency(t *testing.T, q Query) {
	t.Helper()
	q.t.mu.RLock()
	defer q.t.mu.RUnlock()

	for name, set := range q.t.index {
		for id := range set {
			comps, ok := q.t.entities[id]
			require.True(t, ok, "index references absent entity %d", id)
			found := false
			for _, c := range comps {
				if c.Name == name {
					found = true
					break
				}
			}
			assert.True(t, found, "index pair (%s,%d) missing from entity table", name, id)
		}
	}
	for id, comps := range q.t.entities {
		for _, c := range comps {
			_, ok := q.t.index[c.Name][id]
			assert.True(t, ok, "entity pair (%s,%d) missing from index", c.Name, id)
		}
	}
}

func TestCreateEntityIdempotent(t *testing.T) {
	q := newTestWorld(t).Query()

	q.CreateEntity(1)
	q.SetComponent("pos", "here", 1)
	q.CreateEntity(1) // must not wipe components

	comps, ok := q.TryGetComponent("pos", 1)
	require.True(t, ok)
	assert.Len(t, comps, 1)
	checkIndexConsistency(t, q)
}

func TestRemoveEntityClearsIndex(t *testing.T) {
	q := newTestWorld(t).Query()

	q.SetComponent("pos", 1, 7)
	q.SetComponent("vel", 2, 7)
	q.SetComponent("pos", 3, 8)

	q.RemoveEntity(7)

	for _, name := range []string{"pos", "vel"} {
		for _, e := range q.MatchComponent(name) {
			assert.NotEqual(t, EntityID(7), e.ID)
		}
	}
	_, ok := q.GetEntity(7)
	assert.False(t, ok)
	checkIndexConsistency(t, q)

	q.RemoveEntity(7) // absent: no-op
	checkIndexConsistency(t, q)
}

func TestSetComponentReplaceDoesNotDuplicateIndex(t *testing.T) {
	q := newTestWorld(t).Query()

	q.SetComponent("pos", "old", 7)
	q.SetComponent("pos", "new", 7)

	matches := q.MatchComponent("pos")
	require.Len(t, matches, 1)
	require.Len(t, matches[0].Components, 1)
	assert.Equal(t, "new", matches[0].Components[0].Data)
	checkIndexConsistency(t, q)
}

func TestSetComponentCreatesEntityImplicitly(t *testing.T) {
	q := newTestWorld(t).Query()

	q.SetComponent("hp", 100, 42)

	e, ok := q.GetEntity(42)
	require.True(t, ok)
	require.Len(t, e.Components, 1)
	assert.Equal(t, "hp", e.Components[0].Name)
	checkIndexConsistency(t, q)
}

func TestRemoveComponent(t *testing.T) {
	q := newTestWorld(t).Query()

	q.SetComponent("pos", 1, 7)
	q.SetComponent("vel", 2, 7)

	q.RemoveComponent("pos", 7)
	_, ok := q.TryGetComponent("pos", 7)
	assert.False(t, ok)
	_, ok = q.TryGetComponent("vel", 7)
	assert.True(t, ok)
	checkIndexConsistency(t, q)

	q.RemoveComponent("pos", 7)  // already gone: no-op
	q.RemoveComponent("pos", 99) // absent entity: no-op
	checkIndexConsistency(t, q)
}

func TestTryGetComponentRoundTrip(t *testing.T) {
	q := newTestWorld(t).Query()

	type vec struct{ X, Y int }

	q.CreateEntity(7)
	q.SetComponent("pos", vec{1, 2}, 7)

	comps, ok := q.TryGetComponent("pos", 7)
	require.True(t, ok)
	require.Len(t, comps, 1)
	assert.Equal(t, Component{Name: "pos", Data: vec{1, 2}}, comps[0])

	_, ok = q.TryGetComponent("vel", 7)
	assert.False(t, ok)
}

func TestMatchComponentsIntersection(t *testing.T) {
	q := newTestWorld(t).Query()

	q.SetComponent("a", nil, 1)
	q.SetComponent("b", nil, 1)
	q.SetComponent("a", nil, 2)
	q.SetComponent("b", nil, 3)
	q.SetComponent("a", nil, 4)
	q.SetComponent("b", nil, 4)
	q.SetComponent("c", nil, 4)

	ids := func(es []Entity) []EntityID {
		out := make([]EntityID, len(es))
		for i, e := range es {
			out[i] = e.ID
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}

	assert.Equal(t, []EntityID{1, 4}, ids(q.MatchComponents([]string{"a", "b"})))
	assert.Equal(t, []EntityID{4}, ids(q.MatchComponents([]string{"a", "b", "c"})))
	assert.Empty(t, q.MatchComponents([]string{"a", "missing"}))
	assert.Empty(t, q.MatchComponents(nil))
}

func TestListEntities(t *testing.T) {
	q := newTestWorld(t).Query()

	q.CreateEntity(1)
	q.SetComponent("pos", nil, 2)

	es := q.ListEntities()
	assert.Len(t, es, 2)
}

func TestSystemsRunInPriorityOrderWithStableTies(t *testing.T) {
	w := newTestWorld(t)

	var order []string
	a := func(Query) { order = append(order, "A") }
	b := func(Query) { order = append(order, "B") }
	c := func(Query) { order = append(order, "C") }

	require.NoError(t, w.AddSystem(a, 50))
	require.NoError(t, w.AddSystem(b, 100))
	require.NoError(t, w.AddSystem(c, 50))

	require.NoError(t, w.Step())
	assert.Equal(t, []string{"A", "C", "B"}, order)
}

func TestAddSystemReaddKeepsOrderSlot(t *testing.T) {
	w := newTestWorld(t)

	var order []string
	a := func(Query) { order = append(order, "A") }
	b := func(Query) { order = append(order, "B") }

	require.NoError(t, w.AddSystem(a, 50))
	require.NoError(t, w.AddSystem(b, 50))
	// Re-add A at the same priority: order slot must not change.
	require.NoError(t, w.AddSystem(a, 50))

	require.NoError(t, w.Step())
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestRemoveSystem(t *testing.T) {
	w := newTestWorld(t)

	var ran bool
	fn := func(Query) { ran = true }

	require.NoError(t, w.AddSystem(fn, DefaultPriority))
	require.NoError(t, w.RemoveSystem(fn))
	require.NoError(t, w.Step())
	assert.False(t, ran)

	require.NoError(t, w.RemoveSystem(fn)) // absent: no-op
}

func TestStepPassesQueryHandle(t *testing.T) {
	w := newTestWorld(t)
	w.Query().SetComponent("hp", 10, 1)

	require.NoError(t, w.AddSystem(func(q Query) {
		for _, e := range q.MatchComponent("hp") {
			q.SetComponent("hp", e.Components[0].Data.(int)-1, e.ID)
		}
	}, DefaultPriority))

	require.NoError(t, w.Step())
	require.NoError(t, w.Step())

	comps, ok := w.Query().TryGetComponent("hp", 1)
	require.True(t, ok)
	assert.Equal(t, 8, comps[0].Data)
}
