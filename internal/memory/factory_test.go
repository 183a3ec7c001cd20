package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryProvidesAllSubsystems(t *testing.T) {
	f, err := NewFactory(FactoryOptions{InMemory: true, Capacity: 10})
	require.NoError(t, err)

	for _, name := range f.Names() {
		store, err := f.Subsystem(name)
		require.NoError(t, err)
		assert.Equal(t, name, store.Name())
	}

	_, err = f.Subsystem("episodic")
	require.Error(t, err)
}

func TestPersistedRoundTrip(t *testing.T) {
	dir := t.TempDir()

	build := func() *Factory {
		f, err := NewFactory(FactoryOptions{DataDir: dir, Capacity: 50})
		require.NoError(t, err)
		return f
	}

	f := build()
	factual, _ := f.Subsystem(SubsystemFactual)
	require.NoError(t, factual.StoreItem(factItem("f1", "The sky is blue", "sky")))

	concept, _ := f.Subsystem(SubsystemConcept)
	require.NoError(t, concept.StoreItem(Item{
		ID:   "c1",
		Type: TypeConcept,
		Content: ConceptContent{
			Name:          "Sky",
			Relationships: []Relationship{{Type: "has_color", Target: "Blue", Strength: 1}},
		},
	}))
	require.NoError(t, f.Shutdown())

	// A fresh factory over the same directory sees the persisted items with
	// their typed content restored.
	f2 := build()
	factual2, _ := f2.Subsystem(SubsystemFactual)
	resp, err := factual2.Query(Query{Type: TypeFact, Term: "sky"})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "The sky is blue", resp.Items[0].Content)

	concept2, _ := f2.Subsystem(SubsystemConcept)
	resp, err = concept2.Query(Query{Type: TypeConcept, Term: "blue"})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	content := resp.Items[0].Content.(ConceptContent)
	assert.Equal(t, "Sky", content.Name)
	require.Len(t, content.Relationships, 1)
	assert.Equal(t, "has_color", content.Relationships[0].Type)
}

func TestSnapshotRestore(t *testing.T) {
	f, err := NewFactory(FactoryOptions{DataDir: t.TempDir(), Capacity: 50})
	require.NoError(t, err)
	factual, _ := f.Subsystem(SubsystemFactual)

	originals := make([]Item, 0, 5)
	for i := 0; i < 5; i++ {
		item := factItem(fmt.Sprintf("f%d", i), fmt.Sprintf("original fact %d", i), "snapshot")
		originals = append(originals, item)
		require.NoError(t, factual.StoreItem(item))
	}

	ts, err := factual.CreateSnapshot()
	require.NoError(t, err)
	require.NotEmpty(t, ts)

	// Mutate after the snapshot.
	require.NoError(t, factual.Update("f0", Patch{Content: "mutated fact"}))
	require.NoError(t, factual.Delete("f4"))
	require.NoError(t, factual.StoreItem(factItem("f9", "new fact", "post")))

	require.NoError(t, factual.RestoreSnapshot(ts))

	for _, original := range originals {
		resp, err := factual.Query(Query{Type: TypeFact, Term: original.Content.(string)})
		require.NoError(t, err)
		require.Len(t, resp.Items, 1, "item %s must be restored", original.ID)
		assert.Equal(t, original.ID, resp.Items[0].ID)
	}
	assert.Equal(t, 5, factual.Size())

	stamps, err := factual.ListSnapshots()
	require.NoError(t, err)
	assert.Contains(t, stamps, ts)
}

func TestSnapshotAll(t *testing.T) {
	f, err := NewFactory(FactoryOptions{DataDir: t.TempDir(), Capacity: 10})
	require.NoError(t, err)

	event, _ := f.Subsystem(SubsystemEvent)
	require.NoError(t, event.StoreItem(Item{
		ID:      "e1",
		Type:    TypeEvent,
		Content: EventContent{Description: "cycle complete", Timestamp: time.Now().UTC().Format(time.RFC3339)},
	}))

	stamps := f.SnapshotAll()
	assert.Len(t, stamps, 4)
	for _, name := range f.Names() {
		assert.NotEmpty(t, stamps[name])
	}
}
