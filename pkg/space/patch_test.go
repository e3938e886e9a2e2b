package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	t.Run("overwrites only named fields", func(t *testing.T) {
		card := &Card{Item: Item{ID: "c1", SpaceID: "s1"}, X: 10, Y: 20, Name: "hello"}

		err := Merge(card, Patch{"id": "c1", "x": 99.0})
		require.NoError(t, err)

		assert.Equal(t, 99.0, card.X)
		assert.Equal(t, 20.0, card.Y)
		assert.Equal(t, "hello", card.Name)
		assert.Equal(t, "s1", card.SpaceID)
	})

	t.Run("ignores broadcast marker", func(t *testing.T) {
		line := &Line{Item: Item{ID: "l1"}, Y: 5}
		patch := Patch{"id": "l1", "y": 6.0, FieldFromBroadcast: true}

		require.NoError(t, Merge(line, patch))
		assert.Equal(t, 6.0, line.Y)
		assert.Contains(t, patch, FieldFromBroadcast, "caller's patch is not modified")
	})

	t.Run("rejects mistyped field", func(t *testing.T) {
		card := &Card{Item: Item{ID: "c1"}}
		err := Merge(card, Patch{"id": "c1", "x": "left"})
		assert.Error(t, err)
	})
}

func TestPatchOf(t *testing.T) {
	conn := &Connection{Item: Item{ID: "k1"}, StartItemID: "a", EndItemID: "b"}

	p, err := PatchOf(conn)
	require.NoError(t, err)

	assert.Equal(t, "k1", p.ID())
	assert.Equal(t, "a", p["startItemId"])
	assert.Equal(t, "b", p["endItemId"])
}

func TestPatchCombine(t *testing.T) {
	p := Patch{"id": "c1", "x": 1.0, "y": 1.0}
	p.Combine(Patch{"id": "c1", "x": 2.0})
	p.Combine(Patch{"id": "c1", "x": 3.0, "name": "z"})

	assert.Equal(t, Patch{"id": "c1", "x": 3.0, "y": 1.0, "name": "z"}, p)
}

func TestKindActions(t *testing.T) {
	tests := []struct {
		kind       Kind
		store      string
		create     string
		updateMany string
		removeMany string
	}{
		{KindCard, StoreCard, "createCard", "updateCards", "removeCards"},
		{KindBox, StoreBox, "createBox", "updateBoxes", "removeBoxes"},
		{KindConnection, StoreConnection, "createConnection", "updateConnections", "removeConnections"},
		{KindLine, StoreLine, "createLine", "updateLines", "removeLines"},
		{KindList, StoreList, "createList", "updateLists", "removeLists"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.store, tt.kind.StoreName())
			assert.Equal(t, tt.create, tt.kind.CreateAction())
			assert.Equal(t, tt.updateMany, tt.kind.UpdateManyAction())
			assert.Equal(t, tt.removeMany, tt.kind.RemoveManyAction())
		})
	}
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.NotEqual(t, NewClientID(), NewClientID())
}
