package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinopio-club/kinopio-sync/internal/notify"
	"github.com/kinopio-club/kinopio-sync/internal/printer"
	"github.com/kinopio-club/kinopio-sync/internal/router"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

func TestReadSnapshot(t *testing.T) {
	t.Run("empty remote space without a file", func(t *testing.T) {
		snap, err := readSnapshot("", "s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", snap.ID)
		assert.True(t, snap.IsRemote)
		assert.Empty(t, snap.Cards)
	})

	t.Run("loads file and fills missing id", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "space.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"isRemote":true,"cards":[{"id":"c1","x":10,"y":20,"name":"hello"}]}`), 0o644))

		snap, err := readSnapshot(path, "s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", snap.ID)
		require.Len(t, snap.Cards, 1)
		assert.Equal(t, "hello", snap.Cards[0].Name)
	})

	t.Run("rejects another space", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "space.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"id":"s2"}`), 0o644))

		_, err := readSnapshot(path, "s1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"s2"`)
	})

	t.Run("rejects malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "space.json")
		require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))

		_, err := readSnapshot(path, "s1")
		require.Error(t, err)
	})
}

func TestEventWriter(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	env := &space.Envelope{
		Message:  space.Message{Name: "updateCard", Action: "updateCard", Store: "cardStore", Updates: json.RawMessage(`{"id":"c1","x":99}`)},
		SpaceID:  "s1",
		User:     &space.User{ID: "u2"},
		ClientID: "A",
	}

	t.Run("default", func(t *testing.T) {
		prev := color.NoColor
		color.NoColor = true
		t.Cleanup(func() { color.NoColor = prev })

		var out bytes.Buffer
		w := newEventWriter(&out, printer.New(&out, &out), false)
		w.now = func() time.Time { return at }

		w.routed(env, router.Applied)
		w.routed(env, router.DroppedStaleRoom)
		w.notification(notify.Event{Kind: notify.ConnectionChanged, Status: notify.StatusOnline, At: at})

		text := out.String()
		assert.Contains(t, text, `cardStore  {"id":"c1","x":99}`)
		assert.Contains(t, text, "cardStore  stale-room")
		assert.Contains(t, text, "connectionChanged")
		assert.Contains(t, text, "online")
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		w := newEventWriter(&out, printer.New(&out, &out), true)
		w.now = func() time.Time { return at }

		w.routed(env, router.Applied)
		w.notification(notify.Event{Kind: notify.OffscreenCardCreated, CardID: "c9", UserID: "u2", At: at})

		dec := json.NewDecoder(&out)
		var first, second watchEvent
		require.NoError(t, dec.Decode(&first))
		require.NoError(t, dec.Decode(&second))

		assert.Equal(t, "message", first.Type)
		assert.Equal(t, "updateCard", first.Name)
		assert.Equal(t, "applied", first.Result)
		assert.Equal(t, "u2", first.UserID)
		assert.JSONEq(t, `{"id":"c1","x":99}`, string(first.Updates))

		assert.Equal(t, "notification", second.Type)
		assert.Equal(t, "offscreenCardCreated", second.Name)
		assert.Equal(t, "c9", second.CardID)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 2))
}
