package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinopio-club/kinopio-sync/internal/queue"
)

func seedQueue(t *testing.T, names ...string) (*miniredis.Miniredis, string) {
	t.Helper()
	mr := miniredis.RunT(t)

	q, err := queue.NewRedisQueue(&redis.Options{Addr: mr.Addr()}, "cli", nil)
	require.NoError(t, err)
	defer q.Close()
	for _, name := range names {
		op, err := queue.NewOperation(name, map[string]string{"id": "c1"})
		require.NoError(t, err)
		op.SpaceID = "s1"
		q.AddToQueue(op)
	}
	require.NoError(t, q.Flush(context.Background()))

	path := writeConfig(t, fmt.Sprintf("version: \"1.0\"\nqueue:\n  redis_url: redis://%s\n  namespace: cli\n", mr.Addr()))
	return mr, path
}

func TestQueueList(t *testing.T) {
	t.Run("default output", func(t *testing.T) {
		_, path := seedQueue(t, "createCard", "updateCard")
		out, err := execute(t, "--config", path, "queue", "list", "--output", "default", "--limit", "0")
		require.NoError(t, err)
		assert.Contains(t, out, "2 operations queued in kinopio:cli:queue")
		assert.Less(t, strings.Index(out, "createCard"), strings.Index(out, "updateCard"))
		assert.Contains(t, out, "s1")
	})

	t.Run("json output with limit", func(t *testing.T) {
		_, path := seedQueue(t, "createCard", "updateCard", "removeCard")
		out, err := execute(t, "--config", path, "queue", "list", "--output", "json", "--limit", "2")
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 2)
		var op queue.Operation
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &op))
		assert.Equal(t, "createCard", op.Name)
		assert.Equal(t, "s1", op.SpaceID)
	})
}

func TestQueueListFilters(t *testing.T) {
	_, path := seedQueue(t, "createCard", "updateCard", "updateBox", "removeCard")

	out, err := execute(t, "--config", path, "queue", "list", "--name", "update*", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 4 operations queued in kinopio:cli:queue match")
	assert.Contains(t, out, "updateCard")
	assert.NotContains(t, out, "updateBox")
	assert.NotContains(t, out, "createCard")

	out, err = execute(t, "--config", path, "queue", "list", "--space", "other")
	require.NoError(t, err)
	assert.Contains(t, out, "0 of 4 operations")

	t.Run("rejects bad range", func(t *testing.T) {
		_, err := execute(t, "--config", path, "queue", "list", "--since", "1m", "--until", "1h")
		require.Error(t, err)
		assert.Equal(t, "invalid time range", err.Error())
	})

	t.Run("rejects bad glob", func(t *testing.T) {
		_, err := execute(t, "--config", path, "queue", "list", "--name", "[")
		require.Error(t, err)
		assert.Equal(t, "invalid name pattern", err.Error())
	})
}

func TestQueueDrain(t *testing.T) {
	mr, path := seedQueue(t, "createCard", "updateCard", "removeCard")

	out, err := execute(t, "--config", path, "queue", "drain", "--count", "2", "--output", "default")
	require.NoError(t, err)
	assert.Contains(t, out, "drained 2 operations")
	assert.Contains(t, out, "createCard")
	assert.NotContains(t, out, "removeCard")

	remaining, err := mr.List(queue.Key("cli"))
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Contains(t, remaining[0], "removeCard")

	t.Run("rejects non-positive count", func(t *testing.T) {
		_, err := execute(t, "--config", path, "queue", "drain", "--count", "0", "--output", "default")
		require.Error(t, err)
		assert.Equal(t, "invalid count", err.Error())
	})
}

func TestQueueWithoutRedis(t *testing.T) {
	path := writeConfig(t, "version: \"1.0\"\n")
	t.Setenv("KINOPIO_REDIS_URL", "")

	out, err := execute(t, "--config", path, "queue", "list", "--output", "default")
	require.Error(t, err)
	assert.Equal(t, "no Redis queue configured", err.Error())
	assert.Contains(t, out, "queue.redis_url")
}
