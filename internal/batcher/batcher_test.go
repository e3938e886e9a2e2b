package batcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinopio-club/kinopio-sync/internal/loop"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

func envelope(name, action string, updates string) *space.Envelope {
	msg := space.Message{Name: name, Action: action}
	if updates != "" {
		msg.Updates = []byte(updates)
	}
	return &space.Envelope{Message: msg, ClientID: "A", SpaceID: "s1"}
}

func newTestBatcher() (*Batcher, *loop.ManualScheduler, *[]*space.Envelope) {
	var sent []*space.Envelope
	sched := loop.NewManualScheduler()
	b := New(func(env *space.Envelope) { sent = append(sent, env) }, sched, DefaultInterval, nil)
	return b, sched, &sent
}

func TestBatcherFirstCallWins(t *testing.T) {
	b, sched, sent := newTestBatcher()

	b.Enqueue(envelope("updateCard", "updateCard", `{"id":"c1","x":1}`))
	b.Enqueue(envelope("updateCard", "updateCard", `{"id":"c1","x":2}`))
	b.Enqueue(envelope("updateCard", "updateCard", `{"id":"c1","x":3}`))
	b.Enqueue(envelope("updateBox", "updateBox", `{"id":"b1"}`))

	assert.Empty(t, *sent, "nothing leaves before the window closes")
	assert.Equal(t, 2, b.Queued())

	sched.Advance(DefaultInterval)

	require.Len(t, *sent, 2)
	assert.JSONEq(t, `{"id":"c1","x":1}`, string((*sent)[0].Message.Updates))
	assert.Equal(t, "updateBox", (*sent)[1].Message.Action)
	assert.Equal(t, 2, b.Dropped())
}

func TestBatcherNewWindowAfterFlush(t *testing.T) {
	b, sched, sent := newTestBatcher()

	b.Enqueue(envelope("updateCard", "updateCard", `{"x":1}`))
	sched.Advance(DefaultInterval)
	b.Enqueue(envelope("updateCard", "updateCard", `{"x":2}`))
	sched.Advance(DefaultInterval)

	require.Len(t, *sent, 2)
	assert.JSONEq(t, `{"x":2}`, string((*sent)[1].Message.Updates))
	assert.Equal(t, 0, sched.Pending())
}

func TestBatcherBypassesControlMessages(t *testing.T) {
	b, sched, sent := newTestBatcher()

	b.Enqueue(envelope("updateCard", "updateCard", ""))
	b.Enqueue(envelope("updateUserPresence", "", ""))
	b.Enqueue(envelope("updateUserPresence", "", ""))

	require.Len(t, *sent, 2, "envelopes without action send immediately")
	assert.Equal(t, "updateUserPresence", (*sent)[0].Message.Name)

	sched.Advance(DefaultInterval)
	assert.Len(t, *sent, 3)
}

func TestBatcherDiscard(t *testing.T) {
	b, sched, sent := newTestBatcher()

	b.Enqueue(envelope("createCard", "createCard", ""))
	b.Discard()
	sched.Advance(DefaultInterval)

	assert.Empty(t, *sent)
	assert.Equal(t, 0, b.Queued())
}
