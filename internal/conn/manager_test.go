package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinopio-club/kinopio-sync/internal/broadcast"
	"github.com/kinopio-club/kinopio-sync/internal/loop"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	controls []int
	closeMsg []byte

	inbound chan []byte
	readErr chan error
	done    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	if messageType == websocket.CloseMessage {
		c.closeMsg = data
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		var env space.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env.Message.Name)
		}
	}
	return out
}

func (c *fakeConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.closeMsg) < 2 {
		return 0
	}
	return int(c.closeMsg[0])<<8 | int(c.closeMsg[1])
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	hang  bool
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	hang := d.hang
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type harness struct {
	t        *testing.T
	sched    *loop.ManualScheduler
	dialer   *fakeDialer
	manager  *Manager
	remote   bool
	inbound  [][]byte
	settings Settings
}

func testSettings() Settings {
	return Settings{
		URL:                      "ws://sync.test",
		ConnectTimeout:           10 * time.Second,
		ReconnectDebounce:        5 * time.Second,
		ReconnectInitialInterval: time.Second,
		ReconnectMaxInterval:     2 * time.Second,
		ReconnectDelay:           500 * time.Millisecond,
		WriteTimeout:             time.Second,
		BatchInterval:            16 * time.Millisecond,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, sched: loop.NewManualScheduler(), dialer: &fakeDialer{}, remote: true, settings: testSettings()}
	h.manager = New(h.settings, Deps{
		Dial:     h.dialer.dial,
		Loop:     h.sched,
		ClientID: "client-a",
		User:     func() *space.User { return &space.User{ID: "u-a"} },
		IsRemote: func() bool { return h.remote },
		Inbound: func(data []byte) {
			h.inbound = append(h.inbound, data)
			env, err := space.DecodeEnvelope(data)
			if err == nil && env.Message.Name == space.NameConnected {
				h.manager.Acknowledge(env)
			}
		},
	})
	t.Cleanup(h.manager.Close)
	return h
}

// pump runs posted loop work until cond holds.
func (h *harness) pump(cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.sched.Drain()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("condition not met, state %s", h.manager.State())
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	h.pump(func() bool { return h.manager.State() == s })
}

// join connects, joins s1 and acknowledges the join on connection i.
func (h *harness) join(i int) *fakeConn {
	h.t.Helper()
	h.manager.SpaceLoaded("s1")
	h.manager.JoinSpaceRoom("s1")
	h.waitState(ConnectedNotJoined)
	c := h.dialer.conn(i)
	c.inbound <- []byte(`{"message":{"name":"connected"},"spaceId":"s1"}`)
	h.waitState(Joined)
	return c
}

func countOf(names []string, name string) int {
	n := 0
	for _, got := range names {
		if got == name {
			n++
		}
	}
	return n
}

func TestJoinIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.manager.SpaceLoaded("s1")

	h.manager.JoinSpaceRoom("s1")
	h.manager.JoinSpaceRoom("s1")
	assert.Equal(t, Connecting, h.manager.State())
	h.waitState(ConnectedNotJoined)
	h.manager.JoinSpaceRoom("s1")
	h.manager.Connect()

	c := h.dialer.conn(0)
	assert.Eventually(t, func() bool { return countOf(c.names(), space.NameJoinSpaceRoom) >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, countOf(c.names(), space.NameJoinSpaceRoom))
	assert.Equal(t, 1, h.dialer.count())
	assert.Equal(t, "s1", h.manager.Room())

	c.inbound <- []byte(`{"message":{"name":"connected"},"spaceId":"s1"}`)
	h.waitState(Joined)
}

func TestJoinDeferredUntilSpaceLoaded(t *testing.T) {
	h := newHarness(t)

	h.manager.JoinSpaceRoom("s1")
	h.waitState(ConnectedNotJoined)
	c := h.dialer.conn(0)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.names())
	assert.Equal(t, "", h.manager.Room())

	h.manager.SpaceLoaded("s1")
	assert.Eventually(t, func() bool { return countOf(c.names(), space.NameJoinSpaceRoom) == 1 }, time.Second, time.Millisecond)
}

func TestSend(t *testing.T) {
	h := newHarness(t)

	create, err := space.StoreMessage(space.StoreCard, "createCard", map[string]string{"id": "c1"})
	require.NoError(t, err)
	h.manager.Send(create)

	c := h.join(0)
	assert.NotContains(t, c.names(), "createCard", "sent while disconnected")

	h.manager.Send(create)
	assert.Eventually(t, func() bool { return countOf(c.names(), "createCard") == 1 }, time.Second, time.Millisecond)

	t.Run("high frequency updates wait for the batch window", func(t *testing.T) {
		first, _ := space.StoreMessage(space.StoreCard, "updateCard", map[string]any{"id": "c1", "x": 1})
		second, _ := space.StoreMessage(space.StoreCard, "updateCard", map[string]any{"id": "c1", "x": 2})
		h.manager.Send(first)
		h.manager.Send(second)
		assert.Equal(t, 1, h.manager.Batcher().Queued())

		h.sched.Advance(h.settings.BatchInterval)
		assert.Eventually(t, func() bool { return countOf(c.names(), "updateCard") == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, 1, h.manager.Batcher().Dropped())
	})

	t.Run("envelope carries identity and room", func(t *testing.T) {
		c.mu.Lock()
		last := c.frames[len(c.frames)-1]
		c.mu.Unlock()
		env, err := space.DecodeEnvelope(last)
		require.NoError(t, err)
		assert.Equal(t, "client-a", env.ClientID)
		assert.Equal(t, "s1", env.SpaceID)
		require.NotNil(t, env.User)
		assert.Equal(t, "u-a", env.User.ID)
	})
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	c := h.join(0)

	c.readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
	h.waitState(Disconnected)

	assert.False(t, h.manager.Reconnecting())
	h.sched.Advance(10 * time.Minute)
	h.sched.Drain()
	assert.Equal(t, 1, h.dialer.count())
}

func TestAbnormalCloseReconnectsOnce(t *testing.T) {
	h := newHarness(t)
	c := h.join(0)

	var transitions []State
	h.manager.OnStateChange(func(_, to State) { transitions = append(transitions, to) })

	c.readErr <- &websocket.CloseError{Code: websocket.CloseGoingAway}
	h.waitState(Disconnected)
	require.True(t, h.manager.Reconnecting())

	h.manager.lost(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	h.sched.Advance(h.settings.ReconnectDebounce)
	assert.Equal(t, 1, h.dialer.count(), "no reconnect before the debounce elapses")

	h.sched.Advance(h.settings.ReconnectMaxInterval + time.Second)
	h.waitState(ConnectedNotJoined)
	assert.Equal(t, 2, h.dialer.count())

	second := h.dialer.conn(1)
	assert.Eventually(t, func() bool { return countOf(second.names(), space.NameJoinSpaceRoom) == 1 }, time.Second, time.Millisecond)

	h.sched.Advance(10 * time.Minute)
	h.sched.Drain()
	assert.Equal(t, 2, h.dialer.count())
	assert.Equal(t, []State{Disconnected, Connecting, ConnectedNotJoined}, transitions)
}

func TestLocalOnlySpaceDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	c := h.join(0)
	h.remote = false

	c.readErr <- &websocket.CloseError{Code: websocket.CloseGoingAway}
	h.waitState(Disconnected)

	assert.False(t, h.manager.Reconnecting())
	h.sched.Advance(10 * time.Minute)
	assert.Equal(t, 1, h.dialer.count())
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t)
	h.dialer.hang = true

	h.manager.Connect()
	assert.Equal(t, Connecting, h.manager.State())

	h.sched.Advance(h.settings.ConnectTimeout)
	assert.Equal(t, Disconnected, h.manager.State())
	assert.False(t, h.manager.Reconnecting())

	h.sched.Drain()
	h.sched.Advance(10 * time.Minute)
	assert.Equal(t, 1, h.dialer.count())
}

func TestReconnectSignal(t *testing.T) {
	t.Run("ignored while connecting", func(t *testing.T) {
		h := newHarness(t)
		h.dialer.hang = true
		h.manager.Connect()

		h.manager.Reconnect()
		assert.Equal(t, Connecting, h.manager.State())
		assert.False(t, h.manager.Reconnecting())
	})

	t.Run("closes and rejoins the last room", func(t *testing.T) {
		h := newHarness(t)
		first := h.join(0)

		h.manager.Reconnect()
		assert.Equal(t, Disconnected, h.manager.State())
		assert.Eventually(t, first.isClosed, time.Second, time.Millisecond)
		assert.Equal(t, websocket.CloseNormalClosure, first.closeCode())

		h.sched.Advance(h.settings.ReconnectDelay)
		h.waitState(ConnectedNotJoined)
		second := h.dialer.conn(1)
		assert.Eventually(t, func() bool { return countOf(second.names(), space.NameJoinSpaceRoom) == 1 }, time.Second, time.Millisecond)
	})
}

func TestCloseIsFinal(t *testing.T) {
	h := newHarness(t)
	c := h.join(0)

	h.manager.Close()
	assert.Equal(t, Disconnected, h.manager.State())
	assert.Eventually(t, c.isClosed, time.Second, time.Millisecond)
	assert.Equal(t, websocket.CloseNormalClosure, c.closeCode())

	h.sched.Drain()
	h.sched.Advance(10 * time.Minute)
	assert.Equal(t, 1, h.dialer.count())
}

func TestCloseSendsBatchedUpdates(t *testing.T) {
	h := newHarness(t)
	c := h.join(0)

	update, err := space.StoreMessage(space.StoreCard, "updateCard", map[string]any{"id": "c1", "x": 40})
	require.NoError(t, err)
	h.manager.Send(update)
	require.Equal(t, 1, h.manager.Batcher().Queued())

	h.manager.Close()
	assert.Equal(t, 0, h.manager.Batcher().Queued())
	assert.Eventually(t, c.isClosed, time.Second, time.Millisecond)
	assert.Equal(t, []string{space.NameJoinSpaceRoom, "updateCard"}, c.names())
	assert.Equal(t, websocket.CloseNormalClosure, c.closeCode())
}

func TestNewDefaultsZeroSettings(t *testing.T) {
	m := New(Settings{URL: "ws://sync.test"}, Deps{Loop: loop.NewManualScheduler(), ClientID: "client-a"})
	defaults := DefaultSettings("ws://sync.test")

	assert.Equal(t, defaults.WriteTimeout, m.settings.WriteTimeout)
	assert.Equal(t, defaults.BatchInterval, m.settings.BatchInterval)
	assert.Equal(t, defaults.ConnectTimeout, m.settings.ConnectTimeout)
	assert.Equal(t, defaults.OutboxSize, m.settings.OutboxSize)
	assert.Zero(t, m.settings.PingInterval, "zero ping interval disables pings")

	custom := New(testSettings(), Deps{Loop: loop.NewManualScheduler(), ClientID: "client-a"})
	assert.Equal(t, time.Second, custom.settings.WriteTimeout)
}

func TestLeaveSpaceRoom(t *testing.T) {
	h := newHarness(t)
	c := h.join(0)

	h.manager.LeaveSpaceRoom()
	assert.Equal(t, ConnectedNotJoined, h.manager.State())
	assert.Equal(t, "", h.manager.Room())
	assert.Eventually(t, func() bool { return countOf(c.names(), space.NameUserLeftRoom) == 1 }, time.Second, time.Millisecond)

	msg, _ := space.StoreMessage(space.StoreCard, "createCard", map[string]string{"id": "c2"})
	h.manager.Send(msg)
	time.Sleep(20 * time.Millisecond)
	assert.NotContains(t, c.names(), "createCard")
}

func TestHandleSignals(t *testing.T) {
	h := newHarness(t)
	ch := broadcast.NewChannel()
	require.NoError(t, ch.SetHandler(h.manager))

	h.manager.SpaceLoaded("s1")
	ch.JoinSpaceRoom("s1")
	h.waitState(ConnectedNotJoined)
	c := h.dialer.conn(0)
	c.inbound <- []byte(`{"message":{"name":"connected"},"spaceId":"s1"}`)
	h.waitState(Joined)

	msg, _ := space.StoreMessage(space.StoreLine, "createLine", map[string]string{"id": "l1"})
	ch.UpdateStore(msg)
	assert.Eventually(t, func() bool { return countOf(c.names(), "createLine") == 1 }, time.Second, time.Millisecond)

	ch.Close()
	assert.Equal(t, Disconnected, h.manager.State())
}
