// Package conn owns the realtime transport: one websocket per process,
// joined to at most one space room, reconnecting after abnormal closes.
//
// Manager is a state machine driven entirely on the event loop. Dialing,
// reading and writing happen on goroutines that post their results back,
// tagged with the connection generation so events from a torn-down
// transport are ignored.
package conn

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/kinopio-club/kinopio-sync/internal/batcher"
	"github.com/kinopio-club/kinopio-sync/internal/broadcast"
	"github.com/kinopio-club/kinopio-sync/internal/logging"
	"github.com/kinopio-club/kinopio-sync/internal/loop"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// Settings tune the transport.
type Settings struct {
	URL                      string
	ConnectTimeout           time.Duration
	ReconnectDebounce        time.Duration
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	ReconnectDelay           time.Duration // pause between close and re-join on a reconnect request
	PingInterval             time.Duration
	WriteTimeout             time.Duration
	BatchInterval            time.Duration
	OutboxSize               int
}

// DefaultSettings returns the production defaults for url.
func DefaultSettings(url string) Settings {
	return Settings{
		URL:                      url,
		ConnectTimeout:           10 * time.Second,
		ReconnectDebounce:        5 * time.Second,
		ReconnectInitialInterval: 1 * time.Second,
		ReconnectMaxInterval:     60 * time.Second,
		ReconnectDelay:           500 * time.Millisecond,
		PingInterval:             30 * time.Second,
		WriteTimeout:             5 * time.Second,
		BatchInterval:            batcher.DefaultInterval,
		OutboxSize:               256,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings(s.URL)
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = d.ConnectTimeout
	}
	if s.ReconnectDebounce <= 0 {
		s.ReconnectDebounce = d.ReconnectDebounce
	}
	if s.ReconnectInitialInterval <= 0 {
		s.ReconnectInitialInterval = d.ReconnectInitialInterval
	}
	if s.ReconnectMaxInterval <= 0 {
		s.ReconnectMaxInterval = d.ReconnectMaxInterval
	}
	if s.ReconnectDelay <= 0 {
		s.ReconnectDelay = d.ReconnectDelay
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.BatchInterval <= 0 {
		s.BatchInterval = d.BatchInterval
	}
	if s.OutboxSize <= 0 {
		s.OutboxSize = d.OutboxSize
	}
	return s
}

// Loop is the part of the event loop the manager needs.
type Loop interface {
	loop.Scheduler
	Post(fn func()) bool
}

// Deps are the manager's collaborators.
type Deps struct {
	Dial     DialFunc
	Loop     Loop
	ClientID string
	User     func() *space.User
	// IsRemote reports whether the current space syncs with the server.
	// Local-only spaces never reconnect.
	IsRemote func() bool
	// Inbound receives every text frame, on the loop.
	Inbound func(data []byte)
	// Batched reports whether an action goes through the outbound batcher.
	// Defaults to actions starting with "update".
	Batched func(action string) bool
	Logger  *log.Logger
}

// Manager is the connection state machine. Every method must be called on
// the event loop.
type Manager struct {
	settings Settings
	deps     Deps
	logger   *log.Logger
	batcher  *batcher.Batcher
	backoff  *backoff.ExponentialBackOff

	state     State
	gen       int
	transport *transport

	room     string // joined or being joined
	desired  string // room to join once possible
	lastRoom string
	loaded   string // space loaded locally

	connectTimer   loop.Timer
	reconnectTimer loop.Timer
	dialCancel     context.CancelFunc

	observers []func(from, to State)
}

// New returns a disconnected manager. Zero durations in settings take their
// DefaultSettings values.
func New(settings Settings, deps Deps) *Manager {
	settings = settings.withDefaults()
	if deps.Dial == nil {
		deps.Dial = WebsocketDialer(settings.ConnectTimeout, nil)
	}
	if deps.IsRemote == nil {
		deps.IsRemote = func() bool { return true }
	}
	if deps.Batched == nil {
		deps.Batched = func(action string) bool { return strings.HasPrefix(action, "update") }
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = settings.ReconnectInitialInterval
	b.MaxInterval = settings.ReconnectMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	m := &Manager{
		settings: settings,
		deps:     deps,
		logger:   logging.Component(deps.Logger, "conn"),
		backoff:  b,
	}
	m.batcher = batcher.New(m.write, deps.Loop, settings.BatchInterval, deps.Logger)
	return m
}

// State returns the current state.
func (m *Manager) State() State { return m.state }

// Room returns the room joined or being joined, or "".
func (m *Manager) Room() string { return m.room }

// Reconnecting reports whether a reconnect is scheduled.
func (m *Manager) Reconnecting() bool { return m.reconnectTimer != nil }

// Batcher exposes the outbound batcher.
func (m *Manager) Batcher() *batcher.Batcher { return m.batcher }

// OnStateChange registers fn to run after every transition.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.observers = append(m.observers, fn)
}

// HandleSignal implements broadcast.Handler.
func (m *Manager) HandleSignal(sig broadcast.Signal) {
	switch sig.Kind {
	case broadcast.KindConnect:
		m.Connect()
	case broadcast.KindJoinSpaceRoom:
		m.JoinSpaceRoom(sig.SpaceID)
	case broadcast.KindLeaveSpaceRoom:
		m.LeaveSpaceRoom()
	case broadcast.KindUpdate, broadcast.KindUpdateStore:
		m.Send(sig.Message)
	case broadcast.KindClose:
		m.Close()
	case broadcast.KindReconnect:
		m.Reconnect()
	}
}

// Connect opens the transport. It does nothing unless disconnected.
func (m *Manager) Connect() {
	if m.state != Disconnected {
		m.logger.Debug("connect ignored", "state", m.state)
		return
	}
	m.gen++
	gen := m.gen
	m.setState(Connecting)
	m.logger.Info("connecting", "url", m.settings.URL)

	if m.settings.ConnectTimeout > 0 {
		m.connectTimer = m.deps.Loop.AfterFunc(m.settings.ConnectTimeout, func() { m.connectTimedOut(gen) })
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	dial := m.deps.Dial
	url := m.settings.URL
	go func() {
		c, err := dial(ctx, url)
		if !m.deps.Loop.Post(func() { m.dialed(gen, c, err) }) && c != nil {
			c.Close()
		}
	}()
}

// SpaceLoaded marks spaceID as loaded locally, releasing a deferred join.
func (m *Manager) SpaceLoaded(spaceID string) {
	m.loaded = spaceID
	m.tryJoin()
}

// JoinSpaceRoom joins the room of spaceID as soon as the transport is open
// and the space is loaded, connecting first if needed.
func (m *Manager) JoinSpaceRoom(spaceID string) {
	if spaceID == "" {
		return
	}
	m.desired = spaceID
	m.lastRoom = spaceID
	if m.state == Disconnected {
		m.Connect()
		return
	}
	m.tryJoin()
}

// LeaveSpaceRoom leaves the current room, keeping the transport open.
func (m *Manager) LeaveSpaceRoom() {
	m.desired = ""
	if m.room == "" {
		return
	}
	if m.state == Joined {
		m.batcher.Flush()
	}
	if m.state.Open() {
		m.writeEnvelope(&space.Envelope{
			Message:  space.Message{Name: space.NameUserLeftRoom},
			SpaceID:  m.room,
			User:     m.user(),
			ClientID: m.deps.ClientID,
		})
	}
	m.logger.Info("left room", "spaceId", m.room)
	m.room = ""
	m.batcher.Discard()
	if m.state == Joined {
		m.setState(ConnectedNotJoined)
	}
}

// Acknowledge handles the server's "connected" reply to a join.
func (m *Manager) Acknowledge(env *space.Envelope) {
	if m.state != ConnectedNotJoined || m.room == "" {
		m.logger.Debug("unexpected join ack", "state", m.state)
		return
	}
	if env != nil && env.SpaceID != "" && env.SpaceID != m.room {
		m.logger.Debug("join ack for another room", "spaceId", env.SpaceID, "room", m.room)
		return
	}
	m.backoff.Reset()
	m.setState(Joined)
	m.logger.Info("joined room", "spaceId", m.room)
}

// Send transmits msg to the room. Messages are dropped while not joined.
func (m *Manager) Send(msg space.Message) {
	if m.state != Joined {
		m.logger.Debug("not joined, dropping message", "name", msg.Name, "state", m.state)
		return
	}
	env := &space.Envelope{
		Message:  msg,
		SpaceID:  m.room,
		User:     m.user(),
		ClientID: m.deps.ClientID,
	}
	if msg.Action != "" && m.deps.Batched(msg.Action) {
		m.batcher.Enqueue(env)
		return
	}
	m.write(env)
}

// Close shuts the transport with a normal close and cancels any reconnect.
// Batched updates still waiting for their window are sent first.
func (m *Manager) Close() {
	m.stopTimer(&m.reconnectTimer)
	if m.state == Joined {
		m.batcher.Flush()
	}
	m.teardown(websocket.CloseNormalClosure)
	if m.state != Disconnected {
		m.logger.Info("connection closed")
		m.setState(Disconnected)
	}
}

// Reconnect closes the transport and re-joins the last room shortly after.
// It is ignored while a connection attempt is in flight.
func (m *Manager) Reconnect() {
	if m.state == Connecting {
		m.logger.Debug("reconnect ignored while connecting")
		return
	}
	room := m.lastRoom
	m.Close()
	m.logger.Info("reconnecting", "spaceId", room)
	m.reconnectTimer = m.deps.Loop.AfterFunc(m.settings.ReconnectDelay, func() {
		m.reconnectTimer = nil
		if room == "" {
			m.Connect()
			return
		}
		m.JoinSpaceRoom(room)
	})
}

func (m *Manager) dialed(gen int, c Conn, err error) {
	if gen != m.gen || m.state != Connecting {
		if c != nil {
			c.Close()
		}
		return
	}
	m.stopTimer(&m.connectTimer)
	m.dialCancel = nil
	if err != nil {
		m.logger.Warn("failed to connect", "err", err)
		m.lost(err)
		return
	}

	t := &transport{
		conn:         c,
		outbox:       make(chan []byte, m.settings.OutboxSize),
		writeTimeout: m.settings.WriteTimeout,
		pingInterval: m.settings.PingInterval,
	}
	m.transport = t
	t.start(context.Background(),
		func(data []byte) {
			m.deps.Loop.Post(func() {
				if gen == m.gen && m.deps.Inbound != nil {
					m.deps.Inbound(data)
				}
			})
		},
		func(err error) {
			m.deps.Loop.Post(func() {
				if gen == m.gen {
					m.lost(err)
				}
			})
		})

	m.setState(ConnectedNotJoined)
	m.logger.Info("connected", "url", m.settings.URL)
	m.tryJoin()
}

func (m *Manager) connectTimedOut(gen int) {
	m.connectTimer = nil
	if gen != m.gen || m.state != Connecting {
		return
	}
	m.logger.Warn("connection timed out", "after", m.settings.ConnectTimeout)
	m.teardown(0)
	m.setState(Disconnected)
}

// lost handles an abnormal end of the transport.
func (m *Manager) lost(err error) {
	normal := IsNormalClose(err)
	m.teardown(0)
	if m.state != Disconnected {
		m.setState(Disconnected)
	}
	if normal {
		m.logger.Info("server closed connection")
		return
	}
	m.logger.Warn("connection lost", "code", CloseCode(err), "err", err)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	if !m.deps.IsRemote() {
		m.logger.Info("local-only space, not reconnecting")
		return
	}
	if m.reconnectTimer != nil {
		return
	}
	wait := m.backoff.NextBackOff()
	if wait == backoff.Stop {
		wait = m.settings.ReconnectMaxInterval
	}
	delay := m.settings.ReconnectDebounce + wait
	m.logger.Info("scheduling reconnect", "in", delay)
	m.reconnectTimer = m.deps.Loop.AfterFunc(delay, func() {
		m.reconnectTimer = nil
		if m.state != Disconnected {
			return
		}
		if m.lastRoom != "" {
			m.desired = m.lastRoom
		}
		m.Connect()
	})
}

func (m *Manager) tryJoin() {
	if !m.state.Open() || m.desired == "" {
		return
	}
	if m.loaded != m.desired {
		m.logger.Debug("join deferred until space is loaded", "spaceId", m.desired)
		return
	}
	if m.room == m.desired {
		return
	}

	m.batcher.Discard()
	m.room = m.desired
	if m.state == Joined {
		m.setState(ConnectedNotJoined)
	}
	m.logger.Info("joining room", "spaceId", m.room)
	m.writeEnvelope(&space.Envelope{
		Message:  space.Message{Name: space.NameJoinSpaceRoom},
		SpaceID:  m.room,
		User:     m.user(),
		ClientID: m.deps.ClientID,
	})
}

// teardown invalidates the current generation and releases its resources.
func (m *Manager) teardown(closeCode int) {
	m.gen++
	m.stopTimer(&m.connectTimer)
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.transport != nil {
		m.transport.close(closeCode)
		m.transport = nil
	}
	m.room = ""
	m.batcher.Discard()
}

func (m *Manager) write(env *space.Envelope) {
	if m.state != Joined {
		m.logger.Debug("not joined, dropping batched message", "name", env.Message.Name)
		return
	}
	m.writeEnvelope(env)
}

func (m *Manager) writeEnvelope(env *space.Envelope) {
	if m.transport == nil {
		return
	}
	frame, err := env.Encode()
	if err != nil {
		m.logger.Error("failed to encode envelope", "err", err)
		return
	}
	if !m.transport.send(frame) {
		m.logger.Warn("outbox full, dropping message", "name", env.Message.Name)
	}
}

func (m *Manager) user() *space.User {
	if m.deps.User == nil {
		return nil
	}
	return m.deps.User()
}

func (m *Manager) setState(next State) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.logger.Debug("state changed", "from", prev, "to", next)
	for _, fn := range m.observers {
		fn(prev, next)
	}
}

func (m *Manager) stopTimer(t *loop.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
