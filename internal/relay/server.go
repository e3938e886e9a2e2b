// Package relay is a websocket room server speaking the sync protocol. Clients
// join one space room at a time; the relay acknowledges the join, keeps
// everyone's roster current and forwards every other frame to the rest of
// the room, optionally across instances through a Backplane.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kinopio-club/kinopio-sync/internal/logging"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// Settings tune the relay.
type Settings struct {
	InstanceID   string
	RateLimit    float64 // frames per second per client; 0 disables limiting
	Burst        int
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		InstanceID:   space.NewClientID(),
		RateLimit:    120,
		Burst:        240,
		SendBuffer:   256,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    1 << 20,
	}
}

// Server accepts websocket clients and relays frames between room members.
type Server struct {
	settings  Settings
	hub       *hub
	backplane Backplane
	upgrader  websocket.Upgrader
	logger    *log.Logger

	wg sync.WaitGroup
}

// NewServer returns a relay. backplane may be nil for a single instance.
func NewServer(settings Settings, backplane Backplane, logger *log.Logger) *Server {
	if settings.InstanceID == "" {
		settings.InstanceID = space.NewClientID()
	}
	if settings.SendBuffer <= 0 {
		settings.SendBuffer = 256
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = 5 * time.Second
	}
	return &Server{
		settings:  settings,
		hub:       newHub(),
		backplane: backplane,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.Component(logger, "relay"),
	}
}

// Stats returns the number of occupied rooms and joined clients.
func (s *Server) Stats() (rooms, clients int) { return s.hub.stats() }

// Ping checks the backplane, if any.
func (s *Server) Ping(ctx context.Context) error {
	if s.backplane == nil {
		return nil
	}
	return s.backplane.Ping(ctx)
}

// Run consumes backplane events until ctx is cancelled. Without a backplane
// it just waits.
func (s *Server) Run(ctx context.Context) error {
	if s.backplane == nil {
		<-ctx.Done()
		return nil
	}
	sub, err := s.backplane.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sub.Errors():
			if ok {
				s.logger.Warn("backplane error", "err", err)
			}
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if event.Origin == s.settings.InstanceID {
				continue
			}
			s.hub.broadcast(event.Room, event.Frame, nil)
		}
	}
}

// Wait blocks until every client connection has ended.
func (s *Server) Wait() { s.wg.Wait() }

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &client{
		server: s,
		conn:   ws,
		send:   make(chan []byte, s.settings.SendBuffer),
		done:   make(chan struct{}),
	}
	if s.settings.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.settings.RateLimit), s.settings.Burst)
	}
	if s.settings.ReadLimit > 0 {
		ws.SetReadLimit(s.settings.ReadLimit)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	c.readPump()
}

func (s *Server) handle(c *client, frame []byte) {
	env, err := space.DecodeEnvelope(frame)
	if err != nil {
		s.logger.Debug("dropping malformed frame", "err", err)
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		s.logger.Debug("rate limited", "clientId", env.ClientID, "name", env.Message.Name)
		return
	}

	switch env.Message.Name {
	case space.NameJoinSpaceRoom:
		s.join(c, env)
	case space.NameUserLeftRoom:
		s.leave(c)
	default:
		room := c.currentRoom()
		if room == "" {
			s.logger.Debug("frame from client outside any room", "name", env.Message.Name)
			return
		}
		s.fanOut(room, frame, c)
	}
}

func (s *Server) join(c *client, env *space.Envelope) {
	if env.SpaceID == "" {
		s.logger.Debug("join without space id")
		return
	}
	if c.currentRoom() == env.SpaceID {
		c.deliverEnvelope(s.ack(env.SpaceID))
		return
	}
	s.leave(c)

	c.identify(env.ClientID, env.User)
	c.setRoom(env.SpaceID)
	s.hub.join(env.SpaceID, c)
	s.logger.Info("client joined room", "clientId", env.ClientID, "spaceId", env.SpaceID)

	c.deliverEnvelope(s.ack(env.SpaceID))
	joined := &space.Envelope{
		Message:  space.Message{Name: space.NameUserJoinedRoom},
		SpaceID:  env.SpaceID,
		User:     env.User,
		ClientID: env.ClientID,
	}
	if frame, err := joined.Encode(); err == nil {
		s.fanOut(env.SpaceID, frame, c)
	}
	s.sendClients(env.SpaceID)
}

func (s *Server) leave(c *client) {
	room := c.currentRoom()
	if room == "" {
		return
	}
	c.setRoom("")
	if !s.hub.leave(room, c) {
		return
	}
	s.logger.Info("client left room", "clientId", c.id(), "spaceId", room)

	left := &space.Envelope{
		Message:  space.Message{Name: space.NameUserLeftRoom},
		SpaceID:  room,
		User:     c.user(),
		ClientID: c.id(),
	}
	if frame, err := left.Encode(); err == nil {
		s.fanOut(room, frame, c)
	}
	s.sendClients(room)
}

func (s *Server) ack(room string) *space.Envelope {
	return &space.Envelope{Message: space.Message{Name: space.NameConnected}, SpaceID: room}
}

func (s *Server) sendClients(room string) {
	msg, err := space.NewMessage(space.NameUpdateSpaceClients, "", "", map[string]any{"clients": s.hub.clients(room)})
	if err != nil {
		return
	}
	env := &space.Envelope{Message: msg, SpaceID: room}
	frame, err := env.Encode()
	if err != nil {
		return
	}
	s.hub.broadcast(room, frame, nil)
}

// fanOut delivers frame to the local room and publishes it to other instances.
func (s *Server) fanOut(room string, frame []byte, from *client) {
	if slow := s.hub.broadcast(room, frame, from); slow > 0 {
		s.logger.Warn("dropped frame for slow clients", "spaceId", room, "count", slow)
	}
	if s.backplane == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.settings.WriteTimeout)
	defer cancel()
	event := RoomEvent{Origin: s.settings.InstanceID, Room: room, Frame: json.RawMessage(frame)}
	if err := s.backplane.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish to backplane", "spaceId", room, "err", err)
	}
}

// client is one websocket connection.
type client struct {
	server  *Server
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	mu       sync.Mutex
	clientID string
	profile  *space.User
	room     string
	closed   bool
}

func (c *client) id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *client) user() *space.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

func (c *client) identify(clientID string, user *space.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = clientID
	c.profile = user
}

func (c *client) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *client) setRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = room
}

// deliver queues frame without blocking. It reports false when the client is
// gone or not keeping up.
func (c *client) deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) deliverEnvelope(env *space.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		return
	}
	c.deliver(frame)
}

func (c *client) readPump() {
	defer func() {
		c.server.leave(c)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	}()

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Debug("client read failed", "clientId", c.id(), "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.server.handle(c, frame)
	}
}

func (c *client) writePump() {
	var ping <-chan time.Time
	if c.server.settings.PingInterval > 0 {
		ticker := time.NewTicker(c.server.settings.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	timeout := c.server.settings.WriteTimeout

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.conn.Close()
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
