// Package session assembles one client of a collaborative space: the event
// loop, the broadcast channel, the connection manager, the router, the entity
// stores and the presence, notification and linked-item helpers around them.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kinopio-club/kinopio-sync/internal/broadcast"
	"github.com/kinopio-club/kinopio-sync/internal/conn"
	"github.com/kinopio-club/kinopio-sync/internal/logging"
	"github.com/kinopio-club/kinopio-sync/internal/loop"
	"github.com/kinopio-club/kinopio-sync/internal/notify"
	"github.com/kinopio-club/kinopio-sync/internal/otheritems"
	"github.com/kinopio-club/kinopio-sync/internal/presence"
	"github.com/kinopio-club/kinopio-sync/internal/queue"
	"github.com/kinopio-club/kinopio-sync/internal/router"
	"github.com/kinopio-club/kinopio-sync/internal/store"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// Options configure a session.
type Options struct {
	Conn          conn.Settings
	Dial          conn.DialFunc // defaults to a gorilla/websocket dialer
	User          space.User
	ClientID      string // defaults to a fresh UUID
	Queue         queue.Enqueuer
	Permissions   store.Permissions // defaults to always allowed
	Fetcher       otheritems.Fetcher
	FrameInterval time.Duration
	CacheSize     int
	LoopBuffer    int
	Logger        *log.Logger
}

// Session is one client. Everything except Run, Do and the methods that
// say otherwise must be called on the event loop, for example inside Do.
type Session struct {
	loop     *loop.Loop
	channel  *broadcast.Channel
	manager  *conn.Manager
	router   *router.Router
	presence *presence.Tracker
	notify   *notify.Center
	others   *otheritems.Cache
	logger   *log.Logger

	Cards       *store.CardStore
	Boxes       *store.BoxStore
	Connections *store.ConnectionStore
	Lines       *store.LineStore
	Lists       *store.ListStore

	user     space.User
	clientID string
	spaceID  string
	queue    queue.Enqueuer

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a session. It does not connect until a space is loaded.
func New(opts Options) (*Session, error) {
	if opts.ClientID == "" {
		opts.ClientID = space.NewClientID()
	}
	if opts.Queue == nil {
		opts.Queue = queue.NewMemory()
	}
	if opts.Permissions == nil {
		opts.Permissions = allowAll{}
	}
	if opts.LoopBuffer <= 0 {
		opts.LoopBuffer = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		loop:     loop.New(opts.LoopBuffer),
		channel:  broadcast.NewChannel(),
		presence: presence.NewTracker(opts.Logger),
		notify:   notify.NewCenter(notify.DefaultBuffer, opts.Logger),
		logger:   logging.Component(opts.Logger, "session"),
		user:     opts.User,
		clientID: opts.ClientID,
		queue:    opts.Queue,
		ctx:      ctx,
		cancel:   cancel,
	}

	others, err := otheritems.New(opts.CacheSize, opts.Fetcher, s.loop.Post, opts.Logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create other items cache: %w", err)
	}
	s.others = others

	deps := store.Deps{
		Publisher:     s.channel,
		Queue:         opts.Queue,
		Permissions:   opts.Permissions,
		Session:       identity{s},
		Scheduler:     s.loop,
		FrameInterval: opts.FrameInterval,
		Logger:        opts.Logger,
	}
	s.Cards = store.NewCardStore(deps)
	s.Boxes = store.NewBoxStore(deps)
	s.Connections = store.NewConnectionStore(deps)
	s.Lines = store.NewLineStore(deps)
	s.Lists = store.NewListStore(deps)

	s.Cards.OnRemove(func(removed []*space.Card, origin space.Origin) { s.removeAttached(ids(removed), origin) })
	s.Boxes.OnRemove(func(removed []*space.Box, origin space.Origin) { s.removeAttached(ids(removed), origin) })
	s.Lists.OnRemove(func(removed []*space.List, origin space.Origin) { s.removeAttached(ids(removed), origin) })

	s.manager = conn.New(opts.Conn, conn.Deps{
		Dial:     opts.Dial,
		Loop:     s.loop,
		ClientID: s.clientID,
		User:     func() *space.User { u := s.user; return &u },
		IsRemote: func() bool { return s.presence.Meta().IsRemote },
		Inbound:  func(data []byte) { s.router.Route(data) },
		Logger:   opts.Logger,
	})
	if err := s.channel.SetHandler(s.manager); err != nil {
		cancel()
		return nil, err
	}
	s.manager.OnStateChange(s.stateChanged)

	s.router = router.New(s.clientID, s.manager.Room, opts.Logger)
	s.router.HandleControl(space.NameConnected, s.manager.Acknowledge)
	for _, name := range []string{s.Cards.Name(), space.StoreGlobal} {
		s.router.RegisterStore(name, s.Cards.Actions())
	}
	for _, name := range []string{s.Boxes.Name(), space.StoreGlobal} {
		s.router.RegisterStore(name, s.Boxes.Actions())
	}
	for _, name := range []string{s.Connections.Name(), space.StoreGlobal} {
		s.router.RegisterStore(name, s.Connections.Actions())
	}
	for _, name := range []string{s.Lines.Name(), space.StoreGlobal} {
		s.router.RegisterStore(name, s.Lines.Actions())
	}
	for _, name := range []string{s.Lists.Name(), space.StoreGlobal} {
		s.router.RegisterStore(name, s.Lists.Actions())
	}
	s.presence.Register(s.router)
	s.router.SetEffects(effects{s})

	s.notify.Observe(s.channel)
	return s, nil
}

// Run drives the event loop until ctx is cancelled, then flushes buffered
// updates and closes the transport. Call it once, from its own goroutine.
func (s *Session) Run(ctx context.Context) error {
	err := s.loop.Run(ctx)
	s.cancel()
	s.flushFrames()
	s.manager.Close()
	return err
}

// Do runs fn on the event loop and waits for it. Safe from any goroutine.
func (s *Session) Do(ctx context.Context, fn func()) error {
	return s.loop.Do(ctx, fn)
}

// LoadSpace replaces every store with snap and joins its room. Safe from any
// goroutine.
func (s *Session) LoadSpace(ctx context.Context, snap space.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("space snapshot has no id")
	}
	return s.Do(ctx, func() {
		s.logger.Info("loading space", "spaceId", snap.ID, "remote", snap.IsRemote,
			"cards", len(snap.Cards), "connections", len(snap.Connections))
		s.spaceID = snap.ID
		s.presence.Reset(snap.Meta)
		s.Cards.Initialize(snap.Cards)
		s.Boxes.Initialize(snap.Boxes)
		s.Connections.Initialize(snap.Connections)
		s.Lines.Initialize(snap.Lines)
		s.Lists.Initialize(snap.Lists)

		s.manager.SpaceLoaded(snap.ID)
		if snap.IsRemote {
			s.channel.JoinSpaceRoom(snap.ID)
		}
	})
}

// LeaveSpace leaves the current room. Safe from any goroutine.
func (s *Session) LeaveSpace(ctx context.Context) error {
	return s.Do(ctx, func() {
		s.flushFrames()
		s.channel.LeaveSpaceRoom()
		s.presence.Reset(space.Meta{})
	})
}

// Close flushes buffered updates and closes the transport without
// reconnecting. Safe from any goroutine.
func (s *Session) Close(ctx context.Context) error {
	return s.Do(ctx, func() {
		s.flushFrames()
		s.channel.Close()
	})
}

// MoveCursor announces the local user's pointer to the room.
func (s *Session) MoveCursor(x, y, zoom float64) {
	msg, err := presence.CursorMessage(s.user.ID, x, y, zoom)
	if err != nil {
		s.logger.Error("failed to build cursor message", "err", err)
		return
	}
	s.channel.Update(msg)
}

// DragCards announces the cards the local user is dragging; nil ends the drag.
func (s *Session) DragCards(cardIDs []string) {
	var (
		msg space.Message
		err error
	)
	if len(cardIDs) == 0 {
		msg, err = presence.ClearDraggingMessage(s.user.ID)
	} else {
		msg, err = presence.DraggingMessage(s.user.ID, cardIDs)
	}
	if err != nil {
		s.logger.Error("failed to build dragging message", "err", err)
		return
	}
	s.channel.Update(msg)
}

// SpaceID returns the loaded space.
func (s *Session) SpaceID() string { return s.spaceID }

// ClientID returns this session's client id. Safe from any goroutine.
func (s *Session) ClientID() string { return s.clientID }

// State returns the transport state.
func (s *Session) State() conn.State { return s.manager.State() }

// Channel returns the broadcast channel.
func (s *Session) Channel() *broadcast.Channel { return s.channel }

// Router returns the inbound router.
func (s *Session) Router() *router.Router { return s.router }

// Presence returns the room roster.
func (s *Session) Presence() *presence.Tracker { return s.presence }

// Notifications returns the UI event feed. Safe from any goroutine.
func (s *Session) Notifications() *notify.Center { return s.notify }

// OtherItems returns the linked-item cache.
func (s *Session) OtherItems() *otheritems.Cache { return s.others }

func (s *Session) flushFrames() {
	s.Cards.FlushPending()
	s.Boxes.FlushPending()
	s.Lists.FlushPending()
}

// removeAttached drops connections whose endpoint was removed. Broadcast
// removals only clean up locally; the remote client sends its own
// connection removals.
func (s *Session) removeAttached(itemIDs []string, origin space.Origin) {
	s.Connections.RemoveByItemIDs(itemIDs, origin)
}

func (s *Session) stateChanged(_, to conn.State) {
	switch {
	case to == conn.Joined:
		s.notify.ConnectionStatus(notify.StatusOnline)
	case to == conn.Disconnected && !s.manager.Reconnecting():
		s.notify.ConnectionStatus(notify.StatusOffline)
	default:
		s.notify.ConnectionStatus(notify.StatusReconnecting)
	}
}

func ids[E space.Entity](entities []E) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Base().ID)
	}
	return out
}

type identity struct{ s *Session }

func (i identity) UserID() string  { return i.s.user.ID }
func (i identity) SpaceID() string { return i.s.spaceID }

type effects struct{ s *Session }

func (e effects) LinkedCardUpdated(card *space.Card) {
	e.s.others.Refresh(e.s.ctx, card)
}

func (e effects) CardCreated(card *space.Card) {
	e.s.notify.CardCreated(card)
}

type allowAll struct{}

func (allowAll) UserCanEditSpace() bool { return true }
