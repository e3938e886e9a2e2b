// Package broadcast decouples the entity stores from the transport. Stores and
// UI code raise signals on a Channel; the connection manager is its single
// handler and other components may observe the same signals.
package broadcast

import (
	"errors"
	"sync"

	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// ErrHandlerRegistered is returned when a second handler is installed.
var ErrHandlerRegistered = errors.New("broadcast handler already registered")

// Kind names a signal.
type Kind string

const (
	KindConnect        Kind = "connect"
	KindJoinSpaceRoom  Kind = "joinSpaceRoom"
	KindLeaveSpaceRoom Kind = "leaveSpaceRoom"
	KindUpdate         Kind = "update"
	KindUpdateStore    Kind = "updateStore"
	KindClose          Kind = "close"
	KindReconnect      Kind = "reconnect"
)

// Signal is one call on the channel.
type Signal struct {
	Kind    Kind
	SpaceID string        // set for KindJoinSpaceRoom
	Message space.Message // set for KindUpdate and KindUpdateStore
}

// Handler acts on signals. Exactly one handler is installed per process.
type Handler interface {
	HandleSignal(Signal)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Signal)

// HandleSignal calls f(sig).
func (f HandlerFunc) HandleSignal(sig Signal) { f(sig) }

// Channel fans signals out to its handler and observers.
// Registration is guarded by a mutex, but the handler and observers run
// synchronously on the goroutine that raises the signal. A handler that must
// stay on the event loop, such as the connection manager, needs every signal
// raised from the loop.
type Channel struct {
	mu        sync.RWMutex
	handler   Handler
	observers map[int]func(Signal)
	nextID    int
}

// NewChannel returns a channel with no handler.
func NewChannel() *Channel {
	return &Channel{observers: make(map[int]func(Signal))}
}

// SetHandler installs the handler. It fails if one is already installed.
func (c *Channel) SetHandler(h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return ErrHandlerRegistered
	}
	c.handler = h
	return nil
}

// Observe registers fn to see every signal after the handler. The returned
// function removes the observer.
func (c *Channel) Observe(fn func(Signal)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// Connect asks for the transport to be opened.
func (c *Channel) Connect() { c.emit(Signal{Kind: KindConnect}) }

// JoinSpaceRoom asks to join the room of spaceID.
func (c *Channel) JoinSpaceRoom(spaceID string) {
	c.emit(Signal{Kind: KindJoinSpaceRoom, SpaceID: spaceID})
}

// LeaveSpaceRoom asks to leave the current room.
func (c *Channel) LeaveSpaceRoom() { c.emit(Signal{Kind: KindLeaveSpaceRoom}) }

// Update sends a message that is not addressed to a store, such as presence.
func (c *Channel) Update(msg space.Message) {
	c.emit(Signal{Kind: KindUpdate, Message: msg})
}

// UpdateStore sends an entity-store mutation.
func (c *Channel) UpdateStore(msg space.Message) {
	c.emit(Signal{Kind: KindUpdateStore, Message: msg})
}

// Close tears the transport down without reconnecting.
func (c *Channel) Close() { c.emit(Signal{Kind: KindClose}) }

// Reconnect asks for the transport to be closed and the room re-joined.
func (c *Channel) Reconnect() { c.emit(Signal{Kind: KindReconnect}) }

func (c *Channel) emit(sig Signal) {
	c.mu.RLock()
	handler := c.handler
	observers := make([]func(Signal), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.RUnlock()

	if handler != nil {
		handler.HandleSignal(sig)
	}
	for _, fn := range observers {
		fn(sig)
	}
}
