// Package notify feeds UI affordances: a card created by someone else
// outside the visible area, the connection indicator and reconnect requests.
// Publishing never blocks; when the feed is full the event is dropped.
package notify

import (
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kinopio-club/kinopio-sync/internal/broadcast"
	"github.com/kinopio-club/kinopio-sync/internal/logging"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// Kind names an event.
type Kind string

const (
	OffscreenCardCreated Kind = "offscreenCardCreated"
	ConnectionChanged    Kind = "connectionChanged"
	ReconnectRequested   Kind = "reconnectRequested"
)

// Status is what the connection indicator shows.
type Status string

const (
	StatusOffline      Status = "offline"
	StatusReconnecting Status = "reconnecting"
	StatusOnline       Status = "online"
)

// Event is one notification.
type Event struct {
	Kind   Kind
	CardID string
	UserID string
	Status Status
	At     time.Time
}

// Rect is the visible area in space coordinates.
type Rect struct {
	X, Y, Width, Height float64
}

// Contains reports whether the point lies inside r.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x <= r.X+r.Width && y >= r.Y && y <= r.Y+r.Height
}

// DefaultBuffer is the event feed capacity.
const DefaultBuffer = 64

// Center publishes events on a buffered channel.
type Center struct {
	events   chan Event
	viewport func() (Rect, bool)
	logger   *log.Logger
	dropped  atomic.Int64
	status   atomic.Value
	now      func() time.Time
}

// NewCenter returns a center whose feed holds buffer events.
func NewCenter(buffer int, logger *log.Logger) *Center {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	c := &Center{
		events: make(chan Event, buffer),
		logger: logging.Component(logger, "notify"),
		now:    time.Now,
	}
	c.status.Store(StatusOffline)
	return c
}

// Events returns the feed.
func (c *Center) Events() <-chan Event { return c.events }

// Dropped returns how many events were discarded because the feed was full.
func (c *Center) Dropped() int64 { return c.dropped.Load() }

// SetViewport installs the function reporting the visible area. Without one,
// every remotely created card counts as offscreen.
func (c *Center) SetViewport(fn func() (Rect, bool)) {
	c.viewport = fn
}

// CardCreated announces a remote card when it lands outside the viewport.
func (c *Center) CardCreated(card *space.Card) {
	if c.viewport != nil {
		if view, ok := c.viewport(); ok && view.Contains(card.X, card.Y) {
			return
		}
	}
	c.publish(Event{Kind: OffscreenCardCreated, CardID: card.ID, UserID: card.UserID})
}

// ConnectionStatus publishes status when it differs from the last one.
func (c *Center) ConnectionStatus(status Status) {
	if prev, _ := c.status.Swap(status).(Status); prev == status {
		return
	}
	c.publish(Event{Kind: ConnectionChanged, Status: status})
}

// Status returns the last published connection status.
func (c *Center) Status() Status {
	s, _ := c.status.Load().(Status)
	return s
}

// Observe publishes a ReconnectRequested event for every reconnect signal on
// ch. The returned function stops observing.
func (c *Center) Observe(ch *broadcast.Channel) (cancel func()) {
	return ch.Observe(func(sig broadcast.Signal) {
		if sig.Kind == broadcast.KindReconnect {
			c.publish(Event{Kind: ReconnectRequested})
		}
	})
}

func (c *Center) publish(e Event) {
	e.At = c.now()
	select {
	case c.events <- e:
	default:
		c.dropped.Add(1)
		c.logger.Debug("event feed full, dropping", "kind", e.Kind)
	}
}
