// Package router decides whether and how an inbound envelope is applied:
// it drops malformed frames, the client's own echoes and messages for other
// rooms, then dispatches control messages to their handlers and entity
// mutations through a closed (store, action) table.
package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/kinopio-club/kinopio-sync/internal/logging"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// ErrUnknownAction is reported for a (store, action) pair with no handler.
var ErrUnknownAction = errors.New("unknown store action")

// Action applies one remote mutation. Handlers apply with broadcast origin.
type Action = func(updates json.RawMessage) error

// ControlHandler handles a reserved control message.
type ControlHandler func(env *space.Envelope)

// Effects are the side effects run after an entity mutation is applied.
type Effects interface {
	// LinkedCardUpdated runs after an updateCard naming a link to another item.
	LinkedCardUpdated(card *space.Card)
	// CardCreated runs after a remote createCard.
	CardCreated(card *space.Card)
}

// Result says what Route did with a frame.
type Result int

const (
	Applied Result = iota
	DroppedMalformed
	DroppedSelfEcho
	DroppedStaleRoom
	DroppedUnknown
	Failed
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case DroppedMalformed:
		return "malformed"
	case DroppedSelfEcho:
		return "self-echo"
	case DroppedStaleRoom:
		return "stale-room"
	case DroppedUnknown:
		return "unknown"
	default:
		return "failed"
	}
}

type actionKey struct {
	store  string
	action string
}

// Router routes decoded envelopes. It runs on the event loop.
type Router struct {
	clientID string
	room     func() string
	logger   *log.Logger
	effects  Effects

	actions  map[actionKey]Action
	controls map[string]ControlHandler
	observer func(env *space.Envelope, result Result)
}

// New returns a router for clientID. room reports the space currently joined
// (or being joined), or "" when no room is joined. Envelopes naming a space
// other than room are dropped, so every envelope with a space id is dropped
// while room is "".
func New(clientID string, room func() string, logger *log.Logger) *Router {
	return &Router{
		clientID: clientID,
		room:     room,
		logger:   logging.Component(logger, "router"),
		actions:  make(map[actionKey]Action),
		controls: make(map[string]ControlHandler),
	}
}

// Register adds the handler for (store, action).
func (r *Router) Register(store, action string, fn Action) {
	r.actions[actionKey{store: store, action: action}] = fn
}

// RegisterStore adds every action of one store.
func (r *Router) RegisterStore(store string, actions map[string]Action) {
	for action, fn := range actions {
		r.Register(store, action, fn)
	}
}

// HandleControl installs the handler for a reserved control name.
func (r *Router) HandleControl(name string, fn ControlHandler) {
	r.controls[name] = fn
}

// SetEffects installs the post-dispatch side effects.
func (r *Router) SetEffects(e Effects) {
	r.effects = e
}

// Observe installs fn to see every routed envelope and its outcome.
// Malformed frames are reported with a nil envelope.
func (r *Router) Observe(fn func(env *space.Envelope, result Result)) {
	r.observer = fn
}

// Has reports whether (store, action) has a handler.
func (r *Router) Has(store, action string) bool {
	_, ok := r.actions[actionKey{store: store, action: action}]
	return ok
}

// Route decodes and applies one inbound frame. It never panics or returns an
// error; every failure is logged and reported through Result.
func (r *Router) Route(data []byte) Result {
	env, err := space.DecodeEnvelope(data)
	if err != nil {
		r.logger.Warn("dropping malformed frame", "err", err)
		r.report(nil, DroppedMalformed)
		return DroppedMalformed
	}
	result := r.RouteEnvelope(env)
	r.report(env, result)
	return result
}

// RouteEnvelope applies an already-decoded envelope.
func (r *Router) RouteEnvelope(env *space.Envelope) Result {
	if env.ClientID != "" && env.ClientID == r.clientID {
		r.logger.Debug("dropping self echo", "name", env.Message.Name)
		return DroppedSelfEcho
	}

	if room := r.currentRoom(); env.SpaceID != "" && env.SpaceID != room {
		r.logger.Debug("dropping message for another room", "name", env.Message.Name, "spaceId", env.SpaceID, "room", room)
		return DroppedStaleRoom
	}

	msg := env.Message
	if handler, ok := r.controls[msg.Name]; ok {
		handler(env)
		return Applied
	}

	if msg.Action == "" {
		r.logger.Warn("unhandled message", "name", msg.Name)
		return DroppedUnknown
	}

	store := msg.TargetStore()
	fn, ok := r.actions[actionKey{store: store, action: msg.Action}]
	if !ok {
		r.logger.Warn("dropping message", "store", store, "action", msg.Action, "err", ErrUnknownAction)
		return DroppedUnknown
	}

	if err := r.call(fn, msg.Updates); err != nil {
		r.logger.Warn("action failed", "store", store, "action", msg.Action, "err", err)
		return Failed
	}

	r.runEffects(msg)
	return Applied
}

// call runs fn, converting a panic inside a handler into an error.
func (r *Router) call(fn Action, updates json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return fn(updates)
}

func (r *Router) runEffects(msg space.Message) {
	if r.effects == nil {
		return
	}
	switch msg.Action {
	case space.KindCard.UpdateAction():
		var card space.Card
		if err := json.Unmarshal(msg.Updates, &card); err != nil {
			return
		}
		if card.HasLink() {
			r.effects.LinkedCardUpdated(&card)
		}
	case space.KindCard.CreateAction():
		var card space.Card
		if err := json.Unmarshal(msg.Updates, &card); err != nil {
			return
		}
		r.effects.CardCreated(&card)
	}
}

func (r *Router) currentRoom() string {
	if r.room == nil {
		return ""
	}
	return r.room()
}

func (r *Router) report(env *space.Envelope, result Result) {
	if r.observer != nil {
		r.observer(env, result)
	}
}
