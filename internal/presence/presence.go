// Package presence tracks who else is in the current space room: the roster
// of connected clients, their cursors and the cards they are dragging, plus
// the space metadata other clients edit.
package presence

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/kinopio-club/kinopio-sync/internal/logging"
	"github.com/kinopio-club/kinopio-sync/internal/router"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// Actions handled on globalStore, userStore and spaceStore.
const (
	ActionUpdateRemoteUserCursor   = "updateRemoteUserCursor"
	ActionAddToRemoteCardsDragging = "addToRemoteCardsDragging"
	ActionClearRemoteCardsDragging = "clearRemoteCardsDragging"
	ActionUpdateUser               = "updateUser"
	ActionUpdateSpace              = "updateSpace"
)

// Client is one connected peer in the room.
type Client struct {
	ClientID string     `json:"clientId"`
	User     space.User `json:"user"`
}

// Cursor is a remote user's pointer position in space coordinates.
type Cursor struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Zoom   float64 `json:"zoom,omitempty"`
}

// ChangeKind says what part of presence changed.
type ChangeKind string

const (
	ClientJoined    ChangeKind = "clientJoined"
	ClientLeft      ChangeKind = "clientLeft"
	ClientsReplaced ChangeKind = "clientsReplaced"
	UserUpdated     ChangeKind = "userUpdated"
	CursorMoved     ChangeKind = "cursorMoved"
	DraggingChanged ChangeKind = "draggingChanged"
	SpaceUpdated    ChangeKind = "spaceUpdated"
)

// Change describes one presence update.
type Change struct {
	Kind     ChangeKind
	ClientID string
	UserID   string
}

// Tracker holds presence state. It runs on the event loop.
type Tracker struct {
	logger *log.Logger

	clients  map[string]*Client
	cursors  map[string]Cursor
	dragging map[string]map[string]struct{}
	meta     space.Meta

	observers []func(Change)
}

// NewTracker returns an empty tracker.
func NewTracker(logger *log.Logger) *Tracker {
	t := &Tracker{logger: logging.Component(logger, "presence")}
	t.Reset(space.Meta{})
	return t
}

// Reset forgets every peer and installs meta as the current space.
func (t *Tracker) Reset(meta space.Meta) {
	t.clients = make(map[string]*Client)
	t.cursors = make(map[string]Cursor)
	t.dragging = make(map[string]map[string]struct{})
	t.meta = meta
}

// Observe registers fn to run after every change.
func (t *Tracker) Observe(fn func(Change)) {
	t.observers = append(t.observers, fn)
}

// Register installs the control handlers and store actions on r.
func (t *Tracker) Register(r *router.Router) {
	r.HandleControl(space.NameUserJoinedRoom, t.userJoinedRoom)
	r.HandleControl(space.NameUpdateUserPresence, t.updateUserPresence)
	r.HandleControl(space.NameUserLeftRoom, t.userLeftRoom)
	r.HandleControl(space.NameUserLeftSpace, t.userLeftSpace)
	r.HandleControl(space.NameUpdateSpaceClients, t.updateSpaceClients)

	r.Register(space.StoreGlobal, ActionUpdateRemoteUserCursor, t.updateRemoteUserCursor)
	r.Register(space.StoreGlobal, ActionAddToRemoteCardsDragging, t.addToRemoteCardsDragging)
	r.Register(space.StoreGlobal, ActionClearRemoteCardsDragging, t.clearRemoteCardsDragging)
	r.Register(space.StoreUser, ActionUpdateUser, t.updateUser)
	r.Register(space.StoreSpace, ActionUpdateSpace, t.updateSpace)
}

// Clients returns the connected peers ordered by client id.
func (t *Tracker) Clients() []Client {
	out := make([]Client, 0, len(t.clients))
	for _, c := range t.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Cursor returns the last known cursor of userID.
func (t *Tracker) Cursor(userID string) (Cursor, bool) {
	c, ok := t.cursors[userID]
	return c, ok
}

// Dragging returns the sorted ids of cards userID is dragging.
func (t *Tracker) Dragging(userID string) []string {
	set := t.dragging[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsCardDragged reports whether any remote user is dragging cardID.
func (t *Tracker) IsCardDragged(cardID string) bool {
	for _, set := range t.dragging {
		if _, ok := set[cardID]; ok {
			return true
		}
	}
	return false
}

// Meta returns the current space metadata.
func (t *Tracker) Meta() space.Meta { return t.meta }

func (t *Tracker) userJoinedRoom(env *space.Envelope) {
	if env.ClientID == "" {
		t.logger.Warn("userJoinedRoom without client id")
		return
	}
	c := &Client{ClientID: env.ClientID}
	if env.User != nil {
		c.User = *env.User
	}
	t.clients[env.ClientID] = c
	t.logger.Info("user joined room", "clientId", env.ClientID, "userId", c.User.ID)
	t.notify(Change{Kind: ClientJoined, ClientID: env.ClientID, UserID: c.User.ID})
}

func (t *Tracker) updateUserPresence(env *space.Envelope) {
	c, ok := t.clients[env.ClientID]
	if !ok {
		c = &Client{ClientID: env.ClientID}
		if env.User != nil {
			c.User = *env.User
		}
		t.clients[env.ClientID] = c
	}
	if len(env.Message.Updates) > 0 {
		if err := json.Unmarshal(env.Message.Updates, &c.User); err != nil {
			t.logger.Warn("malformed presence update", "clientId", env.ClientID, "err", err)
			return
		}
	}
	t.notify(Change{Kind: UserUpdated, ClientID: env.ClientID, UserID: c.User.ID})
}

func (t *Tracker) userLeftRoom(env *space.Envelope) {
	c, ok := t.clients[env.ClientID]
	if !ok {
		return
	}
	delete(t.clients, env.ClientID)
	if !t.userPresent(c.User.ID) {
		t.forgetUser(c.User.ID)
	}
	t.logger.Info("user left room", "clientId", env.ClientID, "userId", c.User.ID)
	t.notify(Change{Kind: ClientLeft, ClientID: env.ClientID, UserID: c.User.ID})
}

// userLeftSpace removes every client of the user, not only the sender.
func (t *Tracker) userLeftSpace(env *space.Envelope) {
	userID := ""
	if env.User != nil {
		userID = env.User.ID
	}
	if userID == "" {
		t.userLeftRoom(env)
		return
	}
	for id, c := range t.clients {
		if c.User.ID == userID {
			delete(t.clients, id)
			t.notify(Change{Kind: ClientLeft, ClientID: id, UserID: userID})
		}
	}
	t.forgetUser(userID)
}

func (t *Tracker) updateSpaceClients(env *space.Envelope) {
	var body struct {
		Clients []Client `json:"clients"`
	}
	if err := json.Unmarshal(env.Message.Updates, &body); err != nil {
		t.logger.Warn("malformed space clients update", "err", err)
		return
	}
	t.clients = make(map[string]*Client, len(body.Clients))
	for i := range body.Clients {
		c := body.Clients[i]
		if c.ClientID == "" {
			continue
		}
		t.clients[c.ClientID] = &c
	}
	t.notify(Change{Kind: ClientsReplaced})
}

func (t *Tracker) updateRemoteUserCursor(updates json.RawMessage) error {
	var c Cursor
	if err := json.Unmarshal(updates, &c); err != nil {
		return fmt.Errorf("%s: %w", ActionUpdateRemoteUserCursor, err)
	}
	if c.UserID == "" {
		return fmt.Errorf("%s: cursor has no user id", ActionUpdateRemoteUserCursor)
	}
	t.cursors[c.UserID] = c
	t.notify(Change{Kind: CursorMoved, UserID: c.UserID})
	return nil
}

func (t *Tracker) addToRemoteCardsDragging(updates json.RawMessage) error {
	var body struct {
		UserID  string   `json:"userId"`
		CardID  string   `json:"cardId"`
		CardIDs []string `json:"cardIds"`
	}
	if err := json.Unmarshal(updates, &body); err != nil {
		return fmt.Errorf("%s: %w", ActionAddToRemoteCardsDragging, err)
	}
	if body.UserID == "" {
		return fmt.Errorf("%s: no user id", ActionAddToRemoteCardsDragging)
	}
	ids := body.CardIDs
	if body.CardID != "" {
		ids = append(ids, body.CardID)
	}
	set, ok := t.dragging[body.UserID]
	if !ok {
		set = make(map[string]struct{})
		t.dragging[body.UserID] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	t.notify(Change{Kind: DraggingChanged, UserID: body.UserID})
	return nil
}

func (t *Tracker) clearRemoteCardsDragging(updates json.RawMessage) error {
	var body struct {
		UserID string `json:"userId"`
	}
	if len(updates) > 0 {
		if err := json.Unmarshal(updates, &body); err != nil {
			return fmt.Errorf("%s: %w", ActionClearRemoteCardsDragging, err)
		}
	}
	if body.UserID == "" {
		t.dragging = make(map[string]map[string]struct{})
	} else {
		delete(t.dragging, body.UserID)
	}
	t.notify(Change{Kind: DraggingChanged, UserID: body.UserID})
	return nil
}

func (t *Tracker) updateUser(updates json.RawMessage) error {
	var patch space.User
	if err := json.Unmarshal(updates, &patch); err != nil {
		return fmt.Errorf("%s: %w", ActionUpdateUser, err)
	}
	if patch.ID == "" {
		return fmt.Errorf("%s: no user id", ActionUpdateUser)
	}
	for _, c := range t.clients {
		if c.User.ID == patch.ID {
			if err := json.Unmarshal(updates, &c.User); err != nil {
				return fmt.Errorf("%s: %w", ActionUpdateUser, err)
			}
		}
	}
	t.notify(Change{Kind: UserUpdated, UserID: patch.ID})
	return nil
}

func (t *Tracker) updateSpace(updates json.RawMessage) error {
	next := t.meta
	if err := json.Unmarshal(updates, &next); err != nil {
		return fmt.Errorf("%s: %w", ActionUpdateSpace, err)
	}
	if t.meta.ID != "" && next.ID != t.meta.ID {
		t.logger.Debug("update for another space ignored", "spaceId", next.ID)
		return nil
	}
	t.meta = next
	t.notify(Change{Kind: SpaceUpdated})
	return nil
}

func (t *Tracker) userPresent(userID string) bool {
	for _, c := range t.clients {
		if c.User.ID == userID {
			return true
		}
	}
	return false
}

func (t *Tracker) forgetUser(userID string) {
	delete(t.cursors, userID)
	delete(t.dragging, userID)
}

func (t *Tracker) notify(c Change) {
	for _, fn := range t.observers {
		fn(c)
	}
}
