package space

import "strings"

// Item holds the fields every entity shares.
type Item struct {
	ID      string `json:"id"`
	SpaceID string `json:"spaceId,omitempty"`
	UserID  string `json:"userId,omitempty"` // creator or last editor
}

// Base returns the shared fields. It makes every struct embedding Item an Entity.
func (i *Item) Base() *Item { return i }

// Entity is implemented by pointers to Card, Box, Connection, Line and List.
type Entity interface {
	Base() *Item
}

// Card is a text card positioned in a space.
type Card struct {
	Item
	X                 float64 `json:"x"`
	Y                 float64 `json:"y"`
	Z                 int     `json:"z,omitempty"`
	Name              string  `json:"name"`
	Width             float64 `json:"width,omitempty"`
	Height            float64 `json:"height,omitempty"`
	ResizeWidth       float64 `json:"resizeWidth,omitempty"`
	Tilt              float64 `json:"tilt,omitempty"`
	FrameID           int     `json:"frameId,omitempty"`
	BackgroundColor   string  `json:"backgroundColor,omitempty"`
	IsLocked          bool    `json:"isLocked,omitempty"`
	IsComment         bool    `json:"isComment,omitempty"`
	LinkToCardID      string  `json:"linkToCardId,omitempty"`
	LinkToSpaceID     string  `json:"linkToSpaceId,omitempty"`
	ListID            string  `json:"listId,omitempty"`
	ListPositionIndex string  `json:"listPositionIndex,omitempty"`
}

// HasLink reports whether the card points at an item outside its own collection.
func (c *Card) HasLink() bool {
	return c.LinkToCardID != "" || c.LinkToSpaceID != ""
}

// Box is a rectangular region that groups cards visually.
type Box struct {
	Item
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	ResizeWidth  float64 `json:"resizeWidth"`
	ResizeHeight float64 `json:"resizeHeight"`
	Name         string  `json:"name"`
	Color        string  `json:"color,omitempty"`
	Fill         string  `json:"fill,omitempty"`
	IsLocked     bool    `json:"isLocked,omitempty"`
}

// Connection links two items (cards, boxes or lists) by id.
type Connection struct {
	Item
	StartItemID        string `json:"startItemId"`
	EndItemID          string `json:"endItemId"`
	ConnectionTypeID   string `json:"connectionTypeId,omitempty"`
	Path               string `json:"path,omitempty"`
	ControlPoint       string `json:"controlPoint,omitempty"`
	DirectionIsVisible bool   `json:"directionIsVisible,omitempty"`
	LabelIsVisible     bool   `json:"labelIsVisible,omitempty"`
}

// Line is a horizontal divider across the whole space.
type Line struct {
	Item
	Y     float64 `json:"y"`
	Name  string  `json:"name,omitempty"`
	Color string  `json:"color,omitempty"`
}

// List is a vertical stack of cards.
type List struct {
	Item
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	ResizeWidth float64 `json:"resizeWidth"`
	Height      float64 `json:"height,omitempty"`
	Name        string  `json:"name"`
	Color       string  `json:"color,omitempty"`
	IsCollapsed bool    `json:"isCollapsed,omitempty"`
	IsLocked    bool    `json:"isLocked,omitempty"`
}

// User identifies the sender of an envelope and a member of a room roster.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Color      string `json:"color,omitempty"`
	IsSignedIn bool   `json:"isSignedIn,omitempty"`
}

// Meta is the space-level record: name, background and sync mode.
type Meta struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Background string `json:"background,omitempty"`
	IsRemote   bool   `json:"isRemote"` // false for local-only spaces, which never reconnect
}

// Snapshot is everything needed to load a space into the stores.
type Snapshot struct {
	Meta
	Cards       []*Card       `json:"cards"`
	Boxes       []*Box        `json:"boxes"`
	Connections []*Connection `json:"connections"`
	Lines       []*Line       `json:"lines"`
	Lists       []*List       `json:"lists"`
}

// Kind names one entity type.
type Kind string

const (
	KindCard       Kind = "card"
	KindBox        Kind = "box"
	KindConnection Kind = "connection"
	KindLine       Kind = "line"
	KindList       Kind = "list"
)

// Title returns the kind with its first letter upper-cased, as used in action names.
func (k Kind) Title() string {
	if k == "" {
		return ""
	}
	return strings.ToUpper(string(k[:1])) + string(k[1:])
}

// Plural returns the plural form used in batch action names.
func (k Kind) Plural() string {
	if k == KindBox {
		return k.Title() + "es"
	}
	return k.Title() + "s"
}

// StoreName returns the wire name of the store that owns this kind.
func (k Kind) StoreName() string {
	return string(k) + "Store"
}

// CreateAction returns e.g. "createCard".
func (k Kind) CreateAction() string { return "create" + k.Title() }

// UpdateAction returns e.g. "updateCard".
func (k Kind) UpdateAction() string { return "update" + k.Title() }

// UpdateManyAction returns e.g. "updateCards".
func (k Kind) UpdateManyAction() string { return "update" + k.Plural() }

// RemoveAction returns e.g. "removeCard".
func (k Kind) RemoveAction() string { return "remove" + k.Title() }

// RemoveManyAction returns e.g. "removeCards".
func (k Kind) RemoveManyAction() string { return "remove" + k.Plural() }

// Origin records where a mutation came from.
type Origin int

const (
	// OriginLocal mutations are broadcast and persisted.
	OriginLocal Origin = iota
	// OriginBroadcast mutations were received from another client and are only applied.
	OriginBroadcast
)

func (o Origin) String() string {
	if o == OriginBroadcast {
		return "broadcast"
	}
	return "local"
}
