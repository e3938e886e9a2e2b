package space

import (
	"encoding/json"
	"fmt"
)

// Reserved message names. They are handled by presence and connection code,
// never by entity stores.
const (
	NameConnected          = "connected"
	NameUserJoinedRoom     = "userJoinedRoom"
	NameUpdateUserPresence = "updateUserPresence"
	NameUserLeftRoom       = "userLeftRoom"
	NameUserLeftSpace      = "userLeftSpace"
	NameUpdateSpaceClients = "updateSpaceClients"
	NameJoinSpaceRoom      = "joinSpaceRoom"
)

// Store names accepted in Message.Store.
const (
	StoreCard       = "cardStore"
	StoreBox        = "boxStore"
	StoreConnection = "connectionStore"
	StoreLine       = "lineStore"
	StoreList       = "listStore"
	StoreGlobal     = "globalStore"
	StoreSpace      = "spaceStore"
	StoreUser       = "userStore"
)

// DefaultStore receives actions whose message names no store.
const DefaultStore = StoreGlobal

// IsControlName reports whether name is reserved for presence and room control.
func IsControlName(name string) bool {
	switch name {
	case NameConnected, NameUserJoinedRoom, NameUpdateUserPresence, NameUserLeftRoom,
		NameUserLeftSpace, NameUpdateSpaceClients, NameJoinSpaceRoom:
		return true
	}
	return false
}

// Message is the routed part of an envelope.
type Message struct {
	Name    string          `json:"name"`
	Action  string          `json:"action,omitempty"`
	Updates json.RawMessage `json:"updates,omitempty"`
	Store   string          `json:"store,omitempty"`
}

// TargetStore returns the store the message addresses, defaulting to globalStore.
func (m Message) TargetStore() string {
	if m.Store == "" {
		return DefaultStore
	}
	return m.Store
}

// NewMessage builds a message whose updates are the JSON encoding of updates.
// A nil updates value leaves the field empty.
func NewMessage(name, action, store string, updates any) (Message, error) {
	msg := Message{Name: name, Action: action, Store: store}
	if updates == nil {
		return msg, nil
	}
	data, err := json.Marshal(updates)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode updates for %s: %w", name, err)
	}
	msg.Updates = data
	return msg, nil
}

// StoreMessage builds an entity-mutation message where name and action match.
func StoreMessage(store, action string, updates any) (Message, error) {
	return NewMessage(action, action, store, updates)
}

// Envelope is the wire frame exchanged over the transport.
type Envelope struct {
	Message  Message `json:"message"`
	SpaceID  string  `json:"spaceId,omitempty"`
	User     *User   `json:"user,omitempty"`
	ClientID string  `json:"clientId,omitempty"`
}

// Encode returns the JSON frame for e.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope %s: %w", e.Message.Name, err)
	}
	return data, nil
}

// DecodeEnvelope parses a JSON frame. A frame without message.name is rejected.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Message.Name == "" {
		return nil, fmt.Errorf("envelope has no message name")
	}
	return &env, nil
}
