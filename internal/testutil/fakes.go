// Package testutil holds fakes shared by package tests.
package testutil

import (
	"encoding/json"
	"sync"

	"github.com/kinopio-club/kinopio-sync/internal/queue"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// Publisher records every message handed to UpdateStore and Update.
type Publisher struct {
	mu       sync.Mutex
	messages []space.Message
}

// UpdateStore records msg.
func (p *Publisher) UpdateStore(msg space.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

// Update records msg.
func (p *Publisher) Update(msg space.Message) {
	p.UpdateStore(msg)
}

// Messages returns a copy of the recorded messages.
func (p *Publisher) Messages() []space.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]space.Message(nil), p.messages...)
}

// Actions returns the action of every recorded message.
func (p *Publisher) Actions() []string {
	var out []string
	for _, m := range p.Messages() {
		out = append(out, m.Action)
	}
	return out
}

// Reset forgets recorded messages.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}

// Permissions is a settable edit-rights oracle.
type Permissions struct {
	mu      sync.Mutex
	canEdit bool
}

// NewPermissions returns an oracle answering canEdit.
func NewPermissions(canEdit bool) *Permissions {
	return &Permissions{canEdit: canEdit}
}

// UserCanEditSpace reports the configured answer.
func (p *Permissions) UserCanEditSpace() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canEdit
}

// Set changes the answer.
func (p *Permissions) Set(canEdit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canEdit = canEdit
}

// Session is a fixed user and space.
type Session struct {
	User  string
	Space string
}

func (s Session) UserID() string  { return s.User }
func (s Session) SpaceID() string { return s.Space }

// OperationNames returns the name of every queued operation.
func OperationNames(q *queue.Memory) []string {
	var out []string
	for _, op := range q.Operations() {
		out = append(out, op.Name)
	}
	return out
}

// DecodePatch unmarshals a message's updates into a patch.
func DecodePatch(raw json.RawMessage) space.Patch {
	var p space.Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return p
}
