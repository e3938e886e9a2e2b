// Package queue holds durable persistence operations until the API worker
// sends them to the backend. The realtime core only appends to the queue; it
// never waits on it, and it relies on the queue to retry on failure.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Operation is one persisted mutation, e.g. {name: "createCard", body: {...}}.
type Operation struct {
	Name     string          `json:"name"`
	Body     json.RawMessage `json:"body"`
	SpaceID  string          `json:"spaceId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	QueuedAt int64           `json:"queuedAt"` // unix milliseconds
}

// NewOperation encodes body and stamps the operation with the current time.
func NewOperation(name string, body any) (Operation, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Operation{}, fmt.Errorf("failed to encode %s body: %w", name, err)
	}
	return Operation{Name: name, Body: data, QueuedAt: time.Now().UnixMilli()}, nil
}

// Enqueuer accepts operations without blocking.
type Enqueuer interface {
	AddToQueue(op Operation)
}

// Memory is an in-process queue used by local-only sessions and tests.
type Memory struct {
	mu  sync.Mutex
	ops []Operation
}

// NewMemory returns an empty queue.
func NewMemory() *Memory {
	return &Memory{}
}

// AddToQueue appends op.
func (m *Memory) AddToQueue(op Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
}

// Operations returns a copy of everything queued, oldest first.
func (m *Memory) Operations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Operation(nil), m.ops...)
}

// Drain removes and returns up to n operations, oldest first.
func (m *Memory) Drain(n int) []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.ops) || n <= 0 {
		n = len(m.ops)
	}
	out := append([]Operation(nil), m.ops[:n]...)
	m.ops = m.ops[n:]
	return out
}
