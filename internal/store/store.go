// Package store holds the entity stores: one normalized collection per entity
// type, with create/update/remove actions that apply locally first, then
// broadcast to other clients and enqueue durable persistence.
//
// Stores are not safe for concurrent use. They are driven from the session
// event loop, which serializes every local and remote mutation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kinopio-club/kinopio-sync/internal/logging"
	"github.com/kinopio-club/kinopio-sync/internal/loop"
	"github.com/kinopio-club/kinopio-sync/internal/queue"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// ErrMissingID is returned when an entity still has no id after defaulting.
var ErrMissingID = errors.New("entity has no id")

// DefaultFrameInterval is one animation frame at 60Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// Publisher receives store mutations destined for other clients.
type Publisher interface {
	UpdateStore(msg space.Message)
}

// Permissions answers whether the current user may edit the current space.
type Permissions interface {
	UserCanEditSpace() bool
}

// Session supplies the defaults stamped on newly created entities.
type Session interface {
	UserID() string
	SpaceID() string
}

// Deps are the collaborators every store needs.
type Deps struct {
	Publisher     Publisher
	Queue         queue.Enqueuer
	Permissions   Permissions
	Session       Session
	Scheduler     loop.Scheduler // runs frame flushes; required by frame-batched stores
	FrameInterval time.Duration
	NewID         func() string
	Logger        *log.Logger
}

// Indexer keeps a secondary index in lock-step with the collection.
type Indexer[E space.Entity] interface {
	Add(e E)
	Remove(e E)
	Reset()
}

// Option configures a Store.
type Option[E space.Entity] func(*Store[E])

// WithFrameBatching buffers updates and applies them once per frame.
func WithFrameBatching[E space.Entity]() Option[E] {
	return func(s *Store[E]) { s.frameBatching = true }
}

// WithIndex attaches a secondary index.
func WithIndex[E space.Entity](ix Indexer[E]) Option[E] {
	return func(s *Store[E]) { s.index = ix }
}

// Store owns the collection of one entity kind.
type Store[E space.Entity] struct {
	kind      space.Kind
	newEntity func() E
	deps      Deps
	logger    *log.Logger
	items     *collection[E]
	index     Indexer[E]

	frameBatching bool
	pending       *pendingBuffer
	frame         loop.Timer

	removeHooks []func(removed []E, origin space.Origin)
}

// New creates a store for kind. newEntity returns a zero entity to decode into.
func New[E space.Entity](kind space.Kind, newEntity func() E, deps Deps, opts ...Option[E]) *Store[E] {
	if deps.NewID == nil {
		deps.NewID = space.NewID
	}
	if deps.FrameInterval <= 0 {
		deps.FrameInterval = DefaultFrameInterval
	}
	s := &Store[E]{
		kind:      kind,
		newEntity: newEntity,
		deps:      deps,
		logger:    logging.Component(deps.Logger, kind.StoreName()),
		items:     newCollection[E](),
		pending:   newPendingBuffer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind returns the entity kind this store owns.
func (s *Store[E]) Kind() space.Kind { return s.kind }

// Name returns the store's wire name, e.g. "cardStore".
func (s *Store[E]) Name() string { return s.kind.StoreName() }

// Initialize replaces the whole collection, dropping any buffered updates.
func (s *Store[E]) Initialize(entities []E) {
	s.cancelFrame()
	s.pending.clear()
	s.items.reset(entities)
	if s.index != nil {
		s.index.Reset()
		for _, e := range s.items.all() {
			s.index.Add(e)
		}
	}
}

// Get returns the entity with id.
func (s *Store[E]) Get(id string) (E, bool) { return s.items.get(id) }

// All returns every entity in insertion order.
func (s *Store[E]) All() []E { return s.items.all() }

// IDs returns every id in insertion order.
func (s *Store[E]) IDs() []string { return s.items.ids() }

// Len returns the number of entities.
func (s *Store[E]) Len() int { return s.items.len() }

// OnRemove registers fn to run after entities are removed.
func (s *Store[E]) OnRemove(fn func(removed []E, origin space.Origin)) {
	s.removeHooks = append(s.removeHooks, fn)
}

// Create inserts e after defaulting its id, userId and spaceId. Local
// creations are broadcast and queued; broadcast ones are only applied.
// Without edit rights a local create is a silent no-op.
func (s *Store[E]) Create(e E, origin space.Origin) error {
	if origin == space.OriginLocal && !s.canEdit() {
		s.logger.Debug("create ignored, user cannot edit space")
		return nil
	}

	base := e.Base()
	if base.ID == "" {
		base.ID = s.deps.NewID()
	}
	if base.ID == "" {
		return fmt.Errorf("%s: %w", s.kind.CreateAction(), ErrMissingID)
	}
	if base.UserID == "" && s.deps.Session != nil {
		base.UserID = s.deps.Session.UserID()
	}
	if base.SpaceID == "" && s.deps.Session != nil {
		base.SpaceID = s.deps.Session.SpaceID()
	}

	if existing, ok := s.items.get(base.ID); ok {
		s.logger.Debug("create replaces existing entity", "id", base.ID, "origin", origin)
		if s.index != nil {
			s.index.Remove(existing)
		}
	}
	s.items.put(e)
	if s.index != nil {
		s.index.Add(e)
	}

	if origin == space.OriginLocal {
		action := s.kind.CreateAction()
		s.publish(action, e)
		s.enqueue(action, e)
	}
	return nil
}

// Update merges patch into the entity it names. Unknown ids are logged and ignored.
func (s *Store[E]) Update(patch space.Patch, origin space.Origin) {
	s.UpdateBatch([]space.Patch{patch}, origin)
}

// UpdateBatch merges several patches. Frame-batched stores defer the merge
// to the next frame; other stores apply, broadcast and queue immediately.
func (s *Store[E]) UpdateBatch(patches []space.Patch, origin space.Origin) {
	if origin == space.OriginLocal && !s.canEdit() {
		s.logger.Debug("update ignored, user cannot edit space", "count", len(patches))
		return
	}

	valid := make([]space.Patch, 0, len(patches))
	for _, p := range patches {
		id := p.ID()
		if id == "" {
			s.logger.Warn("update without id ignored", "origin", origin)
			continue
		}
		if _, ok := s.items.get(id); !ok {
			s.logger.Debug("update for unknown id ignored", "id", id, "origin", origin)
			continue
		}
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return
	}

	if s.frameBatching {
		for _, p := range valid {
			s.pending.add(p, origin)
		}
		s.requestFrame()
		return
	}

	applied := s.applyAll(valid)
	if origin == space.OriginLocal {
		s.publishUpdates(applied)
	}
}

// FlushPending applies buffered updates now. The frame timer calls it; tests
// and shutdown may call it directly.
func (s *Store[E]) FlushPending() {
	s.cancelFrame()
	if s.pending.empty() {
		return
	}
	remote, local := s.pending.drain()

	s.applyAll(remote)
	applied := s.applyAll(local)
	s.publishUpdates(applied)
}

// HasPending reports whether updates are waiting for the next frame.
func (s *Store[E]) HasPending() bool { return !s.pending.empty() }

// Remove deletes the named entities from every index. Without edit rights
// a local removal is a silent no-op.
func (s *Store[E]) Remove(ids []string, origin space.Origin) {
	if origin == space.OriginLocal && !s.canEdit() {
		s.logger.Debug("remove ignored, user cannot edit space", "count", len(ids))
		return
	}

	removed := make([]E, 0, len(ids))
	for _, id := range ids {
		e, ok := s.items.get(id)
		if !ok {
			continue
		}
		if s.index != nil {
			s.index.Remove(e)
		}
		s.items.remove(id)
		s.pending.forget(id)
		removed = append(removed, e)
	}
	if len(removed) == 0 {
		return
	}

	if origin == space.OriginLocal {
		removedIDs := make([]string, 0, len(removed))
		for _, e := range removed {
			removedIDs = append(removedIDs, e.Base().ID)
		}
		if len(removedIDs) == 1 {
			s.publish(s.kind.RemoveAction(), map[string]string{"id": removedIDs[0]})
		} else {
			s.publish(s.kind.RemoveManyAction(), removedIDs)
		}
		for _, id := range removedIDs {
			s.enqueue(s.kind.RemoveAction(), map[string]string{"id": id})
		}
	}

	for _, hook := range s.removeHooks {
		hook(removed, origin)
	}
}

// applyAll merges each patch into a copy of its entity and swaps the copy in,
// so a patch that fails to decode leaves the stored entity untouched.
func (s *Store[E]) applyAll(patches []space.Patch) []space.Patch {
	applied := make([]space.Patch, 0, len(patches))
	for _, p := range patches {
		current, ok := s.items.get(p.ID())
		if !ok {
			s.logger.Debug("update for removed id ignored", "id", p.ID())
			continue
		}
		next, err := s.clone(current)
		if err != nil {
			s.logger.Error("failed to copy entity", "id", p.ID(), "err", err)
			continue
		}
		if err := space.Merge(next, p); err != nil {
			s.logger.Warn("malformed update ignored", "id", p.ID(), "err", err)
			continue
		}
		next.Base().ID = p.ID()

		if s.index != nil {
			s.index.Remove(current)
		}
		s.items.put(next)
		if s.index != nil {
			s.index.Add(next)
		}
		applied = append(applied, p)
	}
	return applied
}

func (s *Store[E]) publishUpdates(patches []space.Patch) {
	switch len(patches) {
	case 0:
		return
	case 1:
		s.publish(s.kind.UpdateAction(), patches[0])
	default:
		s.publish(s.kind.UpdateManyAction(), patches)
	}
	for _, p := range patches {
		s.enqueue(s.kind.UpdateAction(), p)
	}
}

func (s *Store[E]) clone(e E) (E, error) {
	out := s.newEntity()
	data, err := json.Marshal(e)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Store[E]) publish(action string, updates any) {
	if s.deps.Publisher == nil {
		return
	}
	msg, err := space.StoreMessage(s.kind.StoreName(), action, updates)
	if err != nil {
		s.logger.Error("failed to build broadcast", "action", action, "err", err)
		return
	}
	s.deps.Publisher.UpdateStore(msg)
}

func (s *Store[E]) enqueue(name string, body any) {
	if s.deps.Queue == nil {
		return
	}
	op, err := queue.NewOperation(name, body)
	if err != nil {
		s.logger.Error("failed to build queue operation", "name", name, "err", err)
		return
	}
	if s.deps.Session != nil {
		op.SpaceID = s.deps.Session.SpaceID()
		op.UserID = s.deps.Session.UserID()
	}
	s.deps.Queue.AddToQueue(op)
}

func (s *Store[E]) canEdit() bool {
	return s.deps.Permissions == nil || s.deps.Permissions.UserCanEditSpace()
}

func (s *Store[E]) requestFrame() {
	if s.frame != nil {
		return
	}
	if s.deps.Scheduler == nil {
		s.FlushPending()
		return
	}
	s.frame = s.deps.Scheduler.AfterFunc(s.deps.FrameInterval, func() {
		s.frame = nil
		s.FlushPending()
	})
}

func (s *Store[E]) cancelFrame() {
	if s.frame != nil {
		s.frame.Stop()
		s.frame = nil
	}
}
