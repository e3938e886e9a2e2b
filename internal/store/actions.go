package store

import (
	"encoding/json"
	"fmt"

	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// Actions returns the statically typed handlers other clients may invoke on
// this store, keyed by action name. Every handler applies with broadcast
// origin, so nothing it does is re-broadcast or re-queued.
func (s *Store[E]) Actions() map[string]func(updates json.RawMessage) error {
	return map[string]func(json.RawMessage) error{
		s.kind.CreateAction():     s.createFromWire,
		s.kind.UpdateAction():     s.updateFromWire,
		s.kind.UpdateManyAction(): s.updateManyFromWire,
		s.kind.RemoveAction():     s.removeFromWire,
		s.kind.RemoveManyAction(): s.removeManyFromWire,
	}
}

func (s *Store[E]) createFromWire(updates json.RawMessage) error {
	e := s.newEntity()
	if err := json.Unmarshal(updates, e); err != nil {
		return fmt.Errorf("%s: %w", s.kind.CreateAction(), err)
	}
	return s.Create(e, space.OriginBroadcast)
}

func (s *Store[E]) updateFromWire(updates json.RawMessage) error {
	var p space.Patch
	if err := json.Unmarshal(updates, &p); err != nil {
		return fmt.Errorf("%s: %w", s.kind.UpdateAction(), err)
	}
	s.Update(p, space.OriginBroadcast)
	return nil
}

func (s *Store[E]) updateManyFromWire(updates json.RawMessage) error {
	var patches []space.Patch
	if err := json.Unmarshal(updates, &patches); err != nil {
		return fmt.Errorf("%s: %w", s.kind.UpdateManyAction(), err)
	}
	s.UpdateBatch(patches, space.OriginBroadcast)
	return nil
}

func (s *Store[E]) removeFromWire(updates json.RawMessage) error {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(updates, &ref); err != nil {
		return fmt.Errorf("%s: %w", s.kind.RemoveAction(), err)
	}
	if ref.ID == "" {
		return fmt.Errorf("%s: %w", s.kind.RemoveAction(), ErrMissingID)
	}
	s.Remove([]string{ref.ID}, space.OriginBroadcast)
	return nil
}

// removeManyFromWire accepts either ["id", ...] or [{"id": ...}, ...].
func (s *Store[E]) removeManyFromWire(updates json.RawMessage) error {
	var ids []string
	if err := json.Unmarshal(updates, &ids); err == nil {
		s.Remove(ids, space.OriginBroadcast)
		return nil
	}

	var refs []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(updates, &refs); err != nil {
		return fmt.Errorf("%s: %w", s.kind.RemoveManyAction(), err)
	}
	ids = make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	s.Remove(ids, space.OriginBroadcast)
	return nil
}
