package store

import (
	"sort"

	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// ConnectionStore is the connection collection plus the byStartItemId and
// byEndItemId indexes, which every add, remove and rewire keeps in lock-step.
type ConnectionStore struct {
	*Store[*space.Connection]
	endpoints *endpointIndex
}

// NewConnectionStore returns a connection store. Connection updates apply immediately.
func NewConnectionStore(deps Deps) *ConnectionStore {
	idx := newEndpointIndex()
	s := New(space.KindConnection, func() *space.Connection { return &space.Connection{} }, deps,
		WithIndex[*space.Connection](idx))
	return &ConnectionStore{Store: s, endpoints: idx}
}

// ByStartItemID returns the ids of connections starting at itemID, sorted.
func (s *ConnectionStore) ByStartItemID(itemID string) []string {
	return sortedKeys(s.endpoints.byStart[itemID])
}

// ByEndItemID returns the ids of connections ending at itemID, sorted.
func (s *ConnectionStore) ByEndItemID(itemID string) []string {
	return sortedKeys(s.endpoints.byEnd[itemID])
}

// ByItemID returns the ids of connections touching itemID at either end, sorted.
func (s *ConnectionStore) ByItemID(itemID string) []string {
	union := make(map[string]struct{})
	for id := range s.endpoints.byStart[itemID] {
		union[id] = struct{}{}
	}
	for id := range s.endpoints.byEnd[itemID] {
		union[id] = struct{}{}
	}
	return sortedKeys(union)
}

// RemoveByItemIDs removes every connection attached to the given items.
func (s *ConnectionStore) RemoveByItemIDs(itemIDs []string, origin space.Origin) {
	seen := make(map[string]struct{})
	var ids []string
	for _, itemID := range itemIDs {
		for _, id := range s.ByItemID(itemID) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		s.Remove(ids, origin)
	}
}

type endpointIndex struct {
	byStart map[string]map[string]struct{}
	byEnd   map[string]map[string]struct{}
}

func newEndpointIndex() *endpointIndex {
	return &endpointIndex{
		byStart: make(map[string]map[string]struct{}),
		byEnd:   make(map[string]map[string]struct{}),
	}
}

func (ix *endpointIndex) Add(c *space.Connection) {
	addToSet(ix.byStart, c.StartItemID, c.ID)
	addToSet(ix.byEnd, c.EndItemID, c.ID)
}

func (ix *endpointIndex) Remove(c *space.Connection) {
	removeFromSet(ix.byStart, c.StartItemID, c.ID)
	removeFromSet(ix.byEnd, c.EndItemID, c.ID)
}

func (ix *endpointIndex) Reset() {
	ix.byStart = make(map[string]map[string]struct{})
	ix.byEnd = make(map[string]map[string]struct{})
}

func addToSet(index map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
