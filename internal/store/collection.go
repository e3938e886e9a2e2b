package store

import "github.com/kinopio-club/kinopio-sync/pkg/space"

// collection is the normalized {allIds, byId} pair for one entity type.
type collection[E space.Entity] struct {
	allIDs []string
	byID   map[string]E
}

func newCollection[E space.Entity]() *collection[E] {
	return &collection[E]{byID: make(map[string]E)}
}

// reset replaces the contents. A repeated id keeps its first position and its last value.
func (c *collection[E]) reset(entities []E) {
	c.allIDs = make([]string, 0, len(entities))
	c.byID = make(map[string]E, len(entities))
	for _, e := range entities {
		c.put(e)
	}
}

// put inserts e, or replaces the entity with the same id in place.
func (c *collection[E]) put(e E) {
	id := e.Base().ID
	if _, exists := c.byID[id]; !exists {
		c.allIDs = append(c.allIDs, id)
	}
	c.byID[id] = e
}

func (c *collection[E]) get(id string) (E, bool) {
	e, ok := c.byID[id]
	return e, ok
}

func (c *collection[E]) remove(id string) bool {
	if _, ok := c.byID[id]; !ok {
		return false
	}
	delete(c.byID, id)
	for i, existing := range c.allIDs {
		if existing == id {
			c.allIDs = append(c.allIDs[:i], c.allIDs[i+1:]...)
			break
		}
	}
	return true
}

func (c *collection[E]) ids() []string {
	return append([]string(nil), c.allIDs...)
}

func (c *collection[E]) all() []E {
	out := make([]E, 0, len(c.allIDs))
	for _, id := range c.allIDs {
		out = append(out, c.byID[id])
	}
	return out
}

func (c *collection[E]) len() int {
	return len(c.allIDs)
}
