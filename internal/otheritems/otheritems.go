// Package otheritems caches cards and spaces from other spaces that local
// cards link to, so link previews can render without a round trip.
package otheritems

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kinopio-club/kinopio-sync/internal/logging"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// DefaultSize is the number of cards and of spaces kept.
const DefaultSize = 256

// DefaultTimeout bounds one fetch.
const DefaultTimeout = 10 * time.Second

// Fetcher loads linked items.
type Fetcher interface {
	FetchCard(ctx context.Context, id string) (*space.Card, error)
	FetchSpace(ctx context.Context, id string) (*space.Meta, error)
}

// PostFunc runs fn on the event loop. It reports false when the loop is gone.
type PostFunc func(fn func()) bool

// Cache holds linked items. Refresh and the observers run on the event loop;
// lookups are safe from any goroutine.
type Cache struct {
	cards   *lru.Cache[string, *space.Card]
	spaces  *lru.Cache[string, *space.Meta]
	fetcher Fetcher
	post    PostFunc
	timeout time.Duration
	logger  *log.Logger

	inflight  map[string]struct{}
	observers []func(kind, id string)
}

// New returns a cache holding up to size cards and size spaces.
func New(size int, fetcher Fetcher, post PostFunc, logger *log.Logger) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cards, err := lru.New[string, *space.Card](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create card cache: %w", err)
	}
	spaces, err := lru.New[string, *space.Meta](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create space cache: %w", err)
	}
	return &Cache{
		cards:    cards,
		spaces:   spaces,
		fetcher:  fetcher,
		post:     post,
		timeout:  DefaultTimeout,
		logger:   logging.Component(logger, "otheritems"),
		inflight: make(map[string]struct{}),
	}, nil
}

// Observe registers fn to run after an item is stored. kind is "card" or "space".
func (c *Cache) Observe(fn func(kind, id string)) {
	c.observers = append(c.observers, fn)
}

// Card returns a cached linked card.
func (c *Cache) Card(id string) (*space.Card, bool) { return c.cards.Get(id) }

// Space returns cached linked space metadata.
func (c *Cache) Space(id string) (*space.Meta, bool) { return c.spaces.Get(id) }

// Len returns the number of cached cards and spaces.
func (c *Cache) Len() (cards, spaces int) { return c.cards.Len(), c.spaces.Len() }

// Refresh fetches whatever card links to in the background. Items already
// being fetched are not requested twice.
func (c *Cache) Refresh(ctx context.Context, card *space.Card) {
	if c.fetcher == nil || card == nil {
		return
	}
	if id := card.LinkToCardID; id != "" {
		c.start(ctx, "card", id, func(ctx context.Context) (func(), error) {
			linked, err := c.fetcher.FetchCard(ctx, id)
			if err != nil {
				return nil, err
			}
			return func() { c.cards.Add(id, linked) }, nil
		})
	}
	if id := card.LinkToSpaceID; id != "" {
		c.start(ctx, "space", id, func(ctx context.Context) (func(), error) {
			meta, err := c.fetcher.FetchSpace(ctx, id)
			if err != nil {
				return nil, err
			}
			return func() { c.spaces.Add(id, meta) }, nil
		})
	}
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.cards.Purge()
	c.spaces.Purge()
}

func (c *Cache) start(ctx context.Context, kind, id string, fetch func(context.Context) (func(), error)) {
	key := kind + ":" + id
	if _, busy := c.inflight[key]; busy {
		return
	}
	c.inflight[key] = struct{}{}

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		store, err := fetch(fetchCtx)
		c.post(func() {
			delete(c.inflight, key)
			if err != nil {
				c.logger.Warn("failed to fetch linked item", "kind", kind, "id", id, "err", err)
				return
			}
			store()
			for _, fn := range c.observers {
				fn(kind, id)
			}
		})
	}()
}
