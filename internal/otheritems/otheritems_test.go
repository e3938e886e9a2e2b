package otheritems

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinopio-club/kinopio-sync/internal/loop"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
}

func (f *fakeFetcher) FetchCard(ctx context.Context, id string) (*space.Card, error) {
	f.record("card:" + id)
	if f.release != nil {
		<-f.release
	}
	if id == "missing" {
		return nil, ErrNotFound
	}
	return &space.Card{Item: space.Item{ID: id}, Name: "linked " + id}, nil
}

func (f *fakeFetcher) FetchSpace(ctx context.Context, id string) (*space.Meta, error) {
	f.record("space:" + id)
	return &space.Meta{ID: id, Name: "space " + id}, nil
}

func (f *fakeFetcher) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func runLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l
}

func TestRefresh(t *testing.T) {
	l := runLoop(t)
	fetcher := &fakeFetcher{}
	cache, err := New(4, fetcher, l.Post, nil)
	require.NoError(t, err)

	stored := make(chan string, 4)
	cache.Observe(func(kind, id string) { stored <- kind + ":" + id })

	require.NoError(t, l.Do(context.Background(), func() {
		cache.Refresh(context.Background(), &space.Card{Item: space.Item{ID: "c1"}, LinkToCardID: "c9", LinkToSpaceID: "s9"})
	}))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case key := <-stored:
			got[key] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for refresh")
		}
	}
	assert.True(t, got["card:c9"])
	assert.True(t, got["space:s9"])

	card, ok := cache.Card("c9")
	require.True(t, ok)
	assert.Equal(t, "linked c9", card.Name)
	meta, ok := cache.Space("s9")
	require.True(t, ok)
	assert.Equal(t, "space s9", meta.Name)
}

func TestRefreshDeduplicatesInflight(t *testing.T) {
	l := runLoop(t)
	fetcher := &fakeFetcher{release: make(chan struct{})}
	cache, err := New(4, fetcher, l.Post, nil)
	require.NoError(t, err)

	stored := make(chan string, 4)
	cache.Observe(func(kind, id string) { stored <- id })

	card := &space.Card{Item: space.Item{ID: "c1"}, LinkToCardID: "c9"}
	require.NoError(t, l.Do(context.Background(), func() {
		cache.Refresh(context.Background(), card)
		cache.Refresh(context.Background(), card)
	}))
	close(fetcher.release)

	select {
	case <-stored:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for refresh")
	}
	assert.Equal(t, []string{"card:c9"}, fetcher.Calls())
}

func TestRefreshFailureIsLogged(t *testing.T) {
	l := runLoop(t)
	cache, err := New(4, &fakeFetcher{}, l.Post, nil)
	require.NoError(t, err)

	require.NoError(t, l.Do(context.Background(), func() {
		cache.Refresh(context.Background(), &space.Card{Item: space.Item{ID: "c1"}, LinkToCardID: "missing"})
	}))

	assert.Eventually(t, func() bool {
		busy := true
		_ = l.Do(context.Background(), func() { busy = len(cache.inflight) > 0 })
		return !busy
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := cache.Card("missing")
	assert.False(t, ok)
}

func TestEviction(t *testing.T) {
	cache, err := New(2, nil, nil, nil)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		cache.cards.Add(id, &space.Card{Item: space.Item{ID: id}})
	}
	_, ok := cache.Card("a")
	assert.False(t, ok)
	cards, _ := cache.Len()
	assert.Equal(t, 2, cards)
}

func TestAPIFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/card/c9":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"c9","name":"hello","x":1,"y":2,"spaceId":"s9"}`))
		case "/space/s9":
			_, _ = w.Write([]byte(`{"id":"s9","name":"Elsewhere","isRemote":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	fetcher, err := NewAPIFetcher(server.URL+"/", nil)
	require.NoError(t, err)

	card, err := fetcher.FetchCard(context.Background(), "c9")
	require.NoError(t, err)
	assert.Equal(t, "hello", card.Name)
	assert.Equal(t, "s9", card.SpaceID)

	meta, err := fetcher.FetchSpace(context.Background(), "s9")
	require.NoError(t, err)
	assert.Equal(t, "Elsewhere", meta.Name)

	_, err = fetcher.FetchCard(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = NewAPIFetcher("", nil)
	assert.Error(t, err)
}

func TestAPIFetcherBreaker(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	failing := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		if r.URL.Path == "/card/missing" {
			http.NotFound(w, r)
			return
		}
		if failing {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"c9"}`))
	}))
	defer server.Close()

	fetcher, err := NewAPIFetcherWithBreaker(server.URL, nil, BreakerSettings{ConsecutiveFailures: 2, Cooldown: 50 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("not found does not trip", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, err := fetcher.FetchCard(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))
		}
		assert.True(t, fetcher.Available())
	})

	t.Run("consecutive failures open the breaker", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			_, err := fetcher.FetchCard(ctx, "c9")
			require.Error(t, err)
			assert.False(t, errors.Is(err, ErrUnavailable))
		}
		assert.False(t, fetcher.Available())

		mu.Lock()
		before := hits
		mu.Unlock()
		_, err := fetcher.FetchCard(ctx, "c9")
		assert.True(t, errors.Is(err, ErrUnavailable))
		mu.Lock()
		assert.Equal(t, before, hits, "open breaker makes no request")
		mu.Unlock()
	})

	t.Run("recovers after cooldown", func(t *testing.T) {
		mu.Lock()
		failing = false
		mu.Unlock()

		assert.Eventually(t, func() bool {
			card, err := fetcher.FetchCard(ctx, "c9")
			return err == nil && card.ID == "c9"
		}, 2*time.Second, 20*time.Millisecond)
		assert.True(t, fetcher.Available())
	})
}
