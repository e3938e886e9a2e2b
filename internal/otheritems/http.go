package otheritems

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// ErrNotFound is returned when the API has no such item.
var ErrNotFound = errors.New("linked item not found")

// ErrUnavailable is returned without a request while the API is failing.
var ErrUnavailable = errors.New("linked item api unavailable")

// BreakerSettings trip the fetcher after consecutive failures. While open,
// fetches fail fast with ErrUnavailable until Cooldown has passed.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	Cooldown            time.Duration
}

// DefaultBreakerSettings returns 5 failures and a 30s cooldown.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, Cooldown: 30 * time.Second}
}

// APIFetcher loads linked items from the REST API.
type APIFetcher struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewAPIFetcher returns a fetcher for the API rooted at baseURL with the
// default breaker settings.
func NewAPIFetcher(baseURL string, client *http.Client) (*APIFetcher, error) {
	return NewAPIFetcherWithBreaker(baseURL, client, DefaultBreakerSettings())
}

// NewAPIFetcherWithBreaker is NewAPIFetcher with explicit breaker settings.
func NewAPIFetcherWithBreaker(baseURL string, client *http.Client, bs BreakerSettings) (*APIFetcher, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid api url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if bs.ConsecutiveFailures == 0 {
		bs.ConsecutiveFailures = DefaultBreakerSettings().ConsecutiveFailures
	}
	if bs.Cooldown <= 0 {
		bs.Cooldown = DefaultBreakerSettings().Cooldown
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "otheritems-api",
		MaxRequests: 1,
		Timeout:     bs.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		// A missing item or a cancelled caller says nothing about API health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
	})
	return &APIFetcher{baseURL: strings.TrimRight(baseURL, "/"), client: client, breaker: breaker}, nil
}

// Available reports whether the breaker lets requests through.
func (f *APIFetcher) Available() bool {
	return f.breaker.State() != gobreaker.StateOpen
}

// FetchCard loads GET /card/{id}.
func (f *APIFetcher) FetchCard(ctx context.Context, id string) (*space.Card, error) {
	var card space.Card
	if err := f.get(ctx, "/card/"+url.PathEscape(id), &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// FetchSpace loads GET /space/{id}.
func (f *APIFetcher) FetchSpace(ctx context.Context, id string) (*space.Meta, error) {
	var meta space.Meta
	if err := f.get(ctx, "/space/"+url.PathEscape(id), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (f *APIFetcher) get(ctx context.Context, path string, out any) error {
	_, err := f.breaker.Execute(func() (interface{}, error) {
		return nil, f.do(ctx, path, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("GET %s: %w", path, ErrUnavailable)
	}
	return err
}

func (f *APIFetcher) do(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", path, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: failed to decode response: %w", path, err)
	}
	return nil
}
