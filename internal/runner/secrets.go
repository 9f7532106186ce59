package runner

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Secrets holds the downstream credentials task execution needs. The
// snapshot handed to a task is read-only; it is never mutated mid-task.
type Secrets struct {
	OpenAIKey     string
	OpenAIBaseURL string
	AnthropicKey  string
}

// SecretSource fetches a fresh secrets snapshot.
type SecretSource interface {
	Fetch(ctx context.Context) (Secrets, error)
}

// EnvSecretSource reads secrets from the process environment.
type EnvSecretSource struct{}

func (EnvSecretSource) Fetch(ctx context.Context) (Secrets, error) {
	s := Secrets{
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		AnthropicKey:  os.Getenv("ANTHROPIC_API_KEY"),
	}
	if s.OpenAIKey == "" && s.AnthropicKey == "" {
		return Secrets{}, fmt.Errorf("no provider credentials configured")
	}
	return s, nil
}

// StaticSecretSource serves a fixed snapshot. Used in mock mode and tests.
type StaticSecretSource struct {
	Secrets Secrets
}

func (s StaticSecretSource) Fetch(ctx context.Context) (Secrets, error) {
	return s.Secrets, nil
}

// SecretCache is a process-wide, time-boxed, read-mostly secrets cache.
// Concurrent refreshes collapse into one fetch via singleflight.
type SecretCache struct {
	src SecretSource
	ttl time.Duration

	mu        sync.RWMutex
	current   Secrets
	fetchedAt time.Time

	group singleflight.Group
}

// NewSecretCache builds a cache over src with the given validity window.
func NewSecretCache(src SecretSource, ttl time.Duration) *SecretCache {
	return &SecretCache{src: src, ttl: ttl}
}

// Get returns the cached snapshot, refreshing it when the validity window
// has lapsed. A fetch failure is surfaced to the caller so the queue can
// redeliver; it never poisons a still-valid snapshot.
func (c *SecretCache) Get(ctx context.Context) (Secrets, error) {
	c.mu.RLock()
	fresh := !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl
	current := c.current
	c.mu.RUnlock()
	if fresh {
		return current, nil
	}

	v, err, _ := c.group.Do("secrets", func() (any, error) {
		s, err := c.src.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.current = s
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return Secrets{}, fmt.Errorf("secrets fetch failed: %w", err)
	}
	return v.(Secrets), nil
}
