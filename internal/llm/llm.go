// Package llm abstracts the text-completion providers the task runner
// drives. Providers are black boxes: model id, token budget and prompt in,
// text or an error out.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

const (
	// EnvConvokeMode selects mock mode for local development and tests.
	EnvConvokeMode = "CONVOKE_MODE"
	// ModeMock indicates the deterministic mock provider should be used.
	ModeMock = "MOCK"
)

// Request is one completion call.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	Prompt    string
}

// Provider is a call-for-text-completion collaborator.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

// NewRegistry builds a registry. The first provider registered becomes the
// fallback for requests that do not name one.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if r.fallback == "" {
			r.fallback = p.Name()
		}
		r.providers[p.Name()] = p
	}
	return r
}

// Get resolves a provider by name, falling back to the default when name
// is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// MockMode reports whether CONVOKE_MODE=MOCK is set.
func MockMode() bool {
	if os.Getenv(EnvConvokeMode) == ModeMock {
		slog.Info("CONVOKE_MODE=MOCK detected, using mock provider")
		return true
	}
	return false
}
