package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider is a deterministic provider for tests and CONVOKE_MODE=MOCK.
type MockProvider struct {
	// FailFor makes Complete fail when the prompt contains the substring.
	FailFor string
}

// NewMockProvider creates a new mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) Name() string { return "mock" }

// Complete returns a canned response derived from the prompt.
func (m *MockProvider) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.FailFor != "" && strings.Contains(req.Prompt, m.FailFor) {
		return "", fmt.Errorf("mock provider failure for %q", m.FailFor)
	}

	prompt := req.Prompt
	if runes := []rune(prompt); len(runes) > 48 {
		prompt = string(runes[:48])
	}
	return fmt.Sprintf("[%s] %s", req.Model, prompt), nil
}
