package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSecretSource struct {
	calls atomic.Int32
	delay time.Duration
	fail  bool
}

func (s *countingSecretSource) Fetch(ctx context.Context) (Secrets, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail {
		return Secrets{}, fmt.Errorf("fetch failed")
	}
	return Secrets{OpenAIKey: "sk-test"}, nil
}

func TestSecretCacheServesWithinTTL(t *testing.T) {
	ctx := context.Background()
	src := &countingSecretSource{}
	cache := NewSecretCache(src, time.Minute)

	for range 5 {
		s, err := cache.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "sk-test", s.OpenAIKey)
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestSecretCacheRefreshesAfterTTL(t *testing.T) {
	ctx := context.Background()
	src := &countingSecretSource{}
	cache := NewSecretCache(src, time.Nanosecond)

	_, err := cache.Get(ctx)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = cache.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(2), src.calls.Load())
}

func TestSecretCacheCollapsesConcurrentFetches(t *testing.T) {
	ctx := context.Background()
	src := &countingSecretSource{delay: 20 * time.Millisecond}
	cache := NewSecretCache(src, time.Minute)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := cache.Get(ctx)
			assert.NoError(t, err)
			assert.Equal(t, "sk-test", s.OpenAIKey)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestSecretCacheSurfacesFetchError(t *testing.T) {
	ctx := context.Background()
	src := &countingSecretSource{fail: true}
	cache := NewSecretCache(src, time.Minute)

	_, err := cache.Get(ctx)
	require.Error(t, err)

	// Errors are not cached; a later call tries again.
	_, err = cache.Get(ctx)
	require.Error(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestEnvSecretSourceRequiresCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := EnvSecretSource{}.Fetch(context.Background())
	require.Error(t, err)

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	s, err := EnvSecretSource{}.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", s.AnthropicKey)
}
