// Package runner consumes task messages from the queue and executes the
// orchestration logic they describe, emitting events as work proceeds.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/llm"
	"github.com/convoke-ai/convoke/internal/policy"
	"github.com/convoke-ai/convoke/internal/service"
	"github.com/convoke-ai/convoke/internal/store"
)

// ProviderFactory builds the provider registry for one task execution from
// the current secrets snapshot.
type ProviderFactory func(Secrets) *llm.Registry

// DefaultProviderFactory wires the real providers from credentials.
func DefaultProviderFactory(s Secrets) *llm.Registry {
	var providers []llm.Provider
	if s.OpenAIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(s.OpenAIKey, s.OpenAIBaseURL))
	}
	if s.AnthropicKey != "" {
		providers = append(providers, llm.NewAnthropicProvider(s.AnthropicKey))
	}
	return llm.NewRegistry(providers...)
}

// MockProviderFactory ignores secrets and serves the deterministic mock.
func MockProviderFactory(Secrets) *llm.Registry {
	return llm.NewRegistry(llm.NewMockProvider())
}

// Consumer executes task message batches with worker-pool concurrency.
// Messages share nothing mutable beyond the read-only secrets cache.
type Consumer struct {
	svc      *service.Service
	store    store.Store
	cfg      *config.Config
	secrets  *SecretCache
	policy   *policy.Engine
	registry ProviderFactory
	logger   *slog.Logger
}

func NewConsumer(svc *service.Service, st store.Store, cfg *config.Config, secrets *SecretCache, pol *policy.Engine, registry ProviderFactory, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		svc:      svc,
		store:    st,
		cfg:      cfg,
		secrets:  secrets,
		policy:   pol,
		registry: registry,
		logger:   logger,
	}
}

// ProcessBatch handles every message in the batch independently and returns
// the ids of only the failed messages, so the queue redelivers exactly
// those. One message's failure never blocks or rolls back another.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []domain.TaskMessage) []string {
	var (
		mu     sync.Mutex
		failed []string
	)

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.WorkerConcurrency)

	for _, msg := range msgs {
		g.Go(func() error {
			if err := c.handle(ctx, msg); err != nil {
				c.logger.Error("task message failed",
					"task_id", msg.ID, "session_id", msg.SessionID, "error", err)
				mu.Lock()
				failed = append(failed, msg.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

func (c *Consumer) handle(ctx context.Context, msg domain.TaskMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	session, err := c.svc.LookupSession(ctx, msg.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	// A redelivered message for an already-finished session is done work.
	if session.Status.Terminal() {
		c.logger.Info("skipping task for terminal session",
			"task_id", msg.ID, "session_id", session.ID, "status", session.Status)
		return nil
	}

	// Credentials failure is retryable infrastructure, not a session
	// failure, until the queue's retry budget runs out.
	secrets, err := c.secrets.Get(ctx)
	if err != nil {
		if msg.ReceiveCount >= c.cfg.MaxReceives {
			c.failSession(ctx, session, "secrets", fmt.Sprintf("credentials unavailable after %d attempts: %v", msg.ReceiveCount, err))
			return nil
		}
		return err
	}

	if err := c.svc.Transition(ctx, session.ID, domain.SessionStatusRunning, service.TransitionOpts{}); err != nil {
		// Losing the CAS to an earlier delivery of this same message is
		// fine; the session is already running.
		if !errors.Is(err, store.ErrInvalidTransition) {
			return fmt.Errorf("failed to start session: %w", err)
		}
	}

	state := map[string]string{"task_type": string(msg.Type)}
	if session.ThreadID != "" {
		state["thread_id"] = session.ThreadID
	}
	if err := c.svc.UpdateToolState(ctx, session.ID, state); err != nil {
		c.logger.Warn("failed to update tool state", "session_id", session.ID, "error", err)
	}

	registry := c.registry(secrets)

	var result string
	switch msg.Type {
	case domain.TaskTypeSimulation:
		result, err = c.runSimulation(ctx, session, msg.Config, registry)
	case domain.TaskTypePanel:
		result, err = c.runPanel(ctx, session, msg.Config, registry, "panel")
	case domain.TaskTypeDiscussion:
		result, err = c.runPanel(ctx, session, msg.Config, registry, "discussion")
	case domain.TaskTypeAnalysis:
		result, err = c.runAnalysis(ctx, session, msg.Config, registry)
	default:
		err = invalidTask("unknown task type %q", msg.Type)
	}

	if err != nil {
		// Invalid tasks fail the session on first delivery. Transient
		// failures (a provider call, storage) only fail it once the receive
		// budget runs out; before that the message is reported failed so the
		// queue redelivers and the re-execution retries the work. After a
		// terminal failure a redelivery finds the session terminal and
		// no-ops.
		if errors.Is(err, errInvalidTask) || msg.ReceiveCount >= c.cfg.MaxReceives {
			c.failSession(ctx, session, "task_error", err.Error())
		}
		return err
	}

	if err := c.svc.Transition(ctx, session.ID, domain.SessionStatusCompleted, service.TransitionOpts{
		FinalResponse: result,
	}); err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	c.logger.Info("task completed", "task_id", msg.ID, "session_id", session.ID)
	return nil
}

// failSession records the terminal error once: an error event plus the
// failed transition. Terminal failures are not retried; retrying requires
// a new session.
func (c *Consumer) failSession(ctx context.Context, session *domain.Session, code, message string) {
	if _, err := c.svc.Append(ctx, session.ID, domain.EventTypeError, domain.ErrorPayload{
		Code:    code,
		Message: message,
	}, nil); err != nil {
		c.logger.Error("failed to record error event", "session_id", session.ID, "error", err)
	}
	if err := c.svc.Transition(ctx, session.ID, domain.SessionStatusFailed, service.TransitionOpts{
		Error: message,
	}); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		c.logger.Error("failed to fail session", "session_id", session.ID, "error", err)
	}
}

// Run polls the queue until ctx is cancelled, acknowledging successes and
// releasing failures for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		msgs, err := c.store.ReceiveTasks(ctx, c.cfg.BatchSize, c.cfg.VisibilityTimeout)
		if err != nil {
			c.logger.Error("failed to receive tasks", "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		failed := c.ProcessBatch(ctx, msgs)
		failedSet := make(map[string]bool, len(failed))
		for _, id := range failed {
			failedSet[id] = true
		}

		var succeeded []string
		for _, msg := range msgs {
			if !failedSet[msg.ID] {
				succeeded = append(succeeded, msg.ID)
			}
		}

		if err := c.store.DeleteTasks(ctx, succeeded); err != nil {
			c.logger.Error("failed to acknowledge tasks", "error", err)
		}
		if err := c.store.ReleaseTasks(ctx, failed); err != nil {
			c.logger.Error("failed to release tasks", "error", err)
		}
	}
}

func decodeConfig[T any](raw json.RawMessage) (T, error) {
	var cfg T
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, invalidTask("malformed config: %v", err)
	}
	return cfg, nil
}

// errInvalidTask marks task failures no redelivery can fix: malformed or
// incomplete config, nothing to execute. Everything else (provider calls,
// credentials, storage) is infrastructure and rides queue redelivery.
var errInvalidTask = errors.New("invalid task")

func invalidTask(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errInvalidTask}, args...)...)
}
