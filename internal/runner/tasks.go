package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/llm"
	"github.com/convoke-ai/convoke/internal/policy"
)

func newToolCallID() string {
	return "tc_" + uuid.New().String()[:8]
}

func newAgentID() string {
	return "agt_" + uuid.New().String()[:8]
}

// createAgent emits the tool_call/tool_result pair for one participant,
// consulting the tool policy before dispatch. A blocked tool yields a
// failed result, not an error.
func (c *Consumer) createAgent(ctx context.Context, session *domain.Session, spec domain.AgentSpec) (string, error) {
	callID := newToolCallID()
	args, _ := json.Marshal(map[string]string{
		"name":          spec.Name,
		"specification": spec.Specification,
	})
	if _, err := c.svc.Append(ctx, session.ID, domain.EventTypeToolCall, domain.ToolCallPayload{
		ToolCallID: callID,
		Tool:       "create_agent",
		Args:       args,
	}, nil); err != nil {
		return "", err
	}

	decision, err := c.policy.Evaluate(ctx, policy.ToolInput{
		ToolName:  "create_agent",
		SessionID: session.ID,
		OwnerID:   session.OwnerID,
	})
	if err != nil {
		return "", fmt.Errorf("policy evaluation failed: %w", err)
	}
	if decision != policy.DecisionAllow {
		_, err := c.svc.Append(ctx, session.ID, domain.EventTypeToolResult, domain.ToolResultPayload{
			ToolCallID: callID,
			Success:    false,
			Error:      fmt.Sprintf("tool blocked by policy (%s)", decision),
		}, nil)
		if err != nil {
			return "", err
		}
		return "", nil
	}

	agentID := newAgentID()
	result, _ := json.Marshal(domain.CreateAgentResult{
		AgentID:       agentID,
		Name:          spec.Name,
		Specification: spec.Specification,
	})
	if _, err := c.svc.Append(ctx, session.ID, domain.EventTypeToolResult, domain.ToolResultPayload{
		ToolCallID: callID,
		Success:    true,
		Result:     result,
	}, nil); err != nil {
		return "", err
	}
	return agentID, nil
}

type participant struct {
	id   string
	spec domain.AgentSpec
}

// runSimulation drives a multi-round loop of completions: every round each
// agent thinks aloud and contributes a discussion turn, with one progress
// record per round.
func (c *Consumer) runSimulation(ctx context.Context, session *domain.Session, raw json.RawMessage, registry *llm.Registry) (string, error) {
	cfg, err := decodeConfig[domain.SimulationConfig](raw)
	if err != nil {
		return "", err
	}
	if cfg.Topic == "" {
		return "", invalidTask("simulation requires a topic")
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = c.cfg.DefaultRounds
	}
	if cfg.Model == "" {
		cfg.Model = c.cfg.DefaultModel
	}
	if cfg.Style == "" {
		cfg.Style = "debate"
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = []domain.AgentSpec{
			{Name: "Proponent", Specification: "argues in favor"},
			{Name: "Skeptic", Specification: "challenges assumptions"},
		}
	}

	provider, err := registry.Get(c.cfg.DefaultProvider)
	if err != nil {
		provider, err = registry.Get("")
		if err != nil {
			return "", err
		}
	}

	var participants []participant
	for _, spec := range cfg.Agents {
		id, err := c.createAgent(ctx, session, spec)
		if err != nil {
			return "", err
		}
		if id == "" {
			continue // blocked by policy
		}
		participants = append(participants, participant{id: id, spec: spec})
	}
	if len(participants) == 0 {
		return "", invalidTask("no agents available for simulation")
	}

	var transcript strings.Builder
	for round := 1; round <= cfg.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := c.svc.Progress(ctx, session.ID, fmt.Sprintf("round %d of %d", round, cfg.Rounds), round); err != nil {
			return "", err
		}

		for _, p := range participants {
			text, err := provider.Complete(ctx, llm.Request{
				Model:     cfg.Model,
				MaxTokens: c.cfg.MaxTokens,
				System:    fmt.Sprintf("You are %s: %s. Style: %s.", p.spec.Name, p.spec.Specification, cfg.Style),
				Prompt:    fmt.Sprintf("Topic: %s\nRound %d.\nDiscussion so far:\n%s", cfg.Topic, round, transcript.String()),
			})
			if err != nil {
				return "", fmt.Errorf("completion for %s failed: %w", p.spec.Name, err)
			}

			if _, err := c.svc.Append(ctx, session.ID, domain.EventTypeThinking, domain.ThinkingPayload{
				AgentID:   p.id,
				AgentName: p.spec.Name,
				Content:   text,
			}, nil); err != nil {
				return "", err
			}
			if _, err := c.svc.Append(ctx, session.ID, domain.EventTypeDiscussionTurn, domain.DiscussionTurnPayload{
				Topic:     cfg.Topic,
				Style:     cfg.Style,
				AgentID:   p.id,
				AgentName: p.spec.Name,
				Message:   text,
				Round:     round,
			}, nil); err != nil {
				return "", err
			}
			fmt.Fprintf(&transcript, "%s (round %d): %s\n", p.spec.Name, round, text)
		}
	}

	summary, err := provider.Complete(ctx, llm.Request{
		Model:     cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    "Summarize the discussion in a short paragraph.",
		Prompt:    transcript.String(),
	})
	if err != nil {
		return "", fmt.Errorf("summary completion failed: %w", err)
	}
	return summary, nil
}

// runPanel executes panel and discussion tasks with one shaped completion.
func (c *Consumer) runPanel(ctx context.Context, session *domain.Session, raw json.RawMessage, registry *llm.Registry, style string) (string, error) {
	cfg, err := decodeConfig[domain.PanelConfig](raw)
	if err != nil {
		return "", err
	}
	if cfg.Topic == "" {
		return "", invalidTask("%s requires a topic", style)
	}
	if cfg.Model == "" {
		cfg.Model = c.cfg.DefaultModel
	}
	if cfg.Style == "" {
		cfg.Style = style
	}

	provider, err := registry.Get("")
	if err != nil {
		return "", err
	}

	var names []string
	for _, p := range cfg.Panelists {
		names = append(names, p.Name)
	}
	prompt := fmt.Sprintf("Hold a %s on: %s.", cfg.Style, cfg.Topic)
	if len(names) > 0 {
		prompt += " Participants: " + strings.Join(names, ", ") + "."
	}

	text, err := provider.Complete(ctx, llm.Request{
		Model:     cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Prompt:    prompt,
	})
	if err != nil {
		return "", fmt.Errorf("%s completion failed: %w", style, err)
	}

	if _, err := c.svc.Append(ctx, session.ID, domain.EventTypeMessage, domain.MessagePayload{
		Role:    "assistant",
		Content: text,
	}, nil); err != nil {
		return "", err
	}
	return text, nil
}

// runAnalysis executes one provider-selectable completion.
func (c *Consumer) runAnalysis(ctx context.Context, session *domain.Session, raw json.RawMessage, registry *llm.Registry) (string, error) {
	cfg, err := decodeConfig[domain.AnalysisConfig](raw)
	if err != nil {
		return "", err
	}
	if cfg.Subject == "" {
		return "", invalidTask("analysis requires a subject")
	}
	if cfg.Model == "" {
		cfg.Model = c.cfg.DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}

	provider, err := registry.Get(cfg.Provider)
	if err != nil {
		// A provider named by the config that is not wired is a config
		// error; a missing fallback is a credentials problem.
		if cfg.Provider != "" {
			return "", invalidTask("%v", err)
		}
		return "", err
	}

	text, err := provider.Complete(ctx, llm.Request{
		Model:     cfg.Model,
		MaxTokens: maxTokens,
		System:    "Provide a concise, structured analysis.",
		Prompt:    cfg.Subject,
	})
	if err != nil {
		return "", fmt.Errorf("analysis completion failed: %w", err)
	}

	if _, err := c.svc.Append(ctx, session.ID, domain.EventTypeMessage, domain.MessagePayload{
		Role:    "assistant",
		Content: text,
	}, nil); err != nil {
		return "", err
	}
	return text, nil
}
