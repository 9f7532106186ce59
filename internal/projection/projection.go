// Package projection derives structured view state from a session's event
// stream. The projection is a pure fold: no I/O, no locking, O(1) amortized
// work per applied event, so it can run incrementally on every realtime
// delivery without rescanning history.
package projection

import (
	"encoding/json"

	"github.com/convoke-ai/convoke/internal/domain"
)

// ToolCall is a derived tool call, paired with its result when one has
// arrived sharing the same tool_call_id.
type ToolCall struct {
	ToolCallID string          `json:"tool_call_id"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     *ToolResult     `json:"result,omitempty"`
}

// ToolResult is the derived outcome of a tool call.
type ToolResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Agent is a derived participant. Name and Specification come from
// whichever event first establishes them and are never overwritten;
// thoughts only ever append.
type Agent struct {
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name,omitempty"`
	Specification string   `json:"specification,omitempty"`
	Thoughts      []string `json:"thoughts"`
}

// Turn is one contribution to a discussion.
type Turn struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name,omitempty"`
	Message   string `json:"message"`
	Round     int    `json:"round"`
}

// Discussion is a derived bucket of turns keyed by (topic, style).
type Discussion struct {
	Topic string `json:"topic"`
	Style string `json:"style"`
	Turns []Turn `json:"turns"`
}

// Counts aggregates per-type event tallies.
type Counts struct {
	ToolCalls   int `json:"tool_calls"`
	ToolResults int `json:"tool_results"`
	Thoughts    int `json:"thoughts"`
	Turns       int `json:"turns"`
	Errors      int `json:"errors"`
}

// Projection is the derived view of one session's event stream.
//
// Duplicate deliveries are idempotent: events whose id has already been
// applied are skipped, so an at-least-once feed never double-counts.
type Projection struct {
	Status        domain.SessionStatus
	FinalDetail   string
	ToolCalls     []*ToolCall
	OrphanResults []*ToolResult
	Agents        map[string]*Agent
	AgentOrder    []string
	Discussions   map[DiscussionKey]*Discussion
	Order         []DiscussionKey
	Timeline      []domain.Event
	Counts        Counts

	callsByID map[string]*ToolCall
	seen      map[string]struct{}
}

// DiscussionKey identifies a discussion bucket.
type DiscussionKey struct {
	Topic string
	Style string
}

// New returns an empty projection with the default pending status.
func New() *Projection {
	return &Projection{
		Status:      domain.SessionStatusPending,
		Agents:      make(map[string]*Agent),
		Discussions: make(map[DiscussionKey]*Discussion),
		callsByID:   make(map[string]*ToolCall),
		seen:        make(map[string]struct{}),
	}
}

// FromEvents builds a projection from a full ordered event list.
func FromEvents(events []domain.Event) *Projection {
	p := New()
	for _, ev := range events {
		p.Apply(ev)
	}
	return p
}

// Apply folds one event into the projection. Protocol anomalies (unknown
// agent ids, orphan results, duplicate results, malformed payloads) are
// absorbed, never raised: a live monitoring view must not crash on them.
func (p *Projection) Apply(ev domain.Event) {
	if ev.ID != "" {
		if _, dup := p.seen[ev.ID]; dup {
			return
		}
		p.seen[ev.ID] = struct{}{}
	}

	p.Timeline = append(p.Timeline, ev)

	payload, err := domain.DecodeEventData(ev.Type, ev.Data)
	if err != nil {
		return
	}

	switch pl := payload.(type) {
	case domain.StatusUpdatePayload:
		p.Status = pl.Status
		if pl.Detail != "" {
			p.FinalDetail = pl.Detail
		}

	case domain.ToolCallPayload:
		call := &ToolCall{ToolCallID: pl.ToolCallID, Tool: pl.Tool, Args: pl.Args}
		p.ToolCalls = append(p.ToolCalls, call)
		p.callsByID[pl.ToolCallID] = call
		p.Counts.ToolCalls++

	case domain.ToolResultPayload:
		result := &ToolResult{Success: pl.Success, Result: pl.Result, Error: pl.Error}
		if call, ok := p.callsByID[pl.ToolCallID]; ok {
			// A second result for the same id overwrites the first.
			call.Result = result
		} else {
			p.OrphanResults = append(p.OrphanResults, result)
		}
		p.Counts.ToolResults++
		p.applyAgentResult(pl)

	case domain.ThinkingPayload:
		if pl.AgentID != "" {
			agent := p.agent(pl.AgentID)
			if agent.Name == "" {
				agent.Name = pl.AgentName
			}
			agent.Thoughts = append(agent.Thoughts, pl.Content)
			p.Counts.Thoughts++
		}

	case domain.DiscussionTurnPayload:
		key := DiscussionKey{Topic: pl.Topic, Style: pl.Style}
		disc, ok := p.Discussions[key]
		if !ok {
			disc = &Discussion{Topic: pl.Topic, Style: pl.Style}
			p.Discussions[key] = disc
			p.Order = append(p.Order, key)
		}
		disc.Turns = append(disc.Turns, Turn{
			AgentID:   pl.AgentID,
			AgentName: pl.AgentName,
			Message:   pl.Message,
			Round:     pl.Round,
		})
		p.Counts.Turns++
		if pl.AgentID != "" {
			agent := p.agent(pl.AgentID)
			if agent.Name == "" {
				agent.Name = pl.AgentName
			}
		}

	case domain.ErrorPayload:
		p.Counts.Errors++
	}
}

// agent finds or creates the derived agent for id.
func (p *Projection) agent(id string) *Agent {
	if a, ok := p.Agents[id]; ok {
		return a
	}
	a := &Agent{AgentID: id}
	p.Agents[id] = a
	p.AgentOrder = append(p.AgentOrder, id)
	return a
}

// applyAgentResult populates an agent from a create_agent tool result.
func (p *Projection) applyAgentResult(pl domain.ToolResultPayload) {
	if !pl.Success || len(pl.Result) == 0 {
		return
	}
	var created domain.CreateAgentResult
	if err := json.Unmarshal(pl.Result, &created); err != nil || created.AgentID == "" {
		return
	}
	agent := p.agent(created.AgentID)
	if agent.Name == "" {
		agent.Name = created.Name
	}
	if agent.Specification == "" {
		agent.Specification = created.Specification
	}
}

// TimelineNewestFirst returns a reversed copy of the timeline. Sort order
// is presentation-only; the canonical order stays insertion order.
func (p *Projection) TimelineNewestFirst() []domain.Event {
	out := make([]domain.Event, len(p.Timeline))
	for i, ev := range p.Timeline {
		out[len(out)-1-i] = ev
	}
	return out
}
