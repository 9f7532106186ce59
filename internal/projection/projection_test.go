package projection

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoke-ai/convoke/internal/domain"
)

func ev(id string, t domain.EventType, data string) domain.Event {
	return domain.Event{ID: id, SessionID: "ses_1", Type: t, Data: json.RawMessage(data)}
}

func TestProjectionAgentLifecycle(t *testing.T) {
	events := []domain.Event{
		ev("evt_1", domain.EventTypeStatusUpdate, `{"status":"running"}`),
		ev("evt_2", domain.EventTypeToolCall, `{"tool_call_id":"t1","tool":"create_agent","args":{"name":"Reviewer"}}`),
		ev("evt_3", domain.EventTypeToolResult, `{"tool_call_id":"t1","success":true,"result":{"agent_id":"a1","name":"Reviewer","specification":"security review"}}`),
		ev("evt_4", domain.EventTypeThinking, `{"agent_id":"a1","content":"Checking for SQL injection"}`),
		ev("evt_5", domain.EventTypeStatusUpdate, `{"status":"completed"}`),
	}

	p := FromEvents(events)

	assert.Equal(t, domain.SessionStatusCompleted, p.Status)

	require.Len(t, p.ToolCalls, 1)
	call := p.ToolCalls[0]
	assert.Equal(t, "create_agent", call.Tool)
	require.NotNil(t, call.Result)
	assert.True(t, call.Result.Success)

	require.Contains(t, p.Agents, "a1")
	agent := p.Agents["a1"]
	assert.Equal(t, "Reviewer", agent.Name)
	assert.Equal(t, "security review", agent.Specification)
	assert.Equal(t, []string{"Checking for SQL injection"}, agent.Thoughts)

	assert.Len(t, p.Timeline, 5)
	assert.Equal(t, "evt_5", p.TimelineNewestFirst()[0].ID)
}

func TestProjectionIdempotence(t *testing.T) {
	events := []domain.Event{
		ev("evt_1", domain.EventTypeToolCall, `{"tool_call_id":"t1","tool":"create_agent"}`),
		ev("evt_2", domain.EventTypeThinking, `{"agent_id":"a1","content":"first"}`),
	}

	p := New()
	for _, e := range events {
		p.Apply(e)
	}
	// Redelivery of already-applied events must change nothing.
	for _, e := range events {
		p.Apply(e)
	}

	assert.Equal(t, 1, p.Counts.ToolCalls)
	assert.Equal(t, 1, p.Counts.Thoughts)
	assert.Len(t, p.Timeline, 2)
	assert.Len(t, p.Agents["a1"].Thoughts, 1)
}

func TestProjectionIncrementalMatchesBatch(t *testing.T) {
	events := []domain.Event{
		ev("evt_1", domain.EventTypeStatusUpdate, `{"status":"running"}`),
		ev("evt_2", domain.EventTypeDiscussionTurn, `{"topic":"caching","style":"debate","agent_id":"a1","agent_name":"Pro","message":"cache it","round":1}`),
		ev("evt_3", domain.EventTypeDiscussionTurn, `{"topic":"caching","style":"debate","agent_id":"a2","agent_name":"Con","message":"stale data","round":1}`),
		ev("evt_4", domain.EventTypeDiscussionTurn, `{"topic":"sharding","style":"socratic","agent_id":"a1","agent_name":"Pro","message":"why shard","round":1}`),
		ev("evt_5", domain.EventTypeMessage, `{"role":"assistant","content":"summary"}`),
		ev("evt_6", domain.EventTypeStatusUpdate, `{"status":"completed"}`),
	}

	batch := FromEvents(events)

	incremental := New()
	for _, e := range events {
		incremental.Apply(e)
	}

	assert.Equal(t, batch.Status, incremental.Status)
	assert.Equal(t, batch.Counts, incremental.Counts)
	assert.Equal(t, batch.Order, incremental.Order)
	require.Len(t, incremental.Order, 2)

	debate := incremental.Discussions[DiscussionKey{Topic: "caching", Style: "debate"}]
	require.NotNil(t, debate)
	require.Len(t, debate.Turns, 2)
	assert.Equal(t, "Pro", debate.Turns[0].AgentName)
	assert.Equal(t, "Con", debate.Turns[1].AgentName)

	// Agents materialize from turns even without create_agent calls.
	assert.Equal(t, []string{"a1", "a2"}, incremental.AgentOrder)
}

func TestProjectionToolResultAnomalies(t *testing.T) {
	p := New()
	p.Apply(ev("evt_1", domain.EventTypeToolCall, `{"tool_call_id":"t1","tool":"create_agent"}`))
	p.Apply(ev("evt_2", domain.EventTypeToolResult, `{"tool_call_id":"t1","success":false,"error":"denied"}`))
	p.Apply(ev("evt_3", domain.EventTypeToolResult, `{"tool_call_id":"t1","success":true}`))
	p.Apply(ev("evt_4", domain.EventTypeToolResult, `{"tool_call_id":"t_unknown","success":true}`))

	require.Len(t, p.ToolCalls, 1)
	require.NotNil(t, p.ToolCalls[0].Result)
	// The later result wins.
	assert.True(t, p.ToolCalls[0].Result.Success)
	assert.Empty(t, p.ToolCalls[0].Result.Error)

	require.Len(t, p.OrphanResults, 1)
	assert.Equal(t, 3, p.Counts.ToolResults)
}

func TestProjectionAbsorbsMalformedPayloads(t *testing.T) {
	p := New()
	p.Apply(ev("evt_1", domain.EventTypeThinking, `{not json`))
	p.Apply(ev("evt_2", domain.EventTypeToolCall, `{"tool":"no_id"}`))
	p.Apply(ev("evt_3", domain.EventTypeError, `{"message":"boom"}`))

	// Malformed events stay visible on the timeline but fold nothing.
	assert.Len(t, p.Timeline, 3)
	assert.Equal(t, 0, p.Counts.Thoughts)
	assert.Equal(t, 0, p.Counts.ToolCalls)
	assert.Equal(t, 1, p.Counts.Errors)
	assert.Equal(t, domain.SessionStatusPending, p.Status)
}

func TestProjectionProgressDetail(t *testing.T) {
	p := New()
	p.Apply(ev("evt_1", domain.EventTypeStatusUpdate, `{"status":"running","detail":"Round 1 of 3","round":1}`))
	p.Apply(ev("evt_2", domain.EventTypeStatusUpdate, `{"status":"running","detail":"Round 2 of 3","round":2}`))

	assert.Equal(t, domain.SessionStatusRunning, p.Status)
	assert.Equal(t, "Round 2 of 3", p.FinalDetail)
}

func TestProjectionNameNeverOverwritten(t *testing.T) {
	p := New()
	p.Apply(ev("evt_1", domain.EventTypeThinking, `{"agent_id":"a1","agent_name":"Original","content":"x"}`))
	p.Apply(ev("evt_2", domain.EventTypeThinking, `{"agent_id":"a1","agent_name":"Imposter","content":"y"}`))
	p.Apply(ev("evt_3", domain.EventTypeToolResult, `{"tool_call_id":"t1","success":true,"result":{"agent_id":"a1","name":"Imposter"}}`))

	assert.Equal(t, "Original", p.Agents["a1"].Name)
	assert.Len(t, p.Agents["a1"].Thoughts, 2)
}

func TestProjectionLargeStreamOrdering(t *testing.T) {
	p := New()
	for i := range 200 {
		p.Apply(ev(fmt.Sprintf("evt_%04d", i), domain.EventTypeThinking,
			fmt.Sprintf(`{"agent_id":"a1","content":"thought %d"}`, i)))
	}
	require.Len(t, p.Timeline, 200)
	assert.Equal(t, "evt_0000", p.Timeline[0].ID)
	newest := p.TimelineNewestFirst()
	assert.Equal(t, "evt_0199", newest[0].ID)
	assert.Equal(t, 200, p.Counts.Thoughts)
}
