package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType represents the kind of orchestration a task message requests.
type TaskType string

const (
	TaskTypeSimulation TaskType = "simulation"
	TaskTypePanel      TaskType = "panel"
	TaskTypeDiscussion TaskType = "discussion"
	TaskTypeAnalysis   TaskType = "analysis"
)

// ParseTaskType validates s against the closed task type set.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	switch t {
	case TaskTypeSimulation, TaskTypePanel, TaskTypeDiscussion, TaskTypeAnalysis:
		return t, nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// TaskMessage describes one orchestration invocation on the queue.
// ReceiveCount counts deliveries, including the current one.
type TaskMessage struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	Type         TaskType        `json:"type"`
	Config       json.RawMessage `json:"config,omitempty"`
	ReceiveCount int             `json:"receive_count"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AgentSpec names one participant in a simulation or panel.
type AgentSpec struct {
	Name          string `json:"name"`
	Specification string `json:"specification,omitempty"`
}

// SimulationConfig is the config shape for simulation tasks.
type SimulationConfig struct {
	Topic  string      `json:"topic"`
	Style  string      `json:"style,omitempty"`
	Rounds int         `json:"rounds,omitempty"`
	Agents []AgentSpec `json:"agents,omitempty"`
	Model  string      `json:"model,omitempty"`
}

// PanelConfig is the config shape for panel and discussion tasks.
type PanelConfig struct {
	Topic     string      `json:"topic"`
	Style     string      `json:"style,omitempty"`
	Panelists []AgentSpec `json:"panelists,omitempty"`
	Model     string      `json:"model,omitempty"`
}

// AnalysisConfig is the config shape for analysis tasks. Provider selects
// the completion backend ("openai" or "anthropic").
type AnalysisConfig struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Subject   string `json:"subject"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}
