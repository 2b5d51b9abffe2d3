package acp

import "encoding/json"

// Event is one typed protocol event produced during a prompt turn.
// The set of implementations is closed; consumers switch over the concrete
// types and treat Unknown as forward-compatibility padding.
type Event interface {
	Kind() string
}

// ContentBlock is a single content item inside a message or thought chunk.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessageChunk is streamed agent output text.
type MessageChunk struct {
	Content ContentBlock `json:"content"`
}

func (MessageChunk) Kind() string { return "agent_message_chunk" }

// ThoughtChunk is streamed agent reasoning.
type ThoughtChunk struct {
	Content ContentBlock `json:"content"`
}

func (ThoughtChunk) Kind() string { return "agent_thought_chunk" }

// ToolCallStart announces a tool invocation.
type ToolCallStart struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	ToolKind   string          `json:"kind,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

func (ToolCallStart) Kind() string { return "tool_call" }

// ToolCallProgress carries progress or the result of a running tool call.
type ToolCallProgress struct {
	ToolCallID string          `json:"toolCallId"`
	Status     string          `json:"status,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

func (ToolCallProgress) Kind() string { return "tool_call_update" }

// PlanEntry is one step of the agent's declared plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// PlanUpdate replaces the agent's current execution plan.
type PlanUpdate struct {
	Entries []PlanEntry `json:"entries"`
}

func (PlanUpdate) Kind() string { return "plan" }

// ModeUpdate signals an agent mode change.
type ModeUpdate struct {
	CurrentModeID string `json:"currentModeId"`
}

func (ModeUpdate) Kind() string { return "current_mode_update" }

// PromptResponse ends a turn successfully.
type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

func (PromptResponse) Kind() string { return "prompt_response" }

// Error ends a turn with a protocol or transport error. It is an event,
// not a Go error: the turn completed, just not the way the caller hoped.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (Error) Kind() string { return "error" }

// Unknown wraps an update with an unrecognized discriminator. Transports
// never forward these; they exist so debug tooling can still see them.
type Unknown struct {
	Discriminator string
	Raw           json.RawMessage
}

func (Unknown) Kind() string { return "unknown" }
