package acp

import (
	"encoding/json"
	"log/slog"
)

// translateUpdate maps a raw session/update payload onto a typed Event.
// Purely administrative updates are dropped (nil, false); unrecognized
// discriminators come back as Unknown so callers can decide what to do
// with them, which for both transports is to log and skip.
func translateUpdate(raw json.RawMessage) (Event, bool) {
	var disc struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(raw, &disc); err != nil {
		slog.Debug("discarding malformed session update", "error", err)
		return nil, false
	}

	switch disc.SessionUpdate {
	case "agent_message_chunk":
		var ev MessageChunk
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Debug("discarding malformed message chunk", "error", err)
			return nil, false
		}
		return ev, true

	case "agent_thought_chunk":
		var ev ThoughtChunk
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Debug("discarding malformed thought chunk", "error", err)
			return nil, false
		}
		return ev, true

	case "tool_call":
		var ev ToolCallStart
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Debug("discarding malformed tool call", "error", err)
			return nil, false
		}
		ev.Raw = raw
		return ev, true

	case "tool_call_update":
		var ev ToolCallProgress
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Debug("discarding malformed tool call update", "error", err)
			return nil, false
		}
		ev.Raw = raw
		return ev, true

	case "plan":
		var ev PlanUpdate
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Debug("discarding malformed plan update", "error", err)
			return nil, false
		}
		return ev, true

	case "current_mode_update":
		var ev ModeUpdate
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Debug("discarding malformed mode update", "error", err)
			return nil, false
		}
		return ev, true

	// Echoes of our own input and agent housekeeping carry nothing the
	// caller needs; drop them without a trace.
	case "user_message_chunk", "available_commands_update", "session_info_update":
		return nil, false

	case "":
		return nil, false

	default:
		return Unknown{Discriminator: disc.SessionUpdate, Raw: raw}, true
	}
}

// forwardUpdate translates one update and pushes it onto the stream.
// Unknown updates are logged at debug and never forwarded. Returns false
// only when the stream has been aborted.
func forwardUpdate(stream *EventStream, raw json.RawMessage) bool {
	ev, ok := translateUpdate(raw)
	if !ok {
		return true
	}
	if u, isUnknown := ev.(Unknown); isUnknown {
		slog.Debug("skipping unrecognized session update", "sessionUpdate", u.Discriminator)
		return true
	}
	return stream.emit(ev)
}

// sessionUpdateParams is the params payload of a session/update
// notification.
type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}
