package acp

import (
	"context"
	"encoding/json"
	"time"
)

// ProtocolVersion is the agent client protocol revision this package speaks.
const ProtocolVersion = 1

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultMessageTimeout   = 5 * time.Minute
)

// State tracks the lifecycle of a protocol connection.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateSessionActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateSessionActive:
		return "session_active"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// ClientInfo identifies this client to the agent during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
}

// FSCapabilities advertises filesystem operations the client can service.
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// ClientCapabilities advertises what the client offers the agent.
type ClientCapabilities struct {
	FS       FSCapabilities `json:"fs"`
	Terminal bool           `json:"terminal"`
}

// DefaultClientInfo is sent on initialize unless overridden.
var DefaultClientInfo = ClientInfo{
	Name:    "daiku",
	Title:   "Daiku Sandbox Client",
	Version: "1.0.0",
}

// DefaultClientCapabilities advertises full filesystem and terminal support.
var DefaultClientCapabilities = ClientCapabilities{
	FS:       FSCapabilities{ReadTextFile: true, WriteTextFile: true},
	Terminal: true,
}

// Options tune a protocol client. Zero values fall back to defaults.
type Options struct {
	HandshakeTimeout time.Duration
	MessageTimeout   time.Duration
	Info             ClientInfo
	Capabilities     ClientCapabilities
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.MessageTimeout <= 0 {
		o.MessageTimeout = defaultMessageTimeout
	}
	if o.Info.Name == "" {
		o.Info = DefaultClientInfo
	}
	var zero ClientCapabilities
	if o.Capabilities == zero {
		o.Capabilities = DefaultClientCapabilities
	}
	return o
}

// Client is a transport-agnostic agent protocol connection. Implementations
// serialize the handshake internally; Initialize is idempotent and never
// re-runs a completed handshake.
type Client interface {
	// Initialize performs the two-step handshake (initialize, session/new)
	// and returns the session ID. Calling it again returns the existing ID.
	Initialize(ctx context.Context, cwd string) (string, error)

	// SendMessage submits a user prompt to the active session and returns
	// the event stream for the turn. Fails when no session is active.
	SendMessage(ctx context.Context, text string) (*EventStream, error)

	// Cancel asks the agent to stop the in-flight turn. Best effort.
	Cancel(ctx context.Context) error

	// HealthCheck reports whether the agent endpoint is reachable.
	HealthCheck(ctx context.Context) bool

	// SessionID returns the active session ID, or "" before Initialize.
	SessionID() string

	// Close releases transport resources and resets session state.
	Close() error
}

// initializeParams is the payload of the initialize request.
type initializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
	ClientInfo         ClientInfo         `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities"`
	AgentInfo         json.RawMessage `json:"agentInfo"`
}

type sessionNewParams struct {
	Cwd        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

// rpcError is the JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcMessage is a JSON-RPC 2.0 envelope covering requests, responses and
// notifications. ID is a pointer so notifications omit it entirely.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (m *rpcMessage) isResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

func (m *rpcMessage) isRequest() bool {
	return m.ID != nil && m.Method != ""
}

func newRequest(id int64, method string, params any) (*rpcMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &rpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}, nil
}

func newNotification(method string, params any) (*rpcMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &rpcMessage{JSONRPC: "2.0", Method: method, Params: raw}, nil
}
