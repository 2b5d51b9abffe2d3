package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/daiku/internal/concurrency"
	"github.com/harunnryd/daiku/internal/errors"
)

// maxLineBytes bounds a single JSON-RPC line read from the agent.
const maxLineBytes = 8 * 1024 * 1024

// ExecClient speaks newline-delimited JSON-RPC 2.0 over the stdio pipes of
// an already-running agent process. A background reader owns stdout; writes
// to stdin are serialized through writeMu.
type ExecClient struct {
	opts Options

	writeMu sync.Mutex
	stdin   io.WriteCloser

	incoming   chan *rpcMessage
	readerDone chan struct{}

	nextID atomic.Int64

	mu          sync.Mutex
	state       State
	sessionID   string
	agentInfo   json.RawMessage
	stdinClosed bool

	stream *EventStream
}

var _ Client = (*ExecClient)(nil)

// NewExecClient wraps the given agent pipes. The reader goroutine starts
// immediately so agent output is never left to fill the pipe buffer.
func NewExecClient(stdin io.WriteCloser, stdout io.Reader, opts Options) *ExecClient {
	c := &ExecClient{
		opts:       opts.withDefaults(),
		stdin:      stdin,
		incoming:   make(chan *rpcMessage, 256),
		readerDone: make(chan struct{}),
	}
	concurrency.SafeGo(func() { c.readLoop(stdout) }, nil)
	return c
}

func (c *ExecClient) readLoop(stdout io.Reader) {
	defer close(c.readerDone)
	defer close(c.incoming)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := &rpcMessage{}
		if err := json.Unmarshal(line, msg); err != nil {
			slog.Debug("discarding non-protocol agent output", "error", err)
			continue
		}
		c.incoming <- msg
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("agent stdout closed", "error", err)
	}
}

func (c *ExecClient) write(msg *rpcMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Internal(fmt.Sprintf("encode protocol message: %v", err))
	}
	raw = append(raw, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(raw); err != nil {
		return errors.Transient(fmt.Sprintf("write to agent stdin: %v", err))
	}
	return nil
}

// call issues a request and blocks until the matching response arrives.
// Stale notifications queued from a previous turn are drained and dropped;
// requests from the agent get a method-not-found reply so it never hangs.
func (c *ExecClient) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, errors.Internal(fmt.Sprintf("encode %s params: %v", method, err))
	}
	if err := c.write(req); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.Transient(fmt.Sprintf("timed out waiting for %s response", method))
		case msg, ok := <-c.incoming:
			if !ok {
				return nil, errors.Transient("agent closed its stdout before responding")
			}
			switch {
			case msg.isResponse() && *msg.ID == id:
				if msg.Error != nil {
					return nil, errors.Handshake(fmt.Sprintf("%s failed: %s (code %d)", method, msg.Error.Message, msg.Error.Code))
				}
				return msg.Result, nil
			case msg.isRequest():
				c.rejectRequest(msg)
			default:
				slog.Debug("dropping stale agent message", "method", msg.Method)
			}
		}
	}
}

// rejectRequest answers an agent-initiated request with method-not-found.
// We advertise fs and terminal capabilities but service neither over this
// transport; the agent falls back to doing the work itself.
func (c *ExecClient) rejectRequest(msg *rpcMessage) {
	resp := &rpcMessage{
		JSONRPC: "2.0",
		ID:      msg.ID,
		Error:   &rpcError{Code: -32601, Message: "Method not found"},
	}
	if err := c.write(resp); err != nil {
		slog.Debug("failed to reject agent request", "method", msg.Method, "error", err)
	}
}

// Initialize runs the handshake once; repeated calls return the session ID
// already negotiated.
func (c *ExecClient) Initialize(ctx context.Context, cwd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSessionActive {
		return c.sessionID, nil
	}

	if c.state == StateUninitialized {
		result, err := c.call(ctx, "initialize", initializeParams{
			ProtocolVersion:    ProtocolVersion,
			ClientCapabilities: c.opts.Capabilities,
			ClientInfo:         c.opts.Info,
		}, c.opts.HandshakeTimeout)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrHandshake, "initialize agent")
		}
		var init initializeResult
		if err := json.Unmarshal(result, &init); err != nil {
			return "", errors.Handshake(fmt.Sprintf("decode initialize result: %v", err))
		}
		c.agentInfo = init.AgentInfo
		c.state = StateInitialized
	}

	result, err := c.call(ctx, "session/new", sessionNewParams{
		Cwd:        cwd,
		MCPServers: []any{},
	}, c.opts.HandshakeTimeout)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrHandshake, "create agent session")
	}
	var created sessionNewResult
	if err := json.Unmarshal(result, &created); err != nil {
		return "", errors.Handshake(fmt.Sprintf("decode session/new result: %v", err))
	}
	if created.SessionID == "" {
		return "", errors.Handshake("agent returned an empty session id")
	}
	c.sessionID = created.SessionID
	c.state = StateSessionActive
	slog.Debug("agent session established", "sessionID", c.sessionID, "cwd", cwd)
	return c.sessionID, nil
}

// SendMessage submits a prompt and returns the stream for the turn. The
// produced stream always terminates: with PromptResponse, with an Error
// event, or silently when the agent dies mid-turn. Only one turn may be
// in flight at a time; a second call while the previous stream is still
// unfinished is refused, since two pumps would race for the same stdout.
func (c *ExecClient) SendMessage(ctx context.Context, text string) (*EventStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSessionActive {
		return nil, errors.NoSession("no active agent session; call Initialize first")
	}
	if c.stream != nil && !c.stream.finished() {
		return nil, errors.InvalidInput("a prompt turn is already streaming; drain or cancel it first")
	}

	id := c.nextID.Add(1)
	req, err := newRequest(id, "session/prompt", promptParams{
		SessionID: c.sessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: text}},
	})
	if err != nil {
		return nil, errors.Internal(fmt.Sprintf("encode prompt: %v", err))
	}
	if err := c.write(req); err != nil {
		return nil, err
	}

	stream := newEventStream()
	c.stream = stream
	concurrency.SafeGo(func() { c.pump(stream, id) }, nil)
	return stream, nil
}

// pump relays incoming protocol traffic onto the stream until the response
// matching requestID arrives.
func (c *ExecClient) pump(stream *EventStream, requestID int64) {
	defer stream.finish()

	deadline := time.NewTimer(c.opts.MessageTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-stream.stop:
			return
		case <-deadline.C:
			stream.emit(Error{Code: -1, Message: "timed out waiting for agent response"})
			return
		case msg, ok := <-c.incoming:
			if !ok {
				// Agent exited mid-turn; end the stream without a
				// terminal event.
				return
			}
			switch {
			case msg.isResponse() && *msg.ID == requestID:
				if msg.Error != nil {
					stream.emit(Error{Code: msg.Error.Code, Message: msg.Error.Message})
					return
				}
				var resp PromptResponse
				if err := json.Unmarshal(msg.Result, &resp); err != nil {
					slog.Debug("malformed prompt result", "error", err)
				}
				stream.emit(resp)
				return
			case msg.Method == "session/update":
				var params sessionUpdateParams
				if err := json.Unmarshal(msg.Params, &params); err != nil {
					slog.Debug("discarding malformed session update", "error", err)
					continue
				}
				if !forwardUpdate(stream, params.Update) {
					return
				}
			case msg.isRequest():
				c.rejectRequest(msg)
			default:
				slog.Debug("dropping unexpected agent message", "method", msg.Method)
			}
		}
	}
}

// Cancel notifies the agent to stop the in-flight turn. The turn still
// ends through its own stream, normally with stopReason "cancelled".
func (c *ExecClient) Cancel(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	active := c.state == StateSessionActive
	c.mu.Unlock()

	if !active {
		return nil
	}
	note, err := newNotification("session/cancel", cancelParams{SessionID: sessionID})
	if err != nil {
		return errors.Internal(fmt.Sprintf("encode cancel: %v", err))
	}
	return c.write(note)
}

// HealthCheck reports whether the transport is still usable.
func (c *ExecClient) HealthCheck(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdinClosed {
		return false
	}
	select {
	case <-c.readerDone:
		return false
	default:
		return true
	}
}

// SessionID returns the negotiated session ID, or "" before Initialize.
func (c *ExecClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close aborts any in-flight stream, closes the agent's stdin and resets
// session state to uninitialized. The process itself belongs to the
// process manager.
func (c *ExecClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		c.stream.abort()
		c.stream = nil
	}
	c.state = StateUninitialized
	c.sessionID = ""
	c.agentInfo = nil
	if c.stdinClosed {
		return nil
	}
	c.stdinClosed = true
	return c.stdin.Close()
}
