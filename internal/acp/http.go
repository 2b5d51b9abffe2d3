package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/daiku/internal/concurrency"
	"github.com/harunnryd/daiku/internal/errors"
)

const doneSentinel = "[DONE]"

// HTTPClient speaks the agent protocol to a remote sandbox over HTTP, with
// prompt turns streamed back as server-sent events.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
	opts    Options

	mu        sync.Mutex
	state     State
	sessionID string
	agentInfo json.RawMessage

	stream *EventStream
	body   io.Closer
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient targets the agent endpoint at baseURL, e.g.
// "http://10.0.0.7:3100". No connection is made until Initialize.
func NewHTTPClient(baseURL string, opts Options) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{},
		opts:    opts.withDefaults(),
	}
}

// post issues a JSON POST and decodes the JSON-RPC response envelope.
func (c *HTTPClient) post(ctx context.Context, path string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Internal(fmt.Sprintf("encode %s payload: %v", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Internal(fmt.Sprintf("build %s request: %v", path, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Transient(fmt.Sprintf("POST %s: %v", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Transient(fmt.Sprintf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var envelope rpcMessage
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, errors.Handshake(fmt.Sprintf("decode %s response: %v", path, err))
	}
	if envelope.Error != nil {
		return nil, errors.Handshake(fmt.Sprintf("%s failed: %s (code %d)", path, envelope.Error.Message, envelope.Error.Code))
	}
	return envelope.Result, nil
}

// Initialize runs the handshake against the remote endpoint. Idempotent.
func (c *HTTPClient) Initialize(ctx context.Context, cwd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSessionActive {
		return c.sessionID, nil
	}

	if c.state == StateUninitialized {
		result, err := c.post(ctx, "/acp/initialize", initializeParams{
			ProtocolVersion:    ProtocolVersion,
			ClientCapabilities: c.opts.Capabilities,
			ClientInfo:         c.opts.Info,
		}, c.opts.HandshakeTimeout)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrHandshake, "initialize remote agent")
		}
		var init initializeResult
		if err := json.Unmarshal(result, &init); err != nil {
			return "", errors.Handshake(fmt.Sprintf("decode initialize result: %v", err))
		}
		c.agentInfo = init.AgentInfo
		c.state = StateInitialized
	}

	result, err := c.post(ctx, "/acp/session/new", sessionNewParams{
		Cwd:        cwd,
		MCPServers: []any{},
	}, c.opts.HandshakeTimeout)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrHandshake, "create remote agent session")
	}
	var created sessionNewResult
	if err := json.Unmarshal(result, &created); err != nil {
		return "", errors.Handshake(fmt.Sprintf("decode session/new result: %v", err))
	}
	if created.SessionID == "" {
		return "", errors.Handshake("remote agent returned an empty session id")
	}
	c.sessionID = created.SessionID
	c.state = StateSessionActive
	slog.Debug("remote agent session established", "sessionID", c.sessionID, "baseURL", c.baseURL)
	return c.sessionID, nil
}

// SendMessage streams a prompt turn from the remote endpoint. Transport
// failures during the turn, including a refused connection on the prompt
// request itself, surface as a terminal Error event on the stream rather
// than an error return, so the caller can retry with a fresh prompt.
func (c *HTTPClient) SendMessage(ctx context.Context, text string) (*EventStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSessionActive {
		return nil, errors.NoSession("no active agent session; call Initialize first")
	}
	if c.stream != nil && !c.stream.finished() {
		return nil, errors.InvalidInput("a prompt turn is already streaming; drain or cancel it first")
	}

	payload, err := json.Marshal(promptParams{
		SessionID: c.sessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: text}},
	})
	if err != nil {
		return nil, errors.Internal(fmt.Sprintf("encode prompt: %v", err))
	}

	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.MessageTimeout)
	url := fmt.Sprintf("%s/acp/session/%s/prompt", c.baseURL, c.sessionID)
	req, err := http.NewRequestWithContext(turnCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, errors.Internal(fmt.Sprintf("build prompt request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	stream := newEventStream()
	c.stream = stream
	concurrency.SafeGo(func() {
		defer cancel()
		c.pump(stream, req)
	}, nil)
	return stream, nil
}

// pump issues the prompt request and reads SSE lines until the done
// sentinel, a terminal envelope, or a transport failure. The request is
// sent here so a refused connection becomes an Error event on the stream.
func (c *HTTPClient) pump(stream *EventStream, req *http.Request) {
	defer stream.finish()

	resp, err := c.hc.Do(req)
	if err != nil {
		stream.emit(Error{Code: -1, Message: fmt.Sprintf("prompt request failed: %v", err)})
		return
	}
	defer resp.Body.Close()

	c.mu.Lock()
	c.body = resp.Body
	c.mu.Unlock()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		stream.emit(Error{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("prompt request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		})
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data, found := strings.CutPrefix(line, "data: ")
		if !found {
			data, found = strings.CutPrefix(line, "data:")
			if !found {
				continue
			}
		}
		data = strings.TrimSpace(data)
		if data == doneSentinel {
			return
		}
		if c.handleFrame(stream, []byte(data)) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		stream.emit(Error{Code: -1, Message: fmt.Sprintf("event stream interrupted: %v", err)})
	}
}

// handleFrame processes one decoded SSE data frame; it returns true when
// the frame terminated the turn.
func (c *HTTPClient) handleFrame(stream *EventStream, data []byte) bool {
	var envelope rpcMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		slog.Debug("discarding malformed stream frame", "error", err)
		return false
	}

	switch {
	case envelope.Error != nil:
		stream.emit(Error{Code: envelope.Error.Code, Message: envelope.Error.Message})
		return true
	case envelope.Result != nil:
		var done PromptResponse
		if err := json.Unmarshal(envelope.Result, &done); err != nil {
			slog.Debug("malformed prompt result", "error", err)
		}
		stream.emit(done)
		return true
	case envelope.Method == "session/update":
		var params sessionUpdateParams
		if err := json.Unmarshal(envelope.Params, &params); err != nil {
			slog.Debug("discarding malformed session update", "error", err)
			return false
		}
		return !forwardUpdate(stream, params.Update)
	default:
		// Some agents put the update payload at the top level.
		if ev, ok := translateUpdate(data); ok {
			if u, isUnknown := ev.(Unknown); isUnknown {
				slog.Debug("skipping unrecognized session update", "sessionUpdate", u.Discriminator)
				return false
			}
			return !stream.emit(ev)
		}
		return false
	}
}

// Cancel posts a cancel for the active session. Best effort.
func (c *HTTPClient) Cancel(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	active := c.state == StateSessionActive
	c.mu.Unlock()

	if !active {
		return nil
	}
	_, err := c.post(ctx, fmt.Sprintf("/acp/session/%s/cancel", sessionID), struct{}{}, 10*time.Second)
	return err
}

// HealthCheck probes the remote health endpoint.
func (c *HTTPClient) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/global/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// SessionID returns the negotiated session ID, or "" before Initialize.
func (c *HTTPClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close aborts any in-flight stream and resets the client to its
// uninitialized state, so a later Initialize renegotiates from scratch.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		c.stream.abort()
		c.stream = nil
	}
	if c.body != nil {
		c.body.Close()
		c.body = nil
	}
	c.hc.CloseIdleConnections()
	c.state = StateUninitialized
	c.sessionID = ""
	c.agentInfo = nil
	return nil
}
