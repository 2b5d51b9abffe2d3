package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/daiku/internal/errors"
)

// fakeAgent scripts the far side of the stdio transport: it reads requests
// from its stdin pipe and answers them the way a real agent process would.
type fakeAgent struct {
	t *testing.T

	// pipes from the client's perspective
	clientStdin  io.WriteCloser
	clientStdout io.Reader

	in  *bufio.Scanner
	out io.Writer

	initializeCalls int
	sessionNewCalls int
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &fakeAgent{
		t:            t,
		clientStdin:  stdinW,
		clientStdout: stdoutR,
		in:           bufio.NewScanner(stdinR),
		out:          stdoutW,
	}
}

func (a *fakeAgent) read() *rpcMessage {
	a.t.Helper()
	require.True(a.t, a.in.Scan(), "agent stdin closed early")
	msg := &rpcMessage{}
	require.NoError(a.t, json.Unmarshal(a.in.Bytes(), msg))
	return msg
}

func (a *fakeAgent) send(msg any) {
	a.t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(a.t, err)
	_, err = fmt.Fprintf(a.out, "%s\n", raw)
	require.NoError(a.t, err)
}

func (a *fakeAgent) respond(id int64, result string) {
	raw := json.RawMessage(result)
	a.send(&rpcMessage{JSONRPC: "2.0", ID: &id, Result: raw})
}

func (a *fakeAgent) notifyUpdate(sessionID, update string) {
	params := fmt.Sprintf(`{"sessionId":%q,"update":%s}`, sessionID, update)
	a.send(&rpcMessage{JSONRPC: "2.0", Method: "session/update", Params: json.RawMessage(params)})
}

// serveHandshake answers one initialize plus one session/new exchange.
func (a *fakeAgent) serveHandshake(sessionID string) {
	req := a.read()
	require.Equal(a.t, "initialize", req.Method)
	a.initializeCalls++
	a.respond(*req.ID, `{"protocolVersion":1,"agentInfo":{"name":"fake-agent"}}`)

	req = a.read()
	require.Equal(a.t, "session/new", req.Method)
	a.sessionNewCalls++

	var params sessionNewParams
	require.NoError(a.t, json.Unmarshal(req.Params, &params))
	require.NotEmpty(a.t, params.Cwd)
	require.NotNil(a.t, params.MCPServers)
	a.respond(*req.ID, fmt.Sprintf(`{"sessionId":%q}`, sessionID))
}

func newTestExecClient(t *testing.T) (*ExecClient, *fakeAgent) {
	t.Helper()
	agent := newFakeAgent(t)
	client := NewExecClient(agent.clientStdin, agent.clientStdout, Options{
		HandshakeTimeout: 5 * time.Second,
		MessageTimeout:   5 * time.Second,
	})
	t.Cleanup(func() { client.Close() })
	return client, agent
}

func collectEvents(t *testing.T, stream *EventStream) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestExecClient_InitializeIsIdempotent(t *testing.T) {
	client, agent := newTestExecClient(t)

	go agent.serveHandshake("sess_1")
	first, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)
	assert.Equal(t, "sess_1", first)

	// No goroutine serving a second handshake: a repeated call must
	// come back from cached state without touching the transport.
	second, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)
	assert.Equal(t, "sess_1", second)
	assert.Equal(t, 1, agent.initializeCalls)
	assert.Equal(t, 1, agent.sessionNewCalls)
}

func TestExecClient_SendMessageRequiresSession(t *testing.T) {
	client, _ := newTestExecClient(t)

	_, err := client.SendMessage(context.Background(), "build me an app")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrNoSession))
}

func TestExecClient_StreamsTurnEvents(t *testing.T) {
	client, agent := newTestExecClient(t)

	go agent.serveHandshake("sess_1")
	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	go func() {
		req := agent.read()
		require.Equal(t, "session/prompt", req.Method)
		agent.notifyUpdate("sess_1", `{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"planning"}}`)
		agent.notifyUpdate("sess_1", `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"done"}}`)
		agent.notifyUpdate("sess_1", `{"sessionUpdate":"user_message_chunk","content":{"type":"text","text":"echo"}}`)
		agent.respond(*req.ID, `{"stopReason":"end_turn"}`)
	}()

	stream, err := client.SendMessage(context.Background(), "build me an app")
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 3)
	assert.IsType(t, ThoughtChunk{}, events[0])
	assert.IsType(t, MessageChunk{}, events[1])
	resp, isResp := events[2].(PromptResponse)
	require.True(t, isResp)
	assert.Equal(t, "end_turn", resp.StopReason)
}

func TestExecClient_ErrorEnvelopeEndsTurn(t *testing.T) {
	client, agent := newTestExecClient(t)

	go agent.serveHandshake("sess_1")
	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	go func() {
		req := agent.read()
		code := -32000
		agent.send(&rpcMessage{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: code, Message: "model overloaded"}})
	}()

	stream, err := client.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	errEv, isErr := events[0].(Error)
	require.True(t, isErr)
	assert.Equal(t, -32000, errEv.Code)
	assert.Equal(t, "model overloaded", errEv.Message)
}

func TestExecClient_RejectsAgentRequests(t *testing.T) {
	client, agent := newTestExecClient(t)

	go agent.serveHandshake("sess_1")
	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	go func() {
		req := agent.read()
		// Agent asks us to read a file mid-turn; we advertise the
		// capability but do not service it over this transport.
		fsID := int64(900)
		agent.send(&rpcMessage{JSONRPC: "2.0", ID: &fsID, Method: "fs/read_text_file", Params: json.RawMessage(`{"path":"/etc/hosts"}`)})

		reply := agent.read()
		require.NotNil(t, reply.ID)
		require.EqualValues(t, 900, *reply.ID)
		require.NotNil(t, reply.Error)
		require.Equal(t, -32601, reply.Error.Code)

		agent.respond(*req.ID, `{"stopReason":"end_turn"}`)
	}()

	stream, err := client.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	assert.IsType(t, PromptResponse{}, events[0])
}

func TestExecClient_AgentExitEndsStreamSilently(t *testing.T) {
	client, agent := newTestExecClient(t)

	go agent.serveHandshake("sess_1")
	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	go func() {
		agent.read()
		agent.out.(io.Closer).Close()
	}()

	stream, err := client.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	events := collectEvents(t, stream)
	assert.Empty(t, events)
}

func TestExecClient_RefusesOverlappingTurn(t *testing.T) {
	client, agent := newTestExecClient(t)

	go agent.serveHandshake("sess_1")
	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	release := make(chan struct{})
	go func() {
		req := agent.read()
		agent.notifyUpdate("sess_1", `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"working"}}`)
		<-release
		agent.respond(*req.ID, `{"stopReason":"end_turn"}`)
	}()

	stream, err := client.SendMessage(context.Background(), "first")
	require.NoError(t, err)

	// Consume the first event so the turn is demonstrably in flight, then
	// try to start a second turn on top of it.
	ev, err := stream.Next()
	require.NoError(t, err)
	assert.IsType(t, MessageChunk{}, ev)

	_, err = client.SendMessage(context.Background(), "second")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrInvalidInput))

	close(release)
	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	assert.IsType(t, PromptResponse{}, events[0])

	// With the first turn drained, the next prompt goes through.
	go func() {
		req := agent.read()
		agent.respond(*req.ID, `{"stopReason":"end_turn"}`)
	}()
	next, err := client.SendMessage(context.Background(), "third")
	require.NoError(t, err)
	collectEvents(t, next)
}

func TestExecClient_CancelSendsNotification(t *testing.T) {
	client, agent := newTestExecClient(t)

	go agent.serveHandshake("sess_1")
	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg := agent.read()
		assert.Equal(t, "session/cancel", msg.Method)
		assert.Nil(t, msg.ID)

		var params cancelParams
		assert.NoError(t, json.Unmarshal(msg.Params, &params))
		assert.Equal(t, "sess_1", params.SessionID)
	}()

	require.NoError(t, client.Cancel(context.Background()))
	<-done
}

func TestExecClient_CancelWithoutSessionIsNoOp(t *testing.T) {
	client, _ := newTestExecClient(t)
	assert.NoError(t, client.Cancel(context.Background()))
}

func TestExecClient_CloseResetsSession(t *testing.T) {
	client, agent := newTestExecClient(t)

	go agent.serveHandshake("sess_1")
	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)
	require.Equal(t, "sess_1", client.SessionID())

	require.NoError(t, client.Close())
	assert.Empty(t, client.SessionID())

	_, err = client.SendMessage(context.Background(), "hello")
	assert.True(t, errors.IsCategory(err, errors.ErrNoSession))
}
