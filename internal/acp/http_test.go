package acp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/daiku/internal/errors"
)

// fakeRemoteAgent serves the HTTP side of the protocol for tests. The
// prompt handler is swappable per test.
type fakeRemoteAgent struct {
	server *httptest.Server

	initializeCalls atomic.Int64
	sessionNewCalls atomic.Int64

	promptHandler func(w http.ResponseWriter, r *http.Request)
	cancelled     atomic.Bool
}

func newFakeRemoteAgent(t *testing.T) *fakeRemoteAgent {
	t.Helper()
	a := &fakeRemoteAgent{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /acp/initialize", func(w http.ResponseWriter, r *http.Request) {
		a.initializeCalls.Add(1)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":1,"agentInfo":{"name":"fake-remote"}}}`)
	})
	mux.HandleFunc("POST /acp/session/new", func(w http.ResponseWriter, r *http.Request) {
		a.sessionNewCalls.Add(1)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":2,"result":{"sessionId":"sess_http"}}`)
	})
	mux.HandleFunc("POST /acp/session/{id}/prompt", func(w http.ResponseWriter, r *http.Request) {
		if a.promptHandler != nil {
			a.promptHandler(w, r)
			return
		}
		http.Error(w, "no prompt handler", http.StatusInternalServerError)
	})
	mux.HandleFunc("POST /acp/session/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		a.cancelled.Store(true)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":3,"result":{}}`)
	})
	mux.HandleFunc("GET /global/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	a.server = httptest.NewServer(mux)
	t.Cleanup(a.server.Close)
	return a
}

func sseWrite(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func newTestHTTPClient(t *testing.T) (*HTTPClient, *fakeRemoteAgent) {
	t.Helper()
	agent := newFakeRemoteAgent(t)
	client := NewHTTPClient(agent.server.URL, Options{
		HandshakeTimeout: 5 * time.Second,
		MessageTimeout:   5 * time.Second,
	})
	t.Cleanup(func() { client.Close() })
	return client, agent
}

func TestHTTPClient_InitializeIsIdempotent(t *testing.T) {
	client, agent := newTestHTTPClient(t)

	first, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)
	assert.Equal(t, "sess_http", first)

	second, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)
	assert.Equal(t, "sess_http", second)

	assert.EqualValues(t, 1, agent.initializeCalls.Load())
	assert.EqualValues(t, 1, agent.sessionNewCalls.Load())
}

func TestHTTPClient_SendMessageRequiresSession(t *testing.T) {
	client, _ := newTestHTTPClient(t)

	_, err := client.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrNoSession))
}

func TestHTTPClient_StreamEndsOnDoneSentinel(t *testing.T) {
	client, agent := newTestHTTPClient(t)
	agent.promptHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess_http","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}}}`)
		sseWrite(w, `{"jsonrpc":"2.0","id":4,"result":{"stopReason":"end_turn"}}`)
		sseWrite(w, "[DONE]")
	}

	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	stream, err := client.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 2)
	chunk, isChunk := events[0].(MessageChunk)
	require.True(t, isChunk)
	assert.Equal(t, "hi", chunk.Content.Text)
	resp, isResp := events[1].(PromptResponse)
	require.True(t, isResp)
	assert.Equal(t, "end_turn", resp.StopReason)
}

func TestHTTPClient_DoneSentinelAloneEndsTurnSilently(t *testing.T) {
	client, agent := newTestHTTPClient(t)
	agent.promptHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess_http","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}}}`)
		sseWrite(w, "[DONE]")
	}

	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	stream, err := client.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	// No result envelope: the sentinel alone ends the turn, with the one
	// chunk as the only event and no terminal event after it.
	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	chunk, isChunk := events[0].(MessageChunk)
	require.True(t, isChunk)
	assert.Equal(t, "hi", chunk.Content.Text)
}

func TestHTTPClient_ConnectionFailureBecomesErrorEvent(t *testing.T) {
	client, agent := newTestHTTPClient(t)

	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	// The endpoint dies between the handshake and the prompt. The turn
	// must still come back as a stream with a terminal Error event, not
	// as an error return, so the caller can retry with a new prompt.
	agent.server.Close()

	stream, err := client.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	errEv, isErr := events[0].(Error)
	require.True(t, isErr)
	assert.Equal(t, -1, errEv.Code)
	assert.Contains(t, errEv.Message, "prompt request failed")
}

func TestHTTPClient_ErrorEnvelopeEndsTurn(t *testing.T) {
	client, agent := newTestHTTPClient(t)
	agent.promptHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, `{"jsonrpc":"2.0","id":4,"error":{"code":-32000,"message":"model overloaded"}}`)
		sseWrite(w, "[DONE]")
	}

	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	stream, err := client.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	errEv, isErr := events[0].(Error)
	require.True(t, isErr)
	assert.Equal(t, -32000, errEv.Code)
	assert.Equal(t, "model overloaded", errEv.Message)
}

func TestHTTPClient_HTTPErrorBecomesErrorEvent(t *testing.T) {
	client, agent := newTestHTTPClient(t)
	agent.promptHandler = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session evicted", http.StatusNotFound)
	}

	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	stream, err := client.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	errEv, isErr := events[0].(Error)
	require.True(t, isErr)
	assert.Equal(t, http.StatusNotFound, errEv.Code)
	assert.Contains(t, errEv.Message, "session evicted")
}

func TestHTTPClient_TruncatedStreamBecomesErrorEvent(t *testing.T) {
	client, agent := newTestHTTPClient(t)
	agent.promptHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess_http","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"partial"}}}}`)
		// Connection drops without [DONE] or a terminal envelope.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
		}
	}

	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	stream, err := client.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 2)
	assert.IsType(t, MessageChunk{}, events[0])
	errEv, isErr := events[1].(Error)
	require.True(t, isErr)
	assert.Equal(t, -1, errEv.Code)
}

func TestHTTPClient_UnknownUpdatesAreSkipped(t *testing.T) {
	client, agent := newTestHTTPClient(t)
	agent.promptHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess_http","update":{"sessionUpdate":"future_feature","payload":42}}}`)
		sseWrite(w, `{"jsonrpc":"2.0","id":4,"result":{"stopReason":"end_turn"}}`)
		sseWrite(w, "[DONE]")
	}

	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	stream, err := client.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	assert.IsType(t, PromptResponse{}, events[0])
}

func TestHTTPClient_Cancel(t *testing.T) {
	client, agent := newTestHTTPClient(t)

	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	require.NoError(t, client.Cancel(context.Background()))
	assert.True(t, agent.cancelled.Load())
}

func TestHTTPClient_HealthCheck(t *testing.T) {
	client, agent := newTestHTTPClient(t)
	assert.True(t, client.HealthCheck(context.Background()))

	agent.server.Close()
	assert.False(t, client.HealthCheck(context.Background()))
}

func TestHTTPClient_RefusesOverlappingTurn(t *testing.T) {
	client, agent := newTestHTTPClient(t)
	release := make(chan struct{})
	agent.promptHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess_http","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"working"}}}}`)
		<-release
		sseWrite(w, `{"jsonrpc":"2.0","id":4,"result":{"stopReason":"end_turn"}}`)
	}

	_, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)

	stream, err := client.SendMessage(context.Background(), "first")
	require.NoError(t, err)

	_, err = client.SendMessage(context.Background(), "second")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrInvalidInput))

	close(release)
	events := collectEvents(t, stream)
	require.Len(t, events, 2)
	assert.IsType(t, MessageChunk{}, events[0])
	assert.IsType(t, PromptResponse{}, events[1])

	// Once the first turn has drained, a new one is accepted again.
	next, err := client.SendMessage(context.Background(), "third")
	require.NoError(t, err)
	collectEvents(t, next)
}

func TestHTTPClient_CloseAllowsReinitialize(t *testing.T) {
	client, agent := newTestHTTPClient(t)

	first, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)
	assert.Equal(t, "sess_http", first)

	require.NoError(t, client.Close())
	assert.Empty(t, client.SessionID())

	// Close resets to uninitialized, so the handshake renegotiates.
	second, err := client.Initialize(context.Background(), "/tmp/sandbox")
	require.NoError(t, err)
	assert.Equal(t, "sess_http", second)
	assert.EqualValues(t, 2, agent.initializeCalls.Load())
	assert.EqualValues(t, 2, agent.sessionNewCalls.Load())
}
