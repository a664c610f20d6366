package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rag-chat-client/internal/apperr"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collected struct {
	fragments []string
	completed *Completed
	err       error
	order     []string
}

func collect(t *testing.T, events <-chan Event) collected {
	t.Helper()
	var c collected
	for ev := range events {
		switch e := ev.(type) {
		case Fragment:
			require.Nil(t, c.completed, "fragment after completion")
			require.Nil(t, c.err, "fragment after failure")
			c.fragments = append(c.fragments, e.Text)
			c.order = append(c.order, "fragment")
		case Completed:
			c.completed = &e
			c.order = append(c.order, "complete")
		case Failed:
			c.err = e.Err
			c.order = append(c.order, "failed")
		}
	}
	terminals := 0
	for _, o := range c.order {
		if o != "fragment" {
			terminals++
		}
	}
	require.Equal(t, 1, terminals, "exactly one terminal event")
	return c
}

// lineServer 按顺序写出 lines，每行之后 flush。
func lineServer(t *testing.T, lines ...string) (*httptest.Server, *[]turnRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []turnRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req turnRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			_, _ = fmt.Fprint(w, l)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestBufferedTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/message", r.URL.Path)
		var req map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_, hasConv := req["conversation_id"]
		assert.False(t, hasConv)
		_, _ = w.Write([]byte(`{"message":"Hello! How can I help?","conversation_id":42,"message_id":7,"timestamp":"2025-08-29T10:00:00"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/v1", srv.Client(), nil, Options{})
	got := collect(t, c.Stream(context.Background(), Buffered, Turn{Message: "Hello"}))

	require.NoError(t, got.err)
	assert.Empty(t, got.fragments)
	require.NotNil(t, got.completed)
	assert.Equal(t, "Hello! How can I help?", got.completed.Text)
	require.NotNil(t, got.completed.ConversationID)
	assert.Equal(t, int64(42), *got.completed.ConversationID)
	assert.Equal(t, int64(7), *got.completed.MessageID)
}

func TestBufferedTurnAcceptsCamelCase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"ok","conversationId":5,"messageId":9}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil, Options{})
	got := collect(t, c.Stream(context.Background(), Buffered, Turn{Message: "x"}))
	require.NotNil(t, got.completed)
	assert.Equal(t, int64(5), *got.completed.ConversationID)
	assert.Equal(t, int64(9), *got.completed.MessageID)
}

func TestBufferedTurnFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/broken/chat/message":
			_, _ = w.Write([]byte(`<html>`))
		case "/down/chat/message":
			w.WriteHeader(http.StatusBadGateway)
		case "/slow/chat/message":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	got := collect(t, NewClient(srv.URL+"/broken", nil, nil, Options{}).Stream(ctx, Buffered, Turn{Message: "x"}))
	assert.ErrorIs(t, got.err, apperr.ErrProtocol)

	got = collect(t, NewClient(srv.URL+"/down", nil, nil, Options{}).Stream(ctx, Buffered, Turn{Message: "x"}))
	assert.ErrorIs(t, got.err, apperr.ErrNetwork)

	got = collect(t, NewClient(srv.URL+"/slow", nil, nil, Options{RequestTimeout: 50 * time.Millisecond}).Stream(ctx, Buffered, Turn{Message: "x"}))
	assert.ErrorIs(t, got.err, apperr.ErrNetwork)
}

func TestIncrementalTurn(t *testing.T) {
	srv, reqs := lineServer(t,
		`{"chunk":"Hi","conversation_id":42}`+"\n",
		`{"chunk":" there"}`+"\n",
		`{"done":true,"message_id":9}`+"\n",
	)
	c := NewClient(srv.URL, nil, nil, Options{})
	conv := int64(42)
	got := collect(t, c.Stream(context.Background(), Incremental, Turn{Message: "Hello", ConversationID: &conv}))

	require.NoError(t, got.err)
	assert.Equal(t, []string{"Hi", " there"}, got.fragments)
	require.NotNil(t, got.completed)
	assert.Equal(t, "Hi there", got.completed.Text)
	assert.Equal(t, int64(42), *got.completed.ConversationID)
	assert.Equal(t, int64(9), *got.completed.MessageID)
	require.Len(t, *reqs, 1)
	require.NotNil(t, (*reqs)[0].ConversationID)
	assert.Equal(t, int64(42), *(*reqs)[0].ConversationID)
}

func TestIncrementalTurnWithTypedSSERecords(t *testing.T) {
	srv, _ := lineServer(t,
		`data: {"type":"init","conversation_id":null,"user_id":1}`+"\n\n",
		": keep-alive\n\n",
		`data: {"type":"content","chunk":"Bonjour","conversation_id":3,"chunk_index":0}`+"\n\n",
		`data: {"type":"metadata","sources":[],"confidence":0.8}`+"\n\n",
		`data: {"type":"complete","message_id":11,"final_content":"Bonjour"}`+"\n\n",
	)
	c := NewClient(srv.URL, nil, nil, Options{})
	got := collect(t, c.Stream(context.Background(), Incremental, Turn{Message: "Salut"}))

	require.NoError(t, got.err)
	assert.Equal(t, []string{"Bonjour"}, got.fragments)
	assert.Equal(t, int64(3), *got.completed.ConversationID)
	assert.Equal(t, int64(11), *got.completed.MessageID)
}

func TestIncrementalErrorRecord(t *testing.T) {
	srv, _ := lineServer(t,
		`{"chunk":"partial"}`+"\n",
		`{"type":"error","error":"model overloaded"}`+"\n",
		`{"chunk":"ignored"}`+"\n",
	)
	c := NewClient(srv.URL, nil, nil, Options{})
	got := collect(t, c.Stream(context.Background(), Incremental, Turn{Message: "x"}))

	assert.Equal(t, []string{"partial"}, got.fragments)
	var remote *RemoteError
	require.True(t, errors.As(got.err, &remote))
	assert.Equal(t, "model overloaded", remote.Message)
}

func TestIncrementalClosedWithoutDone(t *testing.T) {
	srv, _ := lineServer(t, `{"chunk":"Hi"}`+"\n")
	c := NewClient(srv.URL, nil, nil, Options{})
	got := collect(t, c.Stream(context.Background(), Incremental, Turn{Message: "x"}))

	assert.Equal(t, []string{"Hi"}, got.fragments)
	assert.Nil(t, got.completed)
	assert.ErrorIs(t, got.err, apperr.ErrNetwork)
}

func TestIncrementalToleratesMalformedRecords(t *testing.T) {
	srv, _ := lineServer(t,
		"garbage\n",
		`{"chunk":"A"`+"\n",
		`{"chunk":"B"}`+"\n",
		`[1,2,3]`+"\n",
		`{"done":true}`+"\n",
	)
	c := NewClient(srv.URL, nil, nil, Options{MaxBadRecords: 5})
	got := collect(t, c.Stream(context.Background(), Incremental, Turn{Message: "x"}))

	require.NoError(t, got.err)
	assert.Equal(t, "B", got.completed.Text)
}

func TestIncrementalBadRecordCap(t *testing.T) {
	lines := []string{`{"chunk":"A"}` + "\n"}
	for i := 0; i < 4; i++ {
		lines = append(lines, "not json\n")
	}
	lines = append(lines, `{"done":true}`+"\n")
	srv, _ := lineServer(t, lines...)

	c := NewClient(srv.URL, nil, nil, Options{MaxBadRecords: 3})
	got := collect(t, c.Stream(context.Background(), Incremental, Turn{Message: "x"}))
	assert.ErrorIs(t, got.err, apperr.ErrProtocol)

	// 0 表示不限
	c = NewClient(srv.URL, nil, nil, Options{})
	got = collect(t, c.Stream(context.Background(), Incremental, Turn{Message: "x"}))
	require.NoError(t, got.err)
}

func TestIncrementalMalformedTerminalRecord(t *testing.T) {
	srv, _ := lineServer(t, `{"chunk":"Hi"}`+"\n", `{"done":tru`)
	c := NewClient(srv.URL, nil, nil, Options{})
	got := collect(t, c.Stream(context.Background(), Incremental, Turn{Message: "x"}))

	assert.ErrorIs(t, got.err, apperr.ErrNetwork)
	assert.Contains(t, got.err.Error(), "malformed final record")
}

func TestIncrementalIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, `{"chunk":"Hi"}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil, Options{IdleTimeout: 100 * time.Millisecond})
	start := time.Now()
	got := collect(t, c.Stream(context.Background(), Incremental, Turn{Message: "x"}))

	assert.ErrorIs(t, got.err, apperr.ErrNetwork)
	assert.Contains(t, got.err.Error(), "idle")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestIncrementalContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, `{"chunk":"Hi"}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL, nil, nil, Options{})
	events := c.Stream(ctx, Incremental, Turn{Message: "x"})
	first := <-events
	assert.Equal(t, Fragment{Text: "Hi"}, first)
	cancel()

	got := collect(t, events)
	assert.ErrorIs(t, got.err, apperr.ErrNetwork)
}

func TestRunDispatchesCallbacks(t *testing.T) {
	srv, _ := lineServer(t, `{"chunk":"a"}`+"\n", `{"chunk":"b","done":true}`+"\n")
	c := NewClient(srv.URL, nil, nil, Options{})

	var fragments []string
	var final string
	failed := false
	err := c.Run(context.Background(), Incremental, Turn{Message: "x"}, Handler{
		OnFragment: func(s string) { fragments = append(fragments, s) },
		OnComplete: func(c Completed) { final = c.Text },
		OnFailure:  func(error) { failed = true },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fragments)
	assert.Equal(t, "ab", final)
	assert.False(t, failed)
}

type fakeTokens struct {
	mu      sync.Mutex
	token   string
	rotated int
}

func (f *fakeTokens) Token() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) HandleUnauthorized(_ context.Context, failed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == failed {
		f.rotated++
		f.token = "fresh"
	}
	return nil
}

func TestWebSocketTurn(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/ws" || r.URL.Query().Get("token") != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req turnRequest
		assert.NoError(t, conn.ReadJSON(&req))
		assert.Equal(t, "Hello", req.Message)
		for _, rec := range []string{`{"chunk":"Hi","conversation_id":8}`, `not json`, `{"chunk":" there"}`, `{"done":true,"message_id":2}`} {
			assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(rec)))
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale"}
	c := NewClient(srv.URL+"/api/v1", nil, tokens, Options{WebSocket: true})
	got := collect(t, c.Stream(context.Background(), Incremental, Turn{Message: "Hello"}))

	require.NoError(t, got.err)
	assert.Equal(t, 1, tokens.rotated)
	assert.Equal(t, []string{"Hi", " there"}, got.fragments)
	assert.Equal(t, "Hi there", got.completed.Text)
	assert.Equal(t, int64(8), *got.completed.ConversationID)
}

func TestWebSocketClosedWithoutDone(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req turnRequest
		_ = conn.ReadJSON(&req)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"chunk":"Hi"}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, &fakeTokens{token: "t"}, Options{WebSocket: true})
	got := collect(t, c.Stream(context.Background(), Incremental, Turn{Message: "x"}))
	assert.ErrorIs(t, got.err, apperr.ErrNetwork)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Buffered")
	require.NoError(t, err)
	assert.Equal(t, Buffered, m)
	m, err = ParseMode("incremental")
	require.NoError(t, err)
	assert.Equal(t, Incremental, m)
	_, err = ParseMode("carrier-pigeon")
	assert.Error(t, err)
	assert.True(t, strings.Contains(Incremental.String(), "incremental"))
}
