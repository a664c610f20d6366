package devserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rag-chat-client/internal/apperr"
	"rag-chat-client/internal/auth"
	"rag-chat-client/internal/middleware"
	"rag-chat-client/internal/model"
	"rag-chat-client/internal/repository"
	"rag-chat-client/internal/service"
	"rag-chat-client/internal/session"
	"rag-chat-client/internal/store"
	"rag-chat-client/internal/stream"
	"rag-chat-client/pkg/backend"
	"rag-chat-client/pkg/kv"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "Secret123!"

// stack 是连接到参考后端的一套完整客户端。
type stack struct {
	server     *Server
	http       *httptest.Server
	api        *backend.Client
	chatAPI    *backend.Client
	tokens     kv.Store
	manager    *auth.Manager
	store      *store.Store
	correlator *session.Correlator
	status     service.StatusService
	chat       service.ChatService
}

func newStack(t *testing.T, mode stream.Mode, websocket bool) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := New(Options{JWTSecret: "test-secret", FragmentDelay: time.Millisecond},
		repository.NewConversationRepository(kv.NewMemoryStore()))
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	st := &stack{server: s, http: srv, tokens: kv.NewMemoryStore()}
	base := srv.URL + "/api/v1"
	st.api = backend.NewClient(base, srv.Client())
	st.manager = auth.NewManager(st.api, auth.NewVault(repository.NewTokenRepository(st.tokens)), auth.Options{})

	signed := &http.Client{Transport: middleware.NewAuthTransport(st.manager, &middleware.LoggingTransport{Base: srv.Client().Transport})}
	st.chatAPI = backend.NewClient(base, signed)
	streamer := stream.NewClient(base, signed, st.manager, stream.Options{WebSocket: websocket, MaxBadRecords: 10})

	st.correlator = session.NewCorrelator()
	st.store = store.New(st.correlator, store.Options{})
	st.status = service.NewStatusService(st.api)
	st.chat = service.NewChatService(st.store, st.correlator, streamer, st.chatAPI, st.manager, st.status, mode)
	t.Cleanup(st.chat.Close)
	return st
}

func (st *stack) register(t *testing.T, email string) *model.User {
	t.Helper()
	user, err := st.manager.Register(context.Background(), backend.RegisterRequest{
		Email: email, Password: testPassword, FirstName: "Ada", LastName: "Lovelace",
	})
	require.NoError(t, err)
	require.Equal(t, auth.Authenticated, st.manager.State())
	return user
}

// revokeCurrentAccess 让服务端拒绝当前 access token，模拟过期。
func (st *stack) revokeCurrentAccess(t *testing.T) string {
	t.Helper()
	sess, ok := st.manager.Session()
	require.True(t, ok)
	claims, err := st.server.jwt.VerifyToken(sess.AccessToken)
	require.NoError(t, err)
	st.server.revokeAccess(claims.ID)
	return sess.AccessToken
}

func TestEndToEndConversation(t *testing.T) {
	st := newStack(t, stream.Buffered, false)
	user := st.register(t, "ada@example.com")
	assert.Equal(t, "Ada Lovelace", user.FullName)
	ctx := context.Background()

	res, err := st.chat.Send(ctx, "Hello", nil)
	require.NoError(t, err)
	conv, _ := st.store.Conversation(res.LocalID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "You said: Hello", conv.Messages[1].Content)
	assert.Equal(t, "Hello", conv.Title)
	require.NotNil(t, conv.BackendID)
	backendID := *conv.BackendID

	var fragments int
	unsub := st.store.Subscribe(func(c store.Change) {
		if c.Kind == store.FragmentAppended {
			fragments++
		}
	})
	st.chat.SetMode(stream.Incremental)
	_, err = st.chat.Send(ctx, "How are you", nil)
	unsub()
	require.NoError(t, err)
	assert.Greater(t, fragments, 1)

	conv, _ = st.store.Conversation(res.LocalID)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "You said: How are you (message 2 in this conversation)", conv.Messages[3].Content)
	assert.Equal(t, backendID, *conv.BackendID)

	require.NoError(t, st.chat.Reload(ctx, res.LocalID))
	conv, _ = st.store.Conversation(res.LocalID)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, model.RoleUser, conv.Messages[2].Role)

	opened, err := st.chat.OpenBackendConversation(ctx, backendID)
	require.NoError(t, err)
	assert.NotEqual(t, res.LocalID, opened)
	reopened, _ := st.store.Conversation(opened)
	assert.Len(t, reopened.Messages, 4)
	assert.Equal(t, "Hello", reopened.Title)

	assert.Equal(t, model.APIOK, st.status.Probe(ctx).State)
}

func TestEndToEndReactiveRotation(t *testing.T) {
	st := newStack(t, stream.Incremental, false)
	st.register(t, "ada@example.com")
	before, _ := st.manager.Session()
	st.revokeCurrentAccess(t)

	res, err := st.chat.Send(context.Background(), "still there?", nil)
	require.NoError(t, err)
	conv, _ := st.store.Conversation(res.LocalID)
	assert.Equal(t, "You said: still there?", conv.Messages[1].Content)

	after, _ := st.manager.Session()
	assert.NotEqual(t, before.AccessToken, after.AccessToken)
	assert.NotEqual(t, before.RefreshToken, after.RefreshToken)
	assert.Equal(t, auth.Authenticated, st.manager.State())

	// refresh token 只能使用一次
	_, err = st.api.Refresh(context.Background(), before.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestEndToEndWebSocket(t *testing.T) {
	st := newStack(t, stream.Incremental, true)
	st.register(t, "ada@example.com")
	st.revokeCurrentAccess(t)

	res, err := st.chat.Send(context.Background(), "over the socket", nil)
	require.NoError(t, err)
	conv, _ := st.store.Conversation(res.LocalID)
	assert.Equal(t, "You said: over the socket", conv.Messages[1].Content)
	assert.NotNil(t, conv.BackendID)
}

func TestEndToEndStreamError(t *testing.T) {
	for _, ws := range []bool{false, true} {
		st := newStack(t, stream.Incremental, ws)
		st.register(t, "ada@example.com")

		res, err := st.chat.Send(context.Background(), FailPrefix+" please", nil)
		var remote *stream.RemoteError
		require.True(t, errors.As(err, &remote), "websocket=%v", ws)

		conv, _ := st.store.Conversation(res.LocalID)
		reply := conv.Messages[1]
		assert.False(t, reply.IsPending)
		assert.Equal(t, ErrSimulated.Error(), reply.Content)
	}
}

func TestEndToEndLogout(t *testing.T) {
	st := newStack(t, stream.Buffered, false)
	st.register(t, "ada@example.com")
	sess, _ := st.manager.Session()
	ctx := context.Background()

	require.NoError(t, st.manager.Logout(ctx))
	assert.Equal(t, auth.LoggedOut, st.manager.State())
	_, ok, _ := st.tokens.Get(ctx, repository.KeyAccessToken)
	assert.False(t, ok)

	_, err := st.api.Profile(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = st.api.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	_, err = st.chat.Send(ctx, "anyone?", nil)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestEndToEndRestore(t *testing.T) {
	st := newStack(t, stream.Buffered, false)
	st.register(t, "ada@example.com")

	restarted := auth.NewManager(st.api, auth.NewVault(repository.NewTokenRepository(st.tokens)), auth.Options{})
	ok, err := restarted.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, auth.Authenticated, restarted.State())
	interval, ok := restarted.RotationInterval()
	require.True(t, ok)
	assert.InDelta(t, float64(25*time.Minute), float64(interval), float64(time.Second))

	v, err := restarted.VerifyToken(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "ada@example.com", v.Email)
}

func TestAuthErrors(t *testing.T) {
	st := newStack(t, stream.Buffered, false)
	st.register(t, "ada@example.com")
	ctx := context.Background()

	_, err := st.api.Register(ctx, backend.RegisterRequest{Email: "ada@example.com", Password: testPassword})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = st.api.Register(ctx, backend.RegisterRequest{Email: "bob@example.com", Password: "short"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = st.api.Login(ctx, backend.LoginRequest{Email: "ada@example.com", Password: "wrong-password"})
	var statusErr *backend.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, "Incorrect email or password", statusErr.Detail)

	resp, err := st.api.Login(ctx, backend.LoginRequest{Email: "ADA@example.com", Password: testPassword})
	require.NoError(t, err)
	assert.Equal(t, int64(30*60), resp.ExpiresIn)
	assert.Equal(t, "bearer", resp.TokenType)
	assert.Equal(t, 1, resp.User.LoginCount)
}

func TestHistoryAccess(t *testing.T) {
	owner := newStack(t, stream.Buffered, false)
	owner.register(t, "ada@example.com")
	res, err := owner.chat.Send(context.Background(), "private", nil)
	require.NoError(t, err)
	conv, _ := owner.store.Conversation(res.LocalID)
	backendID := *conv.BackendID

	// 同一服务器上的另一个用户
	_, err = owner.manager.Register(context.Background(), backend.RegisterRequest{Email: "eve@example.com", Password: testPassword})
	require.NoError(t, err)
	_, err = owner.chatAPI.History(context.Background(), backendID, 10, 0)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	sess, _ := owner.manager.Session()
	req, _ := http.NewRequest(http.MethodGet, owner.http.URL+"/api/v1/chat/history/1?limit=500", nil)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	httpResp, err := owner.http.Client().Do(req)
	require.NoError(t, err)
	httpResp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, httpResp.StatusCode)
}

func TestSplitWords(t *testing.T) {
	parts := splitWords("You said:  hello world")
	assert.Equal(t, "You said:  hello world", strings.Join(parts, ""))
	assert.Equal(t, []string{"You", " said:", "  hello", " world"}, parts)
	assert.Empty(t, splitWords(""))
}

func TestHistoryOffsetBeyondEnd(t *testing.T) {
	st := newStack(t, stream.Buffered, false)
	st.register(t, "ada@example.com")
	res, err := st.chat.Send(context.Background(), "Hello", nil)
	require.NoError(t, err)
	conv, _ := st.store.Conversation(res.LocalID)

	for _, offset := range []int{2, 3, 1 << 62} {
		page, err := st.chatAPI.History(context.Background(), *conv.BackendID, 100, offset)
		require.NoError(t, err, "offset %d", offset)
		assert.Empty(t, page.Messages)
		assert.False(t, page.HasMore)
		assert.Equal(t, 2, page.TotalMessages)
	}

	sess, _ := st.manager.Session()
	req, _ := http.NewRequest(http.MethodGet, st.http.URL+"/api/v1/chat/history/1?offset=9223372036854775807", nil)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	httpResp, err := st.http.Client().Do(req)
	require.NoError(t, err)
	httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)

	page, err := st.chatAPI.History(context.Background(), *conv.BackendID, 1, 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
	assert.True(t, page.HasMore)
}

func TestChangePassword(t *testing.T) {
	st := newStack(t, stream.Buffered, false)
	st.register(t, "ada@example.com")
	ctx := context.Background()
	change := func(current, next string) error {
		return st.manager.WithToken(ctx, func(tok string) error {
			return st.api.ChangePassword(ctx, tok, backend.ChangePasswordRequest{CurrentPassword: current, NewPassword: next})
		})
	}

	assert.ErrorIs(t, change("wrong-password", "Another456!"), apperr.ErrValidation)
	assert.ErrorIs(t, change(testPassword, "short"), apperr.ErrValidation)
	require.NoError(t, change(testPassword, "Another456!"))

	_, err := st.api.Login(ctx, backend.LoginRequest{Email: "ada@example.com", Password: testPassword})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = st.api.Login(ctx, backend.LoginRequest{Email: "ada@example.com", Password: "Another456!"})
	assert.NoError(t, err)

	err = st.api.ChangePassword(ctx, "", backend.ChangePasswordRequest{CurrentPassword: "x", NewPassword: "Whatever789!"})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}
