package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rag-chat-client/internal/apperr"
	"rag-chat-client/internal/model"
	"rag-chat-client/internal/repository"
	"rag-chat-client/pkg/backend"
	"rag-chat-client/pkg/kv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	refreshCalls atomic.Int32
	refreshGate  chan struct{}
	refreshErr   error
	expiresIn    int64

	mu           sync.Mutex
	logoutErr    error
	logoutTokens []string
	verifyErr    error
	profileCalls int
}

func (f *fakeAPI) Login(_ context.Context, req backend.LoginRequest) (*backend.AuthResponse, error) {
	if req.Password != "pw" {
		return nil, &backend.StatusError{StatusCode: 401, Detail: "bad credentials"}
	}
	return &backend.AuthResponse{
		User:      &model.User{ID: 1, Email: req.Email},
		Tokens:    model.Tokens{AccessToken: "access-0", RefreshToken: "refresh-0", TokenType: "bearer"},
		ExpiresIn: f.expiresIn,
	}, nil
}

func (f *fakeAPI) Register(_ context.Context, req backend.RegisterRequest) (*backend.AuthResponse, error) {
	return &backend.AuthResponse{
		Tokens:    model.Tokens{AccessToken: "access-0", RefreshToken: "refresh-0"},
		ExpiresIn: f.expiresIn,
	}, nil
}

func (f *fakeAPI) Refresh(ctx context.Context, refreshToken string) (*backend.AuthResponse, error) {
	n := f.refreshCalls.Add(1)
	if f.refreshGate != nil {
		select {
		case <-f.refreshGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &backend.AuthResponse{
		Tokens: model.Tokens{
			AccessToken:  fmt.Sprintf("access-%d", n),
			RefreshToken: fmt.Sprintf("refresh-%d", n),
			TokenType:    "bearer",
		},
		ExpiresIn: f.expiresIn,
	}, nil
}

func (f *fakeAPI) Logout(_ context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutTokens = append(f.logoutTokens, accessToken)
	return f.logoutErr
}

func (f *fakeAPI) VerifyToken(_ context.Context, accessToken string) (*backend.VerifyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil && accessToken == "access-0" {
		return nil, f.verifyErr
	}
	return &backend.VerifyResponse{Valid: true, UserID: 1}, nil
}

func (f *fakeAPI) Profile(_ context.Context, accessToken string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
	return &model.User{ID: 1, Email: "ada@example.com", FullName: "Ada"}, nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestManager(t *testing.T, api *fakeAPI, opts Options) (*Manager, repository.TokenRepository) {
	t.Helper()
	repo := repository.NewTokenRepository(kv.NewMemoryStore())
	return NewManager(api, NewVault(repo), opts), repo
}

func login(t *testing.T, m *Manager) {
	t.Helper()
	_, err := m.Login(context.Background(), "ada@example.com", "pw")
	require.NoError(t, err)
}

func TestLoginPersistsSession(t *testing.T) {
	api := &fakeAPI{expiresIn: 1800}
	m, repo := newTestManager(t, api, Options{})
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)

	_, err := m.Token()
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	user, err := m.Login(context.Background(), "ada@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.ID)
	assert.Equal(t, Authenticated, m.State())
	assert.Equal(t, []State{Authenticating, Authenticated}, rec.snapshot())

	tok, err := m.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-0", tok)
	assert.Equal(t, 30*time.Minute, m.Lifetime())

	stored, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "refresh-0", stored.RefreshToken)
}

func TestLoginFailureLeavesUnauthenticated(t *testing.T) {
	m, _ := newTestManager(t, &fakeAPI{}, Options{})

	_, err := m.Login(context.Background(), "ada@example.com", "nope")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	assert.Equal(t, Unauthenticated, m.State())
}

func TestRegisterLoadsProfileWhenMissing(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(t, api, Options{})

	user, err := m.Register(context.Background(), backend.RegisterRequest{Email: "ada@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.DisplayName())
	assert.Equal(t, 1, api.profileCalls)
	assert.Equal(t, defaultAccessTokenLifetime, m.Lifetime())
}

func TestConcurrentRotationTriggersShareOneRefresh(t *testing.T) {
	api := &fakeAPI{refreshGate: make(chan struct{})}
	m, _ := newTestManager(t, api, Options{})
	login(t, m)

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 11)

	// 主动轮换先发起
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- m.Rotate(ctx)
	}()
	require.Eventually(t, func() bool { return api.refreshCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, RotatingToken, m.State())

	// 旧 token 在轮换期间仍可签名
	tok, err := m.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-0", tok)

	// 同时到达的 401
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.HandleUnauthorized(ctx, "access-0")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(api.refreshGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	tok, err = m.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, Authenticated, m.State())
}

func TestHandleUnauthorizedAfterRotationSkipsRefresh(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(t, api, Options{})
	login(t, m)

	require.NoError(t, m.Rotate(context.Background()))
	require.NoError(t, m.HandleUnauthorized(context.Background(), "access-0"))
	assert.Equal(t, int32(1), api.refreshCalls.Load())
}

func TestRotationFailureEndsSession(t *testing.T) {
	api := &fakeAPI{refreshErr: &backend.StatusError{StatusCode: 401, Detail: "refresh token revoked"}}
	m, repo := newTestManager(t, api, Options{})
	rec := &stateRecorder{}
	login(t, m)
	m.OnStateChange(rec.record)

	err := m.HandleUnauthorized(context.Background(), "access-0")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	assert.Equal(t, LoggedOut, m.State())
	assert.Equal(t, []State{RotatingToken, LoggedOut}, rec.snapshot())

	_, err = m.Token()
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	stored, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestLogoutClearsEvenWhenServerFails(t *testing.T) {
	api := &fakeAPI{logoutErr: errors.New("connection refused")}
	m, repo := newTestManager(t, api, Options{})
	login(t, m)

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, LoggedOut, m.State())
	assert.Equal(t, []string{"access-0"}, api.logoutTokens)

	_, err := m.Token()
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	_, ok := m.Session()
	assert.False(t, ok)
	stored, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestLogoutDuringRotationDiscardsNewTokens(t *testing.T) {
	api := &fakeAPI{refreshGate: make(chan struct{})}
	m, _ := newTestManager(t, api, Options{})
	login(t, m)

	done := make(chan error, 1)
	go func() { done <- m.Rotate(context.Background()) }()
	require.Eventually(t, func() bool { return api.refreshCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Logout(context.Background()))
	close(api.refreshGate)

	assert.ErrorIs(t, <-done, apperr.ErrAuthorization)
	assert.Equal(t, LoggedOut, m.State())
	_, ok := m.Session()
	assert.False(t, ok)
}

func TestWithTokenRetriesOnceAfterRotation(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(t, api, Options{})
	login(t, m)

	var seen []string
	err := m.WithToken(context.Background(), func(tok string) error {
		seen = append(seen, tok)
		if tok == "access-0" {
			return apperr.Authorizationf("expired")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"access-0", "access-1"}, seen)

	// 第二次仍然 401 时不再重试
	calls := 0
	err = m.WithToken(context.Background(), func(string) error {
		calls++
		return apperr.Authorizationf("still expired")
	})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	assert.Equal(t, 2, calls)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing stored", func(t *testing.T) {
		m, _ := newTestManager(t, &fakeAPI{}, Options{})
		ok, err := m.Restore(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, Unauthenticated, m.State())
	})

	t.Run("expired access token is rotated", func(t *testing.T) {
		api := &fakeAPI{verifyErr: &backend.StatusError{StatusCode: 401}}
		m, repo := newTestManager(t, api, Options{})
		require.NoError(t, repo.Save(ctx, model.Tokens{AccessToken: "access-0", RefreshToken: "refresh-0"}, nil))

		ok, err := m.Restore(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		tok, err := m.Token()
		require.NoError(t, err)
		assert.Equal(t, "access-1", tok)
		sess, _ := m.Session()
		require.NotNil(t, sess.User)
		assert.Equal(t, "Ada", sess.User.DisplayName())
	})

	t.Run("rotation fails", func(t *testing.T) {
		api := &fakeAPI{
			verifyErr:  &backend.StatusError{StatusCode: 401},
			refreshErr: &backend.StatusError{StatusCode: 401},
		}
		m, repo := newTestManager(t, api, Options{})
		require.NoError(t, repo.Save(ctx, model.Tokens{AccessToken: "access-0", RefreshToken: "refresh-0"}, nil))

		ok, err := m.Restore(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, LoggedOut, m.State())
		stored, _ := repo.Load(ctx)
		assert.Nil(t, stored)
	})
}

func TestRotationIntervalIsShorterThanLifetime(t *testing.T) {
	m, _ := newTestManager(t, &fakeAPI{expiresIn: 1800}, Options{})
	_, ok := m.RotationInterval()
	assert.False(t, ok)

	login(t, m)
	interval, ok := m.RotationInterval()
	require.True(t, ok)
	assert.Equal(t, 25*time.Minute, interval)
	assert.Less(t, interval, m.Lifetime())
}

func TestProactiveRotation(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(t, api, Options{AccessTokenLifetime: 60 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	login(t, m)
	require.Eventually(t, func() bool { return api.refreshCalls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, m.State() == Authenticated || m.State() == RotatingToken)

	require.NoError(t, m.Logout(context.Background()))
	calls := api.refreshCalls.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, calls, api.refreshCalls.Load())
}
