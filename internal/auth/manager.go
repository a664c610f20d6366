// Package auth 管理客户端的登录会话：保存 token 对，按计划主动轮换，
// 在收到 401 时被动轮换，并把会话结束通知给依赖方。
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"rag-chat-client/internal/apperr"
	"rag-chat-client/internal/model"
	"rag-chat-client/pkg/backend"
	"rag-chat-client/pkg/log"
	"rag-chat-client/pkg/token"

	"golang.org/x/sync/singleflight"
)

const (
	defaultAccessTokenLifetime = 30 * time.Minute
	defaultRotationFraction    = 5.0 / 6.0
	defaultRequestTimeout      = 30 * time.Second
)

// API 是 Manager 依赖的认证接口，由 backend.Client 实现。
type API interface {
	Login(ctx context.Context, req backend.LoginRequest) (*backend.AuthResponse, error)
	Register(ctx context.Context, req backend.RegisterRequest) (*backend.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*backend.AuthResponse, error)
	Logout(ctx context.Context, accessToken string) error
	VerifyToken(ctx context.Context, accessToken string) (*backend.VerifyResponse, error)
	Profile(ctx context.Context, accessToken string) (*model.User, error)
}

// Options 控制轮换策略。
type Options struct {
	// AccessTokenLifetime 在后端未返回 expires_in 且 token 中读不到 exp/iat 时使用。
	AccessTokenLifetime time.Duration
	// RotationFraction 主动轮换间隔占名义有效期的比例，必须在 (0, 1) 之间。
	RotationFraction float64
	// RequestTimeout 是单次 refresh 请求的超时。
	RequestTimeout time.Duration
}

// Manager 是 AuthSessionManager 的实现。所有对 Vault 的修改都经过它。
type Manager struct {
	api   API
	vault *Vault
	opts  Options

	mu       sync.Mutex
	state    State
	gen      uint64 // 每次登录、登出、清除时递增，用于丢弃过期的轮换结果
	lifetime time.Duration
	pending  []transition

	listenerSeq int
	listeners   map[int]func(from, to State)
	notifyMu    sync.Mutex

	flight singleflight.Group
	rearm  chan struct{}

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager 创建一个处于 Unauthenticated 状态的 Manager。
func NewManager(api API, vault *Vault, opts Options) *Manager {
	if opts.AccessTokenLifetime <= 0 {
		opts.AccessTokenLifetime = defaultAccessTokenLifetime
	}
	if opts.RotationFraction <= 0 || opts.RotationFraction >= 1 {
		opts.RotationFraction = defaultRotationFraction
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Manager{
		api:       api,
		vault:     vault,
		opts:      opts,
		state:     Unauthenticated,
		listeners: make(map[int]func(from, to State)),
		rearm:     make(chan struct{}, 1),
	}
}

// State 返回当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session 返回当前会话的拷贝。
func (m *Manager) Session() (model.AuthSession, bool) {
	return m.vault.Session()
}

// OnStateChange 注册状态变更回调，返回取消函数。回调按变更顺序串行调用，
// 回调里不要调用 Login、Logout 等会改变状态的方法。
func (m *Manager) OnStateChange(fn func(from, to State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.listenerSeq
	m.listenerSeq++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Token 返回用于签名请求的 access token。轮换进行中时返回旧 token，不等待。
// 未登录或已登出时返回 ErrAuthorization。
func (m *Manager) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.usable() {
		return "", apperr.Authorizationf("session is %s", m.state)
	}
	tok, ok := m.vault.Acquire()
	if !ok {
		return "", apperr.Authorizationf("no access token")
	}
	return tok, nil
}

// Login 用邮箱和密码登录。
func (m *Manager) Login(ctx context.Context, email, password string) (*model.User, error) {
	return m.authenticate(ctx, func(ctx context.Context) (*backend.AuthResponse, error) {
		return m.api.Login(ctx, backend.LoginRequest{Email: email, Password: password})
	})
}

// Register 注册并直接进入已登录状态。
func (m *Manager) Register(ctx context.Context, req backend.RegisterRequest) (*model.User, error) {
	return m.authenticate(ctx, func(ctx context.Context) (*backend.AuthResponse, error) {
		return m.api.Register(ctx, req)
	})
}

func (m *Manager) authenticate(ctx context.Context, call func(context.Context) (*backend.AuthResponse, error)) (*model.User, error) {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.setStateLocked(Authenticating)
	m.mu.Unlock()
	m.flush()

	resp, err := call(ctx)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			_ = m.vault.clear(ctx)
			m.setStateLocked(Unauthenticated)
		}
		m.mu.Unlock()
		m.flush()
		return nil, err
	}

	user := resp.User
	if user == nil {
		// 注册接口可能不返回完整资料，补一次 profile
		if u, perr := m.api.Profile(ctx, resp.AccessToken); perr == nil {
			user = u
		} else {
			log.Warnw("failed to load profile after authentication", "error", perr)
		}
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return nil, apperr.Authorizationf("authentication superseded")
	}
	m.establishLocked(ctx, resp.Tokens, user, resp.ExpiresIn)
	m.mu.Unlock()
	m.flush()
	m.signalRearm()

	log.Infow("authenticated", "user", user.DisplayName())
	return user, nil
}

// Restore 在启动时根据持久化的 access token 恢复会话：
// 先 verify-token，401 时尝试一次轮换，仍失败则清除本地状态。
// 返回会话是否已恢复。网络不可用时保留本地会话。
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	sess, err := m.vault.load(ctx)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	m.mu.Lock()
	m.gen++
	if err := m.vault.put(ctx, *sess); err != nil {
		log.Warnw("failed to persist restored session", "error", err)
	}
	m.lifetime = m.lifetimeFor(sess.AccessToken, 0)
	m.setStateLocked(Authenticated)
	m.mu.Unlock()
	m.flush()

	_, err = m.api.VerifyToken(ctx, sess.AccessToken)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrAuthorization):
		log.Infow("stored access token rejected, rotating")
		if err := m.rotate(ctx, sess.AccessToken); err != nil {
			return false, nil
		}
	default:
		log.Warnw("could not verify stored session, keeping it", "error", err)
		m.signalRearm()
		return true, nil
	}

	if sess.User == nil {
		if _, err := m.Profile(ctx); err != nil {
			log.Warnw("failed to load profile", "error", err)
		}
	}
	m.signalRearm()
	return true, nil
}

// Rotate 立即轮换 token。已有轮换进行中时等待它的结果，不会发起第二次 refresh。
func (m *Manager) Rotate(ctx context.Context) error {
	m.mu.Lock()
	usable := m.state.usable()
	m.mu.Unlock()
	if !usable {
		return apperr.Authorizationf("no session to rotate")
	}
	return m.rotate(ctx, "")
}

// HandleUnauthorized 处理用 failedToken 签名的请求收到的 401。
// 若 token 已被其他调用方轮换，直接返回 nil，调用方用新 token 重试即可。
func (m *Manager) HandleUnauthorized(ctx context.Context, failedToken string) error {
	m.mu.Lock()
	if !m.state.usable() {
		state := m.state
		m.mu.Unlock()
		return apperr.Authorizationf("session is %s", state)
	}
	current, _ := m.vault.Acquire()
	m.mu.Unlock()
	if current != failedToken {
		return nil
	}
	return m.rotate(ctx, failedToken)
}

// rotate 轮换 token。failedToken 非空时，若当前 token 已不是它则不再发起请求。
func (m *Manager) rotate(ctx context.Context, failedToken string) error {
	ch := m.flight.DoChan("refresh", func() (interface{}, error) {
		return nil, m.doRotate(failedToken)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return apperr.Networkf("waiting for token rotation: %w", ctx.Err())
	}
}

// doRotate 发起真正的 refresh 请求。它不使用调用方的 ctx，
// 因为同一次轮换可能被多个调用方共享。
func (m *Manager) doRotate(failedToken string) error {
	m.mu.Lock()
	sess, ok := m.vault.Session()
	if !ok || sess.RefreshToken == "" {
		m.mu.Unlock()
		return apperr.Authorizationf("no refresh token")
	}
	if failedToken != "" && sess.AccessToken != failedToken {
		m.mu.Unlock()
		return nil
	}
	gen := m.gen
	m.setStateLocked(RotatingToken)
	m.mu.Unlock()
	m.flush()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()
	resp, err := m.api.Refresh(ctx, sess.RefreshToken)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return apperr.Authorizationf("session ended during token rotation")
	}
	if err != nil {
		m.gen++
		if cerr := m.vault.clear(context.Background()); cerr != nil {
			log.Warnw("failed to clear stored session", "error", cerr)
		}
		m.lifetime = 0
		m.setStateLocked(LoggedOut)
		m.mu.Unlock()
		m.flush()
		m.signalRearm()
		log.Warnw("token rotation failed, session ended", "error", err)
		return apperr.Authorizationf("token rotation failed: %w", err)
	}
	tokens := resp.Tokens
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = sess.RefreshToken
	}
	user := sess.User
	if resp.User != nil {
		user = resp.User
	}
	m.establishLocked(ctx, tokens, user, resp.ExpiresIn)
	m.mu.Unlock()
	m.flush()
	m.signalRearm()

	log.Infow("access token rotated", "lifetime", m.Lifetime().String())
	return nil
}

// Logout 无条件清除本地会话，然后尽力通知后端。后端调用失败只记录日志。
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	sess, had := m.vault.Session()
	m.gen++
	if err := m.vault.clear(ctx); err != nil {
		log.Warnw("failed to clear stored session", "error", err)
	}
	m.lifetime = 0
	m.setStateLocked(LoggedOut)
	m.mu.Unlock()
	m.flush()
	m.signalRearm()

	if had && sess.AccessToken != "" {
		if err := m.api.Logout(ctx, sess.AccessToken); err != nil {
			log.Warnw("server-side logout failed", "error", err)
		}
	}
	return nil
}

// Profile 获取并缓存当前用户资料，401 时轮换一次后重试。
func (m *Manager) Profile(ctx context.Context) (*model.User, error) {
	var user *model.User
	err := m.WithToken(ctx, func(tok string) error {
		u, err := m.api.Profile(ctx, tok)
		user = u
		return err
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if sess, ok := m.vault.Session(); ok && m.state.usable() {
		sess.User = user
		if err := m.vault.put(ctx, sess); err != nil {
			log.Warnw("failed to persist profile", "error", err)
		}
	}
	m.mu.Unlock()
	return user, nil
}

// VerifyToken 询问后端当前 token 是否有效，401 时轮换一次后重试。
func (m *Manager) VerifyToken(ctx context.Context) (*backend.VerifyResponse, error) {
	var out *backend.VerifyResponse
	err := m.WithToken(ctx, func(tok string) error {
		v, err := m.api.VerifyToken(ctx, tok)
		out = v
		return err
	})
	return out, err
}

// WithToken 用当前 token 调用 fn；fn 返回 ErrAuthorization 时轮换一次并重试。
func (m *Manager) WithToken(ctx context.Context, fn func(token string) error) error {
	tok, err := m.Token()
	if err != nil {
		return err
	}
	err = fn(tok)
	if !errors.Is(err, apperr.ErrAuthorization) {
		return err
	}
	if rerr := m.HandleUnauthorized(ctx, tok); rerr != nil {
		return rerr
	}
	tok, err = m.Token()
	if err != nil {
		return err
	}
	return fn(tok)
}

// Lifetime 返回当前 access token 的名义有效期；未登录时为 0。
func (m *Manager) Lifetime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lifetime
}

// RotationInterval 返回主动轮换的间隔，始终严格小于名义有效期。
func (m *Manager) RotationInterval() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.usable() || m.lifetime <= 0 {
		return 0, false
	}
	return time.Duration(float64(m.lifetime) * m.opts.RotationFraction), true
}

// Start 启动主动轮换循环，直到 ctx 结束或调用 Stop。
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		m.done = make(chan struct{})
		go m.loop(ctx)
	})
}

// Stop 停止主动轮换循环并等待其退出。
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	for {
		var tick <-chan time.Time
		var timer *time.Timer
		if interval, ok := m.RotationInterval(); ok {
			timer = time.NewTimer(interval)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-m.rearm:
			stopTimer(timer)
		case <-tick:
			if err := m.Rotate(ctx); err != nil {
				log.Warnw("proactive token rotation failed", "error", err)
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (m *Manager) signalRearm() {
	select {
	case m.rearm <- struct{}{}:
	default:
	}
}

// establishLocked 保存新 token 并进入 Authenticated。调用方持有 m.mu。
func (m *Manager) establishLocked(ctx context.Context, tokens model.Tokens, user *model.User, expiresIn int64) {
	if tokens.TokenType == "" {
		tokens.TokenType = "bearer"
	}
	m.lifetime = m.lifetimeFor(tokens.AccessToken, expiresIn)
	expiresAt := time.Now().Add(m.lifetime)
	if e, err := token.ParseExpiry(tokens.AccessToken); err == nil {
		expiresAt = e.ExpiresAt
	}
	sess := model.AuthSession{Tokens: tokens, User: user, ExpiresAt: expiresAt}
	if err := m.vault.put(ctx, sess); err != nil {
		log.Warnw("failed to persist session", "error", err)
	}
	m.setStateLocked(Authenticated)
}

// lifetimeFor 依次使用 expires_in、token 的 exp-iat、配置的默认值。
func (m *Manager) lifetimeFor(accessToken string, expiresIn int64) time.Duration {
	if expiresIn > 0 {
		return time.Duration(expiresIn) * time.Second
	}
	if e, err := token.ParseExpiry(accessToken); err == nil {
		if lt := e.Lifetime(); lt > 0 {
			return lt
		}
	}
	return m.opts.AccessTokenLifetime
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.pending = append(m.pending, transition{from: m.state, to: s})
	m.state = s
}

// flush 按顺序把积压的状态变更交给回调。
func (m *Manager) flush() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	fns := make([]func(from, to State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, t := range pending {
		log.Debugf("auth state %s -> %s", t.from, t.to)
		for _, fn := range fns {
			fn(t.from, t.to)
		}
	}
}
