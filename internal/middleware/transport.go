package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"rag-chat-client/internal/apperr"
	"rag-chat-client/pkg/log"
)

// TokenSource 提供签名用的 token，并在 401 时负责轮换。由 auth.Manager 实现。
type TokenSource interface {
	Token() (string, error)
	HandleUnauthorized(ctx context.Context, failedToken string) error
}

// AuthTransport 为每个请求附加 Bearer token。收到 401 时请 TokenSource 轮换一次，
// 然后用新 token 重放请求；再次 401 或轮换失败时返回 ErrAuthorization。
type AuthTransport struct {
	Source TokenSource
	Base   http.RoundTripper
}

// NewAuthTransport 创建 AuthTransport。base 为 nil 时使用 http.DefaultTransport。
func NewAuthTransport(source TokenSource, base http.RoundTripper) *AuthTransport {
	return &AuthTransport{Source: source, Base: base}
}

func (t *AuthTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.Source.Token()
	if err != nil {
		closeBody(req)
		return nil, err
	}

	resp, err := t.base().RoundTrip(signed(req, tok))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// 丢弃 401 响应体以复用连接
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, apperr.Authorizationf("%s %s: unauthorized, request body cannot be replayed", req.Method, req.URL.Path)
	}
	if err := t.Source.HandleUnauthorized(req.Context(), tok); err != nil {
		return nil, err
	}
	tok, err = t.Source.Token()
	if err != nil {
		return nil, err
	}

	retry := signed(req, tok)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		retry.Body = body
	}
	log.Infow("retrying request after token rotation", "method", req.Method, "path", req.URL.Path)

	resp, err = t.base().RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, apperr.Authorizationf("%s %s: unauthorized after token rotation", req.Method, req.URL.Path)
	}
	return resp, nil
}

// signed 返回带 Authorization 头的请求副本，RoundTripper 不能修改原请求。
func signed(req *http.Request, tok string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+tok)
	return r
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}
