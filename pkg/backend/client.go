// Package backend 是聊天后端 REST 接口（认证、历史记录、健康检查）的类型化客户端。
// 对话本身通过 internal/stream 发送。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"rag-chat-client/internal/apperr"
	"rag-chat-client/pkg/log"
)

// StatusError 是后端返回的非 2xx 响应。Unwrap 把状态码映射到 apperr 的类别。
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Detail)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return apperr.ErrAuthorization
	case e.StatusCode == http.StatusNotFound:
		return apperr.ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return apperr.ErrConflict
	case e.StatusCode >= 500:
		return apperr.ErrNetwork
	default:
		return apperr.ErrValidation
	}
}

// CheckResponse 在状态码非 2xx 时读取错误详情并返回 *StatusError。
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &StatusError{StatusCode: resp.StatusCode, Detail: errorDetail(body)}
}

// errorDetail 兼容 {"detail": "..."}、{"error": "..."}、{"message": "..."} 三种错误体。
func errorDetail(body []byte) string {
	var envelope struct {
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return strings.TrimSpace(string(body))
	}
	if len(envelope.Detail) > 0 {
		var s string
		if json.Unmarshal(envelope.Detail, &s) == nil {
			return s
		}
		return string(envelope.Detail)
	}
	if envelope.Error != "" {
		return envelope.Error
	}
	return envelope.Message
}

// Client 调用后端的 REST 接口。baseURL 已包含 API 前缀，例如 http://localhost:8000/api/v1。
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient 创建一个 Client。httpClient 为 nil 时使用 http.DefaultClient。
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

// BaseURL 返回带 API 前缀的根地址。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do 发送 JSON 请求并把响应解码到 out。accessToken 非空时附加 Bearer 头。
func (c *Client) do(ctx context.Context, method, path, accessToken string, in, out interface{}) error {
	var body io.Reader
	var raw []byte
	if in != nil {
		var err error
		raw, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// 签名中间件返回的错误已经带有类别
		if errors.Is(err, apperr.ErrAuthorization) {
			return err
		}
		log.Warnw("backend request failed", "method", method, "path", path, "error", err)
		return apperr.Networkf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := CheckResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Protocolf("failed to decode %s response: %w", path, err)
	}
	return nil
}
