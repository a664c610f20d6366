package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"rag-chat-client/internal/apperr"
	"rag-chat-client/internal/middleware"
	"rag-chat-client/pkg/backend"
	"rag-chat-client/pkg/log"

	"github.com/gorilla/websocket"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultIdleTimeout    = 120 * time.Second
)

// Options 控制超时和容错策略。
type Options struct {
	// RequestTimeout 限制缓冲请求的总时长，以及增量请求等待响应头的时长。
	RequestTimeout time.Duration
	// IdleTimeout 限制增量模式下两条记录之间的最大间隔。
	IdleTimeout time.Duration
	// MaxBadRecords 是单个流允许跳过的无法解析记录数，超过后以 ErrProtocol 结束。0 表示不限。
	MaxBadRecords int
	// WebSocket 为 true 时增量模式通过 /chat/ws 收取记录。
	WebSocket bool
}

// Client 是 StreamingChatClient 的实现。
// HTTP 请求通过调用方传入的 http.Client 发出，签名和 401 重试由其 Transport 完成；
// WebSocket 握手无法经过 RoundTripper，因此直接使用 tokens。
type Client struct {
	baseURL string
	http    *http.Client
	tokens  middleware.TokenSource
	dialer  *websocket.Dialer
	opts    Options
}

// NewClient 创建 Client。baseURL 包含 API 前缀。tokens 仅用于 WebSocket 模式，可以为 nil。
func NewClient(baseURL string, httpClient *http.Client, tokens middleware.TokenSource, opts Options) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.RequestTimeout},
		opts:    opts,
	}
}

type turnRequest struct {
	Message        string `json:"message"`
	ConversationID *int64 `json:"conversation_id,omitempty"`
}

type bufferedResponse struct {
	Message           string          `json:"message"`
	ConversationID    *int64          `json:"conversation_id"`
	ConversationIDAlt *int64          `json:"conversationId"`
	MessageID         *int64          `json:"message_id"`
	MessageIDAlt      *int64          `json:"messageId"`
	Timestamp         json.RawMessage `json:"timestamp"`
}

// Stream 执行一轮对话并返回事件通道。通道依次送出零个或多个 Fragment，
// 然后恰好一个 Completed 或 Failed，之后关闭。调用方必须读到通道关闭为止；
// 取消 ctx 会让本轮以 Failed 结束。
func (c *Client) Stream(ctx context.Context, mode Mode, turn Turn) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		var terminal Event
		if mode == Buffered {
			terminal = c.buffered(ctx, turn)
		} else {
			terminal = c.incremental(ctx, turn, events)
		}
		events <- terminal
	}()
	return events
}

// Run 以回调方式执行一轮对话，阻塞直到结束。
func (c *Client) Run(ctx context.Context, mode Mode, turn Turn, h Handler) error {
	return Dispatch(c.Stream(ctx, mode, turn), h)
}

func (c *Client) buffered(ctx context.Context, turn Turn) Event {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	resp, err := c.post(ctx, "/chat/message", turn, "application/json")
	if err != nil {
		return Failed{Err: err}
	}
	defer resp.Body.Close()

	var out bufferedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return Failed{Err: apperr.Networkf("reading reply: %w", ctx.Err())}
		}
		return Failed{Err: apperr.Protocolf("malformed reply: %w", err)}
	}
	conv := out.ConversationID
	if conv == nil {
		conv = out.ConversationIDAlt
	}
	msg := out.MessageID
	if msg == nil {
		msg = out.MessageIDAlt
	}
	return Completed{Text: out.Message, ConversationID: conv, MessageID: msg}
}

func (c *Client) incremental(ctx context.Context, turn Turn, events chan<- Event) Event {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 看门狗：先限制等待响应头的时间，之后限制记录之间的空闲时间
	var idle atomic.Bool
	watchdog := time.AfterFunc(c.opts.RequestTimeout, func() {
		idle.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	var src source
	var err error
	if c.opts.WebSocket {
		src, err = c.openWebSocket(ctx, turn)
	} else {
		src, err = c.openHTTP(ctx, turn)
	}
	if err != nil {
		if idle.Load() {
			return Failed{Err: apperr.Networkf("no response within %s", c.opts.RequestTimeout)}
		}
		return Failed{Err: err}
	}
	defer src.Close()

	r := &reader{maxBad: c.opts.MaxBadRecords}
	for {
		watchdog.Reset(c.opts.IdleTimeout)
		data, err := src.Next()
		if err != nil {
			if idle.Load() {
				return Failed{Err: apperr.Networkf("stream idle for more than %s", c.opts.IdleTimeout)}
			}
			if errors.Is(err, io.EOF) {
				return Failed{Err: r.eofError()}
			}
			if ctx.Err() != nil {
				return Failed{Err: apperr.Networkf("stream cancelled: %w", ctx.Err())}
			}
			return Failed{Err: apperr.Networkf("reading stream: %w", err)}
		}
		if terminal := r.feed(data, events); terminal != nil {
			return terminal
		}
	}
}

// reader 把记录折叠成事件，并维护容错计数。
type reader struct {
	text           strings.Builder
	conversationID *int64
	bad            int
	maxBad         int
	lastBad        bool
}

// feed 处理一条记录；返回非 nil 时本轮结束。
func (r *reader) feed(data []byte, events chan<- Event) Event {
	if string(bytes.TrimSpace(data)) == "[DONE]" {
		return Completed{Text: r.text.String(), ConversationID: r.conversationID}
	}
	rec, err := decodeRecord(data)
	if err != nil {
		r.bad++
		r.lastBad = true
		log.Warnw("skipping malformed stream record", "error", err, "skipped", r.bad)
		if r.maxBad > 0 && r.bad > r.maxBad {
			return Failed{Err: apperr.Protocolf("more than %d malformed records in one stream", r.maxBad)}
		}
		return nil
	}
	r.lastBad = false

	if id := rec.conversationID(); id != nil {
		v := *id
		r.conversationID = &v
	}
	if msg, ok := rec.errorText(); ok {
		return Failed{Err: &RemoteError{Message: msg}}
	}
	if rec.Chunk != nil && *rec.Chunk != "" {
		r.text.WriteString(*rec.Chunk)
		events <- Fragment{Text: *rec.Chunk}
	}
	if rec.done() {
		return Completed{Text: r.text.String(), ConversationID: r.conversationID, MessageID: rec.messageID()}
	}
	return nil
}

func (r *reader) eofError() error {
	if r.lastBad {
		return apperr.Networkf("stream ended with a malformed final record")
	}
	return apperr.Networkf("stream closed before completion")
}

// RemoteError 是后端在流中通过 error 字段报告的错误，Message 原样展示给用户。
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "assistant error: " + e.Message
}

func (c *Client) post(ctx context.Context, path string, turn Turn, accept string) (*http.Response, error) {
	body, err := json.Marshal(turnRequest{Message: turn.Message, ConversationID: turn.ConversationID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, apperr.ErrAuthorization) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, apperr.Networkf("chat request: %w", ctx.Err())
		}
		return nil, apperr.Networkf("chat request: %w", err)
	}
	if err := backend.CheckResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}
