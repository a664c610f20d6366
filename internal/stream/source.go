package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"rag-chat-client/internal/apperr"
	"rag-chat-client/pkg/log"

	"github.com/gorilla/websocket"
)

// source 逐条产出记录。流正常结束时 Next 返回 io.EOF。
type source interface {
	Next() ([]byte, error)
	Close() error
}

// httpSource 逐行读取响应体，兼容 NDJSON 和 SSE 的 "data: " 前缀。
type httpSource struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func (c *Client) openHTTP(ctx context.Context, turn Turn) (source, error) {
	resp, err := c.post(ctx, "/chat/message/stream", turn, "text/event-stream, application/x-ndjson")
	if err != nil {
		return nil, err
	}
	return &httpSource{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

func (s *httpSource) Next() ([]byte, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if line != "" {
			if data, ok := sseData(line); ok {
				return []byte(data), nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *httpSource) Close() error {
	return s.body.Close()
}

// wsSource 每个文本帧是一条记录。
type wsSource struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	stop      chan struct{}
}

// openWebSocket 连接 /chat/ws 并发送本轮请求。握手被拒绝（401）时轮换一次 token 后重连。
func (c *Client) openWebSocket(ctx context.Context, turn Turn) (source, error) {
	if c.tokens == nil {
		return nil, apperr.Authorizationf("websocket transport needs a token source")
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dial(ctx, tok)
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		if rerr := c.tokens.HandleUnauthorized(ctx, tok); rerr != nil {
			return nil, rerr
		}
		if tok, err = c.tokens.Token(); err != nil {
			return nil, err
		}
		conn, resp, err = c.dial(ctx, tok)
		if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperr.Authorizationf("websocket handshake rejected after token rotation")
		}
	}
	if err != nil {
		return nil, apperr.Networkf("websocket dial: %w", err)
	}

	payload, err := json.Marshal(turnRequest{Message: turn.Message, ConversationID: turn.ConversationID})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, apperr.Networkf("websocket send: %w", err)
	}

	s := &wsSource{conn: conn, stop: make(chan struct{})}
	// ctx 结束时关闭连接，使阻塞中的 ReadMessage 返回
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stop:
		}
	}()
	return s, nil
}

func (c *Client) dial(ctx context.Context, tok string) (*websocket.Conn, *http.Response, error) {
	u, err := url.Parse(c.baseURL + "/chat/ws")
	if err != nil {
		return nil, nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, resp, err
}

func (s *wsSource) Next() ([]byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ != websocket.TextMessage {
			log.Debugf("ignoring websocket frame of type %d", typ)
			continue
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		return data, nil
	}
}

func (s *wsSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}
