package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"rag-chat-client/internal/model"
)

// HistoryMessage 是历史记录中的一条消息。
type HistoryMessage struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	Role           model.Role      `json:"role"`
	Content        string          `json:"content"`
	CreatedAt      model.Timestamp `json:"created_at"`
}

// HistoryResponse 是 GET /chat/history/{id} 的响应。
type HistoryResponse struct {
	ConversationID int64            `json:"conversation_id"`
	Messages       []HistoryMessage `json:"messages"`
	TotalMessages  int              `json:"total_messages"`
	HasMore        bool             `json:"has_more"`
}

// HealthResponse 是 GET /health 的响应。
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// History 获取后端会话的历史消息。limit <= 0 时使用后端默认值。
func (c *Client) History(ctx context.Context, conversationID int64, limit, offset int) (*HistoryResponse, error) {
	path := fmt.Sprintf("/chat/history/%d", conversationID)
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health 探测后端连通性。
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
