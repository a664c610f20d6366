// Package model 包含了客户端的数据模型定义。
package model

import "time"

// Role 表示消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Attachment 是随用户消息附带的本地文件引用。
type Attachment struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
}

// Message 代表会话中的单条消息。
// 助手消息在流式接收期间 IsPending 为 true，内容可变；完成后内容不再修改。
type Message struct {
	ID         int64       `json:"id"` // 会话内单调递增的本地序号
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	IsPending  bool        `json:"isPending"`
}

// Conversation 是客户端持有的一次会话。
// BackendID 只会被设置一次；为 nil 表示该会话还没有与后端完成过一轮成功的对话。
type Conversation struct {
	LocalID     string    `json:"localId"`
	BackendID   *int64    `json:"backendId,omitempty"`
	Title       string    `json:"title"`
	Messages    []Message `json:"messages"`
	LastPreview string    `json:"lastPreview"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PendingMessage 返回当前未完成的助手消息（如果有）。
func (c *Conversation) PendingMessage() (*Message, bool) {
	for i := range c.Messages {
		if c.Messages[i].IsPending {
			return &c.Messages[i], true
		}
	}
	return nil, false
}

// Clone 返回会话的深拷贝，供渲染层安全读取。
func (c *Conversation) Clone() Conversation {
	out := *c
	if c.BackendID != nil {
		id := *c.BackendID
		out.BackendID = &id
	}
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		if m.Attachment != nil {
			att := *m.Attachment
			m.Attachment = &att
		}
		out.Messages[i] = m
	}
	return out
}
