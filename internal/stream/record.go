package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"rag-chat-client/internal/apperr"
)

// record 是流中的一条记录。字段都是可选的，兼容 snake_case 与 camelCase，
// 以及带 type 字段（init|content|metadata|error|complete）的格式。
type record struct {
	Type              string          `json:"type"`
	Chunk             *string         `json:"chunk"`
	Error             json.RawMessage `json:"error"`
	ConversationID    *int64          `json:"conversation_id"`
	ConversationIDAlt *int64          `json:"conversationId"`
	Done              bool            `json:"done"`
	MessageID         *int64          `json:"message_id"`
	MessageIDAlt      *int64          `json:"messageId"`
}

func (r *record) conversationID() *int64 {
	if r.ConversationID != nil {
		return r.ConversationID
	}
	return r.ConversationIDAlt
}

func (r *record) messageID() *int64 {
	if r.MessageID != nil {
		return r.MessageID
	}
	return r.MessageIDAlt
}

// errorText 返回 error 字段的文本；字段缺失或为 null 时 ok 为 false。
func (r *record) errorText() (string, bool) {
	raw := bytes.TrimSpace(r.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if r.Type == "error" {
			return "the assistant reported an error", true
		}
		return "", false
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, true
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(raw, &obj) == nil && (obj.Message != "" || obj.Detail != "") {
		if obj.Message != "" {
			return obj.Message, true
		}
		return obj.Detail, true
	}
	return string(raw), true
}

func (r *record) done() bool {
	return r.Done || r.Type == "complete"
}

// decodeRecord 解析一条记录，无法解析时返回 ErrProtocol。
func decodeRecord(data []byte) (*record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, apperr.Protocolf("record is not a JSON object: %.64q", data)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, apperr.Protocolf("malformed record: %w", err)
	}
	return &r, nil
}

// sseData 从一行 SSE / NDJSON 中取出数据部分。ok 为 false 表示该行不承载记录
// （空行、注释、event:/id:/retry: 字段）。
func sseData(line string) (data string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return "", false
	case strings.HasPrefix(trimmed, ":"):
		return "", false
	case strings.HasPrefix(trimmed, "data:"):
		return strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")), true
	case strings.HasPrefix(trimmed, "event:"), strings.HasPrefix(trimmed, "id:"), strings.HasPrefix(trimmed, "retry:"):
		return "", false
	default:
		return trimmed, true
	}
}
