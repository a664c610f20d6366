package devserver

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"rag-chat-client/internal/model"
)

// FailPrefix 开头的消息会让 EchoResponder 在输出一段内容后报告错误，用于演练客户端的错误路径。
const FailPrefix = "/fail"

// ErrSimulated 是 EchoResponder 模拟的生成失败。
var ErrSimulated = errors.New("simulated generation failure")

// Responder 为一轮对话生成回复，按顺序返回回复的各个分段。
// 返回错误时，已生成的分段仍然有效。
type Responder interface {
	Reply(ctx context.Context, history []model.ChatMessage, message string) ([]string, error)
}

// EchoResponder 复述用户消息，并按单词切分成分段。
type EchoResponder struct{}

func (EchoResponder) Reply(_ context.Context, history []model.ChatMessage, message string) ([]string, error) {
	if strings.HasPrefix(message, FailPrefix) {
		return splitWords("Let me think"), ErrSimulated
	}
	turns := 0
	for _, m := range history {
		if m.Role == model.RoleUser {
			turns++
		}
	}
	reply := "You said: " + message
	if turns > 1 {
		reply += " (message " + strconv.Itoa(turns) + " in this conversation)"
	}
	return splitWords(reply), nil
}

// splitWords 把文本切成以单词为单位的分段，分隔空白归入下一段，拼接后与原文相同。
func splitWords(text string) []string {
	var out []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i] == ' ' && text[i-1] != ' ' {
			out = append(out, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
