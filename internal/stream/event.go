// Package stream 执行单轮对话，把缓冲和增量两种后端投递方式统一为同一个事件序列：
// 零个或多个 Fragment，然后恰好一个 Completed 或 Failed。
package stream

import (
	"fmt"
	"strings"
)

// Mode 是后端的回复投递方式。
type Mode int

const (
	// Buffered 一次请求返回完整回复。
	Buffered Mode = iota
	// Incremental 以记录流的形式逐段推送回复。
	Incremental
)

func (m Mode) String() string {
	if m == Buffered {
		return "buffered"
	}
	return "incremental"
}

// ParseMode 解析 "buffered" / "incremental"。
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buffered":
		return Buffered, nil
	case "incremental", "streaming", "stream":
		return Incremental, nil
	default:
		return Buffered, fmt.Errorf("unknown chat mode %q", s)
	}
}

// Turn 是一轮对话的请求。ConversationID 为 nil 表示请求后端新建会话。
type Turn struct {
	Message        string
	ConversationID *int64
}

// Event 是 Fragment、Completed、Failed 之一。
type Event interface {
	isEvent()
}

// Fragment 是增量模式下的一段回复文本。
type Fragment struct {
	Text string
}

// Completed 是成功结束的事件。Text 在缓冲模式下是完整回复，增量模式下是已收到分段的拼接。
type Completed struct {
	Text           string
	ConversationID *int64
	MessageID      *int64
}

// Failed 是失败结束的事件。Err 包装了 apperr 中的某个类别。
type Failed struct {
	Err error
}

func (Fragment) isEvent()  {}
func (Completed) isEvent() {}
func (Failed) isEvent()    {}

// Handler 是回调形式的消费方。nil 字段被忽略。
type Handler struct {
	OnFragment func(text string)
	OnComplete func(c Completed)
	OnFailure  func(err error)
}

// Dispatch 消费 events 直到通道关闭，按事件类型调用回调，返回失败原因（成功时为 nil）。
func Dispatch(events <-chan Event, h Handler) error {
	var result error
	for ev := range events {
		switch e := ev.(type) {
		case Fragment:
			if h.OnFragment != nil {
				h.OnFragment(e.Text)
			}
		case Completed:
			if h.OnComplete != nil {
				h.OnComplete(e)
			}
		case Failed:
			result = e.Err
			if h.OnFailure != nil {
				h.OnFailure(e.Err)
			}
		}
	}
	return result
}
