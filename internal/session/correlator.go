// Package session 维护“当前这一轮对话使用哪个后端会话 ID”这一份可变状态。
package session

import (
	"sync"

	"rag-chat-client/internal/apperr"
)

// Correlator 把当前激活的本地会话句柄映射到后端分配的会话 ID。
// 它只记录一个激活会话；写入按 localID 寻址，
// 已经不再激活的会话的迟到结果不会改动当前值。
type Correlator struct {
	mu        sync.RWMutex
	localID   string
	backendID int64
	set       bool
}

// NewCorrelator 创建一个未绑定任何会话的 Correlator。
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// Get 返回当前后端会话 ID；ok 为 false 表示下一轮应请求新的后端会话。
func (c *Correlator) Get() (id int64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backendID, c.set
}

// ActiveLocalID 返回当前绑定的本地会话句柄。
func (c *Correlator) ActiveLocalID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localID
}

// Bind 切换到 localID，并采用它已知的后端 ID（nil 表示尚无后端会话）。
func (c *Correlator) Bind(localID string, backendID *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localID = localID
	if backendID != nil {
		c.backendID, c.set = *backendID, true
	} else {
		c.backendID, c.set = 0, false
	}
}

// Set 记录 localID 第一次成功对话得到的后端 ID。
// 若 localID 已不是当前会话则忽略；若已记录了不同的值则返回 ErrInconsistent，原值保持不变。
func (c *Correlator) Set(localID string, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if localID != c.localID {
		return nil
	}
	if c.set {
		if c.backendID != id {
			return apperr.Inconsistentf("conversation %s is bound to %d, backend returned %d", localID, c.backendID, id)
		}
		return nil
	}
	c.backendID, c.set = id, true
	return nil
}

// Reset 清除绑定，回到“无会话”状态。
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localID = ""
	c.backendID, c.set = 0, false
}
