// Package kv 提供客户端持久化用的键值存储：本地 JSON 文件、Redis 和内存。
package kv

import "context"

// Store 是一个按固定键名读写字符串值的持久化存储。
type Store interface {
	// Get 返回 key 对应的值；ok 为 false 表示不存在。
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	// Delete 删除给定的键，不存在的键被忽略。
	Delete(ctx context.Context, keys ...string) error
}
