package repository

import (
	"errors"
	"strings"
	"sync"
	"time"

	"rag-chat-client/internal/model"
)

var (
	// ErrUserNotFound 表示用户不存在。
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailTaken 表示邮箱已被注册。
	ErrEmailTaken = errors.New("email already registered")
)

// UserRepository 接口定义了参考后端的用户数据操作。
type UserRepository interface {
	// Create 保存新用户并为其分配 ID。
	Create(user *model.User, passwordHash string) error
	// FindByEmail 返回用户及其密码哈希。
	FindByEmail(email string) (*model.User, string, error)
	FindByID(userID int64) (*model.User, error)
	// RecordLogin 更新最近登录时间和登录次数。
	RecordLogin(userID int64, at time.Time) (*model.User, error)
	// SetPassword 替换用户的密码哈希。
	SetPassword(userID int64, passwordHash string, at time.Time) error
}

type userRecord struct {
	user         model.User
	passwordHash string
}

// memoryUserRepository 是 UserRepository 的内存实现。
type memoryUserRepository struct {
	mu      sync.RWMutex
	nextID  int64
	byID    map[int64]*userRecord
	byEmail map[string]int64
}

// NewUserRepository 创建一个新的 UserRepository 实例。
func NewUserRepository() UserRepository {
	return &memoryUserRepository{
		nextID:  1,
		byID:    make(map[int64]*userRecord),
		byEmail: make(map[string]int64),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *memoryUserRepository) Create(user *model.User, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	email := normalizeEmail(user.Email)
	if _, ok := r.byEmail[email]; ok {
		return ErrEmailTaken
	}
	user.ID = r.nextID
	user.Email = email
	r.nextID++
	r.byID[user.ID] = &userRecord{user: *user, passwordHash: passwordHash}
	r.byEmail[email] = user.ID
	return nil
}

func (r *memoryUserRepository) FindByEmail(email string) (*model.User, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, "", ErrUserNotFound
	}
	rec := r.byID[id]
	u := rec.user
	return &u, rec.passwordHash, nil
}

func (r *memoryUserRepository) FindByID(userID int64) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := rec.user
	return &u, nil
}

func (r *memoryUserRepository) RecordLogin(userID int64, at time.Time) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	ts := model.Timestamp(at)
	rec.user.LastLogin = &ts
	rec.user.UpdatedAt = &ts
	rec.user.LoginCount++
	u := rec.user
	return &u, nil
}

func (r *memoryUserRepository) SetPassword(userID int64, passwordHash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	ts := model.Timestamp(at)
	rec.passwordHash = passwordHash
	rec.user.UpdatedAt = &ts
	return nil
}
