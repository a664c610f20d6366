package model

import "time"

// User 是后端返回的用户资料。
type User struct {
	ID         int64      `json:"id"`
	Email      string     `json:"email"`
	FirstName  string     `json:"first_name,omitempty"`
	LastName   string     `json:"last_name,omitempty"`
	FullName   string     `json:"full_name,omitempty"`
	Role       string     `json:"role,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  *Timestamp `json:"created_at,omitempty"`
	UpdatedAt  *Timestamp `json:"updated_at,omitempty"`
	LastLogin  *Timestamp `json:"last_login,omitempty"`
	LoginCount int        `json:"login_count,omitempty"`
}

// DisplayName 返回用于界面展示的名称。
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

// Tokens 是认证接口返回的 token 三元组。
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// AuthSession 是当前登录会话。ExpiresAt 由 access token 推导。
type AuthSession struct {
	Tokens
	User      *User     `json:"user,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// APIState 是后端连通性的三态。
type APIState string

const (
	APIChecking APIState = "checking"
	APIOK       APIState = "ok"
	APIError    APIState = "error"
)

// APIStatus 描述最近一次探测或对话的结果。
type APIStatus struct {
	State     APIState  `json:"state"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checkedAt"`
}
