package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expiry 是从 token 中读出的时间信息。
type Expiry struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Lifetime 返回名义有效期（exp - iat），无法确定时为 0。
func (e Expiry) Lifetime() time.Duration {
	if e.IssuedAt.IsZero() || e.ExpiresAt.IsZero() || !e.ExpiresAt.After(e.IssuedAt) {
		return 0
	}
	return e.ExpiresAt.Sub(e.IssuedAt)
}

// ParseExpiry 在不校验签名的情况下读取 token 的 iat/exp。
// 客户端不持有密钥，只用它来安排主动刷新，不能用于鉴权。
func ParseExpiry(tokenString string) (Expiry, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return Expiry{}, err
	}
	if claims.ExpiresAt == nil {
		return Expiry{}, errors.New("token has no exp claim")
	}
	e := Expiry{ExpiresAt: claims.ExpiresAt.Time}
	if claims.IssuedAt != nil {
		e.IssuedAt = claims.IssuedAt.Time
	}
	return e, nil
}
