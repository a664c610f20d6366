package auth

// State 是认证会话的生命周期状态。
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	RotatingToken
	LoggedOut
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case RotatingToken:
		return "rotating_token"
	case LoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// usable 表示该状态下可以为请求签名。轮换期间旧 token 仍可使用。
func (s State) usable() bool {
	return s == Authenticated || s == RotatingToken
}

type transition struct {
	from, to State
}
