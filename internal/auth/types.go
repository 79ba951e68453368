package auth

import "errors"

// Subject 是通过认证的调用方。
type Subject struct {
	Name string
}

var (
	// ErrMissingToken 表示请求未携带 Bearer 令牌。
	ErrMissingToken = errors.New("缺少访问令牌")
	// ErrInvalidToken 表示令牌不在允许列表中。
	ErrInvalidToken = errors.New("访问令牌无效")
)
