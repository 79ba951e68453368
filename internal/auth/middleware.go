// Package auth 为控制面 API 提供静态 Bearer 令牌认证。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	loggerpkg "OpenMCP-Autopilot/pkg/logger"
)

type credential struct {
	name string
	hash [sha256.Size]byte
}

// TokenAuthenticator 校验 Authorization: Bearer 令牌。
// 令牌列表为空时认证关闭，所有请求直接放行。
type TokenAuthenticator struct {
	credentials []credential
	audit       *slog.Logger
}

// NewTokenAuthenticator 解析令牌列表。每项可以是 "name:token" 或单独的 token，
// 后者按位置命名为 token-N。
func NewTokenAuthenticator(tokens []string) *TokenAuthenticator {
	a := &TokenAuthenticator{}
	for i, raw := range tokens {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, token, ok := strings.Cut(raw, ":")
		if !ok || token == "" {
			name, token = fmt.Sprintf("token-%d", i+1), raw
		}
		a.credentials = append(a.credentials, credential{name: name, hash: sha256.Sum256([]byte(token))})
	}
	return a
}

// Enabled 表示是否配置了令牌。
func (a *TokenAuthenticator) Enabled() bool {
	return a != nil && len(a.credentials) > 0
}

// Authenticate 解析 Authorization 头并返回匹配的主体。
func (a *TokenAuthenticator) Authenticate(header string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var matched *credential
	for i := range a.credentials {
		if subtle.ConstantTimeCompare(sum[:], a.credentials[i].hash[:]) == 1 {
			matched = &a.credentials[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return &Subject{Name: matched.name}, nil
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证并记录审计日志。
func (a *TokenAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		logger := a.audit
		if logger == nil {
			logger = loggerpkg.Audit()
		}
		subject, err := a.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			status := http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", `Bearer realm="autopilot"`)
			http.Error(w, http.StatusText(status), status)
			logger.Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", status,
				"error", err.Error(),
			)
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
		if r.Method == http.MethodGet {
			return
		}
		logger.Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"subject", subject.Name,
		)
	})
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
