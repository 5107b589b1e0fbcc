package permission

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"OpenMCP-Orchestrator/pkg/logger"
)

// UserHeader 是调用方声明自身用户 ID 的请求头。身份认证由上游网关完成。
const UserHeader = "X-User-ID"

// AnonymousUser 是未携带用户头时使用的用户 ID。
const AnonymousUser = "anonymous"

// Middleware 把请求头中的用户解析为 Subject 写入上下文，并记录审计日志。
func (c *Catalogue) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			userID = AnonymousUser
		}
		subject := c.Subject(userID)

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))

		logger.Audit(logger.StreamAPI).Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"user", subject.ID,
		)
	})
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap 让 http.ResponseController 与 websocket 升级访问底层连接。
func (w *auditWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack 支持 websocket 升级。
func (w *auditWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("底层 ResponseWriter 不支持 Hijack")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
