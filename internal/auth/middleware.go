package auth

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	loggerpkg "OpenAgent-Launchpad/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// AllowQuery 允许通过查询参数传递密钥，仅用于 WebSocket。
	AllowQuery bool
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，校验 API Key 并记录审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			presented := r.Header.Get(HeaderName)
			if presented == "" && cfg.AllowQuery {
				presented = r.URL.Query().Get(QueryParam)
			}
			subject, err := s.Authenticate(presented)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrInvalidKey) {
					status = http.StatusForbidden
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(status)})
				loggerpkg.Audit().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"remote", r.RemoteAddr,
					"error", err.Error(),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			loggerpkg.Audit().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"key", subject.Name,
			)
		})
	}
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

// Unwrap 返回底层的 ResponseWriter。
func (w *auditWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack 透传连接接管，WebSocket 升级依赖它。
func (w *auditWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("auth: underlying writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
