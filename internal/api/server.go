package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/internal/observability/metrics"
	"OpenAgent-Launchpad/internal/scheduler"
	"OpenAgent-Launchpad/internal/status"
	"OpenAgent-Launchpad/internal/web3"
	"OpenAgent-Launchpad/pkg/logger"
)

// Runtime 是 HTTP 层依赖的运行时能力。
type Runtime interface {
	Status() status.AgentStatus
	Logs() []status.LogEntry
	Start(owner string) error
	Stop() bool
	WithdrawToOwner(ctx context.Context, tokenAddress, amount string) (web3.SentTransaction, error)
	Schedules() []scheduler.Info
	Uptime() time.Duration
}

// Server 负责暴露智能体的 REST 接口。
type Server struct {
	addr    string
	runtime Runtime
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewServer 构造 API 服务实例，m 可以为 nil。
func NewServer(addr string, runtime Runtime, m *metrics.Metrics) *Server {
	return &Server{addr: addr, runtime: runtime, metrics: m, log: logger.Named("api")}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "/status", s.handleStatus)
	s.handle(mux, "/logs", s.handleLogs)
	s.handle(mux, "/start", s.handleStart)
	s.handle(mux, "/stop", s.handleStop)
	s.handle(mux, "/withdraw", s.handleWithdraw)
	s.handle(mux, "/schedules", s.handleSchedules)
	s.handle(mux, "/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return withCORS(mux)
}

func (s *Server) handle(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.Handle(path, s.metrics.Middleware(path, fn))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("智能体 HTTP 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.runtime.Status())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.runtime.Logs())
}

type startRequest struct {
	OwnerAddress string `json:"ownerAddress"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if err := s.runtime.Start(req.OwnerAddress); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Agent started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if !s.runtime.Stop() {
		writeError(w, http.StatusConflict, "agent is not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Agent stopped"})
}

type withdrawRequest struct {
	TokenAddress string      `json:"tokenAddress"`
	Amount       json.Number `json:"amount"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req withdrawRequest
	if err := decodeBody(r, &req); err != nil || req.Amount == "" {
		writeError(w, http.StatusBadRequest, "请求体需要包含 tokenAddress 与 amount")
		return
	}
	sent, err := s.runtime.WithdrawToOwner(r.Context(), req.TokenAddress, req.Amount.String())
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			s.log.Error("提现失败", slog.String("error", err.Error()))
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "hash": sent.Hash})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.runtime.Schedules())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": s.runtime.Uptime().Seconds(),
	})
}

// statusFor 把统一错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeAlreadyRunning:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"success": false, "error": message})
}

// withCORS 允许浏览器端仪表盘直接访问。
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
