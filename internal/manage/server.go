// Package manage 实现部署控制接口：部署智能体、生成策略、实时转发智能体日志。
package manage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"OpenAgent-Launchpad/internal/auth"
	"OpenAgent-Launchpad/internal/deploy"
	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/internal/llm"
	"OpenAgent-Launchpad/internal/logstream"
	"OpenAgent-Launchpad/internal/observability/metrics"
	"OpenAgent-Launchpad/pkg/logger"
)

const (
	writeWait = 10 * time.Second
	// deployTimeout 限制一次部署的总时长，与请求方的连接无关。
	deployTimeout = 20 * time.Minute
)

// Deployer 执行部署流水线。
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error)
}

// StrategyGenerator 根据描述生成校验过的策略。
type StrategyGenerator interface {
	Generate(ctx context.Context, description, chain string) (*llm.Generated, error)
}

// Dependencies 汇总管理服务的依赖，Generator 与 Logs 可以为 nil。
type Dependencies struct {
	Deployer  Deployer
	Generator StrategyGenerator
	Logs      logstream.Source
	Auth      *auth.Service
	Metrics   *metrics.Metrics
}

// Server 暴露部署控制接口。
type Server struct {
	addr    string
	deps    Dependencies
	started time.Time

	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewServer 构造管理服务。
func NewServer(addr string, deps Dependencies) *Server {
	return &Server{
		addr:    addr,
		deps:    deps,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.Named("manage"),
	}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	protect := s.deps.Auth.Middleware(auth.MiddlewareConfig{})
	mux := http.NewServeMux()
	mux.Handle("/deploy-agent", s.deps.Metrics.Middleware("/deploy-agent",
		s.deps.Auth.Middleware(auth.MiddlewareConfig{AuditEvent: "deploy_agent"})(http.HandlerFunc(s.handleDeploy))))
	mux.Handle("/generate-strategy", s.deps.Metrics.Middleware("/generate-strategy",
		protect(http.HandlerFunc(s.handleGenerate))))
	mux.Handle("/logs-stream/{agentId}",
		s.deps.Auth.Middleware(auth.MiddlewareConfig{AllowQuery: true, AuditEvent: "logs_stream"})(http.HandlerFunc(s.handleLogsStream)))
	mux.Handle("/health", s.deps.Metrics.Middleware("/health", http.HandlerFunc(s.handleHealth)))
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}
	return withCORS(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("部署控制服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type deployRequest struct {
	AgentID      string `json:"agentId"`
	OwnerAddress string `json:"ownerAddress"`
	Strategy     string `json:"strategy"`
	// BaselineFunction 兼容旧前端的字段名，内容同样是策略文档。
	BaselineFunction string `json:"baselineFunction"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req deployRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	strategyDoc := req.Strategy
	if strings.TrimSpace(strategyDoc) == "" {
		strategyDoc = req.BaselineFunction
	}

	// 客户端或代理超时断开时，进行中的镜像构建与推送继续完成。
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), deployTimeout)
	defer cancel()
	result, err := s.deps.Deployer.Deploy(ctx, deploy.Request{
		AgentID:      strings.TrimSpace(req.AgentID),
		OwnerAddress: strings.TrimSpace(req.OwnerAddress),
		Strategy:     strategyDoc,
	})
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("部署失败", slog.String("agent_id", req.AgentID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Failed to deploy agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agentUrl":    result.ServiceURL,
		"serviceName": result.ServiceName,
		"imageUri":    result.ImageURI,
	})
}

type generateRequest struct {
	Description string `json:"description"`
	Chain       string `json:"chain"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Generator == nil {
		writeError(w, http.StatusServiceUnavailable, "strategy generation is not configured")
		return
	}
	var req generateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	generated, err := s.deps.Generator.Generate(r.Context(), req.Description, req.Chain)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.log.Error("策略生成失败", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Failed to generate strategy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy": generated.YAML,
		"parsed":   generated.Strategy,
		"thought":  generated.Thought,
	})
}

// logMessage 是推送给浏览器的一帧日志。
type logMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.PathValue("agentId"))
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	if s.deps.Logs == nil {
		writeError(w, http.StatusServiceUnavailable, "log streaming is not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket 升级失败", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// 读循环只用于感知客户端断开。
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg logMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}
	err = s.deps.Logs.Follow(ctx, deploy.ServiceName(agentID), func(e logstream.Event) error {
		return send(logMessage{Type: "log", Timestamp: e.Timestamp, Message: e.Message})
	})
	if err != nil && ctx.Err() == nil {
		s.log.Warn("日志推送中断", slog.String("agent_id", agentID), slog.String("error", err.Error()))
		message := "log stream failed"
		if xerrors.HasCode(err, xerrors.CodeNotFound) {
			message = "no logs found for agent"
		}
		_ = send(logMessage{Type: "error", Error: message})
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.started).Seconds(),
	})
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
	writeJSON(w, code, map[string]any{"error": message})
}

// withCORS 允许前端直接调用，x-api-key 需要显式放行。
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+auth.HeaderName)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
