package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"OpenMCP-Autopilot/internal/auth"
	"OpenMCP-Autopilot/internal/autopilot"
	xerrors "OpenMCP-Autopilot/internal/errors"
	"OpenMCP-Autopilot/internal/observability/metrics"
	"OpenMCP-Autopilot/internal/worker"
	"OpenMCP-Autopilot/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 接口，供外部驱动 worker。
type Server struct {
	addr            string
	service         *autopilot.Service
	auth            *auth.TokenAuthenticator
	metricsPath     string
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithAuthenticator 为 /api/ 路由启用令牌认证。
func WithAuthenticator(a *auth.TokenAuthenticator) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// WithMetricsPath 在 API 端口上挂载 Prometheus 指标。
func WithMetricsPath(path string) Option {
	return func(s *Server) {
		s.metricsPath = path
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *autopilot.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		service:         svc,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，便于测试。
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/{kind}/start", s.handleStart)
	api.HandleFunc("POST /api/v1/{kind}/stop", s.handleStop)
	api.HandleFunc("GET /api/v1/{kind}/status", s.handleStatus)
	api.HandleFunc("GET /api/v1/{kind}/history", s.handleHistory)

	var protected http.Handler = api
	if s.auth != nil {
		protected = s.auth.Middleware(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", protected)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, metrics.Handler())
	}
	return instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("控制面 API 已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	kind, err := worker.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req autopilot.StartRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.service.Start(r.Context(), kind, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	logger.Audit().Info("worker_start_requested",
		slog.String("subject", auth.SubjectName(r.Context())),
		slog.String("kind", string(kind)),
		slog.String("worker_id", resp.WorkerID),
		slog.Bool("dry_run", resp.DryRun))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	kind, err := worker.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req autopilot.StopRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.service.Stop(r.Context(), kind, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	logger.Audit().Info("worker_stop_requested",
		slog.String("subject", auth.SubjectName(r.Context())),
		slog.String("kind", string(kind)),
		slog.String("worker_id", req.WorkerID),
		slog.Int("stopped", len(resp.Stopped)))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	kind, err := worker.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	req := autopilot.StatusRequest{WorkerID: r.URL.Query().Get("workerId")}
	if raw := r.URL.Query().Get("logLimit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "logLimit must be an integer"))
			return
		}
		req.LogLimit = &limit
	}
	resp, err := s.service.Status(r.Context(), kind, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	kind, err := worker.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	req := autopilot.HistoryRequest{WorkerID: r.URL.Query().Get("workerId")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit must be an integer"))
			return
		}
		req.Limit = limit
	}
	resp, err := s.service.History(r.Context(), kind, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"signerBackend": s.service.SignerBackend(),
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	detail := errorDetail{Code: xerrors.CodeOf(err), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		detail.Message = coded.Message()
	}
	severity := xerrors.SeverityOf(err)
	s.logger.Log(context.Background(), severity.Level(), "请求处理失败",
		slog.String("code", string(detail.Code)),
		slog.String("severity", string(severity)),
		slog.Int("status", status),
		slog.Any("error", err))
	writeJSON(w, status, errorBody{Error: detail})
}

// decodeBody 解析 JSON 请求体，空请求体视为零值。
func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个路由的请求数与耗时。
func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		mux.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
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
