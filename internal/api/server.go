package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gotchi-caretaker/internal/observability/metrics"
	"gotchi-caretaker/internal/trigger"
	"gotchi-caretaker/pkg/logger"
)

// StatusSource 提供守护进程的运行情况。
type StatusSource interface {
	Status() trigger.Status
}

// Server 负责暴露 REST 接口，供外部触发巡检并查询结果。
type Server struct {
	addr     string
	producer trigger.Producer
	status   StatusSource
	metrics  *metrics.Recorder
	clock    func() time.Time
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, producer trigger.Producer, status StatusSource, recorder *metrics.Recorder) *Server {
	return &Server{
		addr:     addr,
		producer: producer,
		status:   status,
		metrics:  recorder,
		clock:    time.Now,
	}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", s.instrument("/healthz", http.HandlerFunc(s.handleHealth)))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.Handle("/api/v1/runs", s.instrument("/api/v1/runs", http.HandlerFunc(s.handleRuns)))
	mux.Handle("/api/v1/runs/last", s.instrument("/api/v1/runs/last", http.HandlerFunc(s.handleLastRun)))
	return mux
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
	logger.Named("api").Info("http server listening", slog.String("addr", s.addr))

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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	Reason string `json:"reason"`
}

// handleRuns 将手动触发投递到队列，巡检由处理器异步执行。
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	if s.producer == nil {
		writeError(w, http.StatusServiceUnavailable, "trigger queue not configured")
		return
	}

	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = trigger.ReasonManual
	}

	t := trigger.New(reason, s.clock())
	if err := s.producer.Publish(r.Context(), t); err != nil {
		logger.L().Error("enqueue manual trigger failed", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "processor not configured")
		return
	}
	status := s.status.Status()
	if status.Last == nil {
		writeError(w, http.StatusNotFound, "no run has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
