package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"

	"nets-observer/internal/artifact"
	"nets-observer/internal/config"
	"nets-observer/internal/notifier"
	"nets-observer/internal/observability/metrics"
	"nets-observer/internal/verifier"
	"nets-observer/pkg/logger"
)

// Verifier 由 verifier.Verifier 实现。
type Verifier interface {
	Verify(ctx context.Context, req verifier.Request) (*verifier.Report, error)
}

// Server 负责暴露只读查询接口与事件流。
type Server struct {
	cfg      *config.Config
	store    *artifact.Store
	traces   verifier.TraceEnsurer
	verifier Verifier
	notifier *notifier.Notifier
	logger   *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg *config.Config, store *artifact.Store, traces verifier.TraceEnsurer, v Verifier, n *notifier.Notifier) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		traces:   traces,
		verifier: v,
		notifier: n,
		logger:   logger.Named("api"),
	}
}

// Handler 返回挂载了全部路由与中间件的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/api/health", s.handleHealth)
	s.route(mux, "/api/state", s.handleState)
	s.route(mux, "/api/history", s.handleHistory)
	s.route(mux, "/api/traces", s.handleTraces)
	s.route(mux, "/api/trace", s.handleTrace)
	s.route(mux, "/api/fraud", s.handleFraudFiles)
	s.route(mux, "/api/fraud-proof", s.handleFraudProof)
	s.route(mux, "/api/verify", s.handleVerify)
	s.route(mux, "/api/events", s.handleEvents)
	if s.cfg == nil || s.cfg.Metrics.Address == "" {
		mux.Handle("/metrics", metrics.Handler())
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, withMetrics(pattern, onlyGet(h)))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		// 请求上下文继承根上下文，关闭时事件流随之结束。
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func onlyGet(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
			return
		}
		h(w, r)
	}
}

// statusRecorder 记录响应码，并透传 Flush 以支持事件流。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withMetrics(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}
