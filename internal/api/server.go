package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"OpenMCP-Orchestrator/internal/bus"
	"OpenMCP-Orchestrator/internal/observability/metrics"
	"OpenMCP-Orchestrator/internal/permission"
	"OpenMCP-Orchestrator/internal/pipeline"
	"OpenMCP-Orchestrator/internal/task"
	"OpenMCP-Orchestrator/internal/tools"
	"OpenMCP-Orchestrator/pkg/logger"
)

// PipelineProcessor 是 API 使用的流水线入口。
type PipelineProcessor interface {
	Process(ctx context.Context, req pipeline.Request) *pipeline.Result
}

// Dependencies 汇总 API 依赖的组件。除 Registry 外均可为空，对应路由会返回 503。
type Dependencies struct {
	Pipeline       PipelineProcessor
	Registry       *tools.Registry
	Executor       *tools.Executor
	Tasks          *task.Service
	Orchestrator   *task.Orchestrator
	Permissions    *permission.Catalogue
	Bus            *bus.Bus
	AllowedOrigins []string
}

// Server 负责暴露 REST 接口与事件流。
type Server struct {
	addr    string
	deps    Dependencies
	logger  *slog.Logger
	handler http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	s := &Server{addr: addr, deps: deps, logger: logger.Named("api")}
	if s.deps.Permissions == nil {
		s.deps.Permissions = permission.NewCatalogue(nil, nil)
	}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(tracing)
	r.Use(instrument)
	origins := s.deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", permission.UserHeader, "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.deps.Permissions.Middleware)

		r.Post("/pipeline", s.handleProcess)

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", s.handleListTools)
			r.Get("/schemas", s.handleToolSchemas)
			r.Post("/{name}/execute", s.handleExecuteTool)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmitTask)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Delete("/{id}", s.handleCancelTask)
		})

		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", slog.String("addr", s.addr))
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
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tools":  s.toolCount(),
		"time":   time.Now().UTC(),
	})
}

func (s *Server) toolCount() int {
	if s.deps.Registry == nil {
		return 0
	}
	return s.deps.Registry.Count()
}
