package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/hermit-cubicles/internal/console/handler"
	"github.com/xela07ax/hermit-cubicles/internal/engine"
	"github.com/xela07ax/hermit-cubicles/internal/infra/auth"
	"go.uber.org/zap"
)

// Scopes токена консоли. "admin" открывает все.
const (
	ScopeInvoke    = "invoke"
	ScopeOperator  = "operator"
	ScopeApprovals = "approvals"
)

// Handlers - обработчики бизнес-доменов. Slack == nil - callback не монтируется.
type Handlers struct {
	Auth      *handler.AuthHandler
	Invoke    *handler.InvokeHandler
	Cubicles  *handler.CubicleHandler
	Budgets   *handler.BudgetHandler
	Approvals *handler.ApprovalHandler
	Agents    *handler.AgentHandler
	Dashboard *handler.DashboardHandler
	Audit     *handler.AuditHandler

	SlackEnabled bool
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка RS256 токенов
	validator auth.TokenValidator
	gatherer  prometheus.Gatherer
	h         Handlers
}

func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, gatherer prometheus.Gatherer, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:    chi.NewRouter(),
		logger:    logger.Named("console-api"),
		validator: validator,
		gatherer:  gatherer,
		h:         h,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Инфраструктурные middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.h.Auth.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
		// Slack не умеет наш JWT, его callback защищен подписью
		if s.h.SlackEnabled {
			r.Post("/v1/approvals/slack", s.h.Approvals.SlackInteraction)
		}
	})

	// --- 3. Защищенный периметр (RS256) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		r.Get("/v1/dashboard/stats", s.h.Dashboard.GetStats)

		r.With(auth.RequireScope(ScopeInvoke)).Post("/v1/invoke", s.h.Invoke.Invoke)

		// Кабинки: просмотр всем, действия - оператору
		r.Route("/v1/cubicles", func(r chi.Router) {
			r.Get("/", s.h.Cubicles.List)
			// Первый сегмент - agentID для тенанта или id кабинки для stop/delete
			r.Route("/{id}/{userID}", func(r chi.Router) {
				r.Get("/", s.h.Cubicles.Status)
				r.Get("/logs", s.h.Cubicles.Logs)
				r.Get("/outbound", s.h.Cubicles.Outbound)
				r.With(auth.RequireScope(ScopeOperator)).Post("/restart", s.h.Cubicles.Restart)
			})
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(ScopeOperator))
				r.Post("/{id}/stop", s.h.Cubicles.Stop)
				r.Delete("/{id}", s.h.Cubicles.Remove)
			})
		})
		r.With(auth.RequireScope(ScopeOperator)).Post("/v1/reaper/sweep", s.h.Cubicles.Sweep)

		r.Route("/v1/budgets", func(r chi.Router) {
			r.Get("/", s.h.Budgets.List)
			r.Get("/{agentID}", s.h.Budgets.Get)
			r.With(auth.RequireScope(ScopeOperator)).Put("/{agentID}", s.h.Budgets.SetLimit)
		})

		// Human-in-the-loop
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.h.Approvals.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Approvals.GetDetails)
				r.With(auth.RequireScope(ScopeApprovals)).Post("/decide", s.h.Approvals.Decide)
			})
		})

		// Агенты и kill-switch
		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/", s.h.Agents.List)
			r.With(auth.RequireScope(ScopeOperator)).Post("/", s.h.Agents.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Agents.Get)
				r.With(auth.RequireScope(ScopeOperator)).Put("/", s.h.Agents.Update)
				r.With(auth.RequireScope(ScopeOperator)).Delete("/", s.h.Agents.Delete)
				r.With(auth.RequireScope(ScopeOperator)).Post("/block", s.h.Agents.Block)
				r.With(auth.RequireScope(ScopeOperator)).Post("/unblock", s.h.Agents.Unblock)
			})
		})

		r.Get("/v1/audit", s.h.Audit.GetLogs)
	})
}

// accessLog - структурный лог запроса через zap вместо middleware.Logger.
func (s *ConsoleServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("trace_id", engine.TraceID(r.Context())))
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
