package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/middleware"
)

// healthCheckTimeout はヘルスチェック時のDB疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsGatherer   prometheus.Gatherer
	HealthChecker     HealthChecker
	AccessVerifier    middleware.AccessTokenVerifier
	IdentityFinder    middleware.IdentityFinder
	SessionChecker    middleware.SessionChecker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// サービス
	AuthService AuthServiceInterface
	ListService ListServiceInterface
	TaskService TaskServiceInterface
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RealIP → Logging → Metrics → SecurityHeaders → CORS
//
// 認証済みルートはAccessGuard → RateLimit(General)、
// トークン再発行とログアウトはSessionGuard、サインアップとログインはRateLimit(Auth)を通る。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService)
	listHandler := NewListHandler(deps.ListService)
	taskHandler := NewTaskHandler(deps.TaskService)
	userHandler := NewUserHandler(deps.UserService)

	accessGuard := middleware.NewAccessGuard(deps.AccessVerifier, deps.Metrics)
	sessionGuard := middleware.NewSessionGuard(deps.IdentityFinder, deps.SessionChecker, deps.Metrics)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.AuthMiddleware())

		r.Post("/users", authHandler.SignUp)
		r.Post("/users/login", authHandler.Login)
	})

	// --- リフレッシュセッションが必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(sessionGuard)

		r.Get("/users/me/access-token", authHandler.RefreshAccessToken)
		r.Delete("/users/me/session", authHandler.Logout)
	})

	// --- アクセストークンが必要なルート ---
	// ミドルウェアスタック: AccessGuard → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(accessGuard)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Delete("/users/me", userHandler.Withdraw)

		r.Route("/lists", func(r chi.Router) {
			r.Get("/", listHandler.ListLists)
			r.Post("/", listHandler.CreateList)

			r.Route("/{listId}", func(r chi.Router) {
				r.Get("/", listHandler.GetList)
				r.Patch("/", listHandler.UpdateList)
				r.Delete("/", listHandler.DeleteList)

				r.Route("/tasks", func(r chi.Router) {
					r.Get("/", taskHandler.ListTasks)
					r.Post("/", taskHandler.CreateTask)
					r.Get("/{taskId}", taskHandler.GetTask)
					r.Patch("/{taskId}", taskHandler.UpdateTask)
					r.Delete("/{taskId}", taskHandler.DeleteTask)
				})
			})
		})
	})

	return r
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status string `json:"status"`
}

// healthHandler はDB疎通を確認し、200または503を返すハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
