package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/photoarchive/internal/middleware"
)

// AuthService は認証ルートと認証ミドルウェアが使うサービス。auth.Serviceが満たす。
type AuthService interface {
	AuthServiceInterface
	UserServiceInterface
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string

	// ヘルスチェック・メトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証・ユーザー
	AuthService AuthService
	AuthConfig  AuthHandlerConfig

	// メディアアーカイブ
	MediaSyncer  MediaSyncer
	MediaService MediaListService
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	LoggingMiddleware → RecoveryMiddleware → SecurityHeadersMiddleware → CORSMiddleware → (AuthMiddleware)
//
// /users/new・/users/login・/users/validate・/users/oauth/* は認証ミドルウェアの外に配置する。
// /users/oauth/url はサービス側でBearerトークンを検証する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	userHandler := NewUserHandler(deps.AuthService)
	mediaHandler := NewMediaHandler(deps.MediaSyncer, deps.MediaService)

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証不要のルート ---
	r.Route("/users", func(r chi.Router) {
		r.Post("/new", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Get("/validate", authHandler.Validate)
		r.Post("/validate", authHandler.Validate)
		r.Get("/oauth/url", authHandler.OAuthURL)
		r.Get("/oauth/callback", authHandler.OAuthCallback)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAuthMiddleware(deps.AuthService))

			r.Post("/logout", authHandler.Logout)
			r.Get("/me", userHandler.Me)
			r.Delete("/me", userHandler.DeleteAccount)
			r.Put("/password", userHandler.ChangePassword)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.AuthService))

		r.Post("/media/sync", mediaHandler.Sync)
		r.Get("/media", mediaHandler.List)
	})

	return r
}
