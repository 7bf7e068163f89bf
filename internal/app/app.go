package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/photoarchive/internal/auth"
	"github.com/hitoshi/photoarchive/internal/config"
	"github.com/hitoshi/photoarchive/internal/database"
	"github.com/hitoshi/photoarchive/internal/handler"
	"github.com/hitoshi/photoarchive/internal/logger"
	"github.com/hitoshi/photoarchive/internal/metrics"
	"github.com/hitoshi/photoarchive/internal/photos"
	"github.com/hitoshi/photoarchive/internal/repository"
	"github.com/hitoshi/photoarchive/internal/security"
	"github.com/hitoshi/photoarchive/internal/worker/cleanup"
	"github.com/hitoshi/photoarchive/internal/worker/download"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second

	// mediaDownloadHost はGoogle PhotosのbaseUrlが指すホストのサフィックス。
	mediaDownloadHost = "googleusercontent.com"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components はserveモードで組み立てた依存関係。
type components struct {
	router    http.Handler
	auth      *auth.Service
	sweeper   *cleanup.SweepJob
	scheduler *download.Scheduler
}

// wire は設定とDB接続から全依存関係を組み立てる。
func wire(cfg *config.Config, db *sql.DB) (*components, error) {
	// 1. リポジトリ
	userRepo := repository.NewPostgresUserRepo(db)
	mediaRepo := repository.NewPostgresMediaItemRepo(db)

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. 認証サービス
	codec, err := auth.NewTokenCodec([]byte(cfg.JWTSecret), cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}
	provider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes:       cfg.OAuthScopes,
		AuthURL:      cfg.GoogleAuthURL,
		TokenURL:     cfg.GoogleTokenURL,
		HTTPClient:   &http.Client{Timeout: cfg.OAuthExchangeTimeout},
	})
	authService := auth.NewService(
		userRepo,
		auth.NewBcryptHasher(cfg.BcryptCost),
		codec,
		provider,
		auth.ServiceConfig{
			FlowTTL:         cfg.OAuthFlowTTL,
			ExchangeTimeout: cfg.OAuthExchangeTimeout,
		},
		collector,
	)
	collector.RegisterStateGauges(authService.ActiveSessions, authService.PendingFlows)

	// 4. アーカイブ
	photosClient := photos.NewClient(nil, cfg.PhotosAPIURL, cfg.PhotosAPIRPS, slog.Default())
	fetcher := download.NewFetcher(
		security.NewSSRFGuard(mediaDownloadHost),
		security.NewContentSanitizer(),
		mediaRepo,
		collector,
		slog.Default(),
		download.FetcherConfig{
			ContentDir: cfg.ContentDir,
			Timeout:    cfg.DownloadTimeout,
			MaxBytes:   cfg.DownloadMaxBytes,
		},
	)
	scheduler := download.NewScheduler(
		authService, photosClient, mediaRepo, fetcher,
		slog.Default(), cfg.DownloadMaxConcurrent,
	)

	// 5. ルーター
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(registry),
		AuthService:       authService,
		MediaSyncer:       scheduler,
		MediaService:      mediaRepo,
	})

	return &components{
		router:    router,
		auth:      authService,
		sweeper:   cleanup.NewSweepJob(authService, slog.Default()),
		scheduler: scheduler,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続とマイグレーションを行い、全依存関係をワイヤリングしてHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. マイグレーション
	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("database schema is up to date", slog.Uint64("version", uint64(version)))

	// 3. ワイヤリング
	c, err := wire(cfg, db)
	if err != nil {
		return err
	}
	defer c.scheduler.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. 期限切れの委任フローを定期的に掃除する
	go c.sweeper.Start(ctx, cfg.OAuthSweepInterval)

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
