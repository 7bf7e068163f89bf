package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// minJWTSecretLength はHS256署名鍵として受け入れる最小バイト数。
const minJWTSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// OAuth（Google Photos への委任）
	GoogleClientID       string        `env:"GOOGLE_CLIENT_ID,required,notEmpty"`
	GoogleClientSecret   string        `env:"GOOGLE_CLIENT_SECRET,required,notEmpty"`
	GoogleRedirectURL    string        `env:"GOOGLE_REDIRECT_URL,required,notEmpty"`
	GoogleAuthURL        string        `env:"GOOGLE_AUTH_URL" envDefault:"https://accounts.google.com/o/oauth2/auth"`
	GoogleTokenURL       string        `env:"GOOGLE_TOKEN_URL" envDefault:"https://oauth2.googleapis.com/token"`
	OAuthScopes          []string      `env:"OAUTH_SCOPES" envSeparator:"," envDefault:"https://www.googleapis.com/auth/photoslibrary.readonly"`
	OAuthFlowTTL         time.Duration `env:"OAUTH_FLOW_TTL" envDefault:"600s"`
	OAuthSweepInterval   time.Duration `env:"OAUTH_SWEEP_INTERVAL" envDefault:"60s"`
	OAuthExchangeTimeout time.Duration `env:"OAUTH_EXCHANGE_TIMEOUT" envDefault:"10s"`

	// Session
	JWTSecret  string        `env:"JWT_SECRET,required,notEmpty"`
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	BcryptCost int           `env:"BCRYPT_COST" envDefault:"10"`

	// Photos API / Archive
	PhotosAPIURL          string        `env:"PHOTOS_API_URL" envDefault:"https://photoslibrary.googleapis.com/v1"`
	PhotosAPIRPS          float64       `env:"PHOTOS_API_RPS" envDefault:"5"`
	ContentDir            string        `env:"CONTENT_DIR" envDefault:"content"`
	DownloadMaxConcurrent int           `env:"DOWNLOAD_MAX_CONCURRENT" envDefault:"4"`
	DownloadTimeout       time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"60s"`
	DownloadMaxBytes      int64         `env:"DOWNLOAD_MAX_BYTES" envDefault:"209715200"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,required,notEmpty"`

	// CORS（未設定時はBASE_URLを使う）
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数の未設定や値の不正はまとめて1つのエラーとして返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.CORSAllowedOrigin == "" {
		cfg.CORSAllowedOrigin = cfg.BaseURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if len(c.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLength))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.OAuthFlowTTL <= 0 {
		errs = append(errs, errors.New("OAUTH_FLOW_TTL must be positive"))
	}
	if c.OAuthSweepInterval <= 0 {
		errs = append(errs, errors.New("OAUTH_SWEEP_INTERVAL must be positive"))
	}
	if c.OAuthExchangeTimeout <= 0 {
		errs = append(errs, errors.New("OAUTH_EXCHANGE_TIMEOUT must be positive"))
	}
	if c.DownloadMaxConcurrent < 1 {
		errs = append(errs, errors.New("DOWNLOAD_MAX_CONCURRENT must be at least 1"))
	}
	if c.PhotosAPIRPS <= 0 {
		errs = append(errs, errors.New("PHOTOS_API_RPS must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
