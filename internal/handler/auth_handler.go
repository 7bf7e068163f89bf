// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/photoarchive/internal/middleware"
	"github.com/hitoshi/photoarchive/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, username, password string) (*model.User, error)
	Login(ctx context.Context, username, password string) (string, error)
	ValidateToken(token string) (int64, error)
	Authenticate(h http.Header) (int64, error)
	Logout(userID int64)
	BeginDelegation(h http.Header) (string, error)
	CompleteDelegation(ctx context.Context, state, code string) (int64, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// SuccessRedirect は委任完了後のリダイレクト先。空の場合は"/"。
	SuccessRedirect string
}

// AuthHandler はユーザー登録・ログイン・委任フローのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	if config.SuccessRedirect == "" {
		config.SuccessRedirect = "/"
	}
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerResponse struct {
	Success bool `json:"success"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid  bool  `json:"valid"`
	UserID int64 `json:"user_id"`
}

type oauthURLResponse struct {
	OAuthURL string `json:"oauth_url"`
}

// Register はユーザーを登録する。
// POST /users/new
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := h.service.Register(r.Context(), req.Username, req.Password); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{Success: true})
}

// Login はユーザー名とパスワードを検証してセッショントークンを返す。
// POST /users/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// Validate はセッショントークンが有効かどうかを返す。
// GET/POST /users/validate
//
// Authorizationヘッダーを優先し、POSTでヘッダーが無い場合のみボディの{"token"}を使う。
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var (
		userID int64
		err    error
	)
	if r.Method == http.MethodPost && r.Header.Get("Authorization") == "" {
		var req validateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		userID, err = h.service.ValidateToken(strings.TrimSpace(req.Token))
	} else {
		userID, err = h.service.Authenticate(r.Header)
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{Valid: true, UserID: userID})
}

// Logout はアクティブセッションを破棄する。
// POST /users/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	h.service.Logout(userID)
	w.WriteHeader(http.StatusNoContent)
}

// OAuthURL は委任フローを開始し、Googleの認可URLを返す。
// GET /users/oauth/url
func (h *AuthHandler) OAuthURL(w http.ResponseWriter, r *http.Request) {
	url, err := h.service.BeginDelegation(r.Header)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, oauthURLResponse{OAuthURL: url})
}

// OAuthCallback はGoogleからのコールバックを処理する。
// GET /users/oauth/callback?state=xxx&code=yyy
//
// 成功時のみリダイレクトし、失敗時は常に構造化エラーを返す。
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")
	if state == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewOAuthMissingParamError("state"))
		return
	}
	code := query.Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewOAuthMissingParamError("code"))
		return
	}

	// フローは最初の照会で消費されるため、クライアントが切断しても交換は最後まで行う。
	// 交換自体はCompleteDelegation側のタイムアウトで打ち切られる。
	userID, err := h.service.CompleteDelegation(context.WithoutCancel(r.Context()), state, code)
	if err != nil {
		slog.Warn("oauth callback failed", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}

	slog.Info("photos access delegated", slog.Int64("user_id", userID))
	http.Redirect(w, r, h.config.SuccessRedirect, http.StatusFound)
}
