package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/photoarchive/internal/auth"
	"github.com/hitoshi/photoarchive/internal/middleware"
	"github.com/hitoshi/photoarchive/internal/model"
	"github.com/hitoshi/photoarchive/internal/worker/download"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをdstにデコードする。
// 失敗した場合は400を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestBodyError())
		return false
	}
	return true
}

const maxRequestBodyBytes = 64 << 10

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// 内部エラーの詳細はログにのみ記録する。
func handleServiceError(w http.ResponseWriter, err error) {
	var validationErr *auth.ValidationError
	if errors.As(err, &validationErr) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError(validationErr.Reason))
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	statusCode, apiErr := mapServiceError(err)
	if statusCode >= http.StatusInternalServerError {
		slog.Error("service error", slog.Int("status", statusCode), slog.String("error", err.Error()))
	}
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// mapServiceError はサービス層のセンチネルエラーをHTTPステータスとAPIErrorに対応付ける。
// ErrProviderUnavailableはErrUpstreamもラップしているため、先に判定する。
func mapServiceError(err error) (int, *model.APIError) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, model.NewInvalidCredentialsError()
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, model.NewUnauthorizedError()
	case errors.Is(err, auth.ErrAlreadyExists):
		return http.StatusInternalServerError, model.NewUserAlreadyExistsError()
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, model.NewUserNotFoundError()
	case errors.Is(err, auth.ErrUnknownState):
		return http.StatusBadRequest, model.NewOAuthUnknownStateError()
	case errors.Is(err, auth.ErrInactiveUser):
		return http.StatusUnauthorized, model.NewOAuthInactiveUserError()
	case errors.Is(err, auth.ErrExchangeRejected):
		return http.StatusBadGateway, model.NewOAuthExchangeRejectedError()
	case errors.Is(err, auth.ErrProviderUnavailable):
		return http.StatusGatewayTimeout, model.NewProviderUnavailableError()
	case errors.Is(err, download.ErrNotDelegated):
		return http.StatusConflict, model.NewNotDelegatedError()
	case errors.Is(err, download.ErrAlreadyRunning):
		return http.StatusConflict, model.NewSyncAlreadyRunningError()
	case errors.Is(err, auth.ErrUpstream):
		return http.StatusServiceUnavailable, model.NewInternalError()
	default:
		return http.StatusInternalServerError, model.NewInternalError()
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeInvalidRequestBody,
		model.ErrCodeOAuthMissingParam, model.ErrCodeOAuthUnknownState:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized, model.ErrCodeOAuthInactiveUser:
		return http.StatusUnauthorized
	case model.ErrCodeUserNotFound, model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeNotDelegated, model.ErrCodeSyncAlreadyRunning:
		return http.StatusConflict
	case model.ErrCodeOAuthExchangeRejected:
		return http.StatusBadGateway
	case model.ErrCodeProviderUnavailable:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
