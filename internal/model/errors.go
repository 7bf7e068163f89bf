// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// クライアントに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, delegation, media, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation            = "VALIDATION_FAILED"
	ErrCodeInvalidRequestBody    = "INVALID_REQUEST_BODY"
	ErrCodeInvalidCredentials    = "INVALID_CREDENTIALS"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeUserAlreadyExists     = "USER_ALREADY_EXISTS"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeOAuthMissingParam     = "OAUTH_MISSING_PARAM"
	ErrCodeOAuthUnknownState     = "OAUTH_UNKNOWN_STATE"
	ErrCodeOAuthInactiveUser     = "OAUTH_INACTIVE_USER"
	ErrCodeOAuthExchangeRejected = "OAUTH_EXCHANGE_REJECTED"
	ErrCodeProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	ErrCodeNotDelegated          = "NOT_DELEGATED"
	ErrCodeSyncAlreadyRunning    = "SYNC_ALREADY_RUNNING"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// NewValidationError は入力値の検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  reason,
		Category: "validation",
		Action:   "Fix the highlighted input and try again.",
	}
}

// NewInvalidRequestBodyError はリクエストボディが解釈できない場合のエラーを生成する。
func NewInvalidRequestBodyError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequestBody,
		Message:  "Request body is not valid JSON.",
		Category: "validation",
		Action:   "Send a JSON object with the documented fields.",
	}
}

// NewInvalidCredentialsError はログイン失敗エラーを生成する。
// ユーザー名とパスワードのどちらが誤っていたかは含めない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid username or password",
		Category: "auth",
		Action:   "Check your username and password.",
	}
}

// NewUnauthorizedError はセッショントークンが無効な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Invalid token",
		Category: "auth",
		Action:   "Log in again.",
	}
}

// NewUserAlreadyExistsError はユーザー名重複エラーを生成する。
func NewUserAlreadyExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeUserAlreadyExists,
		Message:  "User already exists",
		Category: "auth",
		Action:   "Choose a different username.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: "auth",
		Action:   "Log in again.",
	}
}

// NewOAuthMissingParamError はコールバックに必須パラメータがない場合のエラーを生成する。
func NewOAuthMissingParamError(param string) *APIError {
	return &APIError{
		Code:     ErrCodeOAuthMissingParam,
		Message:  fmt.Sprintf("No %s param", param),
		Category: "delegation",
		Action:   "Restart the Google Photos authorization from the app.",
	}
}

// NewOAuthUnknownStateError はstateに対応する保留中フローがない場合のエラーを生成する。
func NewOAuthUnknownStateError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthUnknownState,
		Message:  "No flow for state",
		Category: "delegation",
		Action:   "The authorization link expired or was already used. Request a new one.",
	}
}

// NewOAuthInactiveUserError はフロー開始ユーザーがログアウト済みの場合のエラーを生成する。
func NewOAuthInactiveUserError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthInactiveUser,
		Message:  "User is not active",
		Category: "delegation",
		Action:   "Log in again and restart the authorization.",
	}
}

// NewOAuthExchangeRejectedError はプロバイダが認可コードを拒否した場合のエラーを生成する。
func NewOAuthExchangeRejectedError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthExchangeRejected,
		Message:  "Authorization code was rejected by the provider",
		Category: "delegation",
		Action:   "Restart the Google Photos authorization.",
	}
}

// NewProviderUnavailableError は外部プロバイダに到達できない場合のエラーを生成する。
func NewProviderUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  "Provider is temporarily unavailable",
		Category: "system",
		Action:   "Wait a moment and try again.",
	}
}

// NewNotDelegatedError はGoogle Photosへの委任が未完了の場合のエラーを生成する。
func NewNotDelegatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotDelegated,
		Message:  "Google Photos access has not been granted",
		Category: "media",
		Action:   "Authorize Google Photos access first.",
	}
}

// NewSyncAlreadyRunningError は同一ユーザーの同期が実行中の場合のエラーを生成する。
func NewSyncAlreadyRunningError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncAlreadyRunning,
		Message:  "A sync is already running",
		Category: "media",
		Action:   "Wait for the current sync to finish.",
	}
}

// NewNotFoundError は未定義のパスに対するエラーを生成する。
func NewNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  "Not found",
		Category: "system",
		Action:   "Check the request path.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Internal server error",
		Category: "system",
		Action:   "Wait a moment and try again.",
	}
}
