package auth

import (
	"errors"
	"fmt"
)

// 認証系のエラー。ハンドラーはerrors.Isでこれらを判定してHTTPステータスに変換する。
var (
	// ErrInvalidCredentials はログイン失敗を表す。ユーザー不在とパスワード不一致を区別しない。
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrUnauthenticated はセッショントークン検証の失敗を表す。
	// ヘッダー欠落、署名不正、期限切れ、失効済みのいずれも同じエラーになる。
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrAlreadyExists はユーザー名の重複を表す。
	ErrAlreadyExists = errors.New("user already exists")

	// ErrUserNotFound はログイン中ユーザーのレコードが既に存在しない場合に返す。
	ErrUserNotFound = errors.New("user not found")

	// ErrUpstream はストレージや外部プロバイダが利用できないことを表す。
	ErrUpstream = errors.New("upstream unavailable")
)

// 委任フローのエラー。すべてErrDelegationをラップする。
var (
	ErrDelegation = errors.New("delegation failed")

	ErrUnknownState        = fmt.Errorf("%w: no flow for state", ErrDelegation)
	ErrInactiveUser        = fmt.Errorf("%w: user is not active", ErrDelegation)
	ErrExchangeRejected    = fmt.Errorf("%w: authorization code rejected", ErrDelegation)
	ErrProviderUnavailable = fmt.Errorf("%w: %w", ErrDelegation, ErrUpstream)
)

// ValidationError は入力値の検証エラー。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func upstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}
