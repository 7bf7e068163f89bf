// Package model はドメインモデルを定義する。
package model

import "time"

// User は認証情報ストアに保存されるユーザーを表す。
// PasswordHashはbcryptのハッシュ文字列で、平文パスワードは保持しない。
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile はログイン中ユーザーに返す公開情報。
type Profile struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	Delegated bool      `json:"delegated"`
}
