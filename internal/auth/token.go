package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims はセッショントークンのクレーム。
// jtiはログインごとに異なる値で、同一秒内の再ログインでもトークンが変わる。
type SessionClaims struct {
	UserID int64 `json:"id"`
	jwt.RegisteredClaims
}

// TokenCodec はHS256で署名したセッショントークンの発行と検証を行う。
// 鍵はプロセス全体で1つ、起動時に設定から与えられる。
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenCodec はTokenCodecを生成する。空の鍵は起動時エラーとする。
func NewTokenCodec(secret []byte, ttl time.Duration) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token signing secret must not be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &TokenCodec{secret: key, ttl: ttl}, nil
}

// Issue はuserIDのトークンをnowから有効期間付きで発行し、トークンと有効期限を返す。
func (c *TokenCodec) Issue(userID int64, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(c.ttl)
	claims := SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, claims.ExpiresAt.Time, nil
}

// Decode は署名と構造を検証してクレームを返す。
// 有効期限の判定は呼び出し側が行う。
func (c *TokenCodec) Decode(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return nil, errors.New("session token has no exp claim")
	}
	if claims.UserID <= 0 {
		return nil, errors.New("session token has no id claim")
	}
	return claims, nil
}
