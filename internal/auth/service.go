// Package auth はユーザー登録・ログイン、セッショントークン、
// Google Photosへのアクセス委任フローを提供する。
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/photoarchive/internal/metrics"
	"github.com/hitoshi/photoarchive/internal/model"
	"github.com/hitoshi/photoarchive/internal/repository"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 255
	minPasswordLength = 8
	maxPasswordLength = 72 // bcryptが扱える上限バイト数

	bearerPrefix = "Bearer "

	// dummyPassword は存在しないユーザーへのログインでも照合コストを揃えるために使う。
	dummyPassword = "photoarchive-timing-equalizer"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	FlowTTL         time.Duration // 保留中の委任フローの有効期間
	ExchangeTimeout time.Duration // 認可コード交換のタイムアウト
}

// Service は認証に関するビジネスロジックを提供する。
// アクティブセッションと保留中フローはプロセス内に保持し、全リクエストで共有する。
type Service struct {
	users      repository.UserRepository
	hasher     PasswordHasher
	tokens     *TokenCodec
	sessions   *sessionTable
	delegation *Delegation
	metrics    metrics.AuthRecorder
	now        func() time.Time
	dummyHash  string
}

// NewService はServiceを生成する。recorderがnilの場合はメトリクスを記録しない。
func NewService(
	users repository.UserRepository,
	hasher PasswordHasher,
	tokens *TokenCodec,
	provider Exchanger,
	config ServiceConfig,
	recorder metrics.AuthRecorder,
) *Service {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	s := &Service{
		users:    users,
		hasher:   hasher,
		tokens:   tokens,
		sessions: newSessionTable(),
		metrics:  recorder,
		now:      time.Now,
	}
	s.delegation = newDelegation(provider, s.sessions, DelegationConfig{
		FlowTTL:         config.FlowTTL,
		ExchangeTimeout: config.ExchangeTimeout,
	}, recorder, slog.Default(), func() time.Time { return s.now() })

	// ハッシュ生成に失敗しても空文字との照合は常に失敗するので、ログイン判定には影響しない
	if hash, err := hasher.Hash(dummyPassword); err == nil {
		s.dummyHash = hash
	}
	return s
}

// Register はユーザーを登録する。
// ユーザー名が短すぎる・パスワードが短すぎる場合はValidationError、
// ユーザー名が重複する場合はErrAlreadyExistsを返す。
func (s *Service) Register(ctx context.Context, username, password string) (*model.User, error) {
	if err := validateUsername(username); err != nil {
		s.metrics.RecordRegistration("invalid")
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		s.metrics.RecordRegistration("invalid")
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.metrics.RecordRegistration("invalid")
		} else {
			s.metrics.RecordRegistration("error")
		}
		return nil, err
	}

	user := &model.User{Username: username, PasswordHash: hash}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			s.metrics.RecordRegistration("conflict")
			return nil, ErrAlreadyExists
		}
		s.metrics.RecordRegistration("error")
		return nil, upstream("create user", err)
	}

	s.metrics.RecordRegistration("success")
	slog.Info("user registered", slog.Int64("user_id", user.ID))
	return user, nil
}

// Login はユーザー名とパスワードを照合し、新しいセッショントークンを返す。
// 同じユーザーの既存セッションは置き換えられ、以前のトークンは無効になる。
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		s.metrics.RecordLogin("error")
		return "", upstream("find user", err)
	}
	if user == nil {
		s.hasher.Verify(s.dummyHash, password)
		s.metrics.RecordLogin("invalid_credentials")
		return "", ErrInvalidCredentials
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		s.metrics.RecordLogin("invalid_credentials")
		return "", ErrInvalidCredentials
	}

	token, expiresAt, err := s.tokens.Issue(user.ID, s.now())
	if err != nil {
		s.metrics.RecordLogin("error")
		return "", err
	}

	s.sessions.put(&ActiveSession{
		UserID:       user.ID,
		Username:     user.Username,
		CreatedAt:    user.CreatedAt,
		SessionToken: token,
		ExpiresAt:    expiresAt,
	})

	s.metrics.RecordLogin("success")
	slog.Info("user logged in", slog.Int64("user_id", user.ID))
	return token, nil
}

// Authenticate はAuthorizationヘッダーのBearerトークンを検証し、ユーザーIDを返す。
// 失敗理由にかかわらずErrUnauthenticatedを返す。
func (s *Service) Authenticate(h http.Header) (int64, error) {
	token, ok := bearerToken(h.Get("Authorization"))
	if !ok {
		return 0, ErrUnauthenticated
	}
	return s.ValidateToken(token)
}

// ValidateToken はセッショントークンを検証し、ユーザーIDを返す。
// 署名と有効期限に加えて、アクティブセッションが保持する最新のトークンと一致することを要求する。
func (s *Service) ValidateToken(token string) (int64, error) {
	claims, err := s.tokens.Decode(token)
	if err != nil {
		slog.Debug("session token rejected", slog.String("error", err.Error()))
		return 0, ErrUnauthenticated
	}
	if !s.now().Before(claims.ExpiresAt.Time) {
		return 0, ErrUnauthenticated
	}

	session, ok := s.sessions.get(claims.UserID)
	if !ok {
		return 0, ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(session.SessionToken), []byte(token)) != 1 {
		return 0, ErrUnauthenticated
	}
	return claims.UserID, nil
}

// Logout はユーザーのアクティブセッションと保留中の委任フローを破棄する。
func (s *Service) Logout(userID int64) {
	s.endSession(userID)
	slog.Info("user logged out", slog.Int64("user_id", userID))
}

// BeginDelegation は認証済みユーザーの委任フローを開始し、プロバイダの認可URLを返す。
func (s *Service) BeginDelegation(h http.Header) (string, error) {
	userID, err := s.Authenticate(h)
	if err != nil {
		return "", err
	}
	return s.delegation.Begin(userID)
}

// CompleteDelegation はOAuthコールバックを処理する。
func (s *Service) CompleteDelegation(ctx context.Context, state, code string) (int64, error) {
	return s.delegation.Complete(ctx, state, code)
}

// SweepExpired は有効期間を過ぎた保留中フローを削除し、削除件数を返す。
func (s *Service) SweepExpired(_ context.Context) (int, error) {
	return s.delegation.Sweep(s.now()), nil
}

// ChangePassword は現在のパスワードを確認したうえでパスワードを変更する。
// 変更後は再ログインが必要になる。
func (s *Service) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	if _, err := s.verifyPassword(ctx, userID, currentPassword); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return upstream("update password", err)
	}

	s.endSession(userID)
	slog.Info("password changed", slog.Int64("user_id", userID))
	return nil
}

// DeleteAccount はパスワードを確認したうえでユーザーを削除する。
// アーカイブ済みメディアのレコードはCASCADE削除される。
func (s *Service) DeleteAccount(ctx context.Context, userID int64, password string) error {
	if _, err := s.verifyPassword(ctx, userID, password); err != nil {
		return err
	}

	if err := s.users.DeleteByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return upstream("delete user", err)
	}

	s.endSession(userID)
	slog.Info("account deleted", slog.Int64("user_id", userID))
	return nil
}

// Profile はログイン中ユーザーの公開情報を返す。
func (s *Service) Profile(userID int64) (*model.Profile, error) {
	session, ok := s.sessions.get(userID)
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &model.Profile{
		ID:        session.UserID,
		Username:  session.Username,
		CreatedAt: session.CreatedAt,
		Delegated: session.ProviderToken != nil,
	}, nil
}

// ProviderAccessToken はユーザーが委任済みであればGoogle Photosのアクセストークンを返す。
func (s *Service) ProviderAccessToken(userID int64) (string, bool) {
	session, ok := s.sessions.get(userID)
	if !ok || session.ProviderToken == nil {
		return "", false
	}
	return session.ProviderToken.AccessToken, true
}

// ActiveSessions はアクティブセッション数を返す。
func (s *Service) ActiveSessions() int {
	return s.sessions.len()
}

// PendingFlows は保留中の委任フロー数を返す。
func (s *Service) PendingFlows() int {
	return s.delegation.Pending()
}

func (s *Service) verifyPassword(ctx context.Context, userID int64, password string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, upstream("find user", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) endSession(userID int64) {
	s.sessions.remove(userID)
	s.delegation.Discard(userID)
}

func validateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n < minUsernameLength {
		return &ValidationError{Field: "username", Reason: "Username is too short"}
	}
	if n > maxUsernameLength {
		return &ValidationError{Field: "username", Reason: "Username is too long"}
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return &ValidationError{Field: "password", Reason: "Password is too short"}
	}
	if len(password) > maxPasswordLength {
		return &ValidationError{Field: "password", Reason: fmt.Sprintf("Password must be at most %d bytes", maxPasswordLength)}
	}
	return nil
}

// bearerToken は"Bearer <token>"形式のヘッダー値からトークンを取り出す。
func bearerToken(header string) (string, bool) {
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
