package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/hitoshi/photoarchive/internal/auth"
	"github.com/hitoshi/photoarchive/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	registerFn           func(ctx context.Context, username, password string) (*model.User, error)
	loginFn              func(ctx context.Context, username, password string) (string, error)
	validateTokenFn      func(token string) (int64, error)
	authenticateFn       func(h http.Header) (int64, error)
	logoutFn             func(userID int64)
	beginDelegationFn    func(h http.Header) (string, error)
	completeDelegationFn func(ctx context.Context, state, code string) (int64, error)
	profileFn            func(userID int64) (*model.Profile, error)
	changePasswordFn     func(ctx context.Context, userID int64, current, next string) error
	deleteAccountFn      func(ctx context.Context, userID int64, password string) error
}

func (m *mockAuthService) Register(ctx context.Context, username, password string) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, username, password)
	}
	return &model.User{ID: 1, Username: username}, nil
}

func (m *mockAuthService) Login(ctx context.Context, username, password string) (string, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, username, password)
	}
	return "", auth.ErrInvalidCredentials
}

func (m *mockAuthService) ValidateToken(token string) (int64, error) {
	if m.validateTokenFn != nil {
		return m.validateTokenFn(token)
	}
	return 0, auth.ErrUnauthenticated
}

// Authenticate は"Bearer good"だけを受け付ける。authenticateFnで上書きできる。
func (m *mockAuthService) Authenticate(h http.Header) (int64, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(h)
	}
	if h.Get("Authorization") == "Bearer good" {
		return 42, nil
	}
	return 0, auth.ErrUnauthenticated
}

func (m *mockAuthService) Logout(userID int64) {
	if m.logoutFn != nil {
		m.logoutFn(userID)
	}
}

func (m *mockAuthService) BeginDelegation(h http.Header) (string, error) {
	if m.beginDelegationFn != nil {
		return m.beginDelegationFn(h)
	}
	if _, err := m.Authenticate(h); err != nil {
		return "", err
	}
	return "https://accounts.google.com/o/oauth2/auth?state=s", nil
}

func (m *mockAuthService) CompleteDelegation(ctx context.Context, state, code string) (int64, error) {
	if m.completeDelegationFn != nil {
		return m.completeDelegationFn(ctx, state, code)
	}
	return 0, auth.ErrUnknownState
}

func (m *mockAuthService) Profile(userID int64) (*model.Profile, error) {
	if m.profileFn != nil {
		return m.profileFn(userID)
	}
	return &model.Profile{ID: userID, Username: "alice"}, nil
}

func (m *mockAuthService) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	if m.changePasswordFn != nil {
		return m.changePasswordFn(ctx, userID, current, next)
	}
	return nil
}

func (m *mockAuthService) DeleteAccount(ctx context.Context, userID int64, password string) error {
	if m.deleteAccountFn != nil {
		return m.deleteAccountFn(ctx, userID, password)
	}
	return nil
}

var _ AuthService = (*mockAuthService)(nil)

type mockSyncer struct {
	startFn   func(userID int64) error
	runningFn func(userID int64) bool
}

func (m *mockSyncer) Start(userID int64) error {
	if m.startFn != nil {
		return m.startFn(userID)
	}
	return nil
}

func (m *mockSyncer) Running(userID int64) bool {
	if m.runningFn != nil {
		return m.runningFn(userID)
	}
	return false
}

var _ MediaSyncer = (*mockSyncer)(nil)

type mockMediaService struct {
	listFn func(ctx context.Context, userID int64) ([]*model.MediaItem, error)
}

func (m *mockMediaService) ListByUserID(ctx context.Context, userID int64) ([]*model.MediaItem, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return nil, nil
}

var _ MediaListService = (*mockMediaService)(nil)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error {
	return m.err
}

// --- ヘルパー ---

// newTestRouter はモックで構成したルーターを返す。
func newTestRouter(svc *mockAuthService, syncer *mockSyncer, media *mockMediaService) http.Handler {
	if svc == nil {
		svc = &mockAuthService{}
	}
	if syncer == nil {
		syncer = &mockSyncer{}
	}
	if media == nil {
		media = &mockMediaService{}
	}
	return NewRouter(&RouterDeps{
		CORSAllowedOrigin: "http://localhost:3000",
		HealthChecker:     &mockHealthChecker{},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
		AuthService:  svc,
		MediaSyncer:  syncer,
		MediaService: media,
	})
}

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}
