package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/photoarchive/internal/auth"
	"github.com/hitoshi/photoarchive/internal/model"
	"github.com/hitoshi/photoarchive/internal/repository"
	"github.com/hitoshi/photoarchive/internal/worker/download"
)

// memoryUserRepo はUserRepositoryのインメモリ実装。
type memoryUserRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*model.User
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{users: make(map[int64]*model.User)}
}

func (m *memoryUserRepo) FindByUsername(_ context.Context, username string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memoryUserRepo) FindByID(_ context.Context, id int64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

func (m *memoryUserRepo) Create(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return repository.ErrDuplicateKey
		}
	}
	m.nextID++
	user.ID = m.nextID
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	m.users[user.ID] = &copied
	return nil
}

func (m *memoryUserRepo) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memoryUserRepo) DeleteByID(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.users, id)
	return nil
}

var _ repository.UserRepository = (*memoryUserRepo)(nil)

// fakeExchanger は"good-code"だけを受け付けるプロバイダ。
type fakeExchanger struct{}

func (fakeExchanger) AuthCodeURL(state, _ string) string {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

func (fakeExchanger) Exchange(_ context.Context, code, _ string) (*auth.ProviderToken, error) {
	if code != "good-code" {
		return nil, auth.ErrExchangeRejected
	}
	return &auth.ProviderToken{AccessToken: "ya29.token-for-" + code, Expiry: time.Now().Add(time.Hour)}, nil
}

var _ auth.Exchanger = fakeExchanger{}

func newIntegrationRouter(t *testing.T) (http.Handler, *auth.Service) {
	t.Helper()
	codec, err := auth.NewTokenCodec([]byte("0123456789abcdef0123456789abcdef"), 24*time.Hour)
	if err != nil {
		t.Fatalf("NewTokenCodec() error = %v", err)
	}
	svc := auth.NewService(
		newMemoryUserRepo(),
		auth.NewBcryptHasher(bcrypt.MinCost),
		codec,
		fakeExchanger{},
		auth.ServiceConfig{FlowTTL: 10 * time.Minute, ExchangeTimeout: 5 * time.Second},
		nil,
	)
	syncer := &mockSyncer{startFn: func(userID int64) error {
		if _, ok := svc.ProviderAccessToken(userID); !ok {
			return download.ErrNotDelegated
		}
		return nil
	}}
	router := NewRouter(&RouterDeps{
		AuthService:  svc,
		MediaSyncer:  syncer,
		MediaService: &mockMediaService{},
	})
	return router, svc
}

func doJSON(t *testing.T, router http.Handler, method, target, token, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, jsonBody(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := serve(router, req)
	if out != nil && w.Code < 300 {
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, target, err)
		}
	}
	return w
}

// TestAliceScenario_OverHTTP は登録からGoogle Photos委任完了までをHTTP経由で確認する。
func TestAliceScenario_OverHTTP(t *testing.T) {
	router, svc := newIntegrationRouter(t)

	// 1. 登録とログイン
	if w := doJSON(t, router, http.MethodPost, "/users/new", "", `{"username":"alice","password":"wonderland"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}
	var login loginResponse
	if w := doJSON(t, router, http.MethodPost, "/users/login", "", `{"username":"alice","password":"wonderland"}`, &login); w.Code != http.StatusOK {
		t.Fatalf("login status = %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/users/validate", login.Token, "", nil); w.Code != http.StatusOK {
		t.Fatalf("validate status = %d", w.Code)
	}

	// 2. 委任前の同期は409
	if w := doJSON(t, router, http.MethodPost, "/media/sync", login.Token, "", nil); w.Code != http.StatusConflict {
		t.Errorf("sync before delegation status = %d, want %d", w.Code, http.StatusConflict)
	}

	// 3. 認可URLの取得
	var oauth oauthURLResponse
	if w := doJSON(t, router, http.MethodGet, "/users/oauth/url", login.Token, "", &oauth); w.Code != http.StatusOK {
		t.Fatalf("oauth url status = %d", w.Code)
	}
	u, err := url.Parse(oauth.OAuthURL)
	if err != nil {
		t.Fatalf("parse oauth_url: %v", err)
	}
	state := u.Query().Get("state")
	if len(state) < 32 {
		t.Fatalf("state too short: %q", state)
	}

	// 4. コールバック
	callback := "/users/oauth/callback?state=" + url.QueryEscape(state) + "&code=good-code"
	w := doJSON(t, router, http.MethodGet, callback, "", "", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("callback status = %d, body = %s", w.Code, w.Body.String())
	}
	if token, ok := svc.ProviderAccessToken(1); !ok || token != "ya29.token-for-good-code" {
		t.Errorf("provider token = %q, %v", token, ok)
	}

	// 5. 同じstateは2回使えない
	if w := doJSON(t, router, http.MethodGet, callback, "", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("replayed callback status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	// 6. プロフィールに委任済みが反映され、同期を開始できる
	var profile model.Profile
	doJSON(t, router, http.MethodGet, "/users/me", login.Token, "", &profile)
	if profile.Username != "alice" || !profile.Delegated {
		t.Errorf("profile = %+v", profile)
	}
	if w := doJSON(t, router, http.MethodPost, "/media/sync", login.Token, "", nil); w.Code != http.StatusAccepted {
		t.Errorf("sync status = %d, want %d", w.Code, http.StatusAccepted)
	}

	// 7. ログアウト後はトークンが無効
	if w := doJSON(t, router, http.MethodPost, "/users/logout", login.Token, "", nil); w.Code != http.StatusNoContent {
		t.Errorf("logout status = %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/users/me", login.Token, "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("me after logout status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestDuplicateRegistration_OverHTTP(t *testing.T) {
	router, _ := newIntegrationRouter(t)

	doJSON(t, router, http.MethodPost, "/users/new", "", `{"username":"alice","password":"wonderland"}`, nil)
	w := doJSON(t, router, http.MethodPost, "/users/new", "", `{"username":"alice","password":"another-pass"}`, nil)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if code := decodeErrorCode(t, w); code != model.ErrCodeUserAlreadyExists {
		t.Errorf("code = %q, want %q", code, model.ErrCodeUserAlreadyExists)
	}
}

func TestSecondLogin_InvalidatesFirstToken_OverHTTP(t *testing.T) {
	router, _ := newIntegrationRouter(t)
	doJSON(t, router, http.MethodPost, "/users/new", "", `{"username":"alice","password":"wonderland"}`, nil)

	var first, second loginResponse
	doJSON(t, router, http.MethodPost, "/users/login", "", `{"username":"alice","password":"wonderland"}`, &first)
	doJSON(t, router, http.MethodPost, "/users/login", "", `{"username":"alice","password":"wonderland"}`, &second)

	if w := doJSON(t, router, http.MethodGet, "/users/validate", first.Token, "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("first token status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if w := doJSON(t, router, http.MethodGet, "/users/validate", second.Token, "", nil); w.Code != http.StatusOK {
		t.Errorf("second token status = %d, want %d", w.Code, http.StatusOK)
	}
}
