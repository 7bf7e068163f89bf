package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/photoarchive/internal/metrics"
)

// mockExchanger はExchangerのテスト用モック。
type mockExchanger struct {
	mu         sync.Mutex
	exchangeFn func(ctx context.Context, code, verifier string) (*ProviderToken, error)
	verifiers  map[string]string // state -> verifier
}

func (m *mockExchanger) AuthCodeURL(state, verifier string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verifiers == nil {
		m.verifiers = make(map[string]string)
	}
	m.verifiers[state] = verifier
	return "https://accounts.example.com/auth?" + url.Values{"state": {state}}.Encode()
}

func (m *mockExchanger) Exchange(ctx context.Context, code, verifier string) (*ProviderToken, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code, verifier)
	}
	return &ProviderToken{AccessToken: "ya29.token-for-" + code}, nil
}

func (m *mockExchanger) verifierFor(state string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifiers[state]
}

var _ Exchanger = (*mockExchanger)(nil)

// stateFromURL は認可URLからstateを取り出す。
func stateFromURL(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("invalid auth URL %q: %v", authURL, err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatalf("auth URL has no state: %q", authURL)
	}
	return state
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDelegation(provider Exchanger, sessions *sessionTable, clock *testClock) *Delegation {
	return newDelegation(provider, sessions, DelegationConfig{
		FlowTTL:         600 * time.Second,
		ExchangeTimeout: time.Second,
	}, metrics.Nop{}, slog.Default(), clock.Now)
}

func TestDelegation_Begin_StateIsRandomAndLongEnough(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1})
	sessions.put(&ActiveSession{UserID: 2})
	d := newTestDelegation(&mockExchanger{}, sessions, &testClock{now: time.Now()})

	u1, err := d.Begin(1)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	u2, _ := d.Begin(2)

	s1, s2 := stateFromURL(t, u1), stateFromURL(t, u2)
	if len(s1) < 32 {
		t.Errorf("state length = %d, want >= 32", len(s1))
	}
	if s1 == s2 {
		t.Error("states for different flows should differ")
	}
	if d.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", d.Pending())
	}
}

func TestDelegation_Begin_ReplacesPreviousFlowForSameUser(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1})
	d := newTestDelegation(&mockExchanger{}, sessions, &testClock{now: time.Now()})

	first, _ := d.Begin(1)
	second, _ := d.Begin(1)

	if d.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", d.Pending())
	}

	ctx := context.Background()
	if _, err := d.Complete(ctx, stateFromURL(t, first), "code"); !errors.Is(err, ErrUnknownState) {
		t.Errorf("Complete(first state) error = %v, want ErrUnknownState", err)
	}
	if _, err := d.Complete(ctx, stateFromURL(t, second), "code"); err != nil {
		t.Errorf("Complete(second state) error = %v, want nil", err)
	}
}

func TestDelegation_Complete_SingleUse(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1})
	provider := &mockExchanger{}
	d := newTestDelegation(provider, sessions, &testClock{now: time.Now()})

	authURL, _ := d.Begin(1)
	state := stateFromURL(t, authURL)

	userID, err := d.Complete(context.Background(), state, "abc")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if userID != 1 {
		t.Errorf("userID = %d, want 1", userID)
	}

	s, _ := sessions.get(1)
	if s.ProviderToken == nil || s.ProviderToken.AccessToken != "ya29.token-for-abc" {
		t.Errorf("ProviderToken = %+v", s.ProviderToken)
	}

	if _, err := d.Complete(context.Background(), state, "abc"); !errors.Is(err, ErrUnknownState) {
		t.Errorf("second Complete() error = %v, want ErrUnknownState", err)
	}
}

func TestDelegation_Complete_ConcurrentCallsConsumeOnce(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1, SessionToken: "t1"})
	d := newTestDelegation(&mockExchanger{}, sessions, &testClock{now: time.Now()})

	authURL, _ := d.Begin(1)
	state := stateFromURL(t, authURL)

	const callers = 16
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := d.Complete(context.Background(), state, "abc")
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	successes, unknown := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrUnknownState):
			unknown++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}
	if unknown != callers-1 {
		t.Errorf("ErrUnknownState = %d, want %d", unknown, callers-1)
	}
}

func TestDelegation_Complete_PassesVerifierFromBegin(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1})

	var gotVerifier string
	provider := &mockExchanger{}
	provider.exchangeFn = func(_ context.Context, _, verifier string) (*ProviderToken, error) {
		gotVerifier = verifier
		return &ProviderToken{AccessToken: "tok"}, nil
	}
	d := newTestDelegation(provider, sessions, &testClock{now: time.Now()})

	authURL, _ := d.Begin(1)
	state := stateFromURL(t, authURL)
	if _, err := d.Complete(context.Background(), state, "code"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if gotVerifier == "" || gotVerifier != provider.verifierFor(state) {
		t.Errorf("verifier = %q, want the one generated at Begin (%q)", gotVerifier, provider.verifierFor(state))
	}
}

func TestDelegation_Complete_ExpiredFlow_ReturnsUnknownState(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1})
	clock := &testClock{now: time.Now()}
	d := newTestDelegation(&mockExchanger{}, sessions, clock)

	authURL, _ := d.Begin(1)
	clock.Advance(601 * time.Second)

	// スイープ前でも有効期間を過ぎたフローは使えない
	if _, err := d.Complete(context.Background(), stateFromURL(t, authURL), "code"); !errors.Is(err, ErrUnknownState) {
		t.Errorf("Complete() error = %v, want ErrUnknownState", err)
	}
}

func TestDelegation_Sweep_RemovesOnlyExpiredFlows(t *testing.T) {
	sessions := newSessionTable()
	for id := int64(1); id <= 3; id++ {
		sessions.put(&ActiveSession{UserID: id})
	}
	clock := &testClock{now: time.Now()}
	d := newTestDelegation(&mockExchanger{}, sessions, clock)

	old1, _ := d.Begin(1)
	d.Begin(2)
	clock.Advance(500 * time.Second)
	fresh, _ := d.Begin(3)
	clock.Advance(101 * time.Second)

	if removed := d.Sweep(clock.Now()); removed != 2 {
		t.Errorf("Sweep() removed = %d, want 2", removed)
	}
	if d.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", d.Pending())
	}

	ctx := context.Background()
	if _, err := d.Complete(ctx, stateFromURL(t, old1), "code"); !errors.Is(err, ErrUnknownState) {
		t.Errorf("Complete(swept) error = %v, want ErrUnknownState", err)
	}
	if _, err := d.Complete(ctx, stateFromURL(t, fresh), "code"); err != nil {
		t.Errorf("Complete(fresh) error = %v, want nil", err)
	}
}

func TestDelegation_Complete_InactiveUser(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1})
	called := false
	provider := &mockExchanger{}
	provider.exchangeFn = func(context.Context, string, string) (*ProviderToken, error) {
		called = true
		return &ProviderToken{AccessToken: "tok"}, nil
	}
	d := newTestDelegation(provider, sessions, &testClock{now: time.Now()})

	authURL, _ := d.Begin(1)
	sessions.remove(1)

	if _, err := d.Complete(context.Background(), stateFromURL(t, authURL), "code"); !errors.Is(err, ErrInactiveUser) {
		t.Errorf("Complete() error = %v, want ErrInactiveUser", err)
	}
	if called {
		t.Error("provider exchange should not run for an inactive user")
	}
}

func TestDelegation_Complete_LogoutDuringExchange_DiscardsToken(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1})
	provider := &mockExchanger{}
	provider.exchangeFn = func(context.Context, string, string) (*ProviderToken, error) {
		sessions.remove(1)
		return &ProviderToken{AccessToken: "tok"}, nil
	}
	d := newTestDelegation(provider, sessions, &testClock{now: time.Now()})

	authURL, _ := d.Begin(1)
	if _, err := d.Complete(context.Background(), stateFromURL(t, authURL), "code"); !errors.Is(err, ErrInactiveUser) {
		t.Errorf("Complete() error = %v, want ErrInactiveUser", err)
	}
	if _, ok := sessions.sessionToken(1); ok {
		t.Error("token must not recreate a removed session")
	}
}

func TestDelegation_Complete_ReloginDuringExchange_DiscardsToken(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1, SessionToken: "old"})
	provider := &mockExchanger{}
	provider.exchangeFn = func(context.Context, string, string) (*ProviderToken, error) {
		// 交換中にログアウトして再ログインする
		sessions.remove(1)
		sessions.put(&ActiveSession{UserID: 1, SessionToken: "new"})
		return &ProviderToken{AccessToken: "tok"}, nil
	}
	d := newTestDelegation(provider, sessions, &testClock{now: time.Now()})

	authURL, _ := d.Begin(1)
	if _, err := d.Complete(context.Background(), stateFromURL(t, authURL), "code"); !errors.Is(err, ErrInactiveUser) {
		t.Errorf("Complete() error = %v, want ErrInactiveUser", err)
	}
	s, ok := sessions.get(1)
	if !ok || s.SessionToken != "new" {
		t.Fatalf("session = %+v, %v, want the new session", s, ok)
	}
	if s.ProviderToken != nil {
		t.Errorf("new session must not receive the token of the old flow: %+v", s.ProviderToken)
	}
}

func TestDelegation_Complete_ReloginBeforeCallback_ReturnsInactiveUser(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1, SessionToken: "old"})
	called := false
	provider := &mockExchanger{}
	provider.exchangeFn = func(context.Context, string, string) (*ProviderToken, error) {
		called = true
		return &ProviderToken{AccessToken: "tok"}, nil
	}
	d := newTestDelegation(provider, sessions, &testClock{now: time.Now()})

	authURL, _ := d.Begin(1)
	sessions.put(&ActiveSession{UserID: 1, SessionToken: "new"})

	if _, err := d.Complete(context.Background(), stateFromURL(t, authURL), "code"); !errors.Is(err, ErrInactiveUser) {
		t.Errorf("Complete() error = %v, want ErrInactiveUser", err)
	}
	if called {
		t.Error("provider exchange should not run for a replaced session")
	}
}

func TestDelegation_Begin_WithoutSession_ReturnsInactiveUser(t *testing.T) {
	d := newTestDelegation(&mockExchanger{}, newSessionTable(), &testClock{now: time.Now()})

	if _, err := d.Begin(1); !errors.Is(err, ErrInactiveUser) {
		t.Errorf("Begin() error = %v, want ErrInactiveUser", err)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", d.Pending())
	}
}

func TestDelegation_Complete_ExchangeFailures(t *testing.T) {
	tests := []struct {
		name       string
		exchange   error
		wantIs     error
		wantUpstrm bool
	}{
		{"rejected", fmt.Errorf("%w: invalid_grant", ErrExchangeRejected), ErrExchangeRejected, false},
		{"unavailable", fmt.Errorf("%w: dial tcp", ErrProviderUnavailable), ErrProviderUnavailable, true},
		{"unclassified", errors.New("boom"), ErrProviderUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := newSessionTable()
			sessions.put(&ActiveSession{UserID: 1})
			provider := &mockExchanger{}
			provider.exchangeFn = func(context.Context, string, string) (*ProviderToken, error) {
				return nil, tt.exchange
			}
			d := newTestDelegation(provider, sessions, &testClock{now: time.Now()})

			authURL, _ := d.Begin(1)
			state := stateFromURL(t, authURL)
			_, err := d.Complete(context.Background(), state, "code")
			if !errors.Is(err, tt.wantIs) {
				t.Fatalf("Complete() error = %v, want %v", err, tt.wantIs)
			}
			if !errors.Is(err, ErrDelegation) {
				t.Errorf("error should wrap ErrDelegation: %v", err)
			}
			if errors.Is(err, ErrUpstream) != tt.wantUpstrm {
				t.Errorf("errors.Is(err, ErrUpstream) = %v, want %v", errors.Is(err, ErrUpstream), tt.wantUpstrm)
			}

			s, _ := sessions.get(1)
			if s.ProviderToken != nil {
				t.Error("failed exchange must not set a provider token")
			}
			// 失敗してもフローは消費済み
			if _, err := d.Complete(context.Background(), state, "code"); !errors.Is(err, ErrUnknownState) {
				t.Errorf("retry error = %v, want ErrUnknownState", err)
			}
		})
	}
}

func TestDelegation_Complete_ExchangeHonorsTimeout(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1})
	provider := &mockExchanger{}
	provider.exchangeFn = func(ctx context.Context, _, _ string) (*ProviderToken, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
	}
	d := newDelegation(provider, sessions, DelegationConfig{
		FlowTTL:         time.Minute,
		ExchangeTimeout: 20 * time.Millisecond,
	}, metrics.Nop{}, slog.Default(), time.Now)

	authURL, _ := d.Begin(1)
	start := time.Now()
	_, err := d.Complete(context.Background(), stateFromURL(t, authURL), "code")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Complete() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Complete() took %v, timeout was not applied", elapsed)
	}
}

func TestDelegation_Complete_ExchangeDoesNotBlockOtherFlows(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1})
	sessions.put(&ActiveSession{UserID: 2})

	entered := make(chan struct{})
	release := make(chan struct{})
	provider := &mockExchanger{}
	provider.exchangeFn = func(context.Context, string, string) (*ProviderToken, error) {
		close(entered)
		<-release
		return &ProviderToken{AccessToken: "tok"}, nil
	}
	d := newTestDelegation(provider, sessions, &testClock{now: time.Now()})

	authURL, _ := d.Begin(1)
	done := make(chan error, 1)
	go func() {
		_, err := d.Complete(context.Background(), stateFromURL(t, authURL), "code")
		done <- err
	}()

	<-entered
	// 交換中でも他ユーザーのフロー開始とスイープは進む
	if _, err := d.Begin(2); err != nil {
		t.Fatalf("Begin() during exchange error = %v", err)
	}
	d.Sweep(time.Now())
	close(release)

	if err := <-done; err != nil {
		t.Errorf("Complete() error = %v", err)
	}
}

func TestDelegation_Discard_RemovesUserFlow(t *testing.T) {
	sessions := newSessionTable()
	sessions.put(&ActiveSession{UserID: 1})
	d := newTestDelegation(&mockExchanger{}, sessions, &testClock{now: time.Now()})

	authURL, _ := d.Begin(1)
	d.Discard(1)

	if d.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", d.Pending())
	}
	if _, err := d.Complete(context.Background(), stateFromURL(t, authURL), "code"); !errors.Is(err, ErrUnknownState) {
		t.Errorf("Complete() error = %v, want ErrUnknownState", err)
	}
}
