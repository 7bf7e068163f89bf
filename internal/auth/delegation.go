package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/photoarchive/internal/logger"
	"github.com/hitoshi/photoarchive/internal/metrics"
)

// stateBytes はCSRF stateの乱数バイト数。base64url化すると43文字になる。
const stateBytes = 32

// Exchanger はOAuth2認可コードフロー（PKCE S256）を行うプロバイダ。
type Exchanger interface {
	// AuthCodeURL はstateとverifierから導出したS256チャレンジを含む認可URLを返す。
	AuthCodeURL(state, verifier string) string
	// Exchange は認可コードとverifierをトークンに交換する。
	Exchange(ctx context.Context, code, verifier string) (*ProviderToken, error)
}

// DelegationConfig は委任フローの設定。
type DelegationConfig struct {
	FlowTTL         time.Duration // 保留中フローの有効期間
	ExchangeTimeout time.Duration // トークン交換のタイムアウト
}

// delegationSessions は委任フローから見たアクティブセッション表。
type delegationSessions interface {
	sessionToken(userID int64) (string, bool)
	setProviderToken(userID int64, sessionToken string, token ProviderToken) bool
}

type pendingFlow struct {
	userID       int64
	sessionToken string // Begin時点のセッション。別のセッションには完了させない
	verifier     string
	createdAt    time.Time
}

// flowTable はstateをキーとする保留中フローの表。
// 1ユーザーにつき保留中フローは最大1件で、byUserがその逆引きを持つ。
type flowTable struct {
	mu      sync.Mutex
	byState map[string]*pendingFlow
	byUser  map[int64]string
}

func newFlowTable() *flowTable {
	return &flowTable{
		byState: make(map[string]*pendingFlow),
		byUser:  make(map[int64]string),
	}
}

// replace はユーザーの既存フローを破棄してから新しいフローを登録する。
func (t *flowTable) replace(state string, flow *pendingFlow) (evicted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byUser[flow.userID]; ok {
		delete(t.byState, old)
		evicted = true
	}
	t.byState[state] = flow
	t.byUser[flow.userID] = state
	return evicted
}

// take はstateのフローを取り出して削除する。同じstateは二度と取り出せない。
func (t *flowTable) take(state string) (*pendingFlow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.byState[state]
	if !ok {
		return nil, false
	}
	delete(t.byState, state)
	if t.byUser[flow.userID] == state {
		delete(t.byUser, flow.userID)
	}
	return flow, true
}

func (t *flowTable) removeUser(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.byUser[userID]
	if !ok {
		return false
	}
	delete(t.byState, state)
	delete(t.byUser, userID)
	return true
}

// sweep はcutoffより前に作られたフローを削除し、削除件数を返す。
func (t *flowTable) sweep(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for state, flow := range t.byState {
		if flow.createdAt.Before(cutoff) {
			delete(t.byState, state)
			if t.byUser[flow.userID] == state {
				delete(t.byUser, flow.userID)
			}
			removed++
		}
	}
	return removed
}

func (t *flowTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byState)
}

// Delegation はGoogle Photosへのアクセス委任フローを管理する。
type Delegation struct {
	flows    *flowTable
	provider Exchanger
	sessions delegationSessions
	config   DelegationConfig
	metrics  metrics.AuthRecorder
	logger   *slog.Logger
	now      func() time.Time
}

func newDelegation(provider Exchanger, sessions delegationSessions, config DelegationConfig, recorder metrics.AuthRecorder, l *slog.Logger, now func() time.Time) *Delegation {
	return &Delegation{
		flows:    newFlowTable(),
		provider: provider,
		sessions: sessions,
		config:   config,
		metrics:  recorder,
		logger:   l,
		now:      now,
	}
}

// Begin はuserIDの委任フローを開始し、プロバイダの認可URLを返す。
// 同じユーザーの保留中フローがあれば置き換える。
func (d *Delegation) Begin(userID int64) (string, error) {
	sessionToken, ok := d.sessions.sessionToken(userID)
	if !ok {
		return "", ErrInactiveUser
	}
	state, err := generateState()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	authURL := d.provider.AuthCodeURL(state, verifier)

	evicted := d.flows.replace(state, &pendingFlow{
		userID:       userID,
		sessionToken: sessionToken,
		verifier:     verifier,
		createdAt:    d.now(),
	})
	d.metrics.RecordDelegationStarted()
	d.logger.Info("delegation flow started",
		slog.Int64("user_id", userID),
		slog.Bool("replaced_previous", evicted),
	)
	return authURL, nil
}

// Complete はコールバックのstateとcodeでフローを完了し、取得したトークンを
// 開始ユーザーのセッションに保存する。成功時はユーザーIDを返す。
// フローは成否にかかわらず最初の照会で消費される。
func (d *Delegation) Complete(ctx context.Context, state, code string) (int64, error) {
	flow, ok := d.flows.take(state)
	if !ok {
		d.metrics.RecordDelegationCompleted("unknown_state")
		return 0, ErrUnknownState
	}
	if d.now().Sub(flow.createdAt) > d.config.FlowTTL {
		d.metrics.RecordDelegationCompleted("unknown_state")
		return 0, ErrUnknownState
	}
	if current, ok := d.sessions.sessionToken(flow.userID); !ok || current != flow.sessionToken {
		d.metrics.RecordDelegationCompleted("inactive_user")
		return 0, ErrInactiveUser
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, d.config.ExchangeTimeout)
	defer cancel()

	start := time.Now()
	token, err := d.provider.Exchange(exchangeCtx, code, flow.verifier)
	d.metrics.ObserveExchangeDuration(time.Since(start))
	if err != nil {
		if !errors.Is(err, ErrDelegation) {
			err = fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		}
		d.metrics.RecordDelegationCompleted("exchange_failed")
		d.logger.Warn("delegation token exchange failed",
			slog.Int64("user_id", flow.userID),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	// 交換中にログアウトまたは再ログインした場合はトークンを捨てる
	if !d.sessions.setProviderToken(flow.userID, flow.sessionToken, *token) {
		d.metrics.RecordDelegationCompleted("inactive_user")
		return 0, ErrInactiveUser
	}

	d.metrics.RecordDelegationCompleted("success")
	d.logger.Info("delegation completed",
		slog.Int64("user_id", flow.userID),
		slog.String("access_token", logger.Mask(token.AccessToken)),
	)
	return flow.userID, nil
}

// Sweep は有効期間を過ぎた保留中フローを削除し、削除件数を返す。
func (d *Delegation) Sweep(now time.Time) int {
	removed := d.flows.sweep(now.Add(-d.config.FlowTTL))
	if removed > 0 {
		d.metrics.RecordFlowsSwept(removed)
	}
	return removed
}

// Discard はユーザーの保留中フローを破棄する。
func (d *Delegation) Discard(userID int64) {
	d.flows.removeUser(userID)
}

// Pending は保留中フローの件数を返す。
func (d *Delegation) Pending() int {
	return d.flows.len()
}

func generateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
