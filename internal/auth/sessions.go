package auth

import (
	"sync"
	"time"
)

// sessionShardCount はアクティブセッション表のシャード数。
const sessionShardCount = 16

// ProviderToken はGoogle Photosへの委任で得たトークン。
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// ActiveSession はログイン中ユーザーのメモリ上のセッション。
// 1ユーザーにつき1件で、再ログインすると上書きされる。
type ActiveSession struct {
	UserID        int64
	Username      string
	CreatedAt     time.Time // ユーザー登録日時
	SessionToken  string
	ExpiresAt     time.Time
	ProviderToken *ProviderToken
}

// sessionTable はユーザーIDをキーとするアクティブセッション表。
// ユーザーIDでシャーディングし、シャードごとのRWMutexで保護する。
type sessionTable struct {
	shards [sessionShardCount]sessionShard
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[int64]*ActiveSession
}

func newSessionTable() *sessionTable {
	t := &sessionTable{}
	for i := range t.shards {
		t.shards[i].sessions = make(map[int64]*ActiveSession)
	}
	return t
}

func (t *sessionTable) shard(userID int64) *sessionShard {
	return &t.shards[uint64(userID)%sessionShardCount]
}

// put はセッションを登録する。既存のセッションは置き換えられ、委任済みトークンも破棄される。
func (t *sessionTable) put(s *ActiveSession) {
	sh := t.shard(s.UserID)
	sh.mu.Lock()
	sh.sessions[s.UserID] = s
	sh.mu.Unlock()
}

// get はセッションのコピーを返す。
func (t *sessionTable) get(userID int64) (ActiveSession, bool) {
	sh := t.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[userID]
	if !ok {
		return ActiveSession{}, false
	}
	return *s, true
}

func (t *sessionTable) remove(userID int64) bool {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[userID]; !ok {
		return false
	}
	delete(sh.sessions, userID)
	return true
}

// sessionToken はユーザーの現在のセッショントークンを返す。
func (t *sessionTable) sessionToken(userID int64) (string, bool) {
	sh := t.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[userID]
	if !ok {
		return "", false
	}
	return s.SessionToken, true
}

// setProviderToken はセッショントークンがsessionTokenのままの場合だけトークンを保存する。
// ログアウトや再ログインでセッションが変わっていればfalseを返す。
func (t *sessionTable) setProviderToken(userID int64, sessionToken string, token ProviderToken) bool {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[userID]
	if !ok || s.SessionToken != sessionToken {
		return false
	}
	updated := *s
	updated.ProviderToken = &token
	sh.sessions[userID] = &updated
	return true
}

func (t *sessionTable) len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
