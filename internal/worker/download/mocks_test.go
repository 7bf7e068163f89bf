package download

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/photoarchive/internal/metrics"
	"github.com/hitoshi/photoarchive/internal/model"
	"github.com/hitoshi/photoarchive/internal/photos"
	"github.com/hitoshi/photoarchive/internal/repository"
	"github.com/hitoshi/photoarchive/internal/security"
)

// --- モック定義 ---

// mockMediaRepo はMediaItemRepositoryのテスト用モック。
// 関数フィールドが未設定の場合はメモリ上のマップで動作する。
type mockMediaRepo struct {
	mu    sync.Mutex
	items map[string]*model.MediaItem // provider_item_id -> item

	findFn   func(ctx context.Context, userID int64, providerItemID string) (*model.MediaItem, error)
	upsertFn func(ctx context.Context, item *model.MediaItem) error
}

func newMockMediaRepo() *mockMediaRepo {
	return &mockMediaRepo{items: make(map[string]*model.MediaItem)}
}

func (m *mockMediaRepo) FindByProviderItemID(ctx context.Context, userID int64, providerItemID string) (*model.MediaItem, error) {
	if m.findFn != nil {
		return m.findFn(ctx, userID, providerItemID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[providerItemID], nil
}

func (m *mockMediaRepo) Upsert(ctx context.Context, item *model.MediaItem) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, item)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = "media-" + item.ProviderItemID
	item.CreatedAt = time.Now()
	m.items[item.ProviderItemID] = item
	return nil
}

func (m *mockMediaRepo) ListByUserID(_ context.Context, userID int64) ([]*model.MediaItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.MediaItem
	for _, item := range m.items {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *mockMediaRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

var _ repository.MediaItemRepository = (*mockMediaRepo)(nil)

// mockGuard はDownloadGuardのテスト用モック。
// httptestサーバーに接続できるよう、通常のHTTPクライアントを返す。
type mockGuard struct {
	validateFn func(rawURL string) error
}

func (m *mockGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (m *mockGuard) ValidateURL(rawURL string) error {
	if m.validateFn != nil {
		return m.validateFn(rawURL)
	}
	return nil
}

var _ security.DownloadGuard = (*mockGuard)(nil)

// mockTokens はTokenSourceのテスト用モック。
type mockTokens struct {
	tokens map[int64]string
}

func (m *mockTokens) ProviderAccessToken(userID int64) (string, bool) {
	t, ok := m.tokens[userID]
	return t, ok
}

// mockLister はMediaListerのテスト用モック。
type mockLister struct {
	listFn func(ctx context.Context, accessToken string) ([]photos.MediaItem, error)
}

func (m *mockLister) ListAll(ctx context.Context, accessToken string) ([]photos.MediaItem, error) {
	if m.listFn != nil {
		return m.listFn(ctx, accessToken)
	}
	return nil, nil
}

// mockFetcher はMediaFetcherのテスト用モック。
type mockFetcher struct {
	fetchFn func(ctx context.Context, userID int64, item photos.MediaItem) (*model.MediaItem, error)
}

func (m *mockFetcher) Fetch(ctx context.Context, userID int64, item photos.MediaItem) (*model.MediaItem, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, userID, item)
	}
	return &model.MediaItem{ProviderItemID: item.ID}, nil
}

var (
	_ TokenSource  = (*mockTokens)(nil)
	_ MediaLister  = (*mockLister)(nil)
	_ MediaFetcher = (*mockFetcher)(nil)
	_ MediaFetcher = (*Fetcher)(nil)
)

// recordingMetrics はダウンロード結果を記録するArchiveRecorder。
type recordingMetrics struct {
	metrics.Nop
	mu      sync.Mutex
	results []string
	bytes   int64
}

func (r *recordingMetrics) RecordDownload(result string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	r.bytes += n
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
